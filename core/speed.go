package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/model"
)

// AttributeSource is a read-only lookup of an entity's configured maximum
// speed, keyed by entity type and external resource id. Implementations
// return metres per second; zero means the record carries no speed.
type AttributeSource interface {
	MaxSpeed(ctx context.Context, entityType model.EntityType, resourceID string) (float64, error)
}

// KmhToMps converts kilometres per hour to metres per second.
func KmhToMps(kmh float64) float64 { return kmh / 3.6 }

// MpsToKmh converts metres per second to kilometres per hour.
func MpsToKmh(mps float64) float64 { return mps * 3.6 }

// SpeedLabel renders a speed in the human form used by broadcast frames.
func SpeedLabel(mps float64) string {
	return fmt.Sprintf("%.0f km/h", MpsToKmh(mps))
}

// fallbackSpeedMps applies when the entity type has no table entry at all.
var fallbackSpeedMps = KmhToMps(10)

// DefaultSpeeds returns the built-in speed table in metres per second.
// Keys are entity types, optionally suffixed with ":<subtype>" for
// per-sub-type entries; lookup falls back from the exact key to the base
// type. Values are overridable through configuration.
func DefaultSpeeds() map[string]float64 {
	return map[string]float64{
		string(model.EntityVehicle):    KmhToMps(60),
		string(model.EntityTeam):       KmhToMps(5),
		string(model.EntityUAV):        KmhToMps(50),
		string(model.EntityRoboticDog): KmhToMps(10),
		string(model.EntityUSV):        KmhToMps(30),

		"vehicle:fire_engine":   KmhToMps(50),
		"vehicle:ambulance":     KmhToMps(80),
		"vehicle:command_truck": KmhToMps(60),
		"uav:quadrotor":         KmhToMps(40),
		"uav:fixed_wing":        KmhToMps(90),
		"usv:rescue_boat":       KmhToMps(30),
	}
}

// SpeedResolver resolves the simulated speed for an entity. Resolution
// order: caller override, then the external attribute record, then the
// static table. Resolution never fails the caller; attribute-source errors
// are logged and fall through to the table.
type SpeedResolver struct {
	source AttributeSource
	table  map[string]float64
	log    logging.Logger
}

// SpeedResolverOption customises SpeedResolver construction.
type SpeedResolverOption func(*SpeedResolver)

// WithAttributeSource attaches the external record lookup consulted before
// the static table.
func WithAttributeSource(src AttributeSource) SpeedResolverOption {
	return func(r *SpeedResolver) {
		r.source = src
	}
}

// WithSpeedTable overlays entries onto the built-in table. Entries with a
// non-positive speed are ignored.
func WithSpeedTable(overrides map[string]float64) SpeedResolverOption {
	return func(r *SpeedResolver) {
		for k, v := range overrides {
			if v > 0 {
				r.table[k] = v
			}
		}
	}
}

// WithSpeedLogger sets the logger for fallback warnings.
func WithSpeedLogger(log logging.Logger) SpeedResolverOption {
	return func(r *SpeedResolver) {
		if log != nil {
			r.log = log
		}
	}
}

// NewSpeedResolver builds a resolver over the built-in table.
func NewSpeedResolver(opts ...SpeedResolverOption) *SpeedResolver {
	r := &SpeedResolver{
		table: DefaultSpeeds(),
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the speed in metres per second for the entity. A positive
// override wins outright; otherwise the attribute record for resourceID is
// consulted, then the table keyed by entity type (exact key first, then the
// base type before any ":" suffix), then the global fallback.
func (r *SpeedResolver) Resolve(ctx context.Context, entityType model.EntityType, resourceID string, override float64) float64 {
	if override > 0 {
		return override
	}

	if r.source != nil && resourceID != "" {
		speed, err := r.source.MaxSpeed(ctx, entityType, resourceID)
		switch {
		case err != nil:
			r.log.Warn(ctx, "speed attribute lookup failed, using defaults",
				logging.String("entity_type", string(entityType)),
				logging.String("resource_id", resourceID),
				logging.Err(err))
		case speed > 0:
			return speed
		}
	}

	key := string(entityType)
	if speed, ok := r.table[key]; ok {
		return speed
	}
	if base, _, ok := strings.Cut(key, ":"); ok {
		if speed, ok := r.table[base]; ok {
			return speed
		}
	}
	r.log.Warn(ctx, "no speed table entry for entity type, using fallback",
		logging.String("entity_type", key))
	return fallbackSpeedMps
}
