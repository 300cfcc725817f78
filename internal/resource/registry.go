// Package resource tracks attribute records registered for rescue assets.
// The registry is the live source consulted by speed resolution at movement
// start; records arrive over the REST surface from the resource-management
// side of the platform.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/model"
)

var (
	ErrResourceNotFound = fmt.Errorf("resource %w", model.ErrNotFound)
)

// Attributes is the registered record for one resource.
type Attributes struct {
	// MaxSpeedKmh is the asset's top speed. Zero means unspecified, in
	// which case speed resolution falls back to the static table.
	MaxSpeedKmh float64 `json:"max_speed_kmh,omitempty"`
	Callsign    string  `json:"callsign,omitempty"`
	Crew        int     `json:"crew,omitempty"`
	// Capabilities are free-form tags such as "thermal_camera" or "winch".
	Capabilities []string  `json:"capabilities,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a Attributes) clone() Attributes {
	out := a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return out
}

// Record pairs an attribute set with the identity it was registered under.
type Record struct {
	EntityType model.EntityType `json:"entity_type"`
	ResourceID string           `json:"resource_id"`
	Attributes
}

// Registry is the in-process attribute store. It implements
// core.AttributeSource for speed resolution.
type Registry struct {
	log logging.Logger

	mu      sync.RWMutex
	records map[string]Attributes
}

// NewRegistry constructs an empty registry.
func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	return &Registry{
		log:     log,
		records: make(map[string]Attributes),
	}
}

func recordKey(entityType model.EntityType, resourceID string) string {
	return string(entityType) + "/" + resourceID
}

// Put registers or replaces the record for (entityType, resourceID) and
// returns the stored form. Entity types are not restricted to the built-in
// set; new asset types register without a code change.
func (r *Registry) Put(ctx context.Context, entityType model.EntityType, resourceID string, attrs Attributes) (Record, error) {
	if entityType == "" {
		return Record{}, fmt.Errorf("%w: entity type is required", model.ErrValidation)
	}
	if resourceID == "" {
		return Record{}, fmt.Errorf("%w: resource id is required", model.ErrValidation)
	}
	if attrs.MaxSpeedKmh < 0 {
		return Record{}, fmt.Errorf("%w: max speed must not be negative, got %.2f", model.ErrValidation, attrs.MaxSpeedKmh)
	}

	stored := attrs.clone()
	stored.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	r.records[recordKey(entityType, resourceID)] = stored
	r.mu.Unlock()

	r.log.Info(ctx, "resource attributes registered",
		logging.String("entity_type", string(entityType)),
		logging.String("resource_id", resourceID),
		logging.Float64("max_speed_kmh", stored.MaxSpeedKmh))

	return Record{EntityType: entityType, ResourceID: resourceID, Attributes: stored.clone()}, nil
}

// Get returns the record for (entityType, resourceID).
func (r *Registry) Get(_ context.Context, entityType model.EntityType, resourceID string) (Record, error) {
	r.mu.RLock()
	attrs, ok := r.records[recordKey(entityType, resourceID)]
	r.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrResourceNotFound, entityType, resourceID)
	}
	return Record{EntityType: entityType, ResourceID: resourceID, Attributes: attrs.clone()}, nil
}

// Delete removes the record for (entityType, resourceID).
func (r *Registry) Delete(_ context.Context, entityType model.EntityType, resourceID string) error {
	key := recordKey(entityType, resourceID)

	r.mu.Lock()
	_, ok := r.records[key]
	delete(r.records, key)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrResourceNotFound, entityType, resourceID)
	}
	return nil
}

// List returns registered records, optionally filtered to one entity type,
// ordered by entity type then resource id.
func (r *Registry) List(_ context.Context, entityType model.EntityType) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for key, attrs := range r.records {
		rec := splitKey(key)
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		rec.Attributes = attrs.clone()
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

func splitKey(key string) Record {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return Record{EntityType: model.EntityType(key[:i]), ResourceID: key[i+1:]}
		}
	}
	return Record{ResourceID: key}
}

// MaxSpeed implements core.AttributeSource. An absent record resolves to
// (0, nil): absence is an ordinary condition, not a lookup failure, and the
// resolver falls through to its table without logging.
func (r *Registry) MaxSpeed(ctx context.Context, entityType model.EntityType, resourceID string) (float64, error) {
	rec, err := r.Get(ctx, entityType, resourceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return core.KmhToMps(rec.MaxSpeedKmh), nil
}
