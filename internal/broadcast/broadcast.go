// Package broadcast delivers movement frames to external consumers.
// Delivery is fire-and-forget end to end: the simulation loops log and
// discard publish errors, and no implementation may block the caller on a
// slow consumer.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/rescuegrid/movement-simulator/internal/logging"
)

// Topics carried by the broadcast layer.
const (
	// TopicLocation carries one frame per simulation tick per session.
	TopicLocation = "movement.location"
	// TopicLifecycle carries one frame per session state transition.
	TopicLifecycle = "movement.lifecycle"
)

// Lifecycle event names.
const (
	EventStarted         = "started"
	EventPaused          = "paused"
	EventResumed         = "resumed"
	EventCancelled       = "cancelled"
	EventCompleted       = "completed"
	EventWaypointReached = "waypoint_reached"
)

// LocationFrame is the per-tick position update for a map display.
type LocationFrame struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	Alt        float64 `json:"alt,omitempty"`
	Heading    float64 `json:"heading"`
	// Speed is the human-readable label, e.g. "60 km/h".
	Speed string `json:"speed"`
}

// LifecycleFrame announces a session state transition.
type LifecycleFrame struct {
	SessionID string  `json:"session_id"`
	EntityID  string  `json:"entity_id"`
	Event     string  `json:"event"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	Alt       float64 `json:"alt,omitempty"`
	// Progress is percent of route distance covered, in [0, 100].
	Progress  float64   `json:"progress_percent"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends a payload to every consumer of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// NopPublisher drops every frame.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// LogPublisher writes frames to the structured log. Used in development
// and as a tap alongside the websocket hub.
type LogPublisher struct {
	log logging.Logger
}

// NewLogPublisher constructs a publisher over log.
func NewLogPublisher(log logging.Logger) *LogPublisher {
	if log == nil {
		log = logging.Noop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.log.Debug(ctx, "broadcast frame",
		logging.String("topic", topic),
		logging.Any("payload", payload))
	return nil
}

// Multi fans a frame out to several publishers, joining their errors.
func Multi(pubs ...Publisher) Publisher {
	return multiPublisher(pubs)
}

type multiPublisher []Publisher

func (m multiPublisher) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
