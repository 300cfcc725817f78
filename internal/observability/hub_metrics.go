package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// HubCollector exposes websocket fan-out metrics. Its recorder methods
// satisfy the broadcast hub's MetricsRecorder interface.
type HubCollector struct {
	gatherer prometheus.Gatherer

	Subscribers     prometheus.Gauge
	FramesPublished prometheus.Counter
	SlowDrops       prometheus.Counter
}

// NewHubCollector registers hub metrics against the provided registerer.
func NewHubCollector(reg prometheus.Registerer) (*HubCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_subscribers",
		Help: "Number of currently connected websocket subscribers.",
	})
	subscribers, err := registerGauge(reg, subscribers, "websocket_subscribers")
	if err != nil {
		return nil, err
	}

	frames := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "websocket_frames_published_total",
		Help: "Cumulative number of frames published to the websocket hub.",
	})
	frames, err = registerCounter(reg, frames, "websocket_frames_published_total")
	if err != nil {
		return nil, err
	}

	drops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "websocket_slow_subscriber_drops_total",
		Help: "Cumulative number of subscribers disconnected because their send backlog filled up.",
	})
	drops, err = registerCounter(reg, drops, "websocket_slow_subscriber_drops_total")
	if err != nil {
		return nil, err
	}

	return &HubCollector{
		gatherer:        gatherer,
		Subscribers:     subscribers,
		FramesPublished: frames,
		SlowDrops:       drops,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *HubCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetSubscribers updates the connected subscriber gauge.
func (c *HubCollector) SetSubscribers(n int) {
	if c == nil || c.Subscribers == nil {
		return
	}
	c.Subscribers.Set(float64(n))
}

// FramePublished counts one frame handed to the hub for fan-out.
func (c *HubCollector) FramePublished() {
	if c == nil || c.FramesPublished == nil {
		return
	}
	c.FramesPublished.Inc()
}

// SlowSubscriberDropped counts a subscriber disconnected for falling behind.
func (c *HubCollector) SlowSubscriberDropped() {
	if c == nil || c.SlowDrops == nil {
		return
	}
	c.SlowDrops.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
