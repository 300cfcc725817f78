package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rescuegrid/movement-simulator/model"
)

// MovementCollector bundles Prometheus metrics for the simulation engine and
// its HTTP surface. It satisfies the manager's MetricsRecorder and the store's
// StoreMetricsRecorder so both can drive gauges directly from their mutators.
type MovementCollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec

	ActiveSessions    prometheus.Gauge
	TickDurations     prometheus.Histogram
	BroadcastFailures prometheus.Counter
	StoreDegraded     prometheus.Gauge
}

// NewMovementCollector registers movement Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewMovementCollector(reg prometheus.Registerer) (*MovementCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "movement_http_requests_total",
		Help: "Total number of handled HTTP requests, labeled by route, method, and status code.",
	}, []string{"route", "method", "status"})
	requests, err := registerCounterVec(reg, requests, "movement_http_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "movement_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "method"})
	durations, err = registerHistogramVec(reg, durations, "movement_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "movement_sessions_started_total",
		Help: "Total number of movement sessions started, labeled by entity type.",
	}, []string{"entity_type"})
	started, err = registerCounterVec(reg, started, "movement_sessions_started_total")
	if err != nil {
		return nil, err
	}

	ended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "movement_sessions_ended_total",
		Help: "Total number of movement sessions that reached a terminal state, labeled by entity type and final state.",
	}, []string{"entity_type", "state"})
	ended, err = registerCounterVec(reg, ended, "movement_sessions_ended_total")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "movement_active_sessions",
		Help: "Current number of non-terminal movement sessions.",
	}), "movement_active_sessions")
	if err != nil {
		return nil, err
	}

	ticks := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "movement_tick_duration_seconds",
		Help:    "Duration of a single simulation loop step, including persistence.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	ticks, err = registerHistogram(reg, ticks, "movement_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	broadcastFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "movement_broadcast_failures_total",
		Help: "Cumulative number of movement frames the publisher failed to deliver.",
	})
	broadcastFailures, err = registerCounter(reg, broadcastFailures, "movement_broadcast_failures_total")
	if err != nil {
		return nil, err
	}

	degraded, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "movement_store_degraded",
		Help: "1 while the durable store is unreachable and sessions are served from the memory cache, 0 otherwise.",
	}), "movement_store_degraded")
	if err != nil {
		return nil, err
	}

	return &MovementCollector{
		gatherer:          gatherer,
		HTTPRequests:      requests,
		HTTPDurations:     durations,
		SessionsStarted:   started,
		SessionsEnded:     ended,
		ActiveSessions:    active,
		TickDurations:     ticks,
		BroadcastFailures: broadcastFailures,
		StoreDegraded:     degraded,
	}, nil
}

// Middleware instruments an HTTP handler with request counts and durations.
// routeFn names the route for the metric labels and should return a bounded
// set of values such as router path templates; a nil routeFn labels requests
// with the raw URL path.
func (c *MovementCollector) Middleware(routeFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			if c == nil {
				return
			}
			route := r.URL.Path
			if routeFn != nil {
				if named := routeFn(r); named != "" {
					route = named
				}
			}
			if c.HTTPRequests != nil {
				c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
			}
			if c.HTTPDurations != nil {
				c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			}
		})
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MovementCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SessionStarted counts a newly launched session.
func (c *MovementCollector) SessionStarted(entityType string) {
	if c == nil || c.SessionsStarted == nil {
		return
	}
	c.SessionsStarted.WithLabelValues(entityType).Inc()
}

// SessionEnded counts a session reaching a terminal state.
func (c *MovementCollector) SessionEnded(entityType string, state model.SessionState) {
	if c == nil || c.SessionsEnded == nil {
		return
	}
	c.SessionsEnded.WithLabelValues(entityType, string(state)).Inc()
}

// SetActiveSessions updates the active session gauge.
func (c *MovementCollector) SetActiveSessions(n int) {
	if c == nil || c.ActiveSessions == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

// ObserveTick records the duration of one simulation loop step.
func (c *MovementCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDurations == nil {
		return
	}
	c.TickDurations.Observe(d.Seconds())
}

// BroadcastFailed counts a frame the publisher could not deliver.
func (c *MovementCollector) BroadcastFailed() {
	if c == nil || c.BroadcastFailures == nil {
		return
	}
	c.BroadcastFailures.Inc()
}

// SetStoreDegraded reflects the fallback store's degradation state.
func (c *MovementCollector) SetStoreDegraded(degraded bool) {
	if c == nil || c.StoreDegraded == nil {
		return
	}
	if degraded {
		c.StoreDegraded.Set(1)
		return
	}
	c.StoreDegraded.Set(0)
}

// statusWriter captures the response status code for the metrics labels while
// forwarding hijack and flush so websocket upgrades and streamed responses
// keep working behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
