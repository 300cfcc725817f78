// Package api exposes the movement engine over a JSON REST surface plus a
// websocket feed. Every response is wrapped in a {success, data, error}
// envelope; domain errors map onto 400/404/409 by their taxonomy root.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/internal/movement"
	"github.com/rescuegrid/movement-simulator/internal/observability"
	"github.com/rescuegrid/movement-simulator/internal/resource"
	"github.com/rescuegrid/movement-simulator/model"
)

// maxBodyBytes bounds request bodies; routes are small control messages.
const maxBodyBytes = 1 << 20

// DegradedProber reports whether the session store is running on its
// in-process fallback.
type DegradedProber interface {
	Degraded() bool
}

// Server routes REST and websocket traffic onto the movement engine.
type Server struct {
	manager  *movement.Manager
	batches  *movement.BatchService
	resolver *core.SpeedResolver
	registry *resource.Registry

	stream  http.Handler
	health  DegradedProber
	log     logging.Logger
	metrics *observability.MovementCollector
	tracer  trace.Tracer
}

// Option customises Server construction.
type Option func(*Server)

// WithLogger sets the base logger for request logging.
func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics instruments every route with the collector's HTTP middleware.
func WithMetrics(collector *observability.MovementCollector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithWebsocket mounts h on /ws/movements.
func WithWebsocket(h http.Handler) Option {
	return func(s *Server) {
		s.stream = h
	}
}

// WithHealthProber feeds the store degradation flag into /healthz.
func WithHealthProber(p DegradedProber) Option {
	return func(s *Server) {
		s.health = p
	}
}

// NewServer wires the handlers. manager, batches, resolver, and registry
// are required; everything else is optional.
func NewServer(manager *movement.Manager, batches *movement.BatchService, resolver *core.SpeedResolver, registry *resource.Registry, opts ...Option) *Server {
	s := &Server{
		manager:  manager,
		batches:  batches,
		resolver: resolver,
		registry: registry,
		log:      logging.Noop(),
		tracer:   otel.Tracer("movement-api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table with the middleware chain applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware(routeTemplate))
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/movements", s.handleStartMovement).Methods(http.MethodPost)
	api.HandleFunc("/movements", s.handleListMovements).Methods(http.MethodGet)
	api.HandleFunc("/movements/{id}", s.handleMovementStatus).Methods(http.MethodGet)
	api.HandleFunc("/movements/{id}/pause", s.controlHandler("pause", s.manager.PauseMovement)).Methods(http.MethodPost)
	api.HandleFunc("/movements/{id}/resume", s.controlHandler("resume", s.manager.ResumeMovement)).Methods(http.MethodPost)
	api.HandleFunc("/movements/{id}/cancel", s.controlHandler("cancel", s.manager.CancelMovement)).Methods(http.MethodPost)

	api.HandleFunc("/batches", s.handleStartBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}", s.handleBatchStatus).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}", s.handleDeleteBatch).Methods(http.MethodDelete)
	api.HandleFunc("/batches/{id}/pause", s.batchControlHandler(s.batches.PauseBatch)).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/resume", s.batchControlHandler(s.batches.ResumeBatch)).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/cancel", s.batchControlHandler(s.batches.CancelBatch)).Methods(http.MethodPost)

	api.HandleFunc("/speeds/{entityType}", s.handleResolveSpeed).Methods(http.MethodGet)

	api.HandleFunc("/resources", s.handleListResources).Methods(http.MethodGet)
	api.HandleFunc("/resources/{entityType}/{resourceID}", s.handlePutResource).Methods(http.MethodPut)
	api.HandleFunc("/resources/{entityType}/{resourceID}", s.handleGetResource).Methods(http.MethodGet)
	api.HandleFunc("/resources/{entityType}/{resourceID}", s.handleDeleteResource).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.stream != nil {
		r.Handle("/ws/movements", s.stream)
	}
	return r
}

// requestMiddleware tags each request with an id, swaps in a request-scoped
// logger, opens a span, and writes an access log line on the way out.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.EnsureRequestID(r.Context())
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log)
		w.Header().Set("X-Request-ID", requestID)

		route := routeTemplate(r)
		if route == "" {
			route = r.URL.Path
		}
		ctx, span := s.tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		reqLog.Info(ctx, "http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

// routeTemplate names the matched route for metric labels and span names.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		logging.LoggerFromContext(ctx).Warn(ctx, "failed to write response", logging.Err(err))
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFromError(err)
	msg := err.Error()
	log := logging.LoggerFromContext(ctx)
	if status == http.StatusInternalServerError {
		log.Error(ctx, "request failed", logging.Err(err))
		msg = "internal error"
	} else {
		log.Debug(ctx, "request rejected",
			logging.Int("status", status), logging.Err(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody unmarshals a bounded JSON request body into dst. Failures are
// validation errors for the mapper.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request body: %v", model.ErrValidation, err)
	}
	return nil
}

type healthResponse struct {
	Status         string `json:"status"`
	StoreDegraded  bool   `json:"store_degraded"`
	ActiveSessions int    `json:"active_sessions"`
}

// handleHealth reports liveness. A degraded store still serves traffic from
// the memory fallback, so the endpoint stays 200 and carries the flag.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := s.health != nil && s.health.Degraded()
	status := "ok"
	if degraded {
		status = "degraded"
	}
	s.writeJSON(r.Context(), w, http.StatusOK, healthResponse{
		Status:         status,
		StoreDegraded:  degraded,
		ActiveSessions: len(s.manager.ListActive(r.Context())),
	})
}

// responseRecorder captures the status code for the access log while
// forwarding hijack and flush so the websocket upgrade keeps working.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (w *responseRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *responseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
