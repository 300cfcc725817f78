package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rescuegrid/movement-simulator/internal/logging"
)

const (
	// writeWait bounds a single frame write to a subscriber.
	writeWait = 10 * time.Second
	// pongWait is how long a subscriber may stay silent before the
	// connection is considered dead. Pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sendBufferSize is the per-subscriber frame backlog. A subscriber
	// that falls further behind is disconnected rather than allowed to
	// stall the simulation loops.
	sendBufferSize = 64
)

// wsEnvelope is the wire format for frames delivered over the hub.
type wsEnvelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// MetricsRecorder observes hub activity. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	SetSubscribers(n int)
	FramePublished()
	SlowSubscriberDropped()
}

// Hub fans movement frames out to websocket subscribers. It implements
// Publisher; Publish never blocks on subscriber I/O.
type Hub struct {
	log      logging.Logger
	upgrader websocket.Upgrader
	metrics  MetricsRecorder

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// Option customises Hub construction.
type Option func(*Hub)

// WithMetricsRecorder attaches a recorder for frame and subscriber counts.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(h *Hub) {
		if rec != nil {
			h.metrics = rec
		}
	}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NewHub constructs a Hub. Origin filtering is left to the deployment in
// front of the server, so cross-origin upgrades are accepted.
func NewHub(log logging.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	h := &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Publish marshals the payload once and queues it to every subscriber.
// Subscribers whose backlog is full are disconnected.
func (h *Hub) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(wsEnvelope{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.FramePublished()
	}
	for _, sub := range targets {
		select {
		case sub.send <- data:
		case <-sub.done:
		default:
			h.log.Warn(context.Background(), "dropping slow websocket subscriber",
				logging.String("remote_addr", sub.conn.RemoteAddr().String()))
			if h.metrics != nil {
				h.metrics.SlowSubscriberDropped()
			}
			h.remove(sub)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and registers the connection as a
// subscriber until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetSubscribers(count)
	}
	h.log.Debug(r.Context(), "websocket subscriber connected",
		logging.String("remote_addr", conn.RemoteAddr().String()))

	go h.writePump(sub)
	h.readPump(sub)
}

// readPump discards inbound messages. It exists to process control frames
// and to notice when the peer goes away.
func (h *Hub) readPump(sub *subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the subscriber's queue onto the connection and keeps
// the connection alive with pings.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(sub)
	}()

	for {
		select {
		case data := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sub.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// remove unregisters the subscriber and closes its connection. Safe to
// call more than once.
func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, present := h.subscribers[sub]
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()

	sub.shutdown()
	_ = sub.conn.Close()

	if present {
		if h.metrics != nil {
			h.metrics.SetSubscribers(count)
		}
		h.log.Debug(context.Background(), "websocket subscriber disconnected",
			logging.String("remote_addr", sub.conn.RemoteAddr().String()))
	}
}

// Close disconnects every subscriber and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
		_ = sub.conn.Close()
	}
	if h.metrics != nil {
		h.metrics.SetSubscribers(0)
	}
}
