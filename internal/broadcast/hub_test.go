package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubDeliversPublishedFrames(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, srv)
	waitFor(t, "subscriber registration", func() bool { return hub.SubscriberCount() == 1 })

	frame := LocationFrame{
		EntityID:   "veh-1",
		EntityType: "vehicle",
		Lon:        23.7275,
		Lat:        37.9838,
		Heading:    90,
		Speed:      "60 km/h",
	}
	if err := hub.Publish(context.Background(), TopicLocation, frame); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got struct {
		Topic   string        `json:"topic"`
		Payload LocationFrame `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal(%s): %v", data, err)
	}
	if got.Topic != TopicLocation {
		t.Fatalf("topic = %q, want %q", got.Topic, TopicLocation)
	}
	if got.Payload != frame {
		t.Fatalf("payload = %+v, want %+v", got.Payload, frame)
	}
}

func TestHubFansOutToEverySubscriber(t *testing.T) {
	hub, srv := newTestHub(t)
	first := dialHub(t, srv)
	second := dialHub(t, srv)
	waitFor(t, "both subscribers", func() bool { return hub.SubscriberCount() == 2 })

	if err := hub.Publish(context.Background(), TopicLifecycle, LifecycleFrame{
		SessionID: "sess-1",
		EntityID:  "veh-1",
		Event:     EventStarted,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("subscriber %d ReadMessage: %v", i, err)
		}
	}
}

func TestHubForgetsDisconnectedSubscribers(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, srv)
	waitFor(t, "subscriber registration", func() bool { return hub.SubscriberCount() == 1 })

	conn.Close()
	waitFor(t, "subscriber removal", func() bool { return hub.SubscriberCount() == 0 })

	// Publishing into an empty hub is not an error.
	if err := hub.Publish(context.Background(), TopicLocation, LocationFrame{EntityID: "veh-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, srv)
	waitFor(t, "subscriber registration", func() bool { return hub.SubscriberCount() == 1 })

	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if got := hub.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount after Close = %d, want 0", got)
	}
}
