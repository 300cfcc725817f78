package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"
)

type capturingPublisher struct {
	topics   []string
	payloads []any
	err      error
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return p.err
}

func TestMultiFansOutToAllPublishers(t *testing.T) {
	first := &capturingPublisher{}
	second := &capturingPublisher{}
	pub := Multi(first, nil, second)

	frame := LocationFrame{EntityID: "veh-1", Lon: 23.7, Lat: 37.9}
	if err := pub.Publish(context.Background(), TopicLocation, frame); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, got := range map[string]*capturingPublisher{"first": first, "second": second} {
		if len(got.topics) != 1 || got.topics[0] != TopicLocation {
			t.Fatalf("%s publisher topics = %v, want [%s]", name, got.topics, TopicLocation)
		}
		if got.payloads[0].(LocationFrame).EntityID != "veh-1" {
			t.Fatalf("%s publisher payload = %+v", name, got.payloads[0])
		}
	}
}

func TestMultiJoinsErrorsButStillDeliversEverywhere(t *testing.T) {
	boom := errors.New("sink unreachable")
	failing := &capturingPublisher{err: boom}
	healthy := &capturingPublisher{}

	err := Multi(failing, healthy).Publish(context.Background(), TopicLifecycle, LifecycleFrame{
		SessionID: "sess-1",
		Event:     EventCompleted,
		Timestamp: time.Now(),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Publish error = %v, want wrapped %v", err, boom)
	}
	if len(healthy.payloads) != 1 {
		t.Fatalf("healthy publisher payloads = %d, want 1", len(healthy.payloads))
	}
}

func TestNopPublisherDiscards(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), TopicLocation, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
