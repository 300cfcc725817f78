package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManual(start)

	short := m.After(time.Second)
	long := m.After(time.Minute)

	m.Advance(time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("timer fired with %v, want %v", got, start.Add(time.Second))
		}
	default:
		t.Fatal("due timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("undue timer fired")
	default:
	}

	m.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("timer did not fire after its deadline passed")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestManualBlockUntil(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	registered := make(chan struct{})
	go func() {
		m.After(time.Second)
		close(registered)
	}()

	m.BlockUntil(1)
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil returned before the timer registered")
	}
}

func TestSystemClockNow(t *testing.T) {
	before := time.Now()
	got := System().Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("System().Now() = %v outside [%v, %v]", got, before, after)
	}
}
