package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rescuegrid/movement-simulator/model"
)

func testSession(id, entity string, state model.SessionState) *model.MovementSession {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s := &model.MovementSession{
		ID:         id,
		EntityID:   entity,
		EntityType: model.EntityVehicle,
		Route:      []model.GeoPoint{{Lon: 0, Lat: 0}, {Lon: 0, Lat: 1}},
		Speed:      10,
		State:      state,
		CreatedAt:  created,
		StartedAt:  created,
	}
	if state.Terminal() {
		ended := created.Add(time.Hour)
		s.CompletedAt = &ended
	}
	return s
}

func TestMemorySaveGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	want := testSession("m-1", "veh-1", model.StateMoving)
	if err := m.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := m.GetSession(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != want.ID || got.EntityID != want.EntityID || got.State != want.State {
		t.Fatalf("GetSession = %+v, want %+v", got, want)
	}

	// The stored copy must not alias the caller's struct.
	want.Route[0].Lon = 99
	if again, _ := m.GetSession(ctx, "m-1"); again.Route[0].Lon == 99 {
		t.Fatal("store aliases caller-owned route slice")
	}

	if err := m.DeleteSession(ctx, "m-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.GetSession(ctx, "m-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSession after delete err = %v, want ErrSessionNotFound", err)
	}
	if err := m.DeleteSession(ctx, "m-1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("double delete err = %v, want not-found", err)
	}
}

func TestMemoryEntityIndexTracksActiveOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s := testSession("m-1", "veh-1", model.StateMoving)
	if err := m.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	id, ok, err := m.ActiveSessionForEntity(ctx, "veh-1")
	if err != nil || !ok || id != "m-1" {
		t.Fatalf("ActiveSessionForEntity = (%q, %v, %v), want (m-1, true, nil)", id, ok, err)
	}

	// Terminal save releases the entity.
	s.State = model.StateCompleted
	ended := s.StartedAt.Add(time.Hour)
	s.CompletedAt = &ended
	if err := m.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession terminal: %v", err)
	}
	if _, ok, _ := m.ActiveSessionForEntity(ctx, "veh-1"); ok {
		t.Fatal("entity still indexed after terminal save")
	}
}

func TestMemoryEntityIndexNotClobberedByOldSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	old := testSession("m-old", "veh-1", model.StateMoving)
	if err := m.SaveSession(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	old.State = model.StateCancelled
	ended := old.StartedAt.Add(time.Minute)
	old.CompletedAt = &ended
	if err := m.SaveSession(ctx, old); err != nil {
		t.Fatalf("cancel old: %v", err)
	}

	fresh := testSession("m-new", "veh-1", model.StateMoving)
	if err := m.SaveSession(ctx, fresh); err != nil {
		t.Fatalf("save new: %v", err)
	}
	// A late terminal write of the old session must not evict the new one.
	if err := m.SaveSession(ctx, old); err != nil {
		t.Fatalf("late write of old: %v", err)
	}

	id, ok, _ := m.ActiveSessionForEntity(ctx, "veh-1")
	if !ok || id != "m-new" {
		t.Fatalf("ActiveSessionForEntity = (%q, %v), want (m-new, true)", id, ok)
	}
}

func TestMemoryActiveSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for _, s := range []*model.MovementSession{
		testSession("m-1", "veh-1", model.StateMoving),
		testSession("m-2", "veh-2", model.StatePaused),
		testSession("m-3", "veh-3", model.StateCompleted),
	} {
		if err := m.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession(%s): %v", s.ID, err)
		}
	}

	active, err := m.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range active {
		ids[s.ID] = true
	}
	if len(active) != 2 || !ids["m-1"] || !ids["m-2"] {
		t.Fatalf("ActiveSessions ids = %v, want m-1 and m-2", ids)
	}
}

func TestMemoryCleanupRespectsRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	stale := testSession("m-stale", "veh-1", model.StateCompleted)
	staleEnd := time.Now().Add(-48 * time.Hour)
	stale.CompletedAt = &staleEnd

	recent := testSession("m-recent", "veh-2", model.StateCancelled)
	recentEnd := time.Now().Add(-time.Hour)
	recent.CompletedAt = &recentEnd

	running := testSession("m-run", "veh-3", model.StateMoving)

	for _, s := range []*model.MovementSession{stale, recent, running} {
		if err := m.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession(%s): %v", s.ID, err)
		}
	}

	purged, err := m.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if purged != 1 {
		t.Fatalf("Cleanup purged %d, want 1", purged)
	}
	if _, err := m.GetSession(ctx, "m-stale"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stale session survived cleanup: %v", err)
	}
	for _, id := range []string{"m-recent", "m-run"} {
		if _, err := m.GetSession(ctx, id); err != nil {
			t.Fatalf("%s removed by cleanup: %v", id, err)
		}
	}
}

func TestMemoryBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	b := &model.BatchMovementSession{
		ID:             "b-1",
		SessionIDs:     []string{"m-1", "m-2"},
		Formation:      model.FormationConvoy,
		LaunchInterval: 5 * time.Second,
		State:          model.StateMoving,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	got, err := m.GetBatch(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Formation != model.FormationConvoy || len(got.SessionIDs) != 2 {
		t.Fatalf("GetBatch = %+v", got)
	}

	if err := m.DeleteBatch(ctx, "b-1"); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if _, err := m.GetBatch(ctx, "b-1"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("GetBatch after delete err = %v, want ErrBatchNotFound", err)
	}
}

func TestMemoryTerminalRecordsAreImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	done := testSession("m-1", "veh-1", model.StateCancelled)
	if err := m.SaveSession(ctx, done); err != nil {
		t.Fatalf("SaveSession(terminal): %v", err)
	}

	// A stale snapshot from a racing writer must not resurrect the session.
	stale := testSession("m-1", "veh-1", model.StateMoving)
	stale.Traveled = 500
	if err := m.SaveSession(ctx, stale); err != nil {
		t.Fatalf("SaveSession(stale): %v", err)
	}

	got, err := m.GetSession(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != model.StateCancelled {
		t.Fatalf("state = %s, want %s", got.State, model.StateCancelled)
	}
	if _, ok, _ := m.ActiveSessionForEntity(ctx, "veh-1"); ok {
		t.Fatal("stale write re-added the entity to the active index")
	}
}
