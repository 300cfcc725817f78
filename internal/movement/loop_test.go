package movement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rescuegrid/movement-simulator/internal/broadcast"
	"github.com/rescuegrid/movement-simulator/model"
)

func TestTickAdvancesAndPersists(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	status, err := e.mgr.StartMovement(ctx, startReq("veh-1", equatorRoute(0, 1)))
	if err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	id := status.Session.ID

	e.clk.BlockUntil(1)
	e.clk.Advance(10 * time.Second)
	e.clk.BlockUntil(1)

	stored, err := e.st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	approx(t, "persisted traveled", stored.Traveled, 1000, 1e-6)
	if stored.State != model.StateMoving {
		t.Fatalf("state = %s, want MOVING", stored.State)
	}

	got, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	approx(t, "position lon", got.Position.Lon, 1000/metresPerDegree, 1e-4)
	approx(t, "position lat", got.Position.Lat, 0, 1e-9)
	approx(t, "progress", got.ProgressPercent, 1000/metresPerDegree*100, 0.01)

	frames := e.pub.locationFrames()
	if len(frames) == 0 {
		t.Fatal("no location frames published")
	}
	last := frames[len(frames)-1]
	if last.EntityID != "veh-1" || last.EntityType != "vehicle" {
		t.Fatalf("frame identity = %s/%s, want veh-1/vehicle", last.EntityID, last.EntityType)
	}
	if last.Speed != "360 km/h" {
		t.Fatalf("frame speed = %q, want %q", last.Speed, "360 km/h")
	}
	approx(t, "frame lon", last.Lon, 1000/metresPerDegree, 1e-4)
}

func TestPauseExcludesGateFromElapsed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	status, err := e.mgr.StartMovement(ctx, startReq("veh-1", equatorRoute(0, 1)))
	if err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	id := status.Session.ID

	e.clk.BlockUntil(1)
	e.clk.Advance(10 * time.Second)
	e.clk.BlockUntil(1)

	paused, err := e.mgr.PauseMovement(ctx, id)
	if err != nil {
		t.Fatalf("PauseMovement: %v", err)
	}
	approx(t, "traveled at pause", paused.Session.Traveled, 1000, 1e-6)

	// Thirty paused seconds; the loop keeps ticking but the position holds.
	e.clk.Advance(30 * time.Second)
	e.clk.BlockUntil(1)
	held, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if held.Session.State != model.StatePaused {
		t.Fatalf("state = %s, want PAUSED", held.Session.State)
	}
	approx(t, "traveled while paused", held.Session.Traveled, 1000, 1e-6)

	resumed, err := e.mgr.ResumeMovement(ctx, id)
	if err != nil {
		t.Fatalf("ResumeMovement: %v", err)
	}
	if resumed.Session.AccumulatedPause != 30*time.Second {
		t.Fatalf("accumulated pause = %v, want 30s", resumed.Session.AccumulatedPause)
	}

	e.clk.Advance(10 * time.Second)
	e.clk.BlockUntil(1)

	final, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	// 50 s of wall clock minus the 30 s gate: 20 effective seconds.
	approx(t, "traveled after resume", final.Session.Traveled, 2000, 1e-6)
	if got := final.Session.EffectiveElapsed(e.clk.Now()); got != 20*time.Second {
		t.Fatalf("effective elapsed = %v, want 20s", got)
	}

	stored, err := e.st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	approx(t, "persisted traveled", stored.Traveled, 2000, 1e-6)

	wantEvents(t, e.pub, broadcast.EventStarted, broadcast.EventPaused, broadcast.EventResumed)
}

func TestWaypointTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	req := startReq("veh-1", equatorRoute(0, 0.01, 0.02))
	req.Waypoints = []model.Waypoint{{PointIndex: 1, TaskType: "survey", TaskDuration: 30 * time.Second}}
	status, err := e.mgr.StartMovement(ctx, req)
	if err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	id := status.Session.ID

	// Twelve seconds covers the first segment (about 1112 m) and crosses
	// into the second, which is where the waypoint at route point 1 sits.
	e.clk.BlockUntil(1)
	e.clk.Advance(12 * time.Second)
	e.clk.BlockUntil(1)

	during, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if during.Session.State != model.StateExecutingTask {
		t.Fatalf("state = %s, want EXECUTING_TASK", during.Session.State)
	}
	approx(t, "traveled during task", during.Session.Traveled, 1200, 1e-6)

	// Task execution blocks pause like any non-MOVING state.
	_, err = e.mgr.PauseMovement(ctx, id)
	var tr *TransitionError
	if !errors.As(err, &tr) || tr.Current != model.StateExecutingTask {
		t.Fatalf("pause during task err = %v, want transition error in EXECUTING_TASK", err)
	}

	e.clk.Advance(30 * time.Second)
	e.clk.BlockUntil(1)

	after, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if after.Session.State != model.StateMoving {
		t.Fatalf("state after task = %s, want MOVING", after.Session.State)
	}
	wp := after.Session.Waypoints[0]
	if !wp.Executed {
		t.Fatal("waypoint not marked executed")
	}
	if wp.ExecutedAt == nil || !wp.ExecutedAt.Equal(testBase.Add(42*time.Second)) {
		t.Fatalf("ExecutedAt = %v, want %v", wp.ExecutedAt, testBase.Add(42*time.Second))
	}
	if after.Session.AccumulatedPause != 30*time.Second {
		t.Fatalf("accumulated pause = %v, want 30s", after.Session.AccumulatedPause)
	}
	// Task time does not count as travel time.
	approx(t, "traveled after task", after.Session.Traveled, 1200, 1e-6)

	// Eleven more effective seconds finish the remaining 1024 m.
	e.clk.Advance(11 * time.Second)
	waitFor(t, "session completion", func() bool {
		s, err := e.st.GetSession(ctx, id)
		return err == nil && s.State == model.StateCompleted
	})

	stored, err := e.st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(testBase.Add(53*time.Second)) {
		t.Fatalf("CompletedAt = %v, want %v", stored.CompletedAt, testBase.Add(53*time.Second))
	}
	approx(t, "final traveled", stored.Traveled, stored.TotalDistance, 1e-6)

	final, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	approx(t, "final lon", final.Position.Lon, 0.02, 1e-9)
	approx(t, "final progress", final.ProgressPercent, 100, 1e-9)

	waitForEvents(t, e.pub, broadcast.EventStarted, broadcast.EventWaypointReached, broadcast.EventCompleted)
}

func TestFinalPointWaypointRunsBeforeCompletion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	req := startReq("veh-1", equatorRoute(0, 0.001))
	req.Waypoints = []model.Waypoint{{PointIndex: 1, TaskType: "deliver", TaskDuration: 10 * time.Second}}
	status, err := e.mgr.StartMovement(ctx, req)
	if err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	id := status.Session.ID

	// Two seconds at 100 m/s overshoots the 111 m route; the waypoint at
	// the last point must still execute before the session completes.
	e.clk.BlockUntil(1)
	e.clk.Advance(2 * time.Second)
	e.clk.BlockUntil(1)

	during, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if during.Session.State != model.StateExecutingTask {
		t.Fatalf("state = %s, want EXECUTING_TASK", during.Session.State)
	}

	e.clk.Advance(10 * time.Second)
	e.clk.BlockUntil(1)
	e.clk.Advance(time.Second)

	waitFor(t, "session completion", func() bool {
		s, err := e.st.GetSession(ctx, id)
		return err == nil && s.State == model.StateCompleted
	})
	stored, err := e.st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !stored.Waypoints[0].Executed {
		t.Fatal("final-point waypoint skipped")
	}
	waitForEvents(t, e.pub, broadcast.EventStarted, broadcast.EventWaypointReached, broadcast.EventCompleted)
}

func TestCancelDuringTaskWait(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	req := startReq("veh-1", equatorRoute(0, 0.01, 0.02))
	req.Waypoints = []model.Waypoint{{PointIndex: 1, TaskType: "survey", TaskDuration: time.Minute}}
	status, err := e.mgr.StartMovement(ctx, req)
	if err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	id := status.Session.ID

	e.clk.BlockUntil(1)
	e.clk.Advance(12 * time.Second)
	e.clk.BlockUntil(1)

	cancelled, err := e.mgr.CancelMovement(ctx, id)
	if err != nil {
		t.Fatalf("CancelMovement: %v", err)
	}
	if cancelled.Session.State != model.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", cancelled.Session.State)
	}
	approx(t, "traveled at cancel", cancelled.Session.Traveled, 1200, 1e-6)

	stored, err := e.st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.State != model.StateCancelled {
		t.Fatalf("stored state = %s, want CANCELLED", stored.State)
	}
	if stored.Waypoints[0].Executed {
		t.Fatal("cancelled task must not be marked executed")
	}
	if active := e.mgr.ListActive(ctx); len(active) != 0 {
		t.Fatalf("active sessions after cancel = %d, want 0", len(active))
	}
	wantEvents(t, e.pub, broadcast.EventStarted, broadcast.EventWaypointReached, broadcast.EventCancelled)
}

func TestCompletionEndsSessionAndReleasesEntity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	status, err := e.mgr.StartMovement(ctx, startReq("veh-1", equatorRoute(0, 0.001)))
	if err != nil {
		t.Fatalf("StartMovement: %v", err)
	}
	id := status.Session.ID

	e.clk.BlockUntil(1)
	e.clk.Advance(2 * time.Second)

	waitFor(t, "session completion", func() bool {
		s, err := e.st.GetSession(ctx, id)
		return err == nil && s.State == model.StateCompleted
	})

	done, err := e.mgr.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if done.Session.CompletedAt == nil || !done.Session.CompletedAt.Equal(testBase.Add(2*time.Second)) {
		t.Fatalf("CompletedAt = %v, want %v", done.Session.CompletedAt, testBase.Add(2*time.Second))
	}
	approx(t, "final lon", done.Position.Lon, 0.001, 1e-9)
	approx(t, "final progress", done.ProgressPercent, 100, 1e-9)
	if active := e.mgr.ListActive(ctx); len(active) != 0 {
		t.Fatalf("active sessions after completion = %d, want 0", len(active))
	}
	waitForEvents(t, e.pub, broadcast.EventStarted, broadcast.EventCompleted)

	// Completion releases the entity for the next movement.
	again, err := e.mgr.StartMovement(ctx, startReq("veh-1", equatorRoute(0, 1)))
	if err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	if again.Session.ID == id {
		t.Fatal("expected a fresh session id after completion")
	}
}

// panicPublisher blows up on location frames for one entity, simulating a
// fault inside a single session's tick path.
type panicPublisher struct{ entity string }

func (p panicPublisher) Publish(_ context.Context, topic string, payload any) error {
	if topic == broadcast.TopicLocation {
		if f, ok := payload.(broadcast.LocationFrame); ok && f.EntityID == p.entity {
			panic("location fanout exploded")
		}
	}
	return nil
}

func TestLoopPanicIsConfinedToItsSession(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithPublisher(panicPublisher{entity: "veh-a"}))

	a, err := e.mgr.StartMovement(ctx, startReq("veh-a", equatorRoute(0, 1)))
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	b, err := e.mgr.StartMovement(ctx, startReq("veh-b", equatorRoute(0, 1)))
	if err != nil {
		t.Fatalf("start b: %v", err)
	}

	e.clk.BlockUntil(2)
	e.clk.Advance(time.Second)

	// Both loops persist their first tick; a's loop then dies publishing.
	waitFor(t, "first tick persisted", func() bool {
		sa, errA := e.st.GetSession(ctx, a.Session.ID)
		sb, errB := e.st.GetSession(ctx, b.Session.ID)
		return errA == nil && errB == nil && sa.Traveled > 99 && sb.Traveled > 99
	})

	e.clk.BlockUntil(1)
	e.clk.Advance(9 * time.Second)
	e.clk.BlockUntil(1)

	sb, err := e.st.GetSession(ctx, b.Session.ID)
	if err != nil {
		t.Fatalf("GetSession(b): %v", err)
	}
	approx(t, "healthy loop traveled", sb.Traveled, 1000, 1e-6)

	sa, err := e.st.GetSession(ctx, a.Session.ID)
	if err != nil {
		t.Fatalf("GetSession(a): %v", err)
	}
	approx(t, "crashed loop last persist", sa.Traveled, 100, 1e-6)
	if sa.State != model.StateMoving {
		t.Fatalf("crashed session state = %s, want MOVING for later recovery", sa.State)
	}

	// The registry entry survives the crash, so status math keeps working.
	live, err := e.mgr.GetStatus(ctx, a.Session.ID)
	if err != nil {
		t.Fatalf("GetStatus(a): %v", err)
	}
	approx(t, "status for crashed loop", live.Session.Traveled, 1000, 1e-6)
}
