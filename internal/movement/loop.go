package movement

import (
	"context"
	"time"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/broadcast"
	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/model"
)

// tickOutcome tells the loop what to do after a tick.
type tickOutcome int

const (
	// tickContinue waits for the next tick.
	tickContinue tickOutcome = iota
	// tickTask suspends for the pending waypoint's task duration.
	tickTask
	// tickExit ends the loop; the session reached a terminal state or
	// left the registry.
	tickExit
)

// launchLoopLocked starts the session's simulation loop. Caller must hold
// m.mu exclusively.
func (m *Manager) launchLoopLocked(ls *liveSession, id string) {
	ctx, cancel := context.WithCancel(m.rootCtx)
	done := make(chan struct{})
	ls.cancel = cancel
	ls.done = done

	m.wg.Add(1)
	go func() {
		defer close(done)
		m.runLoop(ctx, id)
	}()
}

// runLoop is the per-session goroutine. It sleeps one tick, advances the
// session, and repeats until the session ends or the context is cancelled.
// A panic is confined to this session: it is logged and the loop detaches,
// leaving the persisted record for the next restart to recover.
func (m *Manager) runLoop(ctx context.Context, id string) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "simulation loop crashed",
				logging.String("session_id", id), logging.Any("panic", r))
			m.detachLoop(id)
		}
	}()

	m.log.Debug(ctx, "simulation loop started", logging.String("session_id", id))
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(m.tick):
		}

		switch m.step(ctx, id) {
		case tickExit:
			return
		case tickTask:
			if !m.executeTask(ctx, id) {
				return
			}
		}
	}
}

// step performs one simulation tick: recompute the position from effective
// elapsed time, persist, broadcast, and detect waypoint arrival or
// completion. PAUSED sessions pass through untouched; the pause gate is the
// state itself, observed here at every tick.
func (m *Manager) step(ctx context.Context, id string) tickOutcome {
	begun := time.Now()
	defer func() { m.metrics.ObserveTick(time.Since(begun)) }()

	m.mu.Lock()
	ls, ok := m.live[id]
	if !ok || ls.session.State.Terminal() {
		m.mu.Unlock()
		return tickExit
	}
	s := ls.session
	switch s.State {
	case model.StatePaused:
		m.mu.Unlock()
		return tickContinue
	case model.StateExecutingTask:
		m.mu.Unlock()
		return tickTask
	}

	now := m.clk.Now()
	res := refreshMovingPosition(ls, now)

	outcome := tickContinue
	event := ""
	if _, wp := s.NextPendingWaypoint(); wp != nil &&
		core.WaypointReached(wp.PointIndex-1, res.SegmentIndex, res.SegmentProgress) {
		// The waypoint at route point k sits at the end of segment k-1.
		gate := now
		s.State = model.StateExecutingTask
		s.PausedAt = &gate
		event = broadcast.EventWaypointReached
		outcome = tickTask
	} else if res.Traveled >= s.TotalDistance {
		ended := now
		s.State = model.StateCompleted
		s.CompletedAt = &ended
		s.PausedAt = nil
		event = broadcast.EventCompleted
		outcome = tickExit
		delete(m.live, id)
		m.updateMetricsLocked()
	}
	m.persistLocked(ctx, s)
	snap := s.Clone()
	m.mu.Unlock()

	m.publishLocation(ctx, snap, res.Point)
	if event != "" {
		m.publishLifecycle(ctx, snap, res.Point, event, now)
	}
	if outcome == tickExit {
		m.metrics.SessionEnded(string(snap.EntityType), model.StateCompleted)
		m.log.Info(ctx, "movement completed",
			logging.String("session_id", id),
			logging.String("entity_id", snap.EntityID),
			logging.Float64("total_distance_m", snap.TotalDistance))
	}
	return outcome
}

// executeTask holds the session at its pending waypoint for the remaining
// task duration, then marks the waypoint executed and reopens movement.
// The remaining time is derived from the persisted gate timestamp, so a
// session recovered mid-task waits out only what is left (and a crash just
// before the executed mark runs the task again: at-least-once execution).
// Returns false when the loop should exit.
func (m *Manager) executeTask(ctx context.Context, id string) bool {
	m.mu.Lock()
	ls, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s := ls.session
	if s.State != model.StateExecutingTask {
		terminal := s.State.Terminal()
		m.mu.Unlock()
		return !terminal
	}
	_, wp := s.NextPendingWaypoint()
	now := m.clk.Now()
	if wp == nil {
		// Nothing pending to execute; reopen the gate and keep moving.
		m.reopenGateLocked(ctx, s, now)
		m.mu.Unlock()
		return true
	}
	var inGate time.Duration
	if s.PausedAt != nil {
		inGate = now.Sub(*s.PausedAt)
	}
	remaining := wp.TaskDuration - inGate
	m.mu.Unlock()

	if remaining > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-m.clk.After(remaining):
		}
	}

	m.mu.Lock()
	ls, ok = m.live[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s = ls.session
	if s.State != model.StateExecutingTask {
		// Cancelled while waiting; the cancel operation already settled
		// the record.
		terminal := s.State.Terminal()
		m.mu.Unlock()
		return !terminal
	}
	now = m.clk.Now()
	idx, wp := s.NextPendingWaypoint()
	var executed model.Waypoint
	if wp != nil {
		at := now
		s.Waypoints[idx].Executed = true
		s.Waypoints[idx].ExecutedAt = &at
		executed = s.Waypoints[idx]
	}
	m.reopenGateLocked(ctx, s, now)
	m.mu.Unlock()

	if wp != nil {
		m.log.Info(ctx, "waypoint task executed",
			logging.String("session_id", id),
			logging.String("task_type", executed.TaskType),
			logging.Int("point_index", executed.PointIndex),
			logging.Duration("task_duration", executed.TaskDuration))
	}
	return true
}

// reopenGateLocked folds the open pause gate into the accumulated pause
// duration, returns the session to MOVING and persists. Caller must hold
// m.mu exclusively.
func (m *Manager) reopenGateLocked(ctx context.Context, s *model.MovementSession, now time.Time) {
	if s.PausedAt != nil {
		s.AccumulatedPause += now.Sub(*s.PausedAt)
		s.PausedAt = nil
	}
	s.State = model.StateMoving
	m.persistLocked(ctx, s)
}

// detachLoop clears the loop handle after a crash so a later resume can
// relaunch it. The session itself stays registered.
func (m *Manager) detachLoop(id string) {
	m.mu.Lock()
	if ls, ok := m.live[id]; ok {
		if ls.cancel != nil {
			ls.cancel()
		}
		ls.cancel = nil
		ls.done = nil
	}
	m.mu.Unlock()
}
