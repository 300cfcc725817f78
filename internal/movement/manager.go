// Package movement runs the simulation engine: one loop per active session,
// coordinated by a Manager that owns the in-process session registry, plus a
// BatchService that launches multi-entity formations over it.
package movement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/broadcast"
	"github.com/rescuegrid/movement-simulator/internal/clock"
	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/internal/store"
	"github.com/rescuegrid/movement-simulator/model"
)

// DefaultTickInterval is the simulation loop cadence.
const DefaultTickInterval = time.Second

// MetricsRecorder receives engine-level counters and gauges.
type MetricsRecorder interface {
	SessionStarted(entityType string)
	SessionEnded(entityType string, state model.SessionState)
	SetActiveSessions(n int)
	ObserveTick(d time.Duration)
	BroadcastFailed()
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(string)                   {}
func (noopMetrics) SessionEnded(string, model.SessionState) {}
func (noopMetrics) SetActiveSessions(int)                   {}
func (noopMetrics) ObserveTick(time.Duration)               {}
func (noopMetrics) BroadcastFailed()                        {}

// liveSession is the registry entry for a session owned by this process.
// The session pointer is the authoritative in-process copy; every mutation
// happens under the Manager lock and is persisted before the lock is
// released, so the store can never run ahead of memory.
type liveSession struct {
	session *model.MovementSession
	interp  *core.RouteInterpolator

	// cancel stops the session's loop; nil when no loop is running
	// (recovered PAUSED sessions idle until resumed).
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns session lifecycle: it validates and registers new sessions,
// runs one simulation loop per active session, applies control operations,
// and recovers persisted active sessions after a restart.
type Manager struct {
	st       store.Store
	resolver *core.SpeedResolver
	pub      broadcast.Publisher
	clk      clock.Clock
	log      logging.Logger
	metrics  MetricsRecorder
	tick     time.Duration

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// mu is the coarse engine lock. Loops and control operations mutate
	// sessions and persist under it; status reads take it shared.
	mu     sync.RWMutex
	live   map[string]*liveSession
	closed bool
}

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithTickInterval overrides the loop cadence.
func WithTickInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithClock substitutes the time source, used by tests for deterministic
// advancement.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// WithPublisher attaches the broadcast collaborator. Publish failures are
// logged and never affect the simulation.
func WithPublisher(pub broadcast.Publisher) ManagerOption {
	return func(m *Manager) {
		if pub != nil {
			m.pub = pub
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) ManagerOption {
	return func(m *Manager) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// NewManager wires the engine together. A nil store falls back to an
// in-memory store, which is what the tests use.
func NewManager(st store.Store, resolver *core.SpeedResolver, log logging.Logger, opts ...ManagerOption) *Manager {
	if st == nil {
		st = store.NewMemoryStore()
	}
	if resolver == nil {
		resolver = core.NewSpeedResolver()
	}
	if log == nil {
		log = logging.Noop()
	}

	rootCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		st:       st,
		resolver: resolver,
		pub:      broadcast.NopPublisher{},
		clk:      clock.System(),
		log:      log,
		metrics:  noopMetrics{},
		tick:     DefaultTickInterval,
		rootCtx:  rootCtx,
		stop:     stop,
		live:     make(map[string]*liveSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// StartRequest describes one movement to start.
type StartRequest struct {
	EntityID   string
	EntityType model.EntityType
	// ResourceID links to an external attribute record consulted for speed
	// resolution. Optional.
	ResourceID string
	Route      []model.GeoPoint
	// SpeedMps overrides speed resolution when positive.
	SpeedMps  float64
	Waypoints []model.Waypoint
}

// validate applies the static checks a start must pass. Exclusivity and
// persistence are checked at launch time, so a request that validates can
// still fail to start.
func (r StartRequest) validate() error {
	if r.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", model.ErrValidation)
	}
	if r.EntityType == "" {
		return fmt.Errorf("%w: entity type is required", model.ErrValidation)
	}
	if _, err := core.NewRouteInterpolator(r.Route); err != nil {
		return err
	}
	_, err := normalizeWaypoints(r.Route, r.Waypoints)
	return err
}

// Status is the live view of a session: the persisted record plus the
// position derived from traveled distance. Positions are always recomputed
// through the interpolator, never stored, so they cannot drift.
type Status struct {
	Session            *model.MovementSession `json:"session"`
	Position           model.Position         `json:"position"`
	ProgressPercent    float64                `json:"progress_percent"`
	RemainingDistance  float64                `json:"remaining_distance_m"`
	EstimatedRemaining time.Duration          `json:"estimated_remaining_ns"`
}

func statusFrom(snap *model.MovementSession, res core.InterpolationResult, interp *core.RouteInterpolator) *Status {
	return &Status{
		Session:            snap,
		Position:           model.Position{GeoPoint: res.Point, Heading: res.Heading},
		ProgressPercent:    snap.ProgressPercent(),
		RemainingDistance:  interp.RemainingDistance(res.Traveled),
		EstimatedRemaining: interp.EstimatedRemainingTime(res.Traveled, snap.Speed),
	}
}

// StartMovement validates the request, enforces one active session per
// entity, resolves the speed, persists the new session and launches its
// loop. The returned status carries the total distance and the ETA.
func (m *Manager) StartMovement(ctx context.Context, req StartRequest) (*Status, error) {
	if req.EntityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", model.ErrValidation)
	}
	if req.EntityType == "" {
		return nil, fmt.Errorf("%w: entity type is required", model.ErrValidation)
	}
	interp, err := core.NewRouteInterpolator(req.Route)
	if err != nil {
		return nil, err
	}
	waypoints, err := normalizeWaypoints(req.Route, req.Waypoints)
	if err != nil {
		return nil, err
	}

	speed := m.resolver.Resolve(ctx, req.EntityType, req.ResourceID, req.SpeedMps)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	for id, ls := range m.live {
		if ls.session.EntityID == req.EntityID {
			m.mu.Unlock()
			return nil, &EntityBusyError{EntityID: req.EntityID, SessionID: id}
		}
	}
	// The store check covers active sessions persisted by a previous run
	// that have not been recovered into this process yet.
	if id, ok, err := m.st.ActiveSessionForEntity(ctx, req.EntityID); err != nil {
		m.log.Warn(ctx, "entity index lookup failed, relying on in-process registry",
			logging.String("entity_id", req.EntityID), logging.Err(err))
	} else if ok {
		m.mu.Unlock()
		return nil, &EntityBusyError{EntityID: req.EntityID, SessionID: id}
	}

	now := m.clk.Now()
	res := interp.InterpolateByDistance(0)
	s := &model.MovementSession{
		ID:               uuid.NewString(),
		EntityID:         req.EntityID,
		EntityType:       req.EntityType,
		ResourceID:       req.ResourceID,
		Route:            append([]model.GeoPoint(nil), req.Route...),
		TotalDistance:    interp.TotalDistance(),
		SegmentDistances: interp.SegmentDistances(),
		Speed:            speed,
		Heading:          res.Heading,
		State:            model.StateMoving,
		CreatedAt:        now,
		StartedAt:        now,
		Waypoints:        waypoints,
	}
	if err := m.st.SaveSession(ctx, s); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	ls := &liveSession{session: s, interp: interp}
	m.live[s.ID] = ls
	m.launchLoopLocked(ls, s.ID)
	m.updateMetricsLocked()
	snap := s.Clone()
	m.mu.Unlock()

	m.metrics.SessionStarted(string(req.EntityType))
	m.publishLifecycle(ctx, snap, res.Point, broadcast.EventStarted, now)
	m.log.Info(ctx, "movement started",
		logging.String("session_id", snap.ID),
		logging.String("entity_id", snap.EntityID),
		logging.String("entity_type", string(snap.EntityType)),
		logging.Float64("total_distance_m", snap.TotalDistance),
		logging.Float64("speed_mps", snap.Speed))
	return statusFrom(snap, res, interp), nil
}

func normalizeWaypoints(route []model.GeoPoint, wps []model.Waypoint) ([]model.Waypoint, error) {
	if len(wps) == 0 {
		return nil, nil
	}
	out := make([]model.Waypoint, len(wps))
	copy(out, wps)
	for i := range out {
		if out[i].PointIndex < 1 || out[i].PointIndex >= len(route) {
			return nil, fmt.Errorf("%w: waypoint %d references route point %d, route has %d points",
				model.ErrValidation, i, out[i].PointIndex, len(route))
		}
		if out[i].TaskDuration < 0 {
			return nil, fmt.Errorf("%w: waypoint %d has a negative task duration", model.ErrValidation, i)
		}
		out[i].Executed = false
		out[i].ExecutedAt = nil
	}
	// Waypoints execute in route order regardless of request order.
	sort.SliceStable(out, func(a, b int) bool { return out[a].PointIndex < out[b].PointIndex })
	return out, nil
}

// PauseMovement freezes a MOVING session at its current position.
func (m *Manager) PauseMovement(ctx context.Context, id string) (*Status, error) {
	m.mu.Lock()
	ls, stored, err := m.sessionForControlLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if ls == nil {
		m.mu.Unlock()
		return nil, &TransitionError{Op: "pause", SessionID: id, Current: stored.State}
	}
	s := ls.session
	if s.State != model.StateMoving {
		cur := s.State
		m.mu.Unlock()
		return nil, &TransitionError{Op: "pause", SessionID: id, Current: cur}
	}

	now := m.clk.Now()
	res := refreshMovingPosition(ls, now)
	gate := now
	s.State = model.StatePaused
	s.PausedAt = &gate
	m.persistLocked(ctx, s)
	snap := s.Clone()
	m.mu.Unlock()

	m.publishLifecycle(ctx, snap, res.Point, broadcast.EventPaused, now)
	m.log.Info(ctx, "movement paused",
		logging.String("session_id", id),
		logging.Float64("traveled_m", snap.Traveled))
	return statusFrom(snap, res, ls.interp), nil
}

// ResumeMovement reopens a PAUSED session: the pause gate is folded into
// the accumulated pause duration and the loop is relaunched if the session
// was recovered without one.
func (m *Manager) ResumeMovement(ctx context.Context, id string) (*Status, error) {
	m.mu.Lock()
	ls, stored, err := m.sessionForControlLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if ls == nil {
		m.mu.Unlock()
		return nil, &TransitionError{Op: "resume", SessionID: id, Current: stored.State}
	}
	s := ls.session
	if s.State != model.StatePaused {
		cur := s.State
		m.mu.Unlock()
		return nil, &TransitionError{Op: "resume", SessionID: id, Current: cur}
	}

	now := m.clk.Now()
	if s.PausedAt != nil {
		s.AccumulatedPause += now.Sub(*s.PausedAt)
		s.PausedAt = nil
	}
	s.State = model.StateMoving
	if ls.cancel == nil {
		m.launchLoopLocked(ls, id)
	}
	res := ls.interp.InterpolateByDistance(s.Traveled)
	m.persistLocked(ctx, s)
	snap := s.Clone()
	m.mu.Unlock()

	m.publishLifecycle(ctx, snap, res.Point, broadcast.EventResumed, now)
	m.log.Info(ctx, "movement resumed",
		logging.String("session_id", id),
		logging.Duration("accumulated_pause", snap.AccumulatedPause))
	return statusFrom(snap, res, ls.interp), nil
}

// CancelMovement terminates any non-terminal session and stops its loop.
// Cancelling a session that already finished returns a TransitionError
// carrying the terminal state.
func (m *Manager) CancelMovement(ctx context.Context, id string) (*Status, error) {
	m.mu.Lock()
	ls, stored, err := m.sessionForControlLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if ls == nil {
		m.mu.Unlock()
		return nil, &TransitionError{Op: "cancel", SessionID: id, Current: stored.State}
	}
	s := ls.session

	now := m.clk.Now()
	var res core.InterpolationResult
	if s.State == model.StateMoving {
		res = refreshMovingPosition(ls, now)
	} else {
		res = ls.interp.InterpolateByDistance(s.Traveled)
	}
	if s.PausedAt != nil {
		s.AccumulatedPause += now.Sub(*s.PausedAt)
		s.PausedAt = nil
	}
	ended := now
	s.State = model.StateCancelled
	s.CompletedAt = &ended
	if ls.cancel != nil {
		ls.cancel()
	}
	delete(m.live, id)
	m.updateMetricsLocked()
	m.persistLocked(ctx, s)
	snap := s.Clone()
	m.mu.Unlock()

	m.metrics.SessionEnded(string(snap.EntityType), model.StateCancelled)
	m.publishLifecycle(ctx, snap, res.Point, broadcast.EventCancelled, now)
	m.log.Info(ctx, "movement cancelled",
		logging.String("session_id", id),
		logging.String("entity_id", snap.EntityID),
		logging.Float64("traveled_m", snap.Traveled))
	return statusFrom(snap, res, ls.interp), nil
}

// sessionForControlLocked resolves the target of a control operation.
// Live sessions are returned directly. A session that is active in the
// store but unknown in-process (persisted by a previous run and not yet
// recovered) is adopted into the registry without a loop. Terminal stored
// sessions come back as (nil, stored, nil) for the caller's error message.
func (m *Manager) sessionForControlLocked(ctx context.Context, id string) (*liveSession, *model.MovementSession, error) {
	if m.closed {
		return nil, nil, ErrManagerClosed
	}
	if ls, ok := m.live[id]; ok {
		return ls, nil, nil
	}
	s, err := m.st.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.State.Terminal() {
		return nil, s, nil
	}
	interp, err := core.NewRouteInterpolator(s.Route)
	if err != nil {
		return nil, nil, fmt.Errorf("session %s route: %w", id, err)
	}
	ls := &liveSession{session: s, interp: interp}
	m.live[id] = ls
	if s.State == model.StateMoving || s.State == model.StateExecutingTask {
		m.launchLoopLocked(ls, id)
	}
	m.updateMetricsLocked()
	m.log.Debug(ctx, "adopted stored session into registry", logging.String("session_id", id))
	return ls, nil, nil
}

// GetStatus returns the live view of a session. For MOVING sessions the
// position is computed at call time from effective elapsed time, so status
// between ticks is current.
func (m *Manager) GetStatus(ctx context.Context, id string) (*Status, error) {
	m.mu.RLock()
	if ls, ok := m.live[id]; ok {
		status := m.statusLocked(ls)
		m.mu.RUnlock()
		return status, nil
	}
	m.mu.RUnlock()

	s, err := m.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.statusFromStored(s)
}

// ListActive returns the status of every session registered in-process,
// ordered by start time.
func (m *Manager) ListActive(_ context.Context) []*Status {
	m.mu.RLock()
	out := make([]*Status, 0, len(m.live))
	for _, ls := range m.live {
		out = append(out, m.statusLocked(ls))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Session, out[j].Session
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// statusLocked computes a status snapshot without mutating the session.
// Caller must hold m.mu (shared is enough).
func (m *Manager) statusLocked(ls *liveSession) *Status {
	s := ls.session
	var res core.InterpolationResult
	if s.State == model.StateMoving {
		res = ls.interp.InterpolateByTime(s.EffectiveElapsed(m.clk.Now()), s.Speed)
		if res.Traveled < s.Traveled {
			res = ls.interp.InterpolateByDistance(s.Traveled)
		}
	} else {
		res = ls.interp.InterpolateByDistance(s.Traveled)
	}
	snap := s.Clone()
	snap.Traveled = res.Traveled
	snap.SegmentIndex = res.SegmentIndex
	snap.SegmentProgress = res.SegmentProgress
	snap.Heading = res.Heading
	return statusFrom(snap, res, ls.interp)
}

// statusFromStored serves status for sessions not registered in-process:
// terminal history, or active sessions persisted by a previous run.
func (m *Manager) statusFromStored(s *model.MovementSession) (*Status, error) {
	interp, err := core.NewRouteInterpolator(s.Route)
	if err != nil {
		return nil, fmt.Errorf("session %s route: %w", s.ID, err)
	}
	var res core.InterpolationResult
	if s.State == model.StateMoving {
		res = interp.InterpolateByTime(s.EffectiveElapsed(m.clk.Now()), s.Speed)
		if res.Traveled < s.Traveled {
			res = interp.InterpolateByDistance(s.Traveled)
		}
	} else {
		res = interp.InterpolateByDistance(s.Traveled)
	}
	snap := s.Clone()
	snap.Traveled = res.Traveled
	snap.SegmentIndex = res.SegmentIndex
	snap.SegmentProgress = res.SegmentProgress
	snap.Heading = res.Heading
	return statusFrom(snap, res, interp), nil
}

// Recover scans the persisted active set and rebuilds in-process state:
// interpolator plus loop for MOVING and EXECUTING_TASK sessions, the
// interpolator alone for PAUSED ones. Position correctness comes from the
// stored timestamps, so a mid-route restart resumes where the entity
// actually is, not at the route start. Returns how many sessions were
// registered.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	sessions, err := m.st.ActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan active sessions: %w", err)
	}

	recovered := 0
	m.mu.Lock()
	for _, s := range sessions {
		if m.closed {
			break
		}
		// Never double-register a session already running in-process.
		if _, ok := m.live[s.ID]; ok {
			continue
		}
		interp, err := core.NewRouteInterpolator(s.Route)
		if err != nil {
			m.log.Error(ctx, "skipping unrecoverable session",
				logging.String("session_id", s.ID), logging.Err(err))
			continue
		}
		ls := &liveSession{session: s, interp: interp}
		m.live[s.ID] = ls
		if s.State == model.StateMoving || s.State == model.StateExecutingTask {
			m.launchLoopLocked(ls, s.ID)
		}
		recovered++
		m.log.Debug(ctx, "recovered session",
			logging.String("session_id", s.ID),
			logging.String("entity_id", s.EntityID),
			logging.String("state", string(s.State)))
	}
	m.updateMetricsLocked()
	m.mu.Unlock()

	m.log.Info(ctx, "recovery scan complete", logging.Int("recovered", recovered))
	return recovered, nil
}

// Close stops every loop and waits for them to exit. Sessions keep their
// persisted state, so a later startup recovers them; Close never cancels
// the sessions themselves.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for simulation loops: %w", ctx.Err())
	}
}

// refreshMovingPosition advances the session's kinematic fields to the
// current effective elapsed time. Traveled distance never regresses even if
// the wall clock steps backwards. Caller must hold m.mu exclusively and the
// session must be MOVING.
func refreshMovingPosition(ls *liveSession, now time.Time) core.InterpolationResult {
	s := ls.session
	res := ls.interp.InterpolateByTime(s.EffectiveElapsed(now), s.Speed)
	if res.Traveled < s.Traveled {
		res = ls.interp.InterpolateByDistance(s.Traveled)
	}
	s.Traveled = res.Traveled
	s.SegmentIndex = res.SegmentIndex
	s.SegmentProgress = res.SegmentProgress
	s.Heading = res.Heading
	return res
}

// persistLocked writes the session through to the store. Persistence
// failures are logged, never raised: the in-process copy stays
// authoritative and the next tick retries.
func (m *Manager) persistLocked(ctx context.Context, s *model.MovementSession) {
	if err := m.st.SaveSession(ctx, s); err != nil {
		m.log.Warn(ctx, "session persist failed",
			logging.String("session_id", s.ID), logging.Err(err))
	}
}

func (m *Manager) updateMetricsLocked() {
	m.metrics.SetActiveSessions(len(m.live))
}

func (m *Manager) publishLifecycle(ctx context.Context, s *model.MovementSession, at model.GeoPoint, event string, now time.Time) {
	frame := broadcast.LifecycleFrame{
		SessionID: s.ID,
		EntityID:  s.EntityID,
		Event:     event,
		Lon:       at.Lon,
		Lat:       at.Lat,
		Alt:       at.Alt,
		Progress:  s.ProgressPercent(),
		Timestamp: now,
	}
	if err := m.pub.Publish(ctx, broadcast.TopicLifecycle, frame); err != nil {
		m.metrics.BroadcastFailed()
		m.log.Warn(ctx, "lifecycle broadcast failed",
			logging.String("session_id", s.ID),
			logging.String("event", event),
			logging.Err(err))
	}
}

func (m *Manager) publishLocation(ctx context.Context, s *model.MovementSession, at model.GeoPoint) {
	frame := broadcast.LocationFrame{
		EntityID:   s.EntityID,
		EntityType: string(s.EntityType),
		Lon:        at.Lon,
		Lat:        at.Lat,
		Alt:        at.Alt,
		Heading:    s.Heading,
		Speed:      core.SpeedLabel(s.Speed),
	}
	if err := m.pub.Publish(ctx, broadcast.TopicLocation, frame); err != nil {
		m.metrics.BroadcastFailed()
		m.log.Debug(ctx, "location broadcast failed",
			logging.String("entity_id", s.EntityID), logging.Err(err))
	}
}
