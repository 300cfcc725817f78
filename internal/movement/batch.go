package movement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/model"
)

// DefaultLaunchInterval is the delay between convoy launches and between
// the two staggered cohorts when the request does not set one.
const DefaultLaunchInterval = 5 * time.Second

// BatchStartRequest describes a group of movements launched under one
// formation policy.
type BatchStartRequest struct {
	Formation model.Formation
	// LaunchInterval is the inter-launch delay for CONVOY and the cohort
	// delay for STAGGERED. Zero selects DefaultLaunchInterval.
	LaunchInterval time.Duration
	Movements      []StartRequest
}

// BatchMemberOutcome is the per-member result of a fanned-out control
// operation.
type BatchMemberOutcome struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// BatchControlResult aggregates a batch control operation: the updated
// batch record plus one outcome per member.
type BatchControlResult struct {
	Batch    *model.BatchMovementSession `json:"batch"`
	Outcomes []BatchMemberOutcome        `json:"outcomes"`
}

// BatchStatus is the derived view of a batch: the stored record, the state
// its members imply and the live status of each surviving member.
type BatchStatus struct {
	Batch   *model.BatchMovementSession `json:"batch"`
	State   model.SessionState          `json:"state"`
	Members []*Status                   `json:"members"`
}

// BatchService coordinates formation launches on top of a Manager. Launch
// plans run asynchronously: StartBatch returns once the batch record is
// persisted and members appear as their formation schedule reaches them.
type BatchService struct {
	mgr *Manager
	log logging.Logger

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// mu serialises read-modify-write cycles on batch records: membership
	// appends from launch plans versus state changes from control calls.
	mu     sync.Mutex
	closed bool
}

// NewBatchService builds the batch coordinator. It shares the Manager's
// store and clock, so batch timing follows the same time source as the
// simulation loops.
func NewBatchService(mgr *Manager, log logging.Logger) *BatchService {
	if log == nil {
		log = logging.Noop()
	}
	rootCtx, stop := context.WithCancel(context.Background())
	return &BatchService{
		mgr:     mgr,
		log:     log,
		rootCtx: rootCtx,
		stop:    stop,
	}
}

// StartBatch validates the request, persists the batch record and schedules
// the launch plan. Member launch failures after this point are logged and
// the member is dropped from the batch; malformed member requests are
// rejected here, before anything starts.
func (b *BatchService) StartBatch(ctx context.Context, req BatchStartRequest) (*model.BatchMovementSession, error) {
	if !req.Formation.Valid() {
		return nil, fmt.Errorf("%w: unknown formation %q", model.ErrValidation, req.Formation)
	}
	if len(req.Movements) == 0 {
		return nil, fmt.Errorf("%w: batch requires at least one movement", model.ErrValidation)
	}
	if req.LaunchInterval < 0 {
		return nil, fmt.Errorf("%w: launch interval must not be negative", model.ErrValidation)
	}
	interval := req.LaunchInterval
	if interval == 0 {
		interval = DefaultLaunchInterval
	}
	seen := make(map[string]int, len(req.Movements))
	for i, mv := range req.Movements {
		if err := mv.validate(); err != nil {
			return nil, fmt.Errorf("movement %d: %w", i, err)
		}
		if j, ok := seen[mv.EntityID]; ok {
			return nil, fmt.Errorf("%w: movements %d and %d both target entity %s",
				model.ErrValidation, j, i, mv.EntityID)
		}
		seen[mv.EntityID] = i
	}

	batch := &model.BatchMovementSession{
		ID:             uuid.NewString(),
		Formation:      req.Formation,
		LaunchInterval: interval,
		State:          model.StateMoving,
		CreatedAt:      b.mgr.clk.Now(),
	}
	movements := append([]StartRequest(nil), req.Movements...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBatchServiceClosed
	}
	if err := b.mgr.st.SaveBatch(ctx, batch); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("persist new batch: %w", err)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.runLaunchPlan(b.rootCtx, batch.ID, batch.Formation, interval, movements)
	}()

	b.log.Info(ctx, "batch accepted",
		logging.String("batch_id", batch.ID),
		logging.String("formation", string(batch.Formation)),
		logging.Int("movements", len(movements)),
		logging.Duration("launch_interval", interval))
	return batch, nil
}

// runLaunchPlan drives the formation schedule until every member has been
// launched, the batch turns terminal or the service shuts down.
func (b *BatchService) runLaunchPlan(ctx context.Context, batchID string, formation model.Formation, interval time.Duration, movements []StartRequest) {
	switch formation {
	case model.FormationParallel:
		b.launchCohort(ctx, batchID, movements)
	case model.FormationConvoy:
		for i := range movements {
			if i > 0 && !b.wait(ctx, interval) {
				return
			}
			if !b.batchStillActive(ctx, batchID) {
				return
			}
			b.launchCohort(ctx, batchID, movements[i:i+1])
		}
	case model.FormationStaggered:
		var even, odd []StartRequest
		for i, mv := range movements {
			if i%2 == 0 {
				even = append(even, mv)
			} else {
				odd = append(odd, mv)
			}
		}
		b.launchCohort(ctx, batchID, even)
		if len(odd) == 0 {
			return
		}
		if !b.wait(ctx, interval) || !b.batchStillActive(ctx, batchID) {
			return
		}
		b.launchCohort(ctx, batchID, odd)
	}
}

// launchCohort starts every request concurrently and records the survivors
// as members in one membership update.
func (b *BatchService) launchCohort(ctx context.Context, batchID string, reqs []StartRequest) {
	if len(reqs) == 0 {
		return
	}
	ids := make([]string, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req StartRequest) {
			defer wg.Done()
			status, err := b.mgr.StartMovement(ctx, req)
			if err != nil {
				b.log.Warn(ctx, "batch member failed to start, dropped from batch",
					logging.String("batch_id", batchID),
					logging.String("entity_id", req.EntityID),
					logging.Err(err))
				return
			}
			ids[i] = status.Session.ID
			b.log.Debug(ctx, "batch member started",
				logging.String("batch_id", batchID),
				logging.String("session_id", status.Session.ID),
				logging.String("entity_id", req.EntityID))
		}(i, req)
	}
	wg.Wait()

	started := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			started = append(started, id)
		}
	}
	b.appendMembers(ctx, batchID, started)
}

// appendMembers merges newly started sessions into the persisted batch
// membership. A batch that turned terminal while the cohort was starting
// does not accept the late members; they are cancelled instead.
func (b *BatchService) appendMembers(ctx context.Context, batchID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	batch, err := b.mgr.st.GetBatch(ctx, batchID)
	if err != nil {
		b.mu.Unlock()
		b.log.Warn(ctx, "batch record lookup failed, cancelling cohort",
			logging.String("batch_id", batchID), logging.Err(err))
		b.cancelAll(ctx, ids)
		return
	}
	if batch.State.Terminal() {
		b.mu.Unlock()
		b.cancelAll(ctx, ids)
		return
	}
	batch.SessionIDs = append(batch.SessionIDs, ids...)
	if err := b.mgr.st.SaveBatch(ctx, batch); err != nil {
		b.log.Warn(ctx, "batch membership persist failed",
			logging.String("batch_id", batchID), logging.Err(err))
	}
	b.mu.Unlock()
}

// cancelAll cancels sessions whose batch disappeared or turned terminal
// before they could be attached.
func (b *BatchService) cancelAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, err := b.mgr.CancelMovement(ctx, id); err != nil {
			b.log.Warn(ctx, "late batch member cancel failed",
				logging.String("session_id", id), logging.Err(err))
		}
	}
}

// batchStillActive reports whether the batch can accept further launches.
// Best effort: the authoritative gate is the terminal check in
// appendMembers.
func (b *BatchService) batchStillActive(ctx context.Context, id string) bool {
	batch, err := b.mgr.st.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false
		}
		b.log.Warn(ctx, "batch record lookup failed, continuing launch plan",
			logging.String("batch_id", id), logging.Err(err))
		return true
	}
	return !batch.State.Terminal()
}

// wait sleeps for the launch interval, honouring shutdown.
func (b *BatchService) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-b.mgr.clk.After(d):
		return true
	}
}

// PauseBatch pauses every member, aggregating per-member outcomes. Members
// that cannot be paused, for example because they already completed, report
// their error in the outcome without failing the batch operation.
func (b *BatchService) PauseBatch(ctx context.Context, id string) (*BatchControlResult, error) {
	return b.fanOut(ctx, id, "pause", model.StatePaused, func(ctx context.Context, sid string) error {
		_, err := b.mgr.PauseMovement(ctx, sid)
		return err
	})
}

// ResumeBatch resumes every member, aggregating per-member outcomes.
func (b *BatchService) ResumeBatch(ctx context.Context, id string) (*BatchControlResult, error) {
	return b.fanOut(ctx, id, "resume", model.StateMoving, func(ctx context.Context, sid string) error {
		_, err := b.mgr.ResumeMovement(ctx, sid)
		return err
	})
}

// CancelBatch cancels every member and marks the batch terminal, which also
// stops any launches still pending in the formation schedule.
func (b *BatchService) CancelBatch(ctx context.Context, id string) (*BatchControlResult, error) {
	return b.fanOut(ctx, id, "cancel", model.StateCancelled, func(ctx context.Context, sid string) error {
		_, err := b.mgr.CancelMovement(ctx, sid)
		return err
	})
}

// fanOut applies a control operation to every member and records the
// explicitly requested state on the batch record. Displayed batch state
// still derives from the members, so a failed fan-out cannot mask reality.
func (b *BatchService) fanOut(ctx context.Context, id, op string, target model.SessionState, apply func(context.Context, string) error) (*BatchControlResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch, err := b.mgr.st.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.State.Terminal() {
		return nil, fmt.Errorf("%w: cannot %s batch %s in state %s", model.ErrConflict, op, id, batch.State)
	}

	outcomes := make([]BatchMemberOutcome, 0, len(batch.SessionIDs))
	failed := 0
	for _, sid := range batch.SessionIDs {
		out := BatchMemberOutcome{SessionID: sid}
		if err := apply(ctx, sid); err != nil {
			out.Error = err.Error()
			failed++
		}
		outcomes = append(outcomes, out)
	}

	batch.State = target
	if err := b.mgr.st.SaveBatch(ctx, batch); err != nil {
		b.log.Warn(ctx, "batch persist failed",
			logging.String("batch_id", id), logging.Err(err))
	}
	b.log.Info(ctx, "batch control applied",
		logging.String("batch_id", id),
		logging.String("op", op),
		logging.Int("members", len(outcomes)),
		logging.Int("failed", failed))
	return &BatchControlResult{Batch: batch, Outcomes: outcomes}, nil
}

// GetBatchStatus assembles member statuses and derives the displayed batch
// state from them. Members purged by retention cleanup drop out of the
// derivation.
func (b *BatchService) GetBatchStatus(ctx context.Context, id string) (*BatchStatus, error) {
	batch, err := b.mgr.st.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	members := make([]*Status, 0, len(batch.SessionIDs))
	states := make([]model.SessionState, 0, len(batch.SessionIDs))
	for _, sid := range batch.SessionIDs {
		st, err := b.mgr.GetStatus(ctx, sid)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		members = append(members, st)
		states = append(states, st.Session.State)
	}
	return &BatchStatus{
		Batch:   batch,
		State:   deriveBatchState(batch.State, states),
		Members: members,
	}, nil
}

// deriveBatchState folds member states into the displayed batch state:
// COMPLETED only when every known member completed, MOVING when any member
// still moves, otherwise the last explicitly set batch state.
func deriveBatchState(explicit model.SessionState, members []model.SessionState) model.SessionState {
	if len(members) == 0 {
		return explicit
	}
	allCompleted := true
	anyMoving := false
	for _, st := range members {
		if st != model.StateCompleted {
			allCompleted = false
		}
		if st == model.StateMoving {
			anyMoving = true
		}
	}
	switch {
	case allCompleted:
		return model.StateCompleted
	case anyMoving:
		return model.StateMoving
	default:
		return explicit
	}
}

// DeleteBatch removes the grouping record. Member sessions are untouched.
func (b *BatchService) DeleteBatch(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mgr.st.DeleteBatch(ctx, id)
}

// Close stops pending launch plans and waits for them to finish. Members
// already started keep running under the Manager.
func (b *BatchService) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stop()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for batch launches: %w", ctx.Err())
	}
}
