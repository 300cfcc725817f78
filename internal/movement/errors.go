package movement

import (
	"fmt"

	"github.com/rescuegrid/movement-simulator/internal/store"
	"github.com/rescuegrid/movement-simulator/model"
)

// Re-export store sentinels so callers can depend on movement.* alone.
var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = store.ErrSessionNotFound
	// ErrBatchNotFound indicates an unknown batch id.
	ErrBatchNotFound = store.ErrBatchNotFound
)

// ErrManagerClosed rejects control operations once shutdown has begun.
var ErrManagerClosed = fmt.Errorf("%w: manager is shut down", model.ErrConflict)

// ErrBatchServiceClosed rejects new batches once shutdown has begun.
var ErrBatchServiceClosed = fmt.Errorf("%w: batch service is shut down", model.ErrConflict)

// EntityBusyError rejects a start for an entity that already has an active
// session. It carries the conflicting session id and classifies as
// model.ErrConflict.
type EntityBusyError struct {
	EntityID  string
	SessionID string
}

func (e *EntityBusyError) Error() string {
	return fmt.Sprintf("entity %s already has active session %s", e.EntityID, e.SessionID)
}

func (e *EntityBusyError) Unwrap() error { return model.ErrConflict }

// TransitionError rejects a control operation that is not valid in the
// session's current state. Current carries the actual state so the caller
// can reconcile instead of retrying blindly. It classifies as
// model.ErrConflict.
type TransitionError struct {
	Op        string
	SessionID string
	Current   model.SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s session %s in state %s", e.Op, e.SessionID, e.Current)
}

func (e *TransitionError) Unwrap() error { return model.ErrConflict }
