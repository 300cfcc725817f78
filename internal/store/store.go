// Package store persists movement sessions and batches. The durable SQLite
// implementation is the authoritative record; the in-memory implementation
// doubles as a test store and as the degraded-mode cache behind Fallback.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rescuegrid/movement-simulator/model"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = fmt.Errorf("session %w", model.ErrNotFound)
	// ErrBatchNotFound indicates an unknown batch id.
	ErrBatchNotFound = fmt.Errorf("batch %w", model.ErrNotFound)
)

// Schema versions carried on persisted records. Readers reject versions
// they do not understand rather than guessing at field meanings.
const (
	SessionSchemaVersion = 1
	BatchSchemaVersion   = 1
)

// DefaultRetention is how long terminal sessions are kept before cleanup.
const DefaultRetention = 24 * time.Hour

// activeRecordTTL bounds the lifetime of rows for sessions that never reach
// a terminal state (for example after an abandoned process). Long enough to
// survive any plausible pause, so recovery is unaffected.
const activeRecordTTL = 7 * 24 * time.Hour

// Store is the persistence contract of the movement engine. The session
// record is authoritative; the entity index and active set are rebuildable
// caches and every implementation keeps them consistent with the record on
// a best-effort basis.
type Store interface {
	// SaveSession inserts or replaces the session record and refreshes its
	// indices. Once a stored record is terminal it is immutable until
	// cleanup: further saves under the same id are silently ignored, so a
	// stale writer cannot resurrect a finished session.
	SaveSession(ctx context.Context, s *model.MovementSession) error
	GetSession(ctx context.Context, id string) (*model.MovementSession, error)
	DeleteSession(ctx context.Context, id string) error

	// ActiveSessionForEntity resolves the entity -> session reverse index.
	// ok is false when the entity has no active session.
	ActiveSessionForEntity(ctx context.Context, entityID string) (id string, ok bool, err error)

	// ActiveSessions returns every session whose state is non-terminal,
	// the recovery scan source.
	ActiveSessions(ctx context.Context) ([]*model.MovementSession, error)

	SaveBatch(ctx context.Context, b *model.BatchMovementSession) error
	GetBatch(ctx context.Context, id string) (*model.BatchMovementSession, error)
	DeleteBatch(ctx context.Context, id string) error

	// Cleanup removes terminal sessions that ended before now-olderThan,
	// plus any expired rows, and reports how many records were purged.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// terminalCutoff returns the time a terminal session must have ended after
// to survive a cleanup with the given retention.
func terminalCutoff(now time.Time, olderThan time.Duration) time.Time {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	return now.Add(-olderThan)
}

// sessionEndedAt returns the timestamp cleanup ages a terminal session by.
func sessionEndedAt(s *model.MovementSession) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.CreatedAt
}
