package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rescuegrid/movement-simulator/model"
)

// SQLiteStore is the durable Store over a single SQLite database file.
// Sessions and batches are stored as versioned JSON payloads; the indexed
// columns (entity, state, expiry) exist for the reverse index, the active
// set and cleanup, and are derived from the payload on every write.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
}

// SQLiteOption customises SQLiteStore construction.
type SQLiteOption func(*SQLiteStore)

// WithRetention sets how long terminal records stay readable. It also
// bounds the expiry stamped on every row so storage self-cleans even when
// the periodic cleanup job never runs.
func WithRetention(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// pending schema migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY from the per-session loops writing concurrently.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.MovementSession) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("%w: session requires an id", model.ErrValidation)
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	now := time.Now()
	var endedAt sql.NullInt64
	if sess.CompletedAt != nil {
		endedAt = sql.NullInt64{Int64: sess.CompletedAt.UnixNano(), Valid: true}
	}

	// The conflict clause's WHERE keeps terminal rows immutable: a late
	// write from a stale snapshot must not resurrect a finished session.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO movement_sessions (id, entity_id, state, schema_version, payload, ended_at_ns, expires_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_id = excluded.entity_id,
			state = excluded.state,
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			ended_at_ns = excluded.ended_at_ns,
			expires_at_ns = excluded.expires_at_ns,
			updated_at_ns = excluded.updated_at_ns
		WHERE movement_sessions.state NOT IN (?, ?)`,
		sess.ID, sess.EntityID, string(sess.State), SessionSchemaVersion, string(payload),
		endedAt, s.rowExpiry(now, sess.State).UnixNano(), now.UnixNano(),
		string(model.StateCompleted), string(model.StateCancelled))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// rowExpiry stamps a record lifetime: retention past the write for terminal
// rows, a generous fixed TTL for active rows that the every-tick writes keep
// pushing forward.
func (s *SQLiteStore) rowExpiry(now time.Time, state model.SessionState) time.Time {
	if state.Terminal() {
		return now.Add(s.retention)
	}
	return now.Add(activeRecordTTL)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.MovementSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, schema_version FROM movement_sessions
		WHERE id = ? AND expires_at_ns > ?`,
		id, time.Now().UnixNano())

	var payload string
	var version int
	if err := row.Scan(&payload, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(payload, version)
}

func decodeSession(payload string, version int) (*model.MovementSession, error) {
	if version != SessionSchemaVersion {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}
	var sess model.MovementSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM movement_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) ActiveSessionForEntity(ctx context.Context, entityID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM movement_sessions
		WHERE entity_id = ? AND state NOT IN (?, ?) AND expires_at_ns > ?
		ORDER BY updated_at_ns DESC LIMIT 1`,
		entityID, string(model.StateCompleted), string(model.StateCancelled), time.Now().UnixNano())

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("entity index lookup for %s: %w", entityID, err)
	}
	return id, true, nil
}

func (s *SQLiteStore) ActiveSessions(ctx context.Context) ([]*model.MovementSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, schema_version FROM movement_sessions
		WHERE state NOT IN (?, ?) AND expires_at_ns > ?`,
		string(model.StateCompleted), string(model.StateCancelled), time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("scan active sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.MovementSession
	for rows.Next() {
		var payload string
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan active sessions: %w", err)
		}
		sess, err := decodeSession(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, b *model.BatchMovementSession) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("%w: batch requires an id", model.ErrValidation)
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO movement_batches (id, schema_version, payload, expires_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			expires_at_ns = excluded.expires_at_ns,
			updated_at_ns = excluded.updated_at_ns`,
		b.ID, BatchSchemaVersion, string(payload), now.Add(activeRecordTTL).UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("save batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.BatchMovementSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, schema_version FROM movement_batches
		WHERE id = ? AND expires_at_ns > ?`,
		id, time.Now().UnixNano())

	var payload string
	var version int
	if err := row.Scan(&payload, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	if version != BatchSchemaVersion {
		return nil, fmt.Errorf("unsupported batch schema version %d", version)
	}
	var b model.BatchMovementSession
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, fmt.Errorf("decode batch record: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM movement_batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	cutoff := terminalCutoff(now, olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM movement_sessions
		WHERE (state IN (?, ?) AND ended_at_ns IS NOT NULL AND ended_at_ns < ?)
		   OR expires_at_ns <= ?`,
		string(model.StateCompleted), string(model.StateCancelled),
		cutoff.UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	purged := int64(0)
	if n, err := res.RowsAffected(); err == nil {
		purged = n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM movement_batches WHERE expires_at_ns <= ?`, now.UnixNano())
	if err != nil {
		return int(purged), fmt.Errorf("cleanup batches: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		purged += n
	}
	return int(purged), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
