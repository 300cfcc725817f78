package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rescuegrid/movement-simulator/model"
)

// MemoryStore is a thread-safe in-process Store. It keeps the same index
// structure as the durable store so the Fallback decorator can swap between
// the two without behavioural drift.
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*model.MovementSession
	batches  map[string]*model.BatchMovementSession

	// entityIndex maps entity id -> active session id.
	entityIndex map[string]string
	// active holds ids of sessions in a non-terminal state.
	active map[string]struct{}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*model.MovementSession),
		batches:     make(map[string]*model.BatchMovementSession),
		entityIndex: make(map[string]string),
		active:      make(map[string]struct{}),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s *model.MovementSession) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: session requires an id", model.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Terminal records are immutable until cleanup; a late write from a
	// stale snapshot must not resurrect a finished session.
	if cur, ok := m.sessions[s.ID]; ok && cur.State.Terminal() {
		return nil
	}

	m.sessions[s.ID] = s.Clone()
	m.updateIndicesLocked(s)
	return nil
}

// updateIndicesLocked keeps the entity index and active set in step with
// the session record. The entity entry is only removed when it still points
// at this session, so a newer session for the same entity is not clobbered
// by a late write from an older one.
func (m *MemoryStore) updateIndicesLocked(s *model.MovementSession) {
	if s.State.Active() {
		m.entityIndex[s.EntityID] = s.ID
		m.active[s.ID] = struct{}{}
		return
	}
	if cur, ok := m.entityIndex[s.EntityID]; ok && cur == s.ID {
		delete(m.entityIndex, s.EntityID)
	}
	delete(m.active, s.ID)
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.MovementSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	delete(m.active, id)
	if cur, ok := m.entityIndex[s.EntityID]; ok && cur == id {
		delete(m.entityIndex, s.EntityID)
	}
	return nil
}

func (m *MemoryStore) ActiveSessionForEntity(_ context.Context, entityID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.entityIndex[entityID]
	return id, ok, nil
}

func (m *MemoryStore) ActiveSessions(_ context.Context) ([]*model.MovementSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.MovementSession, 0, len(m.active))
	for id := range m.active {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveBatch(_ context.Context, b *model.BatchMovementSession) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("%w: batch requires an id", model.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id string) (*model.BatchMovementSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b.Clone(), nil
}

func (m *MemoryStore) DeleteBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	delete(m.batches, id)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := terminalCutoff(time.Now(), olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, s := range m.sessions {
		if s.State.Active() {
			continue
		}
		if sessionEndedAt(s).Before(cutoff) {
			delete(m.sessions, id)
			if cur, ok := m.entityIndex[s.EntityID]; ok && cur == id {
				delete(m.entityIndex, s.EntityID)
			}
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Close() error { return nil }
