package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/model"
)

// StoreMetricsRecorder receives degradation state changes. Implementations
// must be safe for concurrent use.
type StoreMetricsRecorder interface {
	SetStoreDegraded(degraded bool)
}

// FallbackStore decorates a durable primary with an in-process cache.
// Every operation tries the primary first and degrades to the cache when
// the primary is unreachable; degradation is logged and exposed through
// Degraded rather than surfaced to callers as an error. Saves are written
// to the cache unconditionally so a failover serves warm data.
type FallbackStore struct {
	primary Store
	cache   Store
	log     logging.Logger
	metrics StoreMetricsRecorder

	degraded atomic.Bool
}

// FallbackOption customises FallbackStore construction.
type FallbackOption func(*FallbackStore)

// WithStoreMetrics attaches a recorder notified on degrade/recover flips.
func WithStoreMetrics(rec StoreMetricsRecorder) FallbackOption {
	return func(f *FallbackStore) {
		f.metrics = rec
	}
}

// NewFallbackStore wraps primary with cache. A nil cache gets a fresh
// MemoryStore; a nil logger drops logs.
func NewFallbackStore(primary Store, cache Store, log logging.Logger, opts ...FallbackOption) *FallbackStore {
	if cache == nil {
		cache = NewMemoryStore()
	}
	if log == nil {
		log = logging.Noop()
	}
	f := &FallbackStore{primary: primary, cache: cache, log: log}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether the last primary operation failed and the store
// is serving from the in-process cache.
func (f *FallbackStore) Degraded() bool { return f.degraded.Load() }

// infraFailure distinguishes store-unreachable conditions from ordinary
// domain results such as not-found.
func infraFailure(err error) bool {
	return err != nil && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrValidation)
}

func (f *FallbackStore) markDegraded(ctx context.Context, op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.log.Warn(ctx, "durable store degraded, serving from memory cache",
			logging.String("op", op), logging.Err(err))
		if f.metrics != nil {
			f.metrics.SetStoreDegraded(true)
		}
	}
}

func (f *FallbackStore) markHealthy(ctx context.Context) {
	if f.degraded.CompareAndSwap(true, false) {
		f.log.Info(ctx, "durable store recovered")
		if f.metrics != nil {
			f.metrics.SetStoreDegraded(false)
		}
	}
}

func (f *FallbackStore) SaveSession(ctx context.Context, s *model.MovementSession) error {
	if err := f.cache.SaveSession(ctx, s); err != nil {
		return err
	}
	if err := f.primary.SaveSession(ctx, s); infraFailure(err) {
		f.markDegraded(ctx, "save_session", err)
		return nil
	} else if err != nil {
		return err
	}
	f.markHealthy(ctx)
	return nil
}

func (f *FallbackStore) GetSession(ctx context.Context, id string) (*model.MovementSession, error) {
	s, err := f.primary.GetSession(ctx, id)
	switch {
	case err == nil:
		f.markHealthy(ctx)
		return s, nil
	case infraFailure(err):
		f.markDegraded(ctx, "get_session", err)
		return f.cache.GetSession(ctx, id)
	default:
		f.markHealthy(ctx)
		// The record may only exist in the cache if it was written while
		// the primary was unreachable.
		if cached, cacheErr := f.cache.GetSession(ctx, id); cacheErr == nil {
			return cached, nil
		}
		return nil, err
	}
}

func (f *FallbackStore) DeleteSession(ctx context.Context, id string) error {
	cacheErr := f.cache.DeleteSession(ctx, id)
	err := f.primary.DeleteSession(ctx, id)
	if infraFailure(err) {
		f.markDegraded(ctx, "delete_session", err)
		return cacheErr
	}
	f.markHealthy(ctx)
	if err != nil && cacheErr == nil {
		// Cache-only record removed; not a failure for the caller.
		return nil
	}
	return err
}

func (f *FallbackStore) ActiveSessionForEntity(ctx context.Context, entityID string) (string, bool, error) {
	id, ok, err := f.primary.ActiveSessionForEntity(ctx, entityID)
	if infraFailure(err) {
		f.markDegraded(ctx, "entity_index", err)
		return f.cache.ActiveSessionForEntity(ctx, entityID)
	}
	f.markHealthy(ctx)
	if err == nil && !ok {
		// Sessions started during a degraded window live only in the cache;
		// they still count for entity exclusivity.
		return f.cache.ActiveSessionForEntity(ctx, entityID)
	}
	return id, ok, err
}

func (f *FallbackStore) ActiveSessions(ctx context.Context) ([]*model.MovementSession, error) {
	primary, err := f.primary.ActiveSessions(ctx)
	if infraFailure(err) {
		f.markDegraded(ctx, "active_sessions", err)
		return f.cache.ActiveSessions(ctx)
	}
	f.markHealthy(ctx)

	cached, cacheErr := f.cache.ActiveSessions(ctx)
	if cacheErr != nil {
		return primary, err
	}
	return mergeSessions(primary, cached), err
}

// mergeSessions unions two scans by session id, preferring the primary's
// copy of any session present in both.
func mergeSessions(primary, cached []*model.MovementSession) []*model.MovementSession {
	seen := make(map[string]struct{}, len(primary))
	out := make([]*model.MovementSession, 0, len(primary)+len(cached))
	for _, s := range primary {
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	for _, s := range cached {
		if _, dup := seen[s.ID]; !dup {
			out = append(out, s)
		}
	}
	return out
}

func (f *FallbackStore) SaveBatch(ctx context.Context, b *model.BatchMovementSession) error {
	if err := f.cache.SaveBatch(ctx, b); err != nil {
		return err
	}
	if err := f.primary.SaveBatch(ctx, b); infraFailure(err) {
		f.markDegraded(ctx, "save_batch", err)
		return nil
	} else if err != nil {
		return err
	}
	f.markHealthy(ctx)
	return nil
}

func (f *FallbackStore) GetBatch(ctx context.Context, id string) (*model.BatchMovementSession, error) {
	b, err := f.primary.GetBatch(ctx, id)
	switch {
	case err == nil:
		f.markHealthy(ctx)
		return b, nil
	case infraFailure(err):
		f.markDegraded(ctx, "get_batch", err)
		return f.cache.GetBatch(ctx, id)
	default:
		f.markHealthy(ctx)
		if cached, cacheErr := f.cache.GetBatch(ctx, id); cacheErr == nil {
			return cached, nil
		}
		return nil, err
	}
}

func (f *FallbackStore) DeleteBatch(ctx context.Context, id string) error {
	cacheErr := f.cache.DeleteBatch(ctx, id)
	err := f.primary.DeleteBatch(ctx, id)
	if infraFailure(err) {
		f.markDegraded(ctx, "delete_batch", err)
		return cacheErr
	}
	f.markHealthy(ctx)
	if err != nil && cacheErr == nil {
		return nil
	}
	return err
}

func (f *FallbackStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cachePurged, _ := f.cache.Cleanup(ctx, olderThan)
	purged, err := f.primary.Cleanup(ctx, olderThan)
	if infraFailure(err) {
		f.markDegraded(ctx, "cleanup", err)
		return cachePurged, nil
	}
	f.markHealthy(ctx)
	return purged + cachePurged, err
}

func (f *FallbackStore) Close() error {
	return errors.Join(f.cache.Close(), f.primary.Close())
}
