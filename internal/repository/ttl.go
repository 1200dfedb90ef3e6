package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-errorwatch/internal/result"
)

// DefaultCleanupInterval is the sweep period used when Config leaves it unset.
const DefaultCleanupInterval = 60 * time.Second

// Config controls a TTLRepository.
type Config[ID comparable] struct {
	// TTL is how long an entry lives after its last successful write.
	TTL time.Duration
	// CleanupInterval is the background sweep period. Zero selects
	// DefaultCleanupInterval; a negative value disables the sweep.
	CleanupInterval time.Duration
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
	// OnEvict is called, outside any lock, for every entry removed because
	// it expired. Explicit deletes and Clear do not trigger it.
	OnEvict func(ID)
}

type entry[T any] struct {
	entity    T
	expiresAt time.Time
}

// TTLRepository is an in-memory Repository whose entries expire TTL after
// their last Add or Update (sliding expiration). Expired entries are evicted
// lazily on read and by a periodic sweep that must be stopped with Close.
type TTLRepository[ID comparable, T Entity[ID, T]] struct {
	mu      sync.RWMutex
	entries map[ID]entry[T]

	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onEvict  func(ID)

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewTTLRepository constructs a TTLRepository and starts its sweeper.
func NewTTLRepository[ID comparable, T Entity[ID, T]](cfg Config[ID]) (*TTLRepository[ID, T], error) {
	if cfg.TTL <= 0 {
		return nil, InvalidData("ttl must be positive")
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &TTLRepository[ID, T]{
		entries:  make(map[ID]entry[T]),
		ttl:      cfg.TTL,
		interval: cfg.CleanupInterval,
		now:      cfg.Clock,
		logger:   cfg.Logger,
		onEvict:  cfg.OnEvict,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if r.interval > 0 {
		go r.sweepLoop(ctx)
	} else {
		close(r.done)
	}
	return r, nil
}

// SetEvictionHook replaces the OnEvict hook. A nil hook disables it.
func (r *TTLRepository[ID, T]) SetEvictionHook(hook func(ID)) {
	r.mu.Lock()
	r.onEvict = hook
	r.mu.Unlock()
}

// TTL returns the configured entry lifetime.
func (r *TTLRepository[ID, T]) TTL() time.Duration { return r.ttl }

// Get returns a clone of the live entity stored under id.
func (r *TTLRepository[ID, T]) Get(ctx context.Context, id ID) result.Result[T] {
	if err := ctx.Err(); err != nil {
		return result.Err[T](StorageFailure("get", err))
	}
	now := r.now()

	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return result.Err[T](NotFound(id))
	}
	if r.expired(e, now) {
		r.evict(id, now)
		return result.Err[T](NotFound(id))
	}
	return result.Ok(e.entity.Clone())
}

// GetAll returns clones of every live entity.
func (r *TTLRepository[ID, T]) GetAll(ctx context.Context) result.Result[[]T] {
	return r.Find(ctx, nil)
}

// Add stores a new entity. An id that is present and live is rejected.
func (r *TTLRepository[ID, T]) Add(ctx context.Context, entity T) result.Result[T] {
	if err := ctx.Err(); err != nil {
		return result.Err[T](StorageFailure("add", err))
	}
	id := entity.EntityID()
	now := r.now()

	r.mu.Lock()
	existing, ok := r.entries[id]
	if ok && !r.expired(existing, now) {
		r.mu.Unlock()
		return result.Err[T](AlreadyExists(id))
	}
	r.entries[id] = entry[T]{entity: entity.Clone(), expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	if ok {
		r.notifyEvicted([]ID{id})
	}
	return result.Ok(entity.Clone())
}

// Update replaces a live entity and resets its expiry.
func (r *TTLRepository[ID, T]) Update(ctx context.Context, id ID, entity T) result.Result[T] {
	if err := ctx.Err(); err != nil {
		return result.Err[T](StorageFailure("update", err))
	}
	if entity.EntityID() != id {
		return result.Err[T](InvalidData("entity id does not match update target"))
	}
	now := r.now()

	r.mu.Lock()
	existing, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return result.Err[T](NotFound(id))
	}
	if r.expired(existing, now) {
		delete(r.entries, id)
		r.mu.Unlock()
		r.notifyEvicted([]ID{id})
		return result.Err[T](NotFound(id))
	}
	r.entries[id] = entry[T]{entity: entity.Clone(), expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return result.Ok(entity.Clone())
}

// Delete removes a live entity and returns it.
func (r *TTLRepository[ID, T]) Delete(ctx context.Context, id ID) result.Result[T] {
	if err := ctx.Err(); err != nil {
		return result.Err[T](StorageFailure("delete", err))
	}
	now := r.now()

	r.mu.Lock()
	existing, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return result.Err[T](NotFound(id))
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if r.expired(existing, now) {
		r.notifyEvicted([]ID{id})
		return result.Err[T](NotFound(id))
	}
	return result.Ok(existing.entity.Clone())
}

// Exists reports whether id is present and live.
func (r *TTLRepository[ID, T]) Exists(ctx context.Context, id ID) result.Result[bool] {
	if err := ctx.Err(); err != nil {
		return result.Err[bool](StorageFailure("exists", err))
	}
	now := r.now()

	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return result.Ok(false)
	}
	if r.expired(e, now) {
		r.evict(id, now)
		return result.Ok(false)
	}
	return result.Ok(true)
}

// Count returns the number of live entities.
func (r *TTLRepository[ID, T]) Count(ctx context.Context) result.Result[int] {
	if err := ctx.Err(); err != nil {
		return result.Err[int](StorageFailure("count", err))
	}
	now := r.now()

	r.mu.Lock()
	evicted := r.removeExpiredLocked(now)
	n := len(r.entries)
	r.mu.Unlock()

	r.notifyEvicted(evicted)
	return result.Ok(n)
}

// Find returns clones of the live entities matching predicate. A nil
// predicate matches everything.
func (r *TTLRepository[ID, T]) Find(ctx context.Context, predicate func(T) bool) result.Result[[]T] {
	if err := ctx.Err(); err != nil {
		return result.Err[[]T](StorageFailure("find", err))
	}
	now := r.now()

	r.mu.Lock()
	evicted := r.removeExpiredLocked(now)
	matches := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		matches = append(matches, e.entity.Clone())
	}
	r.mu.Unlock()

	r.notifyEvicted(evicted)

	// The predicate runs outside the lock so callers cannot stall writers.
	if predicate == nil {
		return result.Ok(matches)
	}
	filtered := matches[:0]
	for _, m := range matches {
		if predicate(m) {
			filtered = append(filtered, m)
		}
	}
	return result.Ok(filtered)
}

// Clear drops every entry, live or not.
func (r *TTLRepository[ID, T]) Clear(ctx context.Context) result.Result[int] {
	if err := ctx.Err(); err != nil {
		return result.Err[int](StorageFailure("clear", err))
	}
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[ID]entry[T])
	r.mu.Unlock()
	return result.Ok(n)
}

// Sweep performs one eviction pass and returns how many entries it removed.
func (r *TTLRepository[ID, T]) Sweep() int {
	now := r.now()
	r.mu.Lock()
	evicted := r.removeExpiredLocked(now)
	r.mu.Unlock()

	r.notifyEvicted(evicted)
	if len(evicted) > 0 {
		r.logger.Info("ttl sweep evicted entries", slog.Int("evicted", len(evicted)))
	}
	return len(evicted)
}

// Close stops the background sweep and waits for it to exit. It is safe to
// call more than once; the repository stays usable with lazy expiry only.
func (r *TTLRepository[ID, T]) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
	return nil
}

func (r *TTLRepository[ID, T]) sweepLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *TTLRepository[ID, T]) expired(e entry[T], now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// evict removes id if it is still expired once the write lock is held.
func (r *TTLRepository[ID, T]) evict(id ID, now time.Time) {
	r.mu.Lock()
	e, ok := r.entries[id]
	removed := ok && r.expired(e, now)
	if removed {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if removed {
		r.notifyEvicted([]ID{id})
	}
}

func (r *TTLRepository[ID, T]) removeExpiredLocked(now time.Time) []ID {
	var evicted []ID
	for id, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *TTLRepository[ID, T]) notifyEvicted(ids []ID) {
	if len(ids) == 0 {
		return
	}
	r.mu.RLock()
	hook := r.onEvict
	r.mu.RUnlock()
	if hook == nil {
		return
	}
	for _, id := range ids {
		hook(id)
	}
}
