// Package session manages ErrorSession aggregates: it owns the TTL store,
// folds incoming errors by fingerprint, serializes writes per session and
// publishes lifecycle events on a typed bus.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-errorwatch/internal/events"
	"github.com/miradorstack/mirador-errorwatch/internal/fingerprint"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/repository"
	"github.com/miradorstack/mirador-errorwatch/internal/result"
)

// DefaultMaxErrorsPerSession caps distinct fingerprints per session.
const DefaultMaxErrorsPerSession = 1000

// Option customizes a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the clock used for start, end and tombstone times.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithMaxErrorsPerSession caps the number of distinct fingerprints a session
// may hold. Values < 1 are ignored.
func WithMaxErrorsPerSession(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxErrors = n
		}
	}
}

// WithIDGenerator overrides how session ids are minted.
func WithIDGenerator(gen func() models.SessionID) Option {
	return func(r *Repository) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// Repository is the session aggregate store. Construct it with New; the
// store and bus are always supplied by the caller.
type Repository struct {
	store      *Store
	tombstones *repository.TTLRepository[models.SessionID, tombstone]
	bus        *events.Bus
	locks      *keyLocks

	logger    *slog.Logger
	now       func() time.Time
	newID     func() models.SessionID
	maxErrors int

	closeOnce sync.Once
}

// New wires a Repository over store and bus. Both are required. The
// repository takes ownership of store and closes it in Close.
func New(store *Store, bus *events.Bus, opts ...Option) (*Repository, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if bus == nil {
		return nil, errors.New("session: event bus is required")
	}

	r := &Repository{
		store:     store,
		bus:       bus,
		locks:     newKeyLocks(),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     func() models.SessionID { return models.SessionID(uuid.NewString()) },
		maxErrors: DefaultMaxErrorsPerSession,
	}
	for _, opt := range opts {
		opt(r)
	}

	tombstones, err := repository.NewTTLRepository[models.SessionID, tombstone](repository.Config[models.SessionID]{
		TTL:    store.TTL(),
		Clock:  r.now,
		Logger: r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: tombstones: %w", err)
	}
	r.tombstones = tombstones
	store.SetEvictionHook(r.onEvict)
	return r, nil
}

// CreateSession starts an empty session for url. An empty id is minted.
func (r *Repository) CreateSession(ctx context.Context, url string, metadata models.Metadata, id models.SessionID) result.Result[models.SessionID] {
	if url == "" {
		return result.Err[models.SessionID](repository.InvalidData("session url is required"))
	}
	if id == "" {
		id = r.newID()
	}

	release, err := r.lock(ctx, id)
	if err != nil {
		return result.Err[models.SessionID](err)
	}
	defer release()

	session := models.ErrorSession{
		ID:        id,
		URL:       url,
		StartTime: r.now(),
		Errors:    []models.WebError{},
		Metadata:  metadata.Clone(),
	}
	created, err := r.store.Add(ctx, session).Unpack()
	if err != nil {
		return result.Err[models.SessionID](err)
	}
	r.tombstones.Delete(ctx, id)

	r.logger.Debug("session created", slog.String("session_id", string(id)), slog.String("url", url))
	events.Emit(ctx, r.bus, TopicSessionCreated, SessionCreated{Session: created})
	return result.Ok(id)
}

// GetSession returns the live session. A miss emits session:expired and
// returns SessionExpired when the id is known to have lapsed, NotFound
// otherwise.
func (r *Repository) GetSession(ctx context.Context, id models.SessionID) result.Result[models.ErrorSession] {
	res := r.store.Get(ctx, id)
	if errors.Is(res.Error(), repository.ErrNotFound) {
		return result.Err[models.ErrorSession](r.missing(ctx, id))
	}
	return res
}

// AddError folds incoming into the session's errors and writes the session
// back, resetting its TTL. The read-merge-write runs under the session's
// key lock.
func (r *Repository) AddError(ctx context.Context, id models.SessionID, incoming models.WebError) result.Result[models.ErrorSession] {
	if err := models.Validate(incoming); err != nil {
		return result.Err[models.ErrorSession](repository.InvalidData(err.Error()))
	}

	release, err := r.lock(ctx, id)
	if err != nil {
		return result.Err[models.ErrorSession](err)
	}
	defer release()

	session, err := r.store.Get(ctx, id).Unpack()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = r.missing(ctx, id)
		}
		return result.Err[models.ErrorSession](err)
	}

	merged, outcome := fingerprint.Merge(session.Errors, incoming)
	if !outcome.Deduplicated && len(session.Errors) >= r.maxErrors {
		return result.Err[models.ErrorSession](DeduplicationFailed(id,
			fmt.Sprintf("session holds the maximum of %d distinct errors", r.maxErrors)))
	}
	session.Errors = merged

	updated, err := r.store.Update(ctx, id, session).Unpack()
	if err != nil {
		return result.Err[models.ErrorSession](err)
	}

	if outcome.Deduplicated {
		events.Emit(ctx, r.bus, TopicErrorDeduplicated, ErrorDeduplicated{
			SessionID:    id,
			ErrorID:      outcome.Merged.Common().ID,
			Type:         outcome.Merged.Type(),
			NewFrequency: outcome.Merged.Common().Frequency,
		})
	} else {
		events.Emit(ctx, r.bus, TopicErrorAdded, ErrorAdded{SessionID: id, Error: outcome.Merged})
	}
	return result.Ok(updated)
}

// UpdateSession replaces a live session wholesale. The errors must be
// valid and hold at most one entry per fingerprint.
func (r *Repository) UpdateSession(ctx context.Context, session models.ErrorSession) result.Result[models.ErrorSession] {
	if err := r.validateSession(session); err != nil {
		return result.Err[models.ErrorSession](err)
	}

	release, err := r.lock(ctx, session.ID)
	if err != nil {
		return result.Err[models.ErrorSession](err)
	}
	defer release()

	return r.update(ctx, session)
}

// CompleteSession records the session end time. A zero endTime means now.
func (r *Repository) CompleteSession(ctx context.Context, id models.SessionID, endTime time.Time) result.Result[models.ErrorSession] {
	if endTime.IsZero() {
		endTime = r.now()
	}

	release, err := r.lock(ctx, id)
	if err != nil {
		return result.Err[models.ErrorSession](err)
	}
	defer release()

	session, err := r.store.Get(ctx, id).Unpack()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = r.missing(ctx, id)
		}
		return result.Err[models.ErrorSession](err)
	}
	if endTime.Before(session.StartTime) {
		return result.Err[models.ErrorSession](repository.InvalidData("end time precedes start time"))
	}
	session.EndTime = endTime
	return r.update(ctx, session)
}

// DeleteSession removes a live session and returns it.
func (r *Repository) DeleteSession(ctx context.Context, id models.SessionID) result.Result[models.ErrorSession] {
	release, err := r.lock(ctx, id)
	if err != nil {
		return result.Err[models.ErrorSession](err)
	}
	defer release()

	deleted, err := r.store.Delete(ctx, id).Unpack()
	if err != nil {
		return result.Err[models.ErrorSession](err)
	}
	r.logger.Debug("session deleted", slog.String("session_id", string(id)))
	events.Emit(ctx, r.bus, TopicSessionDeleted, SessionDeleted{SessionID: id})
	return result.Ok(deleted)
}

// FindSessions returns live sessions matching predicate, oldest first.
func (r *Repository) FindSessions(ctx context.Context, predicate func(models.ErrorSession) bool) result.Result[[]models.ErrorSession] {
	return result.Map(r.store.Find(ctx, predicate), func(sessions []models.ErrorSession) []models.ErrorSession {
		slices.SortFunc(sessions, func(a, b models.ErrorSession) int {
			return cmp.Or(a.StartTime.Compare(b.StartTime), cmp.Compare(a.ID, b.ID))
		})
		return sessions
	})
}

// FindByURL returns live sessions whose URL matches url once query and
// fragment are dropped.
func (r *Repository) FindByURL(ctx context.Context, url string) result.Result[[]models.ErrorSession] {
	want := fingerprint.NormalizeURL(url)
	return r.FindSessions(ctx, func(s models.ErrorSession) bool {
		return fingerprint.NormalizeURL(s.URL) == want
	})
}

// ClearAllSessions drops every session and tombstone and returns how many
// sessions were dropped.
func (r *Repository) ClearAllSessions(ctx context.Context) result.Result[int] {
	cleared := r.store.Clear(ctx)
	if cleared.IsErr() {
		return cleared
	}
	r.tombstones.Clear(ctx)

	r.logger.Info("sessions cleared", slog.Int("count", cleared.Value()))
	events.Emit(ctx, r.bus, TopicSessionsCleared, SessionsCleared{Count: cleared.Value()})
	return cleared
}

// GetSessionCount returns the number of live sessions.
func (r *Repository) GetSessionCount(ctx context.Context) result.Result[int] {
	return r.store.Count(ctx)
}

// Bus returns the bus events are published on.
func (r *Repository) Bus() *events.Bus { return r.bus }

// Close stops the store and tombstone sweeps and removes every listener
// from the bus. It is safe to call more than once.
func (r *Repository) Close() error {
	r.closeOnce.Do(func() {
		r.store.SetEvictionHook(nil)
		r.store.Close()
		r.tombstones.Close()
		r.bus.RemoveAllListeners()
	})
	return nil
}

func (r *Repository) update(ctx context.Context, session models.ErrorSession) result.Result[models.ErrorSession] {
	updated, err := r.store.Update(ctx, session.ID, session).Unpack()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = r.missing(ctx, session.ID)
		}
		return result.Err[models.ErrorSession](err)
	}
	events.Emit(ctx, r.bus, TopicSessionUpdated, SessionUpdated{Session: updated})
	return result.Ok(updated)
}

func (r *Repository) validateSession(session models.ErrorSession) error {
	if session.ID == "" {
		return repository.InvalidData("session id is required")
	}
	if len(session.Errors) > r.maxErrors {
		return DeduplicationFailed(session.ID, fmt.Sprintf("session holds more than %d distinct errors", r.maxErrors))
	}
	seen := make(map[string]struct{}, len(session.Errors))
	for i, e := range session.Errors {
		if err := models.Validate(e); err != nil {
			return repository.InvalidData(fmt.Sprintf("errors[%d]: %v", i, err))
		}
		key := fingerprint.Fingerprint(e)
		if _, dup := seen[key]; dup {
			return repository.InvalidData(fmt.Sprintf("errors[%d]: duplicate fingerprint %q", i, key))
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (r *Repository) lock(ctx context.Context, id models.SessionID) (func(), error) {
	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return nil, repository.StorageFailure("acquire session lock", err)
	}
	return release, nil
}

// missing emits session:expired for a failed lookup and picks the error.
func (r *Repository) missing(ctx context.Context, id models.SessionID) error {
	known := r.tombstones.Exists(ctx, id).UnwrapOr(false)
	events.Emit(ctx, r.bus, TopicSessionExpired, SessionExpired{SessionID: id, Known: known})
	if known {
		return ExpiredError(id)
	}
	return repository.NotFound(id)
}

func (r *Repository) onEvict(id models.SessionID) {
	ctx := context.Background()
	stone := tombstone{id: id, expiredAt: r.now()}
	if r.tombstones.Add(ctx, stone).IsErr() {
		r.tombstones.Update(ctx, id, stone)
	}
	// A CreateSession for id may have landed since the eviction.
	if r.store.Exists(ctx, id).UnwrapOr(false) {
		r.tombstones.Delete(ctx, id)
	}
	r.logger.Debug("session expired", slog.String("session_id", string(id)))
	events.Emit(ctx, r.bus, TopicSessionExpired, SessionExpired{SessionID: id, Evicted: true, Known: true})
}
