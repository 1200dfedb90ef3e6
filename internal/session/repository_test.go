package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-errorwatch/internal/events"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepository(t *testing.T, opts ...Option) (*Repository, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := NewStore(time.Second, 0, WithStoreClock(clock.Now), WithStoreLogger(logger))
	require.NoError(t, err)

	opts = append([]Option{WithClock(clock.Now), WithLogger(logger)}, opts...)
	repo, err := New(store, events.NewBus(logger), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, clock
}

func typeError(ts time.Time) models.JavaScriptError {
	return models.JavaScriptError{
		ErrorBase: models.ErrorBase{
			ID:        "js-1",
			Message:   "TypeError: Cannot read properties of undefined (reading 'foo')",
			Timestamp: ts,
			Severity:  models.SeverityHigh,
			Frequency: 1,
		},
		Stack: "at Widget (app.js:10:5)",
	}
}

func consoleError(msg string, ts time.Time) models.ConsoleError {
	return models.ConsoleError{
		ErrorBase: models.ErrorBase{ID: msg, Message: msg, Timestamp: ts, Severity: models.SeverityLow, Frequency: 1},
		Level:     "error",
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	store, err := NewStore(time.Minute, 0)
	require.NoError(t, err)
	defer store.Close()

	_, err = New(nil, events.NewBus(nil))
	assert.Error(t, err)
	_, err = New(store, nil)
	assert.Error(t, err)
}

func TestAddErrorTwiceFoldsIntoOneEntry(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.CreateSession(ctx, "https://example.com", models.Metadata{"browser": "chromium"}, "").Unpack()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = repo.AddError(ctx, id, typeError(clock.Now())).Unpack()
	require.NoError(t, err)
	session, err := repo.AddError(ctx, id, typeError(clock.Now())).Unpack()
	require.NoError(t, err)

	require.Len(t, session.Errors, 1)
	assert.Equal(t, 2, session.Errors[0].Common().Frequency)
	assert.Equal(t, "chromium", session.Metadata["browser"])

	stored, err := repo.GetSession(ctx, id).Unpack()
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TotalOccurrences())
}

func TestAddErrorEventOrder(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	var got []string
	events.On(repo.Bus(), TopicErrorAdded, func(_ context.Context, ev ErrorAdded) error {
		got = append(got, "added:"+ev.Error.Common().ID)
		return nil
	})
	events.On(repo.Bus(), TopicErrorDeduplicated, func(_ context.Context, ev ErrorDeduplicated) error {
		got = append(got, fmt.Sprintf("deduplicated:%s:%d", ev.ErrorID, ev.NewFrequency))
		return nil
	})

	id := repo.CreateSession(ctx, "https://example.com", nil, "s-1").Value()
	repo.AddError(ctx, id, typeError(clock.Now()))
	repo.AddError(ctx, id, typeError(clock.Now()))

	assert.Equal(t, []string{"added:js-1", "deduplicated:js-1:2"}, got)
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	var expired []SessionExpired
	events.On(repo.Bus(), TopicSessionExpired, func(_ context.Context, ev SessionExpired) error {
		expired = append(expired, ev)
		return nil
	})

	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()
	clock.Advance(1100 * time.Millisecond)

	err := repo.GetSession(ctx, id).Error()
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, err, ErrSessionExpired)

	require.Len(t, expired, 2)
	assert.True(t, expired[0].Evicted)
	assert.False(t, expired[1].Evicted)
	assert.True(t, expired[1].Known)

	err = repo.AddError(ctx, id, typeError(clock.Now())).Error()
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSlidingTTLOnAddError(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()
	clock.Advance(900 * time.Millisecond)
	require.NoError(t, repo.AddError(ctx, id, typeError(clock.Now())).Error())
	clock.Advance(600 * time.Millisecond)

	assert.NoError(t, repo.GetSession(ctx, id).Error())
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	var expired []SessionExpired
	events.On(repo.Bus(), TopicSessionExpired, func(_ context.Context, ev SessionExpired) error {
		expired = append(expired, ev)
		return nil
	})

	err := repo.AddError(ctx, "nope", typeError(clock.Now())).Error()
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.NotErrorIs(t, err, ErrSessionExpired)
	require.Len(t, expired, 1)
	assert.False(t, expired[0].Known)

	assert.ErrorIs(t, repo.DeleteSession(ctx, "nope").Error(), repository.ErrNotFound)
}

func TestCreateSessionRejectsDuplicateAndEmptyURL(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, "https://example.com", nil, "fixed").Error())
	assert.ErrorIs(t, repo.CreateSession(ctx, "https://example.com", nil, "fixed").Error(), repository.ErrAlreadyExists)
	assert.ErrorIs(t, repo.CreateSession(ctx, "", nil, "").Error(), repository.ErrInvalidData)
}

func TestAddErrorRejectsInvalidError(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()
	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()

	bad := typeError(clock.Now())
	bad.Frequency = 0
	assert.ErrorIs(t, repo.AddError(ctx, id, bad).Error(), repository.ErrInvalidData)
}

func TestConcurrentAddErrorLosesNoUpdates(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()
	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()

	const workers = 64
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.AddError(ctx, id, typeError(clock.Now())).Error())
		}()
		go func() {
			defer wg.Done()
			msg := fmt.Sprintf("console failure %c", 'A'+rune(i%26)) + fmt.Sprint(i/26)
			assert.NoError(t, repo.AddError(ctx, id, consoleError(msg, clock.Now())).Error())
		}()
	}
	wg.Wait()

	session := repo.GetSession(ctx, id).Value()
	assert.Len(t, session.Errors, workers+1)
	assert.Equal(t, 2*workers, session.TotalOccurrences())
	assert.Zero(t, repo.locks.size())
}

func TestMaxErrorsPerSession(t *testing.T) {
	repo, clock := newTestRepository(t, WithMaxErrorsPerSession(1))
	ctx := context.Background()
	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()

	require.NoError(t, repo.AddError(ctx, id, consoleError("first", clock.Now())).Error())
	require.NoError(t, repo.AddError(ctx, id, consoleError("first", clock.Now())).Error())

	err := repo.AddError(ctx, id, consoleError("second", clock.Now())).Error()
	assert.ErrorIs(t, err, ErrDeduplicationFailed)
}

func TestUpdateAndCompleteSession(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()
	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()

	var updates int
	events.On(repo.Bus(), TopicSessionUpdated, func(context.Context, SessionUpdated) error {
		updates++
		return nil
	})

	session := repo.GetSession(ctx, id).Value()
	session.Errors = []models.WebError{typeError(clock.Now()), typeError(clock.Now())}
	assert.ErrorIs(t, repo.UpdateSession(ctx, session).Error(), repository.ErrInvalidData)

	session.Errors = session.Errors[:1]
	session.Metadata = models.Metadata{"title": "Example"}
	updated, err := repo.UpdateSession(ctx, session).Unpack()
	require.NoError(t, err)
	assert.Equal(t, "Example", updated.Metadata["title"])

	assert.ErrorIs(t, repo.CompleteSession(ctx, id, clock.Now().Add(-time.Hour)).Error(), repository.ErrInvalidData)

	clock.Advance(250 * time.Millisecond)
	completed, err := repo.CompleteSession(ctx, id, time.Time{}).Unpack()
	require.NoError(t, err)
	assert.True(t, completed.Ended())
	assert.Equal(t, 250*time.Millisecond, completed.Duration(clock.Now().Add(time.Hour)))
	assert.Equal(t, 2, updates)
}

func TestFindDeleteAndClear(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	first := repo.CreateSession(ctx, "https://example.com/a?x=1", nil, "").Value()
	clock.Advance(time.Millisecond)
	second := repo.CreateSession(ctx, "https://example.com/a?y=2", nil, "").Value()
	repo.CreateSession(ctx, "https://example.com/b", nil, "")

	matches := repo.FindByURL(ctx, "https://example.com/a").Value()
	require.Len(t, matches, 2)
	assert.Equal(t, first, matches[0].ID)
	assert.Equal(t, second, matches[1].ID)

	var deleted []models.SessionID
	events.On(repo.Bus(), TopicSessionDeleted, func(_ context.Context, ev SessionDeleted) error {
		deleted = append(deleted, ev.SessionID)
		return nil
	})
	removed, err := repo.DeleteSession(ctx, first).Unpack()
	require.NoError(t, err)
	assert.Equal(t, first, removed.ID)
	assert.Equal(t, []models.SessionID{first}, deleted)
	assert.Equal(t, 2, repo.GetSessionCount(ctx).Value())

	var cleared int
	events.On(repo.Bus(), TopicSessionsCleared, func(_ context.Context, ev SessionsCleared) error {
		cleared = ev.Count
		return nil
	})
	assert.Equal(t, 2, repo.ClearAllSessions(ctx).Value())
	assert.Equal(t, 2, cleared)
	assert.Zero(t, repo.GetSessionCount(ctx).Value())
}

func TestCloseRemovesListeners(t *testing.T) {
	repo, _ := newTestRepository(t)
	events.On(repo.Bus(), TopicSessionCreated, func(context.Context, SessionCreated) error { return nil })
	require.NotEmpty(t, repo.Bus().EventNames())

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
	assert.Empty(t, repo.Bus().EventNames())
}

func TestCancelledContextDoesNotTakeLock(t *testing.T) {
	repo, clock := newTestRepository(t)
	id := repo.CreateSession(context.Background(), "https://example.com", nil, "").Value()

	release, err := repo.locks.acquire(context.Background(), id)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = repo.AddError(ctx, id, typeError(clock.Now())).Error()
	assert.ErrorIs(t, err, repository.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLateEvictionDoesNotShadowRecreatedSession(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, "https://example.com", nil, "reused").Error())
	// the sweep reports the previous holder of the id after the new one exists
	repo.onEvict("reused")

	require.NoError(t, repo.GetSession(ctx, "reused").Error())
	require.NoError(t, repo.DeleteSession(ctx, "reused").Error())

	err := repo.GetSession(ctx, "reused").Error()
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.NotErrorIs(t, err, ErrSessionExpired)
}

func TestAddErrorRejectsPointerVariant(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()
	id := repo.CreateSession(ctx, "https://example.com", nil, "").Value()

	js := typeError(clock.Now())
	var err error
	require.NotPanics(t, func() { err = repo.AddError(ctx, id, &js).Error() })
	assert.ErrorIs(t, err, repository.ErrInvalidData)
	assert.Empty(t, repo.GetSession(ctx, id).Value().Errors)
}
