// Package ratelimit provides keyed token-bucket admission control built on
// golang.org/x/time/rate, with an idle-bucket sweep.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-errorwatch/internal/result"
)

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLogger sets the logger used by the idle sweep.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCleanupInterval sets the idle sweep period. It defaults to the
// window; a negative value disables the background sweep.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) { l.interval = d }
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter admits at most limit calls per window for each key, refilling
// continuously at limit/window tokens per second.
type Limiter struct {
	limit  int
	window time.Duration
	rate   rate.Limit

	mu      sync.Mutex
	buckets map[string]*bucket

	now      func() time.Time
	logger   *slog.Logger
	interval time.Duration

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Stats is a monitoring snapshot of a Limiter.
type Stats struct {
	Buckets int
	Limit   int
	Window  time.Duration
}

// New constructs a Limiter and starts its idle sweep.
func New(limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if limit < 1 {
		return nil, fmt.Errorf("ratelimit: limit must be >= 1, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		limit:    limit,
		window:   window,
		rate:     rate.Limit(float64(limit) / window.Seconds()),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
		logger:   slog.Default(),
		interval: window,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.interval > 0 {
		go l.sweepLoop(ctx)
	} else {
		close(l.done)
	}
	return l, nil
}

// Limit returns the bucket capacity.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the refill window.
func (l *Limiter) Window() time.Duration { return l.window }

// CheckLimit consumes one token for key, or reports how long to wait.
func (l *Limiter) CheckLimit(key string) result.Result[bool] {
	// now is read under mu so bucket times never move backwards.
	l.mu.Lock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rate, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if b.lim.AllowN(now, 1) {
		l.mu.Unlock()
		return result.Ok(true)
	}
	tokens := b.lim.TokensAt(now)
	l.mu.Unlock()

	return result.Err[bool](&LimitError{
		RetryAfter: l.retryAfter(tokens),
		Limit:      l.limit,
		Window:     l.window,
	})
}

// GetTokens returns the tokens currently available to key without
// consuming one. Unknown keys report a full bucket.
func (l *Limiter) GetTokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		return float64(l.limit)
	}
	return math.Min(float64(l.limit), b.lim.TokensAt(now))
}

// Reset forgets key, restoring a full bucket.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// ResetAll forgets every key.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Stats returns the current bucket count and configuration.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Buckets: len(l.buckets), Limit: l.limit, Window: l.window}
}

// Sweep drops buckets idle for more than twice the window that are back at
// full capacity, and returns how many it dropped.
func (l *Limiter) Sweep() int {
	idle := 2 * l.window

	l.mu.Lock()
	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle && b.lim.TokensAt(now) >= float64(l.limit) {
			delete(l.buckets, key)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("rate limit sweep removed idle buckets", slog.Int("removed", removed))
	}
	return removed
}

// Close stops the idle sweep. It is safe to call more than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.done
	})
	return nil
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// retryAfter is ceil(owed / refillRate) in whole seconds, at least 1.
func (l *Limiter) retryAfter(tokens float64) int {
	owed := 1 - tokens
	seconds := math.Ceil(owed * l.window.Seconds() / float64(l.limit))
	if seconds < 1 {
		return 1
	}
	return int(seconds)
}
