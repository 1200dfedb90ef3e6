package session

import (
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/repository"
)

// Store is the TTL repository holding live sessions.
type Store = repository.TTLRepository[models.SessionID, models.ErrorSession]

// StoreOption customizes NewStore.
type StoreOption func(*repository.Config[models.SessionID])

// WithStoreClock overrides the store clock.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(cfg *repository.Config[models.SessionID]) { cfg.Clock = clock }
}

// WithStoreLogger sets the logger used for sweep reporting.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(cfg *repository.Config[models.SessionID]) { cfg.Logger = logger }
}

// NewStore builds the session store. A cleanupInterval <= 0 disables the
// background sweep.
func NewStore(ttl, cleanupInterval time.Duration, opts ...StoreOption) (*Store, error) {
	if cleanupInterval <= 0 {
		cleanupInterval = -1
	}
	cfg := repository.Config[models.SessionID]{TTL: ttl, CleanupInterval: cleanupInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return repository.NewTTLRepository[models.SessionID, models.ErrorSession](cfg)
}

// tombstone remembers a session that expired, so later lookups can report
// SessionExpired instead of NotFound.
type tombstone struct {
	id        models.SessionID
	expiredAt time.Time
}

func (t tombstone) EntityID() models.SessionID { return t.id }
func (t tombstone) Clone() tombstone           { return t }
