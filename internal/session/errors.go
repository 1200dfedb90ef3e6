package session

import (
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
	"github.com/miradorstack/mirador-errorwatch/internal/repository"
)

var (
	// ErrSessionExpired matches sessions that existed but whose TTL lapsed.
	// Such errors also match repository.ErrNotFound.
	ErrSessionExpired = errors.New("session expired")
	// ErrDeduplicationFailed matches errors that could not be folded into a session.
	ErrDeduplicationFailed = errors.New("deduplication failed")
)

// ErrorKind tags a session-level failure.
type ErrorKind uint8

const (
	KindSessionExpired ErrorKind = iota + 1
	KindDeduplicationFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindSessionExpired:
		return "session_expired"
	case KindDeduplicationFailed:
		return "deduplication_failed"
	default:
		return "unknown"
	}
}

// Error is a session-level failure. Repository failures are returned
// unwrapped as *repository.Error.
type Error struct {
	Kind   ErrorKind
	ID     models.SessionID
	Reason string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindSessionExpired:
		return fmt.Sprintf("session %s: %s", e.ID, ErrSessionExpired)
	default:
		return fmt.Sprintf("session %s: %s: %s", e.ID, ErrDeduplicationFailed, e.Reason)
	}
}

func (e *Error) Unwrap() []error {
	if e.Kind == KindSessionExpired {
		return []error{ErrSessionExpired, repository.NotFound(e.ID)}
	}
	return []error{ErrDeduplicationFailed}
}

// ExpiredError reports a lookup against a session whose TTL lapsed.
func ExpiredError(id models.SessionID) *Error {
	return &Error{Kind: KindSessionExpired, ID: id}
}

// DeduplicationFailed reports an error that could not be merged into id.
func DeduplicationFailed(id models.SessionID, reason string) *Error {
	return &Error{Kind: KindDeduplicationFailed, ID: id, Reason: reason}
}
