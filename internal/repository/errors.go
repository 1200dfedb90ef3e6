package repository

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorage       = errors.New("storage error")
)

// ErrorKind tags a repository failure.
type ErrorKind uint8

const (
	KindNotFound ErrorKind = iota + 1
	KindAlreadyExists
	KindInvalidData
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidData:
		return "invalid_data"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindInvalidData:
		return ErrInvalidData
	default:
		return ErrStorage
	}
}

// Error is the repository failure value. ID is set for NotFound and
// AlreadyExists, Reason for InvalidData and StorageError.
type Error struct {
	Kind   ErrorKind
	ID     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound, KindAlreadyExists:
		return fmt.Sprintf("%s: %s", e.ID, e.Kind.sentinel())
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind.sentinel(), e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Reason)
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind.sentinel(), e.Err}
	}
	return []error{e.Kind.sentinel()}
}

// NotFound reports a missing or expired id.
func NotFound(id any) *Error {
	return &Error{Kind: KindNotFound, ID: fmt.Sprint(id)}
}

// AlreadyExists reports an add against a live id.
func AlreadyExists(id any) *Error {
	return &Error{Kind: KindAlreadyExists, ID: fmt.Sprint(id)}
}

// InvalidData reports an entity that fails a structural check.
func InvalidData(reason string) *Error {
	return &Error{Kind: KindInvalidData, Reason: reason}
}

// StorageFailure reports a failure of the backing store itself.
func StorageFailure(reason string, err error) *Error {
	return &Error{Kind: KindStorage, Reason: reason, Err: err}
}

// KindOf extracts the repository kind from err, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return repoErr.Kind
	}
	return 0
}
