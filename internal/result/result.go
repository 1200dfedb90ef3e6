// Package result provides a two-variant success/failure value used by the
// store and admission layers for expected failure paths.
package result

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Result holds either a value or an error, never both.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Err wraps a failure. A nil err is a programming error.
func Err[T any](err error) Result[T] {
	if err == nil {
		panic("result: Err called with nil error")
	}
	return Result[T]{err: err}
}

// From adapts a conventional (value, error) pair.
func From[T any](value T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(value)
}

// IsOk reports whether r holds a value.
func (r Result[T]) IsOk() bool { return r.err == nil }

// IsErr reports whether r holds an error.
func (r Result[T]) IsErr() bool { return r.err != nil }

// Value returns the held value, or the zero value for an Err.
func (r Result[T]) Value() T { return r.value }

// Error returns the held error, or nil for an Ok.
func (r Result[T]) Error() error { return r.err }

// Unpack converts r back into Go's (value, error) convention.
func (r Result[T]) Unpack() (T, error) { return r.value, r.err }

// UnwrapOr returns the held value, or fallback for an Err.
func (r Result[T]) UnwrapOr(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.value
}

// Map transforms the value of an Ok and passes an Err through.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return Ok(fn(r.value))
}

// MapError transforms the error of an Err and passes an Ok through.
func MapError[T any](r Result[T], fn func(error) error) Result[T] {
	if r.err == nil {
		return r
	}
	return Err[T](fn(r.err))
}

// FlatMap chains a fallible step onto an Ok.
func FlatMap[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return fn(r.value)
}

// All collects the values of rs, returning the first Err encountered.
func All[T any](rs []Result[T]) Result[[]T] {
	values := make([]T, 0, len(rs))
	for _, r := range rs {
		if r.err != nil {
			return Err[[]T](r.err)
		}
		values = append(values, r.value)
	}
	return Ok(values)
}

// PanicError carries a recovered panic value and the stack at recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered panic: %v", e.Value)
}

// TryCatch runs fn and converts both its error and any panic into an Err.
// It is meant for the boundary with code that is not Result-aware.
func TryCatch[T any](fn func() (T, error)) (out Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = Err[T](&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return From(fn())
}

// TryCatchContext is TryCatch for blocking work: fn runs on its own
// goroutine and the call returns early with ctx.Err() if ctx finishes first.
func TryCatchContext[T any](ctx context.Context, fn func(context.Context) (T, error)) Result[T] {
	if err := ctx.Err(); err != nil {
		return Err[T](err)
	}
	done := make(chan Result[T], 1)
	go func() {
		done <- TryCatch(func() (T, error) { return fn(ctx) })
	}()
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Err[T](ctx.Err())
	}
}
