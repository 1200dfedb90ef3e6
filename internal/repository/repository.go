// Package repository provides generic CRUD storage over typed entities,
// returning result.Result values, plus an in-memory TTL implementation.
package repository

import (
	"context"

	"github.com/miradorstack/mirador-errorwatch/internal/result"
)

// Entity is a value that knows its own id and can produce a detached copy
// of itself. Repositories store and hand out clones only.
type Entity[ID comparable, T any] interface {
	EntityID() ID
	Clone() T
}

// Repository is CRUD over a keyed collection. Every failure is one of the
// *Error kinds.
type Repository[ID comparable, T Entity[ID, T]] interface {
	Get(ctx context.Context, id ID) result.Result[T]
	GetAll(ctx context.Context) result.Result[[]T]
	Add(ctx context.Context, entity T) result.Result[T]
	Update(ctx context.Context, id ID, entity T) result.Result[T]
	// Delete returns the removed entity.
	Delete(ctx context.Context, id ID) result.Result[T]
	Exists(ctx context.Context, id ID) result.Result[bool]
	Count(ctx context.Context) result.Result[int]
	Find(ctx context.Context, predicate func(T) bool) result.Result[[]T]
	// Clear returns how many entities were dropped.
	Clear(ctx context.Context) result.Result[int]
}
