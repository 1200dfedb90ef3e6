package result

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestMapAndFlatMap(t *testing.T) {
	r := Map(Ok(2), func(v int) string { return strconv.Itoa(v * 2) })
	if got, err := r.Unpack(); err != nil || got != "4" {
		t.Fatalf("unexpected map result: %q, %v", got, err)
	}

	failed := Map(Err[int](errBoom), func(v int) string { return "unreachable" })
	if !errors.Is(failed.Error(), errBoom) {
		t.Fatalf("expected error to pass through map, got %v", failed.Error())
	}

	chained := FlatMap(Ok("12"), func(s string) Result[int] { return From(strconv.Atoi(s)) })
	if chained.Value() != 12 {
		t.Fatalf("expected 12, got %d", chained.Value())
	}
	if FlatMap(Ok("x"), func(s string) Result[int] { return From(strconv.Atoi(s)) }).IsOk() {
		t.Fatalf("expected parse failure to surface as Err")
	}
}

func TestMapErrorAndUnwrapOr(t *testing.T) {
	wrapped := MapError(Err[int](errBoom), func(err error) error { return errors.Join(errors.New("ctx"), err) })
	if !errors.Is(wrapped.Error(), errBoom) {
		t.Fatalf("expected wrapped error to keep cause")
	}
	if wrapped.UnwrapOr(7) != 7 {
		t.Fatalf("expected fallback value")
	}
	if Ok(3).UnwrapOr(7) != 3 {
		t.Fatalf("expected held value")
	}
	if MapError(Ok(1), func(error) error { return errBoom }).IsErr() {
		t.Fatalf("MapError must not touch Ok")
	}
}

func TestAllShortCircuits(t *testing.T) {
	all := All([]Result[int]{Ok(1), Ok(2), Ok(3)})
	if got := all.Value(); len(got) != 3 || got[2] != 3 {
		t.Fatalf("unexpected values: %v", got)
	}

	second := errors.New("second")
	failed := All([]Result[int]{Ok(1), Err[int](errBoom), Err[int](second)})
	if !errors.Is(failed.Error(), errBoom) {
		t.Fatalf("expected first error, got %v", failed.Error())
	}
}

func TestTryCatchRecoversPanic(t *testing.T) {
	r := TryCatch(func() (int, error) { panic("bad invariant") })
	var pe *PanicError
	if !errors.As(r.Error(), &pe) {
		t.Fatalf("expected PanicError, got %v", r.Error())
	}
	if pe.Value != "bad invariant" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic payload: %+v", pe)
	}
}

func TestTryCatchContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	r := TryCatchContext(ctx, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(r.Error(), context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", r.Error())
	}

	ok := TryCatchContext(context.Background(), func(context.Context) (int, error) { return 5, nil })
	if ok.Value() != 5 {
		t.Fatalf("expected 5, got %d", ok.Value())
	}
}
