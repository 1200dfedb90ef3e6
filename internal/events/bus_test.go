package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name string
}

var (
	greeted = NewTopic[greeting]("greeted")
	counted = NewTopic[int]("counted")
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmitRunsHandlersInOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	On(bus, greeted, func(_ context.Context, g greeting) error {
		order = append(order, "first:"+g.Name)
		return nil
	})
	On(bus, greeted, func(_ context.Context, g greeting) error {
		order = append(order, "second:"+g.Name)
		return nil
	})

	failures := Emit(context.Background(), bus, greeted, greeting{Name: "ada"})

	assert.Zero(t, failures)
	assert.Equal(t, []string{"first:ada", "second:ada"}, order)
}

func TestEmitIsolatesFailingHandlers(t *testing.T) {
	bus := newTestBus()
	var reached bool
	On(bus, counted, func(context.Context, int) error { return errors.New("nope") })
	On(bus, counted, func(context.Context, int) error { panic("kaboom") })
	On(bus, counted, func(_ context.Context, n int) error {
		reached = n == 7
		return nil
	})

	failures := Emit(context.Background(), bus, counted, 7)

	assert.Equal(t, 2, failures)
	assert.True(t, reached, "handler after failures must still run")
}

func TestOnceFiresOnce(t *testing.T) {
	bus := newTestBus()
	calls := 0
	Once(bus, counted, func(context.Context, int) error {
		calls++
		return nil
	})
	require.Equal(t, 1, bus.ListenerCount("counted"))

	Emit(context.Background(), bus, counted, 1)
	Emit(context.Background(), bus, counted, 2)

	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.ListenerCount("counted"))
}

func TestOffAndUnsubscribe(t *testing.T) {
	bus := newTestBus()
	calls := 0
	handler := func(context.Context, int) error {
		calls++
		return nil
	}
	first := On(bus, counted, handler)
	second := On(bus, counted, handler)

	assert.True(t, bus.Off(first))
	assert.False(t, bus.Off(first))
	second.Unsubscribe()

	Emit(context.Background(), bus, counted, 1)
	assert.Zero(t, calls)
}

func TestEventNamesAndRemoveAll(t *testing.T) {
	bus := newTestBus()
	On(bus, greeted, func(context.Context, greeting) error { return nil })
	On(bus, counted, func(context.Context, int) error { return nil })
	On(bus, counted, func(context.Context, int) error { return nil })

	assert.Equal(t, []string{"counted", "greeted"}, bus.EventNames())
	assert.Equal(t, 2, bus.ListenerCount("counted"))

	bus.RemoveAllListeners("counted")
	assert.Equal(t, []string{"greeted"}, bus.EventNames())

	bus.RemoveAllListeners()
	assert.Empty(t, bus.EventNames())
}

func TestMiddlewareTransformsAndBlocks(t *testing.T) {
	bus := newTestBus()
	var trail []string
	bus.Use(func(ctx context.Context, ev Event, next func(context.Context, Event)) {
		trail = append(trail, "outer")
		next(ctx, ev)
	})
	bus.Use(func(ctx context.Context, ev Event, next func(context.Context, Event)) {
		trail = append(trail, "inner")
		if n, ok := ev.Payload.(int); ok {
			if n < 0 {
				return
			}
			ev.Payload = n * 10
		}
		next(ctx, ev)
	})

	var got []int
	On(bus, counted, func(_ context.Context, n int) error {
		got = append(got, n)
		return nil
	})

	Emit(context.Background(), bus, counted, 3)
	Emit(context.Background(), bus, counted, -1)

	assert.Equal(t, []int{30}, got)
	assert.Equal(t, []string{"outer", "inner", "outer", "inner"}, trail)
}

func TestMiddlewareWrongPayloadIsDropped(t *testing.T) {
	bus := newTestBus()
	bus.Use(func(ctx context.Context, ev Event, next func(context.Context, Event)) {
		ev.Payload = "not an int"
		next(ctx, ev)
	})
	called := false
	On(bus, counted, func(context.Context, int) error {
		called = true
		return nil
	})

	assert.Zero(t, Emit(context.Background(), bus, counted, 1))
	assert.False(t, called)
}
