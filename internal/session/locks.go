package session

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
)

// keyLocks serializes mutations per session id. Slots are reference
// counted and dropped once no caller holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	slots map[models.SessionID]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{slots: make(map[models.SessionID]*lockSlot)}
}

// acquire blocks until id is free or ctx is done.
func (k *keyLocks) acquire(ctx context.Context, id models.SessionID) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[id]
	if !ok {
		slot = &lockSlot{sem: make(chan struct{}, 1)}
		k.slots[id] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.sem
				k.unref(id, slot)
			})
		}, nil
	case <-ctx.Done():
		k.unref(id, slot)
		return nil, ctx.Err()
	}
}

func (k *keyLocks) unref(id models.SessionID, slot *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, id)
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
