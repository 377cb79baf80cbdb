// Package lock provides keyed mutual exclusion, in process or through Redis.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when a key stays held past the acquisition deadline.
var ErrLocked = errors.New("lock: key is held")

// ErrLeaseLost reports a Redis lease that expired or was taken over while held.
var ErrLeaseLost = errors.New("lock: lease lost")

// Locker serializes work per key. The returned release func is idempotent.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local is an in-process keyed mutex. Waiting honours ctx. Slots are dropped
// once nobody holds or waits for them.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquire(key)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(key, s), nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free right now.
func (l *Local) TryLock(key string) (func(), bool) {
	s := l.acquire(key)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(key, s), true
	default:
		l.release(key, s)
		return nil, false
	}
}

func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unlocker(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
