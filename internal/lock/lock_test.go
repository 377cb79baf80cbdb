package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "project:1:source:hubspot")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
	if l.Held() != 0 {
		t.Fatalf("slots must be released, %d left", l.Held())
	}
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b must not wait on a: %v", err)
	}
	unlockB()
}

func TestLocalLockHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if _, ok := l.TryLock("k"); ok {
		t.Fatalf("try lock must fail while held")
	}
	unlock()
	unlock()

	again, ok := l.TryLock("k")
	if !ok {
		t.Fatalf("try lock must succeed after release")
	}
	again()
	if l.Held() != 0 {
		t.Fatalf("slots must be released, %d left", l.Held())
	}
}

func TestNewRedisFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, "127.0.0.1:1", "test:", time.Second, time.Second, nil); err == nil {
		t.Fatalf("expected ping error for unreachable redis")
	}
}

func TestKeepAliveRenewsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(ctx, 5*time.Millisecond, func(context.Context) (bool, error) {
			atomic.AddInt32(&calls, 1)
			return true, nil
		}, func(err error) {
			t.Errorf("unexpected lost: %v", err)
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("lease renewed %d times, want at least 3", atomic.LoadInt32(&calls))
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("keepAlive must stop once released")
	}
}

func TestKeepAliveReportsLostLease(t *testing.T) {
	var lost error
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		}, func(err error) {
			lost = err
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("keepAlive must stop after the lease is gone")
	}
	if !errors.Is(lost, ErrLeaseLost) {
		t.Fatalf("lost = %v, want ErrLeaseLost", lost)
	}
}

func TestKeepAliveRetriesTransientErrors(t *testing.T) {
	var calls int32
	var failures int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return false, errors.New("connection reset")
			}
			return false, nil
		}, func(err error) {
			atomic.AddInt32(&failures, 1)
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("keepAlive did not stop")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("extend called %d times, want 2", got)
	}
	if got := atomic.LoadInt32(&failures); got != 2 {
		t.Fatalf("lost called %d times, want 2", got)
	}
}
