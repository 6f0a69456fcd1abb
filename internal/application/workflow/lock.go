package workflow

import (
	"context"
	"sync"
)

// keyedLock is a set of context-aware mutexes keyed by orchestrator id
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

func (k *keyedLock) entry(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *keyedLock) done(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Acquire blocks until the lock for key is held or ctx is done
func (k *keyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	e := k.entry(key)
	select {
	case e.ch <- struct{}{}:
		return k.releaser(key, e), nil
	case <-ctx.Done():
		k.done(key, e)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock for key only if it is free
func (k *keyedLock) TryAcquire(key string) (func(), bool) {
	e := k.entry(key)
	select {
	case e.ch <- struct{}{}:
		return k.releaser(key, e), true
	default:
		k.done(key, e)
		return nil, false
	}
}

func (k *keyedLock) releaser(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.done(key, e)
		})
	}
}
