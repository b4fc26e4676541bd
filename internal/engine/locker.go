package engine

import (
	"context"
	"sync"
)

// MarketLocker serializes operations that share a key. Every operation on
// a market holds that market's key for its whole read-compute-commit pass;
// different keys proceed independently.
type MarketLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process MarketLocker with one lock per key, created
// on first use.
type LocalLocker struct {
	mu    sync.RWMutex
	locks map[string]chan struct{}
}

var _ MarketLocker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]chan struct{}),
	}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.getOrCreate(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

func (l *LocalLocker) getOrCreate(key string) chan struct{} {
	l.mu.RLock()
	ch, ok := l.locks[key]
	l.mu.RUnlock()
	if ok {
		return ch
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock.
	if ch, ok = l.locks[key]; ok {
		return ch
	}
	ch = make(chan struct{}, 1)
	l.locks[key] = ch
	return ch
}

// Lock keys. Market keys are namespaced so a market id can never collide
// with the admin key.
const adminLockKey = "admin"

func marketLockKey(marketID string) string {
	return "market:" + marketID
}
