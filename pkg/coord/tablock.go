package coord

import (
	"context"
	"sync"
)

// TabLock serializes operations per tab. Waiters are admitted in arrival
// order; a failed or panicking operation still releases the lock.
type TabLock struct {
	mu    sync.Mutex
	locks map[int]*tabEntry
}

type tabEntry struct {
	sem  chan struct{}
	refs int
}

// NewTabLock creates an empty TabLock.
func NewTabLock() *TabLock {
	return &TabLock{locks: make(map[int]*tabEntry)}
}

// WithLock runs fn while holding the lock for tabID. It returns ctx.Err()
// without running fn if ctx ends while waiting.
func (l *TabLock) WithLock(ctx context.Context, tabID int, fn func(ctx context.Context) error) error {
	e := l.ref(tabID)
	defer l.unref(tabID, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

// Held returns the number of tabs with a running or waiting operation.
func (l *TabLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *TabLock) ref(tabID int) *tabEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[tabID]
	if !ok {
		e = &tabEntry{sem: make(chan struct{}, 1)}
		l.locks[tabID] = e
	}
	e.refs++
	return e
}

func (l *TabLock) unref(tabID int, e *tabEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, tabID)
	}
}
