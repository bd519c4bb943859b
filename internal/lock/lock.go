// Package lock provides keyed mutual exclusion for registration windows.
// Local serialises goroutines of one process; Redis extends the window
// across replicas sharing a registry.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotObtained is returned when a lock could not be acquired before the
// context ended or the retry budget ran out.
var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out exclusive locks by key.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the lock and is safe to call once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process keyed mutex. Entries are reference counted and
// removed when the last holder or waiter leaves.
type Local struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Local)(nil)

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*keyLock)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, errors.Join(ErrNotObtained, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *Local) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// size reports the number of live keys.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
