package store

import (
	"context"
	"sync"
)

// Locker serializes mutations per contract id. Waiters on one contract never block
// operations on another. Entries live while at least one caller holds or awaits them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*contractLock
}

type contractLock struct {
	sem  chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*contractLock)}
}

// Lock blocks until the contract lock is held or ctx is done. The returned func releases it
// and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, contractID string) (func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[contractID]
	if !ok {
		cl = &contractLock{sem: make(chan struct{}, 1)}
		l.locks[contractID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(contractID, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.sem
			l.drop(contractID, cl)
		})
	}, nil
}

func (l *Locker) drop(contractID string, cl *contractLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, contractID)
	}
}

// Len reports how many contracts currently have holders or waiters.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
