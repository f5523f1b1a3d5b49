package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// LockPolicy decides what a second caller does when an instance is busy.
type LockPolicy string

const (
	// LockWait queues the caller until the holder finishes or ctx ends.
	LockWait LockPolicy = "wait"
	// LockReject fails the caller with Conflict immediately.
	LockReject LockPolicy = "reject"
)

// ErrLocked is returned by a Locker under LockReject when id is held.
var ErrLocked = errors.New("another operation on this instance is in progress")

// ParseLockPolicy accepts "wait", "reject" or "" (wait).
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch LockPolicy(s) {
	case "", LockWait:
		return LockWait, nil
	case LockReject:
		return LockReject, nil
	}
	return "", fmt.Errorf("unknown lock policy %q", s)
}

// Locker serializes operations per instance id.
type Locker interface {
	// Lock acquires id. The returned func releases it and is safe to call more than once.
	Lock(ctx context.Context, id string) (func(), error)
}

type idLock struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process Locker. Entries are dropped when no caller
// holds or waits for them, so the map stays proportional to in-flight work.
type LocalLocker struct {
	policy LockPolicy

	mu    sync.Mutex
	locks map[string]*idLock
}

func NewLocalLocker(policy LockPolicy) *LocalLocker {
	if policy == "" {
		policy = LockWait
	}
	return &LocalLocker{policy: policy, locks: make(map[string]*idLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &idLock{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	default:
		if l.policy == LockReject {
			l.unref(id, e)
			return nil, ErrLocked
		}
		select {
		case e.ch <- struct{}{}:
		case <-ctx.Done():
			l.unref(id, e)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(id, e)
		})
	}, nil
}

func (l *LocalLocker) unref(id string, e *idLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// held reports how many callers hold or wait for id.
func (l *LocalLocker) held(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[id]; ok {
		return e.refs
	}
	return 0
}
