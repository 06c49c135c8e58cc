package lock

import (
	"context"
	"sync"
	"time"
)

// localLocks is a keyed mutex whose acquisition honours context
// cancellation and a wait bound.
type localLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newLocalLocks() *localLocks {
	return &localLocks{slots: make(map[string]*slot)}
}

func (l *localLocks) ref(key string) *slot {
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

func (l *localLocks) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// lock takes key, waiting at most wait. wait <= 0 tries once.
func (l *localLocks) lock(ctx context.Context, key string, wait time.Duration) bool {
	s := l.ref(key)

	select {
	case s.ch <- struct{}{}:
		return true
	default:
	}
	if wait <= 0 {
		l.unref(key, s)
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	l.unref(key, s)
	return false
}

func (l *localLocks) unlock(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-s.ch
	l.unref(key, s)
}

func (l *localLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
