// Package pairlock serializes work per trading pair. Reconciliation passes
// take a pair lock without waiting; a mode switch freezes every pair.
package pairlock

import (
	"context"
	"sync"
	"time"
)

// Locks holds one mutex per pair plus a global gate.
type Locks struct {
	global sync.RWMutex

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

func New() *Locks {
	return &Locks{pairs: make(map[string]*sync.Mutex)}
}

func (l *Locks) pair(pair string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.pairs[pair]
	if !ok {
		m = &sync.Mutex{}
		l.pairs[pair] = m
	}
	return m
}

// TryAcquire takes the lock of pair without blocking. ok is false when a pass
// for the pair is already in flight or the locks are frozen.
func (l *Locks) TryAcquire(pair string) (release func(), ok bool) {
	if !l.global.TryRLock() {
		return nil, false
	}
	m := l.pair(pair)
	if !m.TryLock() {
		l.global.RUnlock()
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()
			l.global.RUnlock()
		})
	}, true
}

// Acquire waits for the lock of pair until ctx is done.
func (l *Locks) Acquire(ctx context.Context, pair string) (func(), error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if release, ok := l.TryAcquire(pair); ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Freeze blocks new passes and waits for in-flight ones to finish.
// The returned func lifts the freeze.
func (l *Locks) Freeze() func() {
	l.global.Lock()
	var once sync.Once
	return func() { once.Do(l.global.Unlock) }
}
