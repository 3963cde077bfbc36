// Package locks provides per-node exclusive update locks.
//
// Locks are node scoped: a writer on a Task never blocks reads or writes on a
// sibling Task, its parent, or any unrelated node. Readers only wait for an
// in-flight writer on the exact same node.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"golang.org/x/sync/semaphore"
)

// writerWeight is the semaphore weight a writer takes. Readers take one unit, so
// a barrier read can only pass when no writer holds the node.
const writerWeight = 1 << 20

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Manager hands out per-node locks keyed by hierarchy.CacheKey.
// Idle entries are removed so memory stays proportional to contended nodes.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func (m *Manager) acquireEntry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(writerWeight)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) releaseEntry(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock acquires the exclusive update lock for ref. The returned func releases
// it and must be called exactly once. If ctx expires first, Lock returns an
// error wrapping hierarchy.ErrTimeout and holds nothing.
func (m *Manager) Lock(ctx context.Context, ref hierarchy.NodeRef) (func(), error) {
	key := hierarchy.CacheKey(ref)
	e := m.acquireEntry(key)
	if err := e.sem.Acquire(ctx, writerWeight); err != nil {
		m.releaseEntry(key, e)
		return nil, translate(ref, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(writerWeight)
			m.releaseEntry(key, e)
		})
	}, nil
}

// Wait blocks until no writer holds ref's lock, then returns immediately.
// It never holds the lock past its own return.
func (m *Manager) Wait(ctx context.Context, ref hierarchy.NodeRef) error {
	key := hierarchy.CacheKey(ref)
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	e.refs++
	m.mu.Unlock()

	defer m.releaseEntry(key, e)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return translate(ref, err)
	}
	e.sem.Release(1)
	return nil
}

// Len reports the number of nodes with live lock entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func translate(ref hierarchy.NodeRef, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: lock %s: %w", hierarchy.ErrTimeout, ref, err)
	}
	return fmt.Errorf("lock %s: %w", ref, err)
}
