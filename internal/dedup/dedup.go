// Package dedup suppresses repeated deliveries of the same event.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers event keys for a while.
type Deduper interface {
	// Claim records key and reports whether this is the first time it was
	// seen within the retention window.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so that it can be claimed again.
	Release(ctx context.Context, key string) error
}

var _ Deduper = (*Memory)(nil)

// Memory is a process-local Deduper. Keys expire after ttl.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	seen    map[string]time.Time
	claimed int
}

// NewMemory returns a Memory that keeps keys for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// pruneEvery bounds how often expired keys are swept.
const pruneEvery = 1024

// Claim implements Deduper.
func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)

	m.claimed++
	if m.claimed%pruneEvery == 0 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

// Release implements Deduper.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// Len returns the number of remembered keys, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
