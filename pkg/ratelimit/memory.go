package ratelimit

import (
	"context"
	"sync"
	"time"
)

type event struct {
	category Category
	at       time.Time
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu     sync.Mutex
	events map[string][]event
	keep   time.Duration
}

// NewMemoryLedger creates an empty ledger. Events older than twice the
// window are pruned on append.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{events: make(map[string][]event), keep: 2 * Window}
}

// Append records an event.
func (m *MemoryLedger) Append(_ context.Context, taxID string, c Category, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-m.keep)
	kept := m.events[taxID][:0]
	for _, e := range m.events[taxID] {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events[taxID] = append(kept, event{category: c, at: at})
	return nil
}

// CountSince counts the events of taxID at or after since.
func (m *MemoryLedger) CountSince(_ context.Context, taxID string, since time.Time) (map[Category]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Category]int)
	for _, e := range m.events[taxID] {
		if !e.at.Before(since) {
			counts[e.category]++
		}
	}
	return counts, nil
}

// Len returns the number of stored events of taxID.
func (m *MemoryLedger) Len(taxID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.events[taxID])
}
