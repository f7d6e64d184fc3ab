package reliability

import (
	"sync"
	"time"
)

// Tracker tracks document keys with an operation in flight.
type Tracker struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{inFlight: make(map[string]time.Time)}
}

// TryAcquire marks key as in flight. It returns false when another
// operation already holds the key.
func (t *Tracker) TryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.inFlight[key]; busy {
		return false
	}
	t.inFlight[key] = time.Now()
	return true
}

// Release clears key.
func (t *Tracker) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, key)
}

// InFlight returns the number of keys currently held.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inFlight)
}

// Since returns when key was acquired.
func (t *Tracker) Since(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.inFlight[key]
	return at, ok
}
