package executor

import (
	"sync"
	"time"
)

// inFlight tracks the positions that currently have an exit sequence running.
// It is safe for concurrent use.
type inFlight struct {
	mu     sync.Mutex
	active map[string]time.Time
}

func newInFlight() *inFlight {
	return &inFlight{active: make(map[string]time.Time)}
}

// acquire marks key busy and reports whether it was free.
func (f *inFlight) acquire(key string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[key]; busy {
		return false
	}
	f.active[key] = now
	return true
}

func (f *inFlight) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, key)
}

// Len returns the number of sequences in flight.
func (f *inFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}
