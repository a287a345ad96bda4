package scheduler

import "sync"

// InFlight tracks schedules with an execution that has not yet been recorded.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlight creates an empty InFlight set.
func NewInFlight() *InFlight {
	return &InFlight{
		ids: make(map[string]struct{}),
	}
}

// Acquire marks the schedule as in flight.
// It returns false if it already was.
func (f *InFlight) Acquire(scheduleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.ids[scheduleID]; exists {
		return false
	}

	f.ids[scheduleID] = struct{}{}
	return true
}

// Release clears the in-flight mark for a schedule.
func (f *InFlight) Release(scheduleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, scheduleID)
}

// Len returns the number of schedules in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
