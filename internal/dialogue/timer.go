package dialogue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules and cancels delayed callbacks.
type Timer interface {
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	Cancel(id string) error
	Stop()
}

// SimpleTimer implements Timer using Go's standard time package.
type SimpleTimer struct {
	timers map[string]*time.Timer
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleAfter schedules fn to run after delay and returns the timer id.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if delay <= 0 {
		return "", fmt.Errorf("delay must be positive, got %v", delay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})
	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)
	return id, nil
}

// Cancel cancels a scheduled function by ID. Unknown ids are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, exists := t.timers[id]; exists {
		timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
	}
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, timer := range t.timers {
		timer.Stop()
	}
	slog.Debug("SimpleTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*time.Timer)
}

// Active returns how many timers are pending.
func (t *SimpleTimer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
