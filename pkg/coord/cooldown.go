package coord

import (
	"sync"
	"time"
)

// sweepFactor is how many windows a record survives before Sweep drops it.
const sweepFactor = 10

// Cooldown suppresses repeated checks of the same key within a window.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewCooldown creates a Cooldown. A zero window lets everything through.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces the time source; used by tests.
func (c *Cooldown) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// ShouldProcess reports whether key may be checked now. A true result
// records the attempt; a false result leaves the record untouched.
func (c *Cooldown) ShouldProcess(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Sweep drops records older than ten windows and returns how many it removed.
func (c *Cooldown) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-sweepFactor * c.window)
	removed := 0
	for key, last := range c.last {
		if last.Before(cutoff) {
			delete(c.last, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
