package engine

import (
	"sync"
	"time"
)

// Cooldown throttles repeated log lines and events that share a key, such as
// the transport errors of a flapping stream.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// Allow reports whether key may fire at now, and if so starts a new period.
func (c *Cooldown) Allow(key string, now time.Time, period time.Duration) bool {
	if period <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < period {
		return false
	}
	c.last[key] = now
	return true
}

// Reset lets key fire again immediately.
func (c *Cooldown) Reset(key string) {
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}
