package syncclient

import (
	"sync"
	"time"
)

// keyThrottle allows one action per key within a fixed window. Calls
// inside the window are dropped, not queued.
type keyThrottle struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newKeyThrottle(window time.Duration) *keyThrottle {
	return &keyThrottle{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether an action for key may proceed now, recording the
// attempt when it may
func (t *keyThrottle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now
	return true
}
