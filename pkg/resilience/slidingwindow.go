package resilience

import (
	"sync"
	"time"
)

// WindowLimiter is a sliding-window rate limiter: at most Limit events within
// any trailing Window. Used by the DMS adapters, which must reject locally
// before hitting a provider's remote quota.
type WindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

// NewWindowLimiter creates a sliding-window limiter.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &WindowLimiter{limit: limit, window: window, now: time.Now}
}

// Allow records an event if the window has room and reports whether it did.
func (w *WindowLimiter) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, w.now())
	return true
}

// Remaining returns how many events the current window still admits.
func (w *WindowLimiter) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	return w.limit - len(w.stamps)
}

// RetryIn returns how long until the oldest event leaves the window. Zero when
// the window has room now.
func (w *WindowLimiter) RetryIn() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict()
	if len(w.stamps) < w.limit {
		return 0
	}
	return w.window - w.now().Sub(w.stamps[0])
}

// evict drops stamps outside the window. Must hold mu.
func (w *WindowLimiter) evict() {
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
