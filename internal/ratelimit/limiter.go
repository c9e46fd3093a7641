// Package ratelimit implements per-user sliding window admission control for
// message sends. Presence, typing and acknowledgements are not rate limited.
package ratelimit

import (
	"sync"
	"time"

	"github.com/caselink/caselink/pkg/apperr"
)

type SlidingWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
	max    int
	window time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		events: make(map[string][]time.Time),
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Hit records one send attempt for userID. When the user already has max
// events inside the window it returns a rate-limited error carrying the time
// until the oldest event expires, floored at one second, and records nothing.
func (l *SlidingWindow) Hit(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	q := l.events[userID]
	kept := q[:0]
	for _, ts := range q {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		l.events[userID] = kept
		retryAfter := kept[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return apperr.RateLimited(retryAfter)
	}

	l.events[userID] = append(kept, now)
	return nil
}

// Reset forgets all recorded events for userID. Called when the user's last
// connection closes.
func (l *SlidingWindow) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, userID)
}

// Sweep drops expired events across all users and prunes empty queues. Run it
// periodically so idle users do not pin memory.
func (l *SlidingWindow) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for userID, q := range l.events {
		kept := q[:0]
		for _, ts := range q {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.events, userID)
			continue
		}
		l.events[userID] = kept
	}
}
