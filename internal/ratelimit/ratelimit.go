package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds how often a client identity may create waiter calls.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SlidingWindow keeps per-key timestamps of allowed attempts and
// rejects once max attempts fall inside the trailing window. State is
// in-process only; deployments with multiple server processes should
// use the database-backed limiter instead.
type SlidingWindow struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	entries   map[string][]time.Time
	now       func() time.Time
	lastSweep time.Time
}

func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &SlidingWindow{
		max:     max,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (l *SlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(now)
		l.lastSweep = now
	}

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if now.Sub(ts) < l.window {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false, nil
	}
	l.entries[key] = append(kept, now)
	return true, nil
}

// sweep drops keys whose attempts have all aged out of the window, so
// the map does not grow with every client identity ever seen.
func (l *SlidingWindow) sweep(now time.Time) {
	for key, timestamps := range l.entries {
		idle := true
		for _, ts := range timestamps {
			if now.Sub(ts) < l.window {
				idle = false
				break
			}
		}
		if idle {
			delete(l.entries, key)
		}
	}
}
