package server

import (
	"sync"
	"time"
)

// slidingWindow admits at most limit events per trailing window. The frame
// and upstream rate limits are strict sliding windows, not token buckets:
// the N-th frame in the window is admitted, the N+1-th refused.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// Allow records the event at now if it fits in the window.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	keep := 0
	for ; keep < len(w.stamps); keep++ {
		if w.stamps[keep].After(cutoff) {
			break
		}
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}

	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}
