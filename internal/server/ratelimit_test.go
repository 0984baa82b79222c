package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowStrictLimit(t *testing.T) {
	w := newSlidingWindow(3, time.Minute)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now.Add(time.Second)))
	assert.True(t, w.Allow(now.Add(2*time.Second)))
	assert.False(t, w.Allow(now.Add(3*time.Second)))
	assert.False(t, w.Allow(now.Add(30*time.Second)))
}

func TestSlidingWindowSlides(t *testing.T) {
	w := newSlidingWindow(2, time.Minute)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now.Add(30*time.Second)))
	assert.False(t, w.Allow(now.Add(45*time.Second)))

	// The first event falls out of the trailing window, freeing one slot.
	assert.True(t, w.Allow(now.Add(61*time.Second)))
	assert.False(t, w.Allow(now.Add(62*time.Second)))

	// Both old events gone.
	assert.True(t, w.Allow(now.Add(3*time.Minute)))
}

func TestSlidingWindowRefusedEventsDoNotCount(t *testing.T) {
	w := newSlidingWindow(1, time.Minute)
	now := time.Now()

	assert.True(t, w.Allow(now))
	for i := 1; i < 10; i++ {
		assert.False(t, w.Allow(now.Add(time.Duration(i)*time.Second)))
	}
	// Refusals left no stamps behind; exactly one slot opens after the window.
	assert.True(t, w.Allow(now.Add(61*time.Second)))
}
