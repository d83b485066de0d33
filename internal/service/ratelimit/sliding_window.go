// Package ratelimit provides a per-key sliding-window rate limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a sliding window limiter.
type Config struct {
	// Name identifies this limiter in metrics and logs.
	Name string
	// Limit is the number of accepted events per key inside Window.
	Limit int
	// Window is the trailing window length.
	Window time.Duration
	// OnLimit is called when an event is rejected.
	OnLimit func(name, key string)
}

// DefaultConfig returns 600 events per key per minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:   name,
		Limit:  600,
		Window: time.Minute,
	}
}

// SlidingWindow keeps the timestamps of accepted events per key and admits
// a new event only while fewer than Limit fall inside the trailing window.
// Rejected events are not recorded.
type SlidingWindow struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	keys map[string][]time.Time
}

// NewSlidingWindow creates a limiter. Zero fields fall back to DefaultConfig.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	def := DefaultConfig(cfg.Name)
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &SlidingWindow{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string][]time.Time),
	}
}

// Allow records an event for key and reports whether it is admitted.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	now := w.now()
	events := prune(w.keys[key], now.Add(-w.cfg.Window))
	if len(events) >= w.cfg.Limit {
		w.keys[key] = events
		w.mu.Unlock()
		if w.cfg.OnLimit != nil {
			w.cfg.OnLimit(w.cfg.Name, key)
		}
		return false
	}
	w.keys[key] = append(events, now)
	w.mu.Unlock()
	return true
}

// Remove forgets key.
func (w *SlidingWindow) Remove(key string) {
	w.mu.Lock()
	delete(w.keys, key)
	w.mu.Unlock()
}

// Limit returns the configured per-window limit.
func (w *SlidingWindow) Limit() int { return w.cfg.Limit }

// Window returns the window length.
func (w *SlidingWindow) Window() time.Duration { return w.cfg.Window }

// prune drops timestamps at or before cutoff. Timestamps are ascending.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
