package window

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// Counter is a sliding-window event counter with top-N queries.
type Counter struct {
	window time.Duration

	mu     sync.Mutex
	log    arrivalLog
	counts map[string]int

	// lifetime totals, reported through Stats
	recorded uint64
	expired  uint64
}

// Stats is a point-in-time view of a Counter. Events and Keys reflect the
// last expiry pass, which runs on Record, Expire, Count and TopN.
type Stats struct {
	Events   int
	Keys     int
	Recorded uint64
	Expired  uint64
	Window   time.Duration
}

// New returns an empty Counter retaining events for window.
func New(window time.Duration) (*Counter, error) {
	if window <= 0 {
		return nil, &ConfigurationError{Window: window}
	}
	return &Counter{
		window: window,
		counts: make(map[string]int),
	}, nil
}

// Window returns the retention window fixed at construction.
func (c *Counter) Window() time.Duration { return c.window }

// Record counts one event for key at now, then expires stale events.
// A now earlier than the newest recorded event is treated as that event's
// time so the arrival log stays ordered.
func (c *Counter) Record(key string, now time.Time) error {
	if err := validateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.log.back(); ok && now.Before(last.at) {
		now = last.at
	}
	c.log.push(event{key: key, at: now})
	c.counts[key]++
	c.recorded++
	c.expireLocked(now)
	return nil
}

// Expire drops every event recorded at or before now-window and returns how
// many were dropped. Calling it again with the same now drops nothing.
func (c *Counter) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked(now)
}

// TopN expires stale events and returns up to n keys ordered by live count
// descending, ties broken by key ascending. A negative n is rejected before
// any state is touched. Events recorded after now are not counted.
func (c *Counter) TopN(n int, now time.Time) ([]Entry, error) {
	if n < 0 {
		return nil, &ValidationError{Field: "n", Reason: fmt.Sprintf("must not be negative (got %d)", n)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(now)
	return selectTop(c.countsAtLocked(now), n), nil
}

// Count returns the live count for key at now. Events recorded after now are
// not counted.
func (c *Counter) Count(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(now)
	n := c.counts[key]
	for i := 0; i < c.log.len(); i++ {
		ev := c.log.fromBack(i)
		if !ev.at.After(now) {
			break
		}
		if ev.key == key {
			n--
		}
	}
	return n
}

// countsAtLocked returns the count table as of now. It is c.counts itself
// unless now is older than the newest event, in which case a copy without
// the later events is built from the tail of the log.
func (c *Counter) countsAtLocked(now time.Time) map[string]int {
	if last, ok := c.log.back(); !ok || !last.at.After(now) {
		return c.counts
	}
	counts := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		counts[k] = v
	}
	for i := 0; i < c.log.len(); i++ {
		ev := c.log.fromBack(i)
		if !ev.at.After(now) {
			break
		}
		if counts[ev.key]--; counts[ev.key] == 0 {
			delete(counts, ev.key)
		}
	}
	return counts
}

func (c *Counter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Events:   c.log.len(),
		Keys:     len(c.counts),
		Recorded: c.recorded,
		Expired:  c.expired,
		Window:   c.window,
	}
}

// expireLocked must be called with c.mu held.
// The log is time ordered so only the head ever needs checking.
func (c *Counter) expireLocked(now time.Time) int {
	cutoff := now.Add(-c.window)
	removed := 0
	for {
		head, ok := c.log.front()
		if !ok || head.at.After(cutoff) {
			break
		}
		c.log.pop()
		if n := c.counts[head.key] - 1; n > 0 {
			c.counts[head.key] = n
		} else {
			delete(c.counts, head.key)
		}
		removed++
	}
	c.expired += uint64(removed)
	return removed
}

func validateKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if !utf8.ValidString(key) {
		return &ValidationError{Field: "key", Reason: "must be valid UTF-8"}
	}
	return nil
}
