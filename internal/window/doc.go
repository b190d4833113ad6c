// Package window counts keyed events over a sliding time window and answers
// top-N queries over the keys that are still live.
//
// Events are appended to a time-ordered arrival log and counted per key.
// Expiry is lazy: every Record and TopN call first drops events at the head of
// the log that have fallen out of the window, so the log only ever holds the
// events of the last window and a key whose count drops to zero is removed.
//
// An event recorded at instant t is live at instant now while
// now-window < t <= now.
// Queries for an instant older than the newest event leave the later events
// out of the answer. Expiry is never undone, so such a query cannot see
// events an earlier call already dropped.
//
// The caller supplies "now" on every call so tests can replay exact
// timelines; internal/clock provides the wall clock for production use.
//
// A Counter is safe for concurrent use. Every public method holds a single
// mutex for its whole duration, so the log and count table are never
// observed half-updated.
package window
