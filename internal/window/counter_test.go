package window

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// at returns epoch plus the given number of seconds.
func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func mustNew(t *testing.T, w time.Duration) *Counter {
	t.Helper()
	c, err := New(w)
	if err != nil {
		t.Fatalf("New(%s): %v", w, err)
	}
	return c
}

func mustTop(t *testing.T, c *Counter, n int, now time.Time) []Entry {
	t.Helper()
	got, err := c.TopN(n, now)
	if err != nil {
		t.Fatalf("TopN(%d): %v", n, err)
	}
	return got
}

func TestNew_RejectsNonPositiveWindow(t *testing.T) {
	for _, w := range []time.Duration{0, -time.Second} {
		c, err := New(w)
		if c != nil {
			t.Fatalf("New(%s) returned a counter", w)
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("New(%s) err = %v, want ErrConfiguration", w, err)
		}
		var ce *ConfigurationError
		if !errors.As(err, &ce) || ce.Window != w {
			t.Fatalf("New(%s) err = %#v, want *ConfigurationError with window", w, err)
		}
	}
}

func TestTopN_HourScenario(t *testing.T) {
	c := mustNew(t, time.Hour)

	for _, r := range []struct {
		key string
		sec float64
	}{{"item1", 0}, {"item2", 0}, {"item1", 0.1}} {
		if err := c.Record(r.key, at(r.sec)); err != nil {
			t.Fatalf("Record(%s): %v", r.key, err)
		}
	}

	got := mustTop(t, c, 10, at(0.1))
	want := []Entry{{"item1", 2}, {"item2", 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("TopN at 0.1 = %v, want %v", got, want)
	}

	if err := c.Record("item3", at(3601)); err != nil {
		t.Fatal(err)
	}
	got = mustTop(t, c, 10, at(3601))
	want = []Entry{{"item3", 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("TopN at 3601 = %v, want %v", got, want)
	}
}

func TestTopN_ZeroIsEmpty(t *testing.T) {
	c := mustNew(t, time.Minute)
	_ = c.Record("a", at(0))
	_ = c.Record("b", at(1))

	got := mustTop(t, c, 0, at(1))
	if got == nil || len(got) != 0 {
		t.Fatalf("TopN(0) = %#v, want empty non-nil slice", got)
	}
}

func TestTopN_NegativeIsValidationErrorAndDoesNotExpire(t *testing.T) {
	c := mustNew(t, 10*time.Second)
	_ = c.Record("a", at(0))
	_ = c.Record("a", at(1))

	_, err := c.TopN(-1, at(100))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("TopN(-1) err = %v, want ErrValidation", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "n" {
		t.Fatalf("TopN(-1) err = %#v, want ValidationError on n", err)
	}

	// state must be exactly as before the rejected call
	s := c.Stats()
	if s.Events != 2 || s.Keys != 1 || s.Expired != 0 {
		t.Fatalf("stats after rejected TopN = %+v, want 2 events, 1 key, 0 expired", s)
	}
	if got := mustTop(t, c, 5, at(1)); !reflect.DeepEqual(got, []Entry{{"a", 2}}) {
		t.Fatalf("TopN = %v, want [{a 2}]", got)
	}
}

func TestTopN_FewerKeysThanN(t *testing.T) {
	c := mustNew(t, time.Minute)
	_ = c.Record("x", at(0))

	got := mustTop(t, c, 100, at(0))
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (no padding)", len(got))
	}
}

func TestTopN_TiesBreakByKey(t *testing.T) {
	c := mustNew(t, time.Minute)
	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		_ = c.Record(k, at(0))
	}
	_ = c.Record("charlie", at(1))

	tests := []struct {
		n    int
		want []Entry
	}{
		{n: 1, want: []Entry{{"charlie", 2}}},
		{n: 2, want: []Entry{{"charlie", 2}, {"alpha", 1}}},
		{n: 3, want: []Entry{{"charlie", 2}, {"alpha", 1}, {"bravo", 1}}},
		{n: 4, want: []Entry{{"charlie", 2}, {"alpha", 1}, {"bravo", 1}, {"delta", 1}}},
		{n: 9, want: []Entry{{"charlie", 2}, {"alpha", 1}, {"bravo", 1}, {"delta", 1}}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			got := mustTop(t, c, tt.n, at(1))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("TopN(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestTopN_Deterministic(t *testing.T) {
	c := mustNew(t, time.Minute)
	for i := 0; i < 200; i++ {
		_ = c.Record(fmt.Sprintf("k%03d", i%37), at(float64(i)/10))
	}
	first := mustTop(t, c, 10, at(20))
	for i := 0; i < 20; i++ {
		if got := mustTop(t, c, 10, at(20)); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %v, want %v", i, got, first)
		}
	}
}

func TestRecord_EmptyKeyRejectedWithoutEffect(t *testing.T) {
	c := mustNew(t, time.Second)
	_ = c.Record("a", at(0))

	for _, key := range []string{"", "\xff\xfe"} {
		err := c.Record(key, at(50))
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("Record(%q) err = %v, want ErrValidation", key, err)
		}
	}
	// a rejected call must not run the expiry pass either
	if s := c.Stats(); s.Events != 1 || s.Recorded != 1 || s.Expired != 0 {
		t.Fatalf("stats = %+v, want untouched", s)
	}
}

func TestWindowBoundary(t *testing.T) {
	c := mustNew(t, 10*time.Second)
	_ = c.Record("a", at(0))

	// live while now-window < t <= now
	if got := c.Count("a", at(9.999)); got != 1 {
		t.Fatalf("count just inside window = %d, want 1", got)
	}
	if got := c.Count("a", at(10)); got != 0 {
		t.Fatalf("count at exactly window = %d, want 0", got)
	}
}

func TestExpire_Idempotent(t *testing.T) {
	c := mustNew(t, 5*time.Second)
	for i := 0; i < 10; i++ {
		_ = c.Record("k", at(float64(i)))
	}

	// Record already dropped 0..4, events 5..9 remain
	first := c.Expire(at(12))
	if first != 3 {
		t.Fatalf("first Expire removed %d, want 3", first)
	}
	before := c.Stats()
	if again := c.Expire(at(12)); again != 0 {
		t.Fatalf("second Expire removed %d, want 0", again)
	}
	if after := c.Stats(); after != before {
		t.Fatalf("stats changed on repeat expire: %+v -> %+v", before, after)
	}
}

func TestMonotonicDecayToEmpty(t *testing.T) {
	c := mustNew(t, 30*time.Second)
	keys := []string{"a", "b", "c"}
	for i := 0; i < 60; i++ {
		_ = c.Record(keys[i%3], at(float64(i)/2))
	}
	last := at(29.5)

	prev := map[string]int{}
	for _, e := range mustTop(t, c, 10, last) {
		prev[e.Key] = e.Count
	}
	for now := last; !now.After(last.Add(31 * time.Second)); now = now.Add(time.Second) {
		cur := map[string]int{}
		for _, e := range mustTop(t, c, 10, now) {
			cur[e.Key] = e.Count
			if e.Count <= 0 {
				t.Fatalf("non-positive count reported: %+v", e)
			}
		}
		for k, v := range cur {
			if v > prev[k] {
				t.Fatalf("count for %s rose from %d to %d with no new events", k, prev[k], v)
			}
		}
		prev = cur
	}
	if len(prev) != 0 {
		t.Fatalf("counts after window passed = %v, want empty", prev)
	}
	if s := c.Stats(); s.Events != 0 || s.Keys != 0 {
		t.Fatalf("stats after drain = %+v, want empty", s)
	}
}

func TestRecord_OutOfOrderTimeIsClamped(t *testing.T) {
	c := mustNew(t, 10*time.Second)
	_ = c.Record("a", at(5))
	_ = c.Record("b", at(2)) // stored as 5

	// both expire together once 5 falls out of the window
	if got := mustTop(t, c, 10, at(14)); len(got) != 2 {
		t.Fatalf("TopN at 14 = %v, want both keys", got)
	}
	if got := mustTop(t, c, 10, at(15)); len(got) != 0 {
		t.Fatalf("TopN at 15 = %v, want empty", got)
	}
}

func TestTopN_EarlierQueryExcludesLaterEvents(t *testing.T) {
	c := mustNew(t, time.Minute)
	_ = c.Record("a", at(10))
	_ = c.Record("b", at(40))
	_ = c.Record("b", at(100))
	_ = c.Record("a", at(100))

	if got := mustTop(t, c, 10, at(5)); len(got) != 0 {
		t.Fatalf("TopN before every event = %v, want empty", got)
	}
	if got := mustTop(t, c, 10, at(50)); !reflect.DeepEqual(got, []Entry{{"a", 1}, {"b", 1}}) {
		t.Fatalf("TopN at 50 = %v", got)
	}
	if got := c.Count("b", at(50)); got != 1 {
		t.Fatalf("Count(b) at 50 = %d, want 1", got)
	}
	if got := c.Count("a", at(5)); got != 0 {
		t.Fatalf("Count(a) at 5 = %d, want 0", got)
	}

	// earlier queries leave the stored counts alone
	if got := mustTop(t, c, 10, at(100)); !reflect.DeepEqual(got, []Entry{{"a", 1}, {"b", 1}}) {
		t.Fatalf("TopN at 100 = %v", got)
	}
	if s := c.Stats(); s.Events != 2 || s.Recorded != 4 {
		t.Fatalf("stats = %+v", s)
	}
}

// TestWindowCorrectness compares against a brute-force count over a random timeline.
func TestWindowCorrectness(t *testing.T) {
	const w = 20 * time.Second
	rng := rand.New(rand.NewSource(7))
	c := mustNew(t, w)

	type rec struct {
		key string
		at  time.Time
	}
	var all []rec
	now := epoch
	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		k := fmt.Sprintf("k%d", rng.Intn(25))
		if err := c.Record(k, now); err != nil {
			t.Fatal(err)
		}
		all = append(all, rec{k, now})

		if i%97 != 0 {
			continue
		}
		q := now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
		want := map[string]int{}
		for _, r := range all {
			if r.at.After(q.Add(-w)) && !r.at.After(q) {
				want[r.key]++
			}
		}
		got := mustTop(t, c, 1000, q)
		if len(got) != len(want) {
			t.Fatalf("step %d: %d keys, want %d", i, len(got), len(want))
		}
		for _, e := range got {
			if want[e.Key] != e.Count {
				t.Fatalf("step %d: %s = %d, want %d", i, e.Key, e.Count, want[e.Key])
			}
		}
		now = q
	}
}

func TestCountTableHoldsNoZeros(t *testing.T) {
	c := mustNew(t, time.Second)
	for i := 0; i < 50; i++ {
		_ = c.Record(fmt.Sprintf("k%d", i%5), at(float64(i)*0.3))
		c.mu.Lock()
		for k, v := range c.counts {
			if v <= 0 {
				c.mu.Unlock()
				t.Fatalf("count table holds %s=%d", k, v)
			}
		}
		c.mu.Unlock()
	}
}

func TestConcurrentRecordAndTopN(t *testing.T) {
	c := mustNew(t, time.Hour)
	var wg sync.WaitGroup
	const workers, per = 8, 500

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = c.Record(fmt.Sprintf("k%d", i%10), at(1))
				if i%50 == 0 {
					if _, err := c.TopN(3, at(1)); err != nil {
						t.Error(err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, e := range mustTop(t, c, 10, at(1)) {
		total += e.Count
	}
	if total != workers*per {
		t.Fatalf("total = %d, want %d", total, workers*per)
	}
}
