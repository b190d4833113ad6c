package window

import (
	"fmt"
	"math/rand"
	"reflect"
	"slices"
	"testing"
)

func TestSelectTop_HeapMatchesSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		counts := map[string]int{}
		for i := 0; i < 1+rng.Intn(200); i++ {
			counts[fmt.Sprintf("key-%d", rng.Intn(300))] = 1 + rng.Intn(8)
		}

		full := make([]Entry, 0, len(counts))
		for k, v := range counts {
			full = append(full, Entry{k, v})
		}
		slices.SortFunc(full, compareEntries)

		for _, n := range []int{1, 2, 5, len(counts) - 1, len(counts), len(counts) + 3} {
			if n <= 0 {
				continue
			}
			want := full
			if n < len(full) {
				want = full[:n]
			}
			if got := selectTop(counts, n); !reflect.DeepEqual(got, want) {
				t.Fatalf("round %d n=%d:\n got  %v\n want %v", round, n, got, want)
			}
		}
	}
}

func TestSelectTop_Empty(t *testing.T) {
	if got := selectTop(map[string]int{}, 5); got == nil || len(got) != 0 {
		t.Fatalf("selectTop(empty) = %#v, want empty non-nil", got)
	}
}

func TestArrivalLog_WrapGrowShrink(t *testing.T) {
	var l arrivalLog
	next, want := 0, 0

	push := func(k int) {
		for i := 0; i < k; i++ {
			l.push(event{key: fmt.Sprint(next)})
			next++
		}
	}
	pop := func(k int) {
		for i := 0; i < k; i++ {
			e := l.pop()
			if e.key != fmt.Sprint(want) {
				t.Fatalf("pop = %s, want %d", e.key, want)
			}
			want++
		}
	}

	push(10)
	pop(7)
	push(30) // wraps and grows
	if l.len() != 33 {
		t.Fatalf("len = %d, want 33", l.len())
	}
	if b, _ := l.back(); b.key != fmt.Sprint(next-1) {
		t.Fatalf("back = %s, want %d", b.key, next-1)
	}
	grown := len(l.buf)

	pop(30)
	if len(l.buf) >= grown {
		t.Fatalf("buffer did not shrink: cap %d, was %d", len(l.buf), grown)
	}
	pop(3)
	if _, ok := l.front(); ok || l.len() != 0 {
		t.Fatal("log should be empty")
	}
	if len(l.buf) < minLogCap {
		t.Fatalf("buffer shrank below minimum: %d", len(l.buf))
	}
}
