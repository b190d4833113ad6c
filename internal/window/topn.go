package window

import (
	"cmp"
	"container/heap"
	"slices"
)

// Entry is one key of a top-N result with its live count.
type Entry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// compareEntries orders by count descending, then key ascending.
func compareEntries(a, b Entry) int {
	if c := cmp.Compare(b.Count, a.Count); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// selectTop returns the n best-ranked entries of counts.
// A full sort is used when every key is returned anyway, otherwise a bounded
// heap keeps the selection at O(D log n).
func selectTop(counts map[string]int, n int) []Entry {
	if n == 0 || len(counts) == 0 {
		return []Entry{}
	}

	if n >= len(counts) {
		out := make([]Entry, 0, len(counts))
		for k, v := range counts {
			out = append(out, Entry{Key: k, Count: v})
		}
		slices.SortFunc(out, compareEntries)
		return out
	}

	h := make(worstFirst, 0, n)
	for k, v := range counts {
		e := Entry{Key: k, Count: v}
		if len(h) < n {
			heap.Push(&h, e)
			continue
		}
		if compareEntries(e, h[0]) < 0 {
			h[0] = e
			heap.Fix(&h, 0)
		}
	}

	out := make([]Entry, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Entry)
	}
	return out
}

// worstFirst is a heap whose root is the lowest-ranked entry kept so far.
type worstFirst []Entry

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return compareEntries(h[i], h[j]) > 0 }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
