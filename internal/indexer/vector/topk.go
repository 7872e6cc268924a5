package vector

import "container/heap"

// topK keeps the best limit hits seen so far. The heap root is the current
// worst hit: lowest score, and on equal scores the highest record ID.
type topK struct {
	limit int
	h     hitHeap
}

func newTopK(limit int) *topK {
	return &topK{limit: limit, h: make(hitHeap, 0, limit+1)}
}

func (t *topK) offer(hit Hit) {
	if t.h.Len() < t.limit {
		heap.Push(&t.h, hit)
		return
	}
	if worse(t.h[0], hit) {
		t.h[0] = hit
		heap.Fix(&t.h, 0)
	}
}

// sorted drains the heap best-first.
func (t *topK) sorted() []Hit {
	out := make([]Hit, t.h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(Hit)
	}
	return out
}

// worse reports whether a ranks below b.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.RecordID > b.RecordID
}

type hitHeap []Hit

func (h hitHeap) Len() int { return len(h) }

func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }

func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) {
	*h = append(*h, x.(Hit))
}

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
