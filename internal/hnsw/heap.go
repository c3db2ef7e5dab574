package hnsw

import "container/heap"

// candidate is a (node id, distance-to-query) pair manipulated during search.
type candidate struct {
	id       uint32
	distance float64
}

// less orders candidates ascending by distance; equal distances break on id
// so heap contents drain in a stable order.
func less(a, b candidate) bool {
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return a.id < b.id
}

// sortCandidates sorts ascending by distance (insertion sort — slices here
// are bounded by the degree caps).
func sortCandidates(cs []candidate) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && less(cs[j], cs[j-1]); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

// candidateHeap is the shared container/heap implementation; max flips the
// ordering so one type serves both the exploration min-heap and the
// best-so-far max-heap.
type candidateHeap struct {
	items []candidate
	max   bool
}

func (h *candidateHeap) Len() int { return len(h.items) }

func (h *candidateHeap) Less(i, j int) bool {
	if h.max {
		return less(h.items[j], h.items[i])
	}
	return less(h.items[i], h.items[j])
}

func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x any) { h.items = append(h.items, x.(candidate)) }

func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	c := old[n-1]
	h.items = old[:n-1]
	return c
}

func (h *candidateHeap) push(c candidate) { heap.Push(h, c) }

func (h *candidateHeap) pop() candidate { return heap.Pop(h).(candidate) }

func (h *candidateHeap) peek() candidate { return h.items[0] }

// sorted drains the heap into an ascending-by-distance slice. Only valid on
// a max heap: the root is the worst element, so filling back-to-front yields
// ascending order.
func (h *candidateHeap) sorted() []candidate {
	out := make([]candidate, len(h.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	return out
}

func newMinCandidateHeap(capacity int) *candidateHeap {
	return &candidateHeap{items: make([]candidate, 0, capacity)}
}

func newMaxCandidateHeap(capacity int) *candidateHeap {
	return &candidateHeap{items: make([]candidate, 0, capacity), max: true}
}
