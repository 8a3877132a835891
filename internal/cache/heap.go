package cache

import "time"

type node struct {
	uid     string
	touched time.Time
	size    int64
	seq     uint64
	index   int
}

// nodeHeap is a min-heap on the last touch time, implementing heap.Interface.
type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	if h[i].touched.Equal(h[j].touched) {
		return h[i].seq < h[j].seq
	}
	return h[i].touched.Before(h[j].touched)
}

func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *nodeHeap) Push(x any) {
	n := x.(*node)
	n.index = len(*h)
	*h = append(*h, n)
}

func (h *nodeHeap) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.index = -1
	*h = old[:last]
	return n
}
