package track

// candidatePair is one (track, detection) pair with its IoU score, queued
// for greedy assignment.
type candidatePair struct {
	iou      float64
	trackIdx int
	detIdx   int
	index    int
}

// pairHeap implements heap.Interface for max-heap by IoU
type pairHeap []*candidatePair

func (h pairHeap) Len() int { return len(h) }

// Less returns true if i has higher IoU (max-heap)
func (h pairHeap) Less(i, j int) bool { return h[i].iou > h[j].iou }

func (h pairHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pairHeap) Push(x any) {
	n := len(*h)
	item := x.(*candidatePair)
	item.index = n
	*h = append(*h, item)
}

func (h *pairHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
