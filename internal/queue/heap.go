package queue

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/insoblok/inso-govqueue/pkg/types"
)

// proposalHeap implements heap.Interface as an array-backed max-heap ordered
// by PriorityScore. container/heap supplies the sift operations:
//
//	heap.Push      append + bubble up
//	heap.Remove(i) swap with last, shrink, then bubble up or down as needed
//	heap.Pop       Remove(0)
type proposalHeap []*types.QueuedProposal

func (h proposalHeap) Len() int { return len(h) }

// Less puts the higher score first. The score already encodes the FIFO
// tie-break, so no secondary key is needed.
func (h proposalHeap) Less(i, j int) bool {
	return h[i].Priority.Greater(h[j].Priority)
}

func (h proposalHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *proposalHeap) Push(x interface{}) {
	*h = append(*h, x.(*types.QueuedProposal))
}

func (h *proposalHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func parent(i int) int {
	if i == 0 {
		return 0
	}
	return (i - 1) / 2
}

// findMinLeaf returns the index of the lowest-priority entry, or -1 when
// empty. By the heap property the minimum sits in the leaf layer, indices
// [n/2, n), so only that half is scanned.
func (h proposalHeap) findMinLeaf() int {
	n := len(h)
	if n == 0 {
		return -1
	}
	minIdx := n / 2
	for i := minIdx + 1; i < n; i++ {
		if h[minIdx].Priority.Greater(h[i].Priority) {
			minIdx = i
		}
	}
	return minIdx
}

// indexOf returns the position of id, or -1.
func (h proposalHeap) indexOf(id common.Hash) int {
	for i, p := range h {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// individuallyFunded counts entries that do not use the shared pool.
func (h proposalHeap) individuallyFunded() uint64 {
	var n uint64
	for _, p := range h {
		if !p.UsesSharedPool {
			n++
		}
	}
	return n
}

// verify checks priority(parent(i)) >= priority(i) for every i > 0.
func (h proposalHeap) verify() error {
	for i := 1; i < len(h); i++ {
		if h[i].Priority.Greater(h[parent(i)].Priority) {
			return fmt.Errorf("%w: heap order broken at index %d", types.ErrInvariantViolation, i)
		}
	}
	return nil
}
