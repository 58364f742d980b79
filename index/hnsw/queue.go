package hnsw

import "container/heap"

// Compile time check to ensure priorityQueue satisfies the heap interface.
var _ heap.Interface = (*priorityQueue)(nil)

// queueItem represents a candidate in the priority queue.
type queueItem struct {
	Slot     uint32  // Slot is the graph slot of the candidate.
	Distance float32 // Distance is the priority of the item in the queue.
}

// priorityQueue implements heap.Interface over queueItems.
// Order=false is a min-heap (closest first), Order=true a max-heap.
type priorityQueue struct {
	Order bool
	Items []queueItem
}

func (pq *priorityQueue) Len() int { return len(pq.Items) }

func (pq *priorityQueue) Less(i, j int) bool {
	if !pq.Order {
		return pq.Items[i].Distance < pq.Items[j].Distance
	}
	return pq.Items[i].Distance > pq.Items[j].Distance
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
}

func (pq *priorityQueue) Push(x any) {
	pq.Items = append(pq.Items, x.(queueItem))
}

func (pq *priorityQueue) Pop() any {
	old := pq.Items
	n := len(old)
	item := old[n-1]
	pq.Items = old[:n-1]
	return item
}

// Top returns the root of the heap without removing it.
func (pq *priorityQueue) Top() queueItem { return pq.Items[0] }
