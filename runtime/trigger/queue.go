package trigger

import "container/heap"

type (
	// queued is one parked request with its pre-assigned execution id.
	queued struct {
		req         *Request
		executionID string
		index       int
	}

	// requestQueue is a priority queue ordered by priority (1 highest),
	// breaking ties by enqueue time.
	requestQueue []*queued
)

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].req.EnqueuedAt.Before(q[j].req.EnqueuedAt)
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

// Push implements heap.Interface.
func (q *requestQueue) Push(x any) {
	item := x.(*queued)
	item.index = len(*q)
	*q = append(*q, item)
}

// Pop implements heap.Interface.
func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *requestQueue) push(item *queued) { heap.Push(q, item) }

func (q *requestQueue) pop() *queued {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queued)
}

func (q *requestQueue) peek() *queued {
	if q.Len() == 0 {
		return nil
	}
	return (*q)[0]
}

// removeStale pops every entry whose enqueue time is older than the cutoff
// and returns them. Staleness is independent of heap order so the whole queue
// is scanned.
func (q *requestQueue) removeStale(cutoff func(*queued) bool) []*queued {
	var stale []*queued
	for i := 0; i < q.Len(); {
		if cutoff((*q)[i]) {
			stale = append(stale, heap.Remove(q, i).(*queued))
			continue
		}
		i++
	}
	return stale
}
