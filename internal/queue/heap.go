package queue

import (
	"container/heap"

	"github.com/me/vedfolnir/pkg/model"
)

// item is one queued job plus its heap bookkeeping. seq breaks ties
// between jobs submitted in the same clock instant so ordering stays
// deterministic FIFO.
type item struct {
	job   *model.Job
	seq   uint64
	index int
}

// jobHeap orders queued jobs by (priority desc, submittedAt asc, seq asc).
// It implements heap.Interface; callers go through container/heap.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.job.SubmittedAt.Equal(b.job.SubmittedAt) {
		return a.job.SubmittedAt.Before(b.job.SubmittedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// pending wraps the heap with an index by job ID so cancellation can
// remove an arbitrary queued job in O(log n).
type pending struct {
	heap jobHeap
	byID map[string]*item
	seq  uint64
}

func newPending() *pending {
	return &pending{byID: make(map[string]*item)}
}

func (p *pending) len() int { return len(p.heap) }

func (p *pending) push(job *model.Job) {
	p.seq++
	it := &item{job: job, seq: p.seq}
	heap.Push(&p.heap, it)
	p.byID[job.ID] = it
}

// pop returns the highest-priority queued job, or nil when empty.
func (p *pending) pop() *model.Job {
	if len(p.heap) == 0 {
		return nil
	}
	it := heap.Pop(&p.heap).(*item)
	delete(p.byID, it.job.ID)
	return it.job
}

// remove takes a specific job out of the queue. Returns false when the
// job is not queued.
func (p *pending) remove(jobID string) bool {
	it, ok := p.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&p.heap, it.index)
	delete(p.byID, jobID)
	return true
}

// head peeks at the next job to dispatch without removing it.
func (p *pending) head() *model.Job {
	if len(p.heap) == 0 {
		return nil
	}
	return p.heap[0].job
}
