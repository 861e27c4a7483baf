package cache

import (
	"container/heap"
	"context"
	"net/url"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// item is one scheduled fetch. Only the worker goroutine touches the
// scheduling fields; the slot goroutine reads the immutable ones.
type item struct {
	id      string // uuid, for logs
	url     *url.URL
	mapKey  string // metadata map key, the normalised URL
	key     mediacache.Key
	path    string
	options Options
	class   Class

	ctx     context.Context
	cancel  context.CancelFunc
	unwatch func() bool // stops the queued-expiry watch
	reply   chan itemResult

	submitted time.Time
	started   time.Time
	seq       uint64
	index     int // heap index, -1 once dequeued
}

type itemResult struct {
	resp *Response
	err  error
}

// settle delivers the result exactly once. reply is buffered so this never
// blocks the worker.
func (it *item) settle(resp *Response, err error) {
	if it.unwatch != nil {
		it.unwatch()
	}
	it.reply <- itemResult{resp: resp, err: err}
	it.cancel()
}

// itemQueue orders pending items by class, then submission order.
type itemQueue []*item

func (q itemQueue) Len() int { return len(q) }

func (q itemQueue) Less(i, j int) bool {
	if q[i].class != q[j].class {
		return q[i].class < q[j].class
	}
	return q[i].seq < q[j].seq
}

func (q itemQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *itemQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *itemQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *itemQueue) push(it *item) {
	heap.Push(q, it)
}

func (q *itemQueue) pop() *item {
	return heap.Pop(q).(*item)
}

// remove takes it out of the queue. It reports false if it was not queued.
func (q *itemQueue) remove(it *item) bool {
	if it.index < 0 || it.index >= q.Len() || (*q)[it.index] != it {
		return false
	}
	heap.Remove(q, it.index)
	return true
}

// drain removes and returns every pending item in dequeue order.
func (q *itemQueue) drain() []*item {
	out := make([]*item, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
