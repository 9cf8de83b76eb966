package queue

import (
	"container/heap"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
	"go.relaykit.dev/internal/message"
)

// queued is a message waiting in a band or in the delay heap.
type queued struct {
	env      *message.Envelope
	priority Priority
	attempt  int

	visibleAt time.Time
	heapIndex int
}

// delayHeap orders queued items by VisibleAt, earliest first.
type delayHeap []*queued

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *delayHeap) Push(x any)         { item := x.(*queued); item.heapIndex = len(*h); *h = append(*h, item) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayRunner holds items with a future VisibleAt and releases them to the
// queue as their time arrives. One goroutine waits on the earliest deadline.
type delayRunner struct {
	clk     clock.Clock
	release func(*queued)

	mu    sync.Mutex
	items delayHeap

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newDelayRunner(clk clock.Clock, release func(*queued)) *delayRunner {
	r := &delayRunner{
		clk:     clk,
		release: release,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// schedule holds the item until its visibleAt time.
func (r *delayRunner) schedule(item *queued) {
	r.mu.Lock()
	heap.Push(&r.items, item)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// pending reports how many items are still held.
func (r *delayRunner) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *delayRunner) stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *delayRunner) run() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		var wait time.Duration = -1
		now := r.clk.Now()
		for len(r.items) > 0 {
			next := r.items[0]
			if next.visibleAt.After(now) {
				wait = next.visibleAt.Sub(now)
				break
			}
			heap.Pop(&r.items)
			r.mu.Unlock()
			r.release(next)
			r.mu.Lock()
			now = r.clk.Now()
		}
		r.mu.Unlock()

		if wait < 0 {
			select {
			case <-r.wake:
			case <-r.done:
				return
			}
			continue
		}

		timer := r.clk.NewTimer(wait)
		select {
		case <-timer.C():
		case <-r.wake:
			timer.Stop()
		case <-r.done:
			timer.Stop()
			return
		}
	}
}
