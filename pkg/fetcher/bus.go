// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// errBusClosed is returned by take once the bus has been closed and neither
// an immediate event nor an expired delayed event remains. Delayed events
// that have not yet expired are not delivered after close.
var errBusClosed = errors.New("fetcher: event bus closed")

// delayHeap is a min-heap of delayedEvent ordered by expireAt, giving the
// bus O(log n) access to the next back-off tick to wake up for.
type delayHeap []delayedEvent

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayedEvent)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// eventBus is the FetcherEventBus (§4.4): a priority queue of
// immediately-eligible events plus a delay queue of events that become
// eligible at a future time. take() blocks until either is ready, preferring
// the immediate queue (and, within it, higher priority) so control events
// preempt scheduled data-plane ticks.
//
// Unification of "take the higher of (immediate, expired-delayed)" is
// implemented with a mutex-guarded pair of queues and a notify channel that
// wakes take() whenever either queue changes; take() re-evaluates against a
// timer armed for the earliest delayed item, per the single-channel design
// noted for this component.
type eventBus struct {
	mu        sync.Mutex
	immediate []event
	delayed   delayHeap
	notify    chan struct{}

	closed  bool
	closeCh chan struct{}
}

func newEventBus() *eventBus {
	return &eventBus{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// wake signals take() to re-evaluate its queues. Non-blocking: if a wake is
// already pending, this is a no-op.
func (b *eventBus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// put adds an event to the immediate queue, ordered by descending priority
// and, within equal priority, FIFO.
func (b *eventBus) put(e event) {
	b.mu.Lock()
	pos := len(b.immediate)
	for i, existing := range b.immediate {
		if existing.priority() < e.priority() {
			pos = i
			break
		}
	}
	b.immediate = append(b.immediate, event{})
	copy(b.immediate[pos+1:], b.immediate[pos:])
	b.immediate[pos] = e
	b.mu.Unlock()
	b.wake()
}

// schedule adds a delayed TruncateAndFetch event to the delay queue.
func (b *eventBus) schedule(de delayedEvent) {
	b.mu.Lock()
	heap.Push(&b.delayed, de)
	b.mu.Unlock()
	b.wake()
}

// take blocks until an event is eligible for delivery, the context is
// cancelled, or the bus is closed.
func (b *eventBus) take(ctx context.Context) (event, error) {
	for {
		b.mu.Lock()
		if len(b.immediate) > 0 {
			e := b.immediate[0]
			b.immediate = b.immediate[1:]
			b.mu.Unlock()
			return e, nil
		}
		if b.delayed.Len() > 0 {
			now := time.Now()
			if !now.Before(b.delayed[0].expireAt) {
				de := heap.Pop(&b.delayed).(delayedEvent)
				b.mu.Unlock()
				return de.event, nil
			}
		}
		if b.closed {
			b.mu.Unlock()
			return event{}, errBusClosed
		}
		var timerC <-chan time.Time
		var timer *time.Timer
		if b.delayed.Len() > 0 {
			timer = time.NewTimer(time.Until(b.delayed[0].expireAt))
			timerC = timer.C
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return event{}, ctx.Err()
		case <-b.closeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-b.notify:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// close makes future take() calls on an empty bus return promptly with
// errBusClosed, per §4.4's close() contract. Events already in the immediate
// queue, and delayed events that have already expired, are still delivered
// first; delayed events that have not expired are dropped.
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.closeCh)
}
