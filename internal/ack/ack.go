// Package ack implements the acknowledger (spec §4.I): register a pending
// message id, resolve it on acknowledge, or fail it after a bounded number
// of retries. A single sweeper goroutine consults a deadline heap rather
// than each registration owning its own timer (Design Note: per-instance
// timers with captured closures leak timer handles on cancellation).
package ack

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// Result is delivered to a pending registration's channel exactly once.
type Result struct {
	Acked bool
	Err   error
}

// ErrCleared is the error every pending registration resolves with when
// Clear is called (typically on server stop).
var ErrCleared = fmt.Errorf("ack: cleared")

type pending struct {
	messageID string
	attempts  int
	deadline  time.Time
	result    chan Result
	index     int // heap index, maintained by container/heap
}

// deadlineHeap orders pending entries by deadline, earliest first.
type deadlineHeap []*pending

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *deadlineHeap) Push(x any) {
	p := x.(*pending)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// Options configures retry semantics. Enabled=false makes Register
// resolve immediately with Acked=true (spec: "disabled mode resolves
// immediately").
type Options struct {
	Enabled       bool
	Timeout       time.Duration
	RetryAttempts int
}

// Acknowledger tracks pending message ids awaiting client acknowledgment.
type Acknowledger struct {
	opts Options

	mu   sync.Mutex
	byID map[string]*pending
	heap deadlineHeap
	wake chan struct{}
}

// New creates an acknowledger. Run must be started in a goroutine to drive
// timeouts; without it, pending registrations never time out (they still
// resolve correctly on Acknowledge/Clear).
func New(opts Options) *Acknowledger {
	return &Acknowledger{
		opts: opts,
		byID: make(map[string]*pending),
		wake: make(chan struct{}, 1),
	}
}

// Register creates a pending entry for messageID and returns a channel
// that receives exactly one Result: true on acknowledge, or a timeout/
// clear error after the retry budget is exhausted.
func (a *Acknowledger) Register(messageID string) <-chan Result {
	result := make(chan Result, 1)

	if !a.opts.Enabled {
		result <- Result{Acked: true}
		return result
	}

	p := &pending{
		messageID: messageID,
		deadline:  time.Now().Add(a.opts.Timeout),
		result:    result,
	}

	a.mu.Lock()
	a.byID[messageID] = p
	heap.Push(&a.heap, p)
	a.mu.Unlock()

	a.nudge()
	return result
}

// Acknowledge resolves messageID's pending future with Acked=true. Returns
// false if no such pending entry exists (already resolved or unknown).
func (a *Acknowledger) Acknowledge(messageID string) bool {
	a.mu.Lock()
	p, ok := a.byID[messageID]
	if ok {
		delete(a.byID, messageID)
		if p.index >= 0 {
			heap.Remove(&a.heap, p.index)
		}
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	p.result <- Result{Acked: true}
	return true
}

// Clear fails every pending future with ErrCleared and drops all timers.
func (a *Acknowledger) Clear() {
	a.mu.Lock()
	pendingList := make([]*pending, 0, len(a.byID))
	for id, p := range a.byID {
		pendingList = append(pendingList, p)
		delete(a.byID, id)
	}
	a.heap = nil
	a.mu.Unlock()

	for _, p := range pendingList {
		p.result <- Result{Err: ErrCleared}
	}
}

// Run drives timeout/retry processing until ctx is cancelled.
func (a *Acknowledger) Run(ctx context.Context) {
	for {
		a.mu.Lock()
		var wait time.Duration
		if len(a.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(a.heap[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		a.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			a.processExpired()
		case <-a.wake:
			timer.Stop()
		}
	}
}

func (a *Acknowledger) nudge() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Acknowledger) processExpired() {
	now := time.Now()
	var expired []*pending

	a.mu.Lock()
	for len(a.heap) > 0 && !a.heap[0].deadline.After(now) {
		p := heap.Pop(&a.heap).(*pending)
		expired = append(expired, p)
	}
	a.mu.Unlock()

	for _, p := range expired {
		a.handleTimeout(p)
	}
}

func (a *Acknowledger) handleTimeout(p *pending) {
	if p.attempts < a.opts.RetryAttempts {
		p.attempts++
		p.deadline = time.Now().Add(a.opts.Timeout)

		a.mu.Lock()
		if _, stillPending := a.byID[p.messageID]; stillPending {
			heap.Push(&a.heap, p)
		}
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	delete(a.byID, p.messageID)
	a.mu.Unlock()

	p.result <- Result{Err: fmt.Errorf("ack: timeout after %d attempts", a.opts.RetryAttempts)}
}
