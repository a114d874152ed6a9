// Package eventloop implements a process-wide single-goroutine cooperative
// scheduler: transports, fibers and the pub/sub engine all run as callbacks
// submitted to one Loop rather than communicating through locks. Grounded on
// the single-owner-goroutine actor idiom used by libp2p-pubsub's
// PubSub.processLoop (one goroutine draining several channels), generalized
// here into one queue any component can post closures to.
package eventloop

import (
	"container/heap"
	"sync"
	"time"
)

// Loop owns one goroutine that runs submitted callbacks and fires timers in
// the order they were scheduled for the same tick.
type Loop struct {
	tasks   chan func()
	timers  timerHeap
	timerMu sync.Mutex
	newWork chan struct{}

	stop chan struct{}
	done chan struct{}

	start time.Time
}

// New creates a Loop. Call Run to start its goroutine.
func New() *Loop {
	return &Loop{
		tasks:   make(chan func(), 1024),
		newWork: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		start:   time.Now(),
	}
}

// Now returns the loop's monotonic tick: the time elapsed since the loop was
// created.
func (l *Loop) Now() time.Duration { return time.Since(l.start) }

// Post submits a callback to run on the loop's goroutine. Safe to call from
// any goroutine.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.stop:
	}
}

// TimerHandle cancels a scheduled callback.
type TimerHandle struct {
	id int64
	l  *Loop
}

// Cancel stops the timer if it has not already fired.
func (h TimerHandle) Cancel() {
	h.l.timerMu.Lock()
	defer h.l.timerMu.Unlock()
	for i, t := range h.l.timers {
		if t.id == h.id {
			heap.Remove(&h.l.timers, i)
			return
		}
	}
}

// Schedule runs fn on the loop's goroutine after d elapses. Timers that land
// on the same deadline fire in scheduling order (§5 "Timers fire in
// insertion order for the same tick").
func (l *Loop) Schedule(d time.Duration, fn func()) TimerHandle {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	seq := nextSeq()
	t := &timerEntry{
		deadline: time.Now().Add(d),
		seq:      seq,
		id:       seq,
		fn:       fn,
	}
	heap.Push(&l.timers, t)
	select {
	case l.newWork <- struct{}{}:
	default:
	}
	return TimerHandle{id: t.id, l: l}
}

// Run blocks dispatching tasks and timers until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		wait := l.nextTimerWait()
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.newWork:
		case <-time.After(wait):
			l.fireDue()
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) nextTimerWait() time.Duration {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if len(l.timers) == 0 {
		return time.Hour
	}
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) fireDue() {
	now := time.Now()
	for {
		l.timerMu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			l.timerMu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*timerEntry)
		l.timerMu.Unlock()
		t.fn()
	}
}

// Stop halts the loop after draining pending (already-queued) tasks.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

var seqCounter int64
var seqMu sync.Mutex

func nextSeq() int64 {
	seqMu.Lock()
	defer seqMu.Unlock()
	seqCounter++
	return seqCounter
}

type timerEntry struct {
	deadline time.Time
	seq      int64
	id       int64
	fn       func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any) {
	t := x.(*timerEntry)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
