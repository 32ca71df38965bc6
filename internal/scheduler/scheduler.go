// Package scheduler implements the single monotonic-time timer wheel that
// drives session retransmissions and expiry: a min-heap keyed
// by deadline, ticked once per poll cycle from the single-threaded event
// loop.  container/heap is the standard library's priority
// queue and nothing in the retrieval pack supplies an alternative, so it's
// used directly rather than reimplemented (see DESIGN.md).
package scheduler

import (
	"container/heap"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// ID identifies a scheduled timer so it can be canceled before it fires.
type ID uint64

// Callback is invoked when a timer's deadline has passed.  now is the time
// the scheduler observed at the start of the current Tick, not the exact
// deadline, matching how a cooperative loop can only react when it's
// actually polled.
type Callback func(now time.Time)

// entry is one scheduled timer.
type entry struct {
	cb       Callback
	deadline time.Time
	id       ID
	seq      uint64
	index    int
	canceled bool
}

// timerHeap is a container/heap.Interface ordered by deadline, breaking ties
// by insertion sequence so that "timer callbacks with the same deadline are
// processed in insertion order" holds.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}

	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() (x any) {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]

	return e
}

// Scheduler is a single monotonic-time priority queue of pending callbacks.
// It is not safe for concurrent use; all mutation happens on the single
// event-loop thread.
type Scheduler struct {
	clock  timeutil.Clock
	heap   timerHeap
	byID   map[ID]*entry
	nextID ID
	seq    uint64
}

// New returns an empty Scheduler that uses clock to read the current time.
func New(clock timeutil.Clock) (s *Scheduler) {
	return &Scheduler{
		clock: clock,
		byID:  map[ID]*entry{},
	}
}

// After schedules cb to run at or after the first Tick whose observed time
// is >= clock.Now()+d.  It returns an ID that can be passed to Cancel.
func (s *Scheduler) After(d time.Duration, cb Callback) (id ID) {
	s.nextID++
	id = s.nextID

	e := &entry{
		cb:       cb,
		deadline: s.clock.Now().Add(d),
		id:       id,
		seq:      s.nextSeq(),
	}
	s.byID[id] = e
	heap.Push(&s.heap, e)

	return id
}

// Cancel prevents the timer identified by id from firing, if it hasn't
// already.  Canceling an unknown or already-fired id is a no-op.
func (s *Scheduler) Cancel(id ID) {
	e, ok := s.byID[id]
	if !ok {
		return
	}

	e.canceled = true
	delete(s.byID, id)
}

// nextSeq returns a strictly increasing sequence number used for FIFO
// tie-breaking among timers with equal deadlines.
func (s *Scheduler) nextSeq() (seq uint64) {
	s.seq++

	return s.seq
}

// Tick processes every timer whose deadline has passed as of clock.Now(),
// invoking callbacks in (deadline, insertion order). It returns the number of
// callbacks invoked. Canceled timers are discarded without being invoked.
func (s *Scheduler) Tick() (fired int) {
	now := s.clock.Now()

	for s.heap.Len() > 0 {
		next := s.heap[0]
		if next.deadline.After(now) {
			break
		}

		heap.Pop(&s.heap)
		if next.canceled {
			continue
		}

		delete(s.byID, next.id)
		next.cb(now)
		fired++
	}

	return fired
}

// NextDeadline returns the deadline of the earliest pending, non-canceled
// timer. ok is false if there are none; callers (e.g. the I/O poll loop) can
// use this to bound how long to block waiting for file descriptor readiness.
func (s *Scheduler) NextDeadline() (deadline time.Time, ok bool) {
	for s.heap.Len() > 0 && s.heap[0].canceled {
		heap.Pop(&s.heap)
	}

	if s.heap.Len() == 0 {
		return time.Time{}, false
	}

	return s.heap[0].deadline, true
}

// Len returns the number of timers currently pending, including any that
// have been canceled but not yet popped.
func (s *Scheduler) Len() int {
	return s.heap.Len()
}
