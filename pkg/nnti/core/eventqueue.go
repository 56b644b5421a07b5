package core

import (
	"context"
	"sync"
	"time"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// EventQueue is a bounded, single-producer/single-consumer completion
// channel with an optional synchronous callback, per spec.md §4.7.
// The "file-descriptor-equivalent" wake-up signal is a buffered Go
// channel: closing or sending to it is the notify(), and eq_wait
// selects on it instead of poll(2).
type EventQueue struct {
	ID types.UID

	mu       sync.Mutex
	buf      []types.Event
	cap      int
	wake     chan struct{}
	callback types.CompletionCallback

	dropped uint64
}

// NewEventQueue builds an EventQueue able to hold size pending events.
// cb, if non-nil, is tried synchronously before an event is enqueued:
// if it accepts the event, Push never occupies a buffer slot.
func NewEventQueue(size int, cb types.CompletionCallback) *EventQueue {
	return &EventQueue{
		ID:       types.GenerateUID(),
		cap:      size,
		wake:     make(chan struct{}, 1),
		callback: cb,
	}
}

// InvokeCallback tries the queue's synchronous callback, if any. It
// reports whether the callback accepted the event (in which case Push
// should not be called for it).
func (q *EventQueue) InvokeCallback(e types.Event) bool {
	if q.callback == nil {
		return false
	}
	return q.callback(e)
}

// Push enqueues an event, producer-side only. Returns false if the
// queue is full; the caller (the progress engine) is responsible for
// counting the drop per spec.md §8 invariant 8.
func (q *EventQueue) Push(e types.Event) bool {
	q.mu.Lock()
	full := len(q.buf) >= q.cap
	if !full {
		q.buf = append(q.buf, e)
	} else {
		q.dropped++
	}
	q.mu.Unlock()

	if !full {
		q.notify()
	}
	return !full
}

// Pop dequeues an event, consumer-side only. Returns false if empty.
func (q *EventQueue) Pop() (types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return types.Event{}, false
	}
	e := q.buf[0]
	q.buf = q.buf[1:]
	return e, true
}

// Dropped reports the number of events dropped because the queue was
// full when pushed (spec.md §8 invariant 8, and the control-plane
// /stats backlog counter spec.md §5 describes).
func (q *EventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// notify is an idempotent wake-up: a full wake channel means a waiter
// is already guaranteed to observe the signal, so the send is skipped.
func (q *EventQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Notify wakes any eq_wait blocked on this queue, without consuming a
// pending event (spec.md §4.11 interrupt()/§5 cancellation).
func (q *EventQueue) Notify() {
	q.notify()
}

// EQWaitResult is returned by EQWait: which queue produced event, or
// an error Status (TIMEDOUT, INTR, ENOMEM, EINVAL).
type EQWaitResult struct {
	Which types.UID
	Event types.Event
	Err   error
}

// EQWait implements eq_wait across a list of queues, per spec.md §4.7:
// first scan every queue for an already-pending event; if none, block
// on every queue's wake source until timeout or context cancellation.
// A timeout never consumes an event. A wake that finds nothing pending
// (EventQueue.Notify) returns EINTR.
func EQWait(ctx context.Context, queues []*EventQueue, timeout time.Duration) EQWaitResult {
	if len(queues) == 0 {
		return EQWaitResult{Err: types.NewError(types.EINVAL, nil)}
	}

	if res, ok := scanOnce(queues); ok {
		return res
	}

	cases := make([]chan struct{}, len(queues))
	for i, q := range queues {
		cases[i] = q.wake
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	woken := make(chan int, 1)
	stop := make(chan struct{})
	defer close(stop)
	for i, ch := range cases {
		go func(i int, ch chan struct{}) {
			select {
			case <-ch:
				select {
				case woken <- i:
				default:
				}
			case <-stop:
			}
		}(i, ch)
	}

	select {
	case <-ctx.Done():
		return EQWaitResult{Err: types.NewError(types.EINTR, ctx.Err())}
	case <-deadline.C:
		return EQWaitResult{Err: types.NewError(types.TIMEDOUT, nil)}
	case <-woken:
		if res, ok := scanOnce(queues); ok {
			return res
		}
		return EQWaitResult{Err: types.NewError(types.EINTR, nil)}
	}
}

func scanOnce(queues []*EventQueue) (EQWaitResult, bool) {
	for _, q := range queues {
		if e, ok := q.Pop(); ok {
			select {
			case <-q.wake:
			default:
			}
			return EQWaitResult{Which: q.ID, Event: e}, true
		}
	}
	return EQWaitResult{}, false
}
