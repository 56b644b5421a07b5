package core

import (
	"context"
	"testing"
	"time"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func TestEventQueue_PushPopOrder(t *testing.T) {
	q := NewEventQueue(2, nil)
	if !q.Push(types.Event{Length: 1}) {
		t.Fatalf("push 1 should succeed")
	}
	if !q.Push(types.Event{Length: 2}) {
		t.Fatalf("push 2 should succeed")
	}
	if q.Push(types.Event{Length: 3}) {
		t.Fatalf("push into a full queue should report false")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", q.Dropped())
	}

	e, ok := q.Pop()
	if !ok || e.Length != 1 {
		t.Fatalf("expected first event with length 1, got %+v ok=%v", e, ok)
	}
	e, ok = q.Pop()
	if !ok || e.Length != 2 {
		t.Fatalf("expected second event with length 2, got %+v ok=%v", e, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop on empty queue should report false")
	}
}

func TestEventQueue_InvokeCallbackBypassesBuffer(t *testing.T) {
	var seen types.Event
	q := NewEventQueue(1, func(e types.Event) bool {
		seen = e
		return true
	})
	if !q.InvokeCallback(types.Event{Length: 7}) {
		t.Fatalf("callback should accept the event")
	}
	if seen.Length != 7 {
		t.Fatalf("callback did not see the event")
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("an event the callback accepted should never reach the buffer")
	}
}

func TestEQWait_ReturnsAlreadyPendingEventImmediately(t *testing.T) {
	a := NewEventQueue(1, nil)
	b := NewEventQueue(1, nil)
	b.Push(types.Event{Length: 42})

	res := EQWait(context.Background(), []*EventQueue{a, b}, time.Second)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Which != b.ID || res.Event.Length != 42 {
		t.Fatalf("expected event from queue b, got %+v", res)
	}
}

func TestEQWait_WakesOnLatePush(t *testing.T) {
	q := NewEventQueue(1, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(types.Event{Length: 9})
	}()

	res := EQWait(context.Background(), []*EventQueue{q}, time.Second)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Event.Length != 9 {
		t.Fatalf("expected the pushed event, got %+v", res.Event)
	}
}

func TestEQWait_TimesOutWithoutConsumingAnything(t *testing.T) {
	q := NewEventQueue(1, nil)
	res := EQWait(context.Background(), []*EventQueue{q}, 10*time.Millisecond)
	if types.StatusOf(res.Err) != types.TIMEDOUT {
		t.Fatalf("expected TIMEDOUT, got %v", res.Err)
	}
}

func TestEQWait_RejectsEmptyQueueList(t *testing.T) {
	res := EQWait(context.Background(), nil, time.Second)
	if types.StatusOf(res.Err) != types.EINVAL {
		t.Fatalf("expected EINVAL for an empty queue list, got %v", res.Err)
	}
}
