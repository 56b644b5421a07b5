package core

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Freelist is a typed, lock-free MPMC stack over fixed-shape records
// (events, ops, work requests), per spec.md §4.4. It is primed to a
// configured size; once primed, steady-state use never allocates. When
// empty, Pop falls through to the caller's New function and records a
// stat, the same slow-path escape spec.md prescribes instead of
// blocking.
type Freelist[T any] struct {
	head     atomic.Pointer[node[T]]
	new      func() *T
	name     string
	slowPath prometheus.Counter
}

type node[T any] struct {
	value *T
	next  *node[T]
}

// NewFreelist builds a Freelist primed with size fresh records built by
// newFn, registering a slow-path-allocation counter under name for the
// control-plane /stats hook.
func NewFreelist[T any](name string, size int, newFn func() *T) *Freelist[T] {
	fl := &Freelist[T]{
		new:  newFn,
		name: name,
		slowPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nnti_freelist_slow_path_total",
			Help: "Count of Freelist.Pop calls that fell through to allocation because the pool was empty.",
			ConstLabels: prometheus.Labels{
				"freelist": name,
			},
		}),
	}
	for i := 0; i < size; i++ {
		fl.Push(newFn())
	}
	return fl
}

// Collector exposes the slow-path counter for registration with a
// prometheus.Registry (the control-plane /stats hook).
func (fl *Freelist[T]) Collector() prometheus.Collector {
	return fl.slowPath
}

// Push returns a record to the pool.
func (fl *Freelist[T]) Push(v *T) {
	n := &node[T]{value: v}
	for {
		head := fl.head.Load()
		n.next = head
		if fl.head.CompareAndSwap(head, n) {
			return
		}
	}
}

// Pop removes a record from the pool, or allocates a fresh one via the
// freelist's New function if the pool is currently empty.
func (fl *Freelist[T]) Pop() *T {
	for {
		head := fl.head.Load()
		if head == nil {
			fl.slowPath.Inc()
			return fl.new()
		}
		if fl.head.CompareAndSwap(head, head.next) {
			return head.value
		}
	}
}

// Len walks the stack to count its current depth. Intended for tests
// and the steady-state monotonicity property (spec.md §8 invariant 7),
// not the hot path.
func (fl *Freelist[T]) Len() int {
	count := 0
	for n := fl.head.Load(); n != nil; n = n.next {
		count++
	}
	return count
}
