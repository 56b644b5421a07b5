package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// Op is the mutable tracking record for one outstanding WorkRequest:
// its immutable WR, its state-machine position (spec.md §4.8), and the
// WorkID token handed back to the caller for Wait/Cancel.
type Op struct {
	ID      types.UID
	WR      types.WorkRequest
	State   types.OpState
	Buffer  *types.Buffer // the buffer this op reads/writes locally, for its EQ fallback

	done chan types.Status
}

// newOp builds a blank tracking record, the shape OpTable's freelist
// primes and falls back to on its slow path.
func newOp() *Op {
	return &Op{done: make(chan types.Status, 1)}
}

// WorkID returns the opaque token for this op.
func (o *Op) WorkID() types.WorkID {
	return types.WorkID{ID: o.ID, Request: o.WR}
}

// Wait blocks until the op completes, or until Cancel finishes it with
// TIMEDOUT, returning the final status.
func (o *Op) Wait() types.Status {
	return <-o.done
}

// finish signals Wait and is idempotent.
func (o *Op) finish(status types.Status) {
	select {
	case o.done <- status:
	default:
	}
}

// SetDone forces an op straight to its terminal state, signaling Wait.
// Used outside this package for an eager send's inline finish, where no
// progress-engine completion ever arrives, and by Cancel.
func (o *Op) SetDone(status types.Status) {
	o.State = types.Done
	o.finish(status)
}

// OpTable tracks in-flight ops by id, so the progress engine can
// correlate an ACK's src_op_id back to its originating send. It also
// owns the freelist pooling their backing records (spec.md §4.4):
// Acquire pops a record instead of allocating one for every post, and
// Release drops a finished op back into the pool instead of handing
// it to the garbage collector.
type OpTable struct {
	mu   sync.Mutex
	m    map[types.UID]*Op
	free *Freelist[Op]
}

// NewOpTable builds an empty OpTable whose pool is primed with
// freelistSize records.
func NewOpTable(freelistSize int) *OpTable {
	return &OpTable{
		m:    make(map[types.UID]*Op),
		free: NewFreelist("ops", freelistSize, newOp),
	}
}

// Collector exposes the op pool's slow-path counter for registration
// with a prometheus.Registry (the control-plane /stats hook).
func (t *OpTable) Collector() prometheus.Collector {
	return t.free.Collector()
}

// Acquire pops a tracking record from the pool (allocating one via the
// slow path if it's empty), resets it for wr/buf with a fresh ID, and
// makes it visible to Get.
func (t *OpTable) Acquire(wr types.WorkRequest, buf *types.Buffer) *Op {
	op := t.free.Pop()
	op.ID = types.GenerateUID()
	op.WR = wr
	op.State = types.SendInit
	op.Buffer = buf
	select {
	case <-op.done:
	default:
	}

	t.mu.Lock()
	t.m[op.ID] = op
	t.mu.Unlock()
	return op
}

func (t *OpTable) Get(id types.UID) *Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

// Release retires id: it stops being visible to Get and its record
// returns to the freelist for reuse by a later Acquire.
func (t *OpTable) Release(id types.UID) {
	t.mu.Lock()
	op, ok := t.m[id]
	delete(t.m, id)
	t.mu.Unlock()
	if ok {
		t.free.Push(op)
	}
}

// Dispatch runs the completion-destination chain spec.md §4.8
// prescribes, in order, until one destination accepts the event:
// per-WR callback, alternate EQ callback, buffer EQ callback,
// alternate EQ push, buffer EQ push. If none accept, the caller should
// drop the event into a freelist and count it.
func Dispatch(wr types.WorkRequest, altEQ *EventQueue, bufEQ types.EventSink, e types.Event) (accepted bool) {
	if wr.Callback != nil && wr.Callback(e) {
		return true
	}
	if wr.AltEQCallback != nil && wr.AltEQCallback(e) {
		return true
	}
	if bufEQ != nil && bufEQ.InvokeCallback(e) {
		return true
	}
	if altEQ != nil && altEQ.Push(e) {
		return true
	}
	if bufEQ != nil && bufEQ.Push(e) {
		return true
	}
	return false
}
