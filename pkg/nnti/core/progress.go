package core

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// Engine is the single cooperative progress loop spec.md §4.10
// describes: one goroutine drains every connection's completions
// through the Provider's shared channel and decides, per completion
// class, what state transition and completion delivery it implies.
// Nothing else in this package touches provider completions directly.
type Engine struct {
	logger   types.Logger
	registry *Registry
	bufs     *BufferTable
	cmdBuf   *CommandBuffer
	ops      *OpTable
	provider Provider

	// unexpected holds completions the target had no pre-registered
	// buffer for, per spec.md §4.4's next_unexpected/get_unexpected.
	unexpected *EventQueue

	// pendingMu/pending carry what CompleteUnexpected needs to finish
	// each unexpected receive once the application supplies a buffer.
	// pending is pushed to and popped from in strict lockstep with
	// unexpected, so its head always corresponds to unexpected's head.
	pendingMu sync.Mutex
	pending   []*pendingUnexpected

	// dropped pools the backing records for completions no destination
	// accepted, per spec.md §4.8 and §8 invariant 7: a dropped event is
	// boxed into a freelist-owned record and returned immediately rather
	// than left for the garbage collector.
	dropped *Freelist[types.Event]

	stop chan struct{}
	done chan struct{}
}

// NewEngine builds a progress engine bound to provider, dispatching
// into registry/bufs/cmdBuf/ops. unexpectedDepth bounds the backlog of
// messages the application hasn't yet claimed with GetUnexpected;
// droppedPoolSize primes the dropped-event freelist.
func NewEngine(logger types.Logger, registry *Registry, bufs *BufferTable, cmdBuf *CommandBuffer, ops *OpTable, provider Provider, unexpectedDepth, droppedPoolSize int) *Engine {
	return &Engine{
		logger:     logger,
		registry:   registry,
		bufs:       bufs,
		cmdBuf:     cmdBuf,
		ops:        ops,
		provider:   provider,
		unexpected: NewEventQueue(unexpectedDepth, nil),
		dropped:    NewFreelist("dropped_events", droppedPoolSize, func() *types.Event { return &types.Event{} }),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// DroppedPoolDepth reports the dropped-event freelist's current depth,
// the steady-state figure spec.md §8 invariant 7 requires never to
// drift from its primed size.
func (e *Engine) DroppedPoolDepth() int {
	return e.dropped.Len()
}

// Collector exposes the dropped-event pool's slow-path counter for
// registration with a prometheus.Registry (the control-plane /stats hook).
func (e *Engine) Collector() prometheus.Collector {
	return e.dropped.Collector()
}

// Unexpected returns the engine's unexpected-message queue, for the
// facade's next_unexpected/get_unexpected/eq_wait to poll.
func (e *Engine) Unexpected() *EventQueue {
	return e.unexpected
}

// pendingUnexpected carries what CompleteUnexpected needs to finish an
// unclaimed receive once the application supplies a buffer: either the
// already-buffered eager payload, or the remote handle and ACK
// parameters to pull and acknowledge a rendezvous transfer.
type pendingUnexpected struct {
	eager []byte

	rendezvous      bool
	pconn           *Conn
	remote          types.RBD
	length          uint64
	ackInitiatorPID types.PID
	ackID           uint32
	ackOp           types.Op
}

// CompleteUnexpected finishes delivering the oldest unclaimed receive
// into buf at offset: copying its eager payload, or issuing the RDMA
// pull and sending the ACK the initiator is waiting on for a
// rendezvous transfer, per spec.md §4.4's
// next_unexpected(buf, offset)/get_unexpected(...) contract. It must
// be called once for every event Unexpected() yields, in order; calling
// it with nothing pending reports ENOENT.
func (e *Engine) CompleteUnexpected(ctx context.Context, buf []byte, offset uint64) error {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return types.NewError(types.ENOENT, nil)
	}
	p := e.pending[0]
	e.pending = e.pending[1:]
	e.pendingMu.Unlock()

	if !p.rendezvous {
		copy(buf[offset:], p.eager)
		return nil
	}

	if err := p.pconn.PullRendezvous(ctx, buf, offset, p.remote, p.length); err != nil {
		return err
	}
	ack := FrameAck(p.ackInitiatorPID, p.ackID, p.ackOp)
	return p.pconn.Send(ctx, types.UID(""), ack)
}

// Run drains the provider's completion source until ctx is cancelled
// or Stop is called. It is meant to run in its own goroutine; the
// facade's Transport.Start spawns exactly one.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	completions := e.provider.Completions()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case c, ok := <-completions:
			if !ok {
				return
			}
			e.handle(ctx, c)
		}
	}
}

// Stop requests the progress loop to exit and blocks until it has.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
}

func (e *Engine) handle(ctx context.Context, c Completion) {
	switch c.Class {
	case CompletionAckReceived:
		e.handleAckReceived(c)
	case CompletionRecvEager:
		e.handleRecvEager(ctx, c)
	case CompletionRecvRendezvous:
		e.handleRecvRendezvous(ctx, c)
	case CompletionRecvUnexpected:
		e.handleRecvUnexpected(c)
	case CompletionRDMAWrite:
		e.handleOneSided(c, types.OpPut)
	case CompletionRDMARead:
		e.handleOneSided(c, types.OpGet)
	case CompletionAtomic:
		e.handleAtomic(c)
	case CompletionError:
		e.handleError(c)
	default:
		if e.logger != nil {
			e.logger.Warnf("nnti: progress engine: unknown completion class %d from %s", c.Class, c.Peer)
		}
	}
}

// handleAckReceived finishes the initiator-side op a rendezvous ACK
// closes out, per the SendInit->RdmaRtsComplete->AckReceived->Done
// chain.
func (e *Engine) handleAckReceived(c Completion) {
	op := e.ops.Get(c.OpID)
	if op == nil {
		// Late or duplicate ACK after the op was already finished and
		// removed; nothing to do.
		return
	}
	op.State = types.AckReceived
	e.completeInitiatorOp(c, op.WR.Op)
}

// completeInitiatorOp runs the completion-destination chain for an
// initiator-side op and retires it.
func (e *Engine) completeInitiatorOp(c Completion, opKind types.Op) {
	op := e.ops.Get(c.OpID)
	if op == nil {
		return
	}
	op.State = types.Done

	status := types.OK
	if c.Err != nil {
		status = types.EIO
	}

	ev := types.Event{
		Transport: e.provider.Name(),
		Result:    status,
		OpKind:    opKind,
		Peer:      c.Peer,
		Length:    op.WR.Length,
		Offset:    op.WR.LocalOffset,
		Context:   op.WR.Context,
	}

	var altEQ *EventQueue
	var bufEQ types.EventSink
	if op.Buffer != nil {
		bufEQ = op.Buffer.EQ
	}
	if !Dispatch(op.WR, altEQ, bufEQ, ev) {
		e.countDropped(ev)
	}

	e.ops.Release(op.ID)
	e.bufs.Unref(op.WR.LocalHandle)
	op.finish(status)
	if conn := e.registry.Get(c.Peer); conn != nil {
		conn.EndOp()
	}
}

// handleRecvEager decodes a fully-inline message and delivers it
// straight to the buffer its target address names, falling back to
// the unexpected path when no buffer claims that address.
func (e *Engine) handleRecvEager(ctx context.Context, c Completion) {
	defer e.repost(c.Slot)

	msg := c.Message
	if msg == nil {
		return
	}
	buf := e.bufs.LookupAddr(msg.Header.TargetBaseAddr)
	if buf == nil {
		e.deliverUnexpected(c, msg)
		return
	}

	off := msg.Header.TargetOffset
	n := copy(buf.Data[off:], msg.EagerPayload)

	ev := types.Event{
		Transport: e.provider.Name(),
		Result:    types.OK,
		OpKind:    types.OpSend,
		Peer:      c.Peer,
		Length:    uint64(n),
		Offset:    off,
		Context:   buf.CbCtx,
	}
	if !Dispatch(types.WorkRequest{}, nil, buf.EQ, ev) {
		e.countDropped(ev)
	}
}

// handleRecvRendezvous resolves the target buffer a long-send header
// names, pulls the payload over with an RDMA read, and answers with an
// ACK, running the target's RecvInit->GetIssued->GetComplete->AckSent
// chain inline (the progress engine is cooperative, so there is no
// harm in blocking it across the read: the teacher's own dispatch loop
// does the equivalent synchronous work per message).
func (e *Engine) handleRecvRendezvous(ctx context.Context, c Completion) {
	defer e.repost(c.Slot)

	msg := c.Message
	if msg == nil {
		return
	}
	buf := e.bufs.LookupAddr(msg.Header.TargetBaseAddr)
	if buf == nil {
		e.deliverUnexpected(c, msg)
		return
	}

	conn := e.registry.Get(c.Peer)
	if conn == nil || conn.Conn() == nil {
		return
	}
	pconn := conn.Conn()

	remote, err := types.UnpackRBD(msg.PackedHandle)
	if err != nil {
		e.failError(c, err)
		return
	}

	conn.BeginOp()
	defer conn.EndOp()

	off := msg.Header.TargetOffset
	length := msg.Header.PayloadLength
	if err := pconn.PullRendezvous(ctx, buf.Data, off, remote, length); err != nil {
		e.failError(c, err)
		return
	}

	ack := FrameAck(msg.Header.InitiatorPID, msg.Header.ID, msg.Header.Op)
	if err := pconn.Send(ctx, types.UID(""), ack); err != nil {
		e.failError(c, err)
		return
	}

	ev := types.Event{
		Transport: e.provider.Name(),
		Result:    types.OK,
		OpKind:    types.OpSend,
		Peer:      c.Peer,
		Length:    length,
		Offset:    off,
		Context:   buf.CbCtx,
	}
	if !Dispatch(types.WorkRequest{}, nil, buf.EQ, ev) {
		e.countDropped(ev)
	}
}

// handleRecvUnexpected is the explicit unexpected-completion class a
// provider reports when it knows up front no buffer will claim the
// message (e.g. the target address decoded to 0). It shares delivery
// with the miss path in handleRecvEager/handleRecvRendezvous.
func (e *Engine) handleRecvUnexpected(c Completion) {
	defer e.repost(c.Slot)
	if c.Message != nil {
		e.deliverUnexpected(c, c.Message)
	}
}

// deliverUnexpected queues a receive the target had no buffer
// pre-registered for: a notification event lands on the unexpected
// queue immediately (the command slot can be reposted right away),
// while the actual transfer — copying the eager payload already in
// hand, or pulling the rendezvous payload over RDMA and sending its
// ACK — is deferred until the application calls CompleteUnexpected
// with a buffer (next_unexpected/get_unexpected, spec.md §4.4).
func (e *Engine) deliverUnexpected(c Completion, msg *types.CommandMessage) {
	pending := &pendingUnexpected{}
	length := msg.Header.PayloadLength

	if msg.IsEager() {
		pending.eager = append([]byte(nil), msg.EagerPayload...)
		length = uint64(len(pending.eager))
	} else {
		remote, err := types.UnpackRBD(msg.PackedHandle)
		if err != nil {
			if e.logger != nil {
				e.logger.Warnf("nnti: progress engine: unexpected rendezvous header from %s carried an unpackable handle: %v", c.Peer, err)
			}
			return
		}
		conn := e.registry.Get(c.Peer)
		if conn == nil || conn.Conn() == nil {
			if e.logger != nil {
				e.logger.Warnf("nnti: progress engine: unexpected rendezvous header from %s has no live connection to pull against", c.Peer)
			}
			return
		}
		pending.rendezvous = true
		pending.pconn = conn.Conn()
		pending.remote = remote
		pending.length = length
		pending.ackInitiatorPID = msg.Header.InitiatorPID
		pending.ackID = msg.Header.ID
		pending.ackOp = msg.Header.Op
	}

	ev := types.Event{
		Transport: e.provider.Name(),
		Result:    types.OK,
		OpKind:    msg.Header.Op,
		Peer:      c.Peer,
		Length:    length,
		Offset:    msg.Header.TargetOffset,
	}

	e.pendingMu.Lock()
	if !e.unexpected.Push(ev) {
		e.pendingMu.Unlock()
		e.countDropped(ev)
		return
	}
	e.pending = append(e.pending, pending)
	e.pendingMu.Unlock()
}

// handleOneSided finishes the initiator-side op for a Put or Get: RDMA
// writes and reads are one-sided, so only the initiator sees a
// completion here (spec.md §4.5); the target's memory simply changes
// without interrupting its CPU.
func (e *Engine) handleOneSided(c Completion, opKind types.Op) {
	e.completeInitiatorOp(c, opKind)
}

// handleAtomic finishes a fetch-add/compare-swap op. Both providers
// already decode the remote word into a host uint64 before handing it
// back as c.Result, so it is passed through as-is.
func (e *Engine) handleAtomic(c Completion) {
	op := e.ops.Get(c.OpID)
	if op == nil {
		return
	}
	op.State = types.Done

	preValue := c.Result

	status := types.OK
	if c.Err != nil {
		status = types.EIO
	}

	ev := types.Event{
		Transport: e.provider.Name(),
		Result:    status,
		OpKind:    op.WR.Op,
		Peer:      c.Peer,
		Length:    8,
		Start:     preValue,
		Context:   op.WR.Context,
	}

	var bufEQ types.EventSink
	if op.Buffer != nil {
		bufEQ = op.Buffer.EQ
	}
	if !Dispatch(op.WR, nil, bufEQ, ev) {
		e.countDropped(ev)
	}

	e.ops.Release(op.ID)
	e.bufs.Unref(op.WR.LocalHandle)
	op.finish(status)
	if conn := e.registry.Get(c.Peer); conn != nil {
		conn.EndOp()
	}
}

// handleError fails the owning op, if any, and otherwise marks the
// peer's connection in error so the registry stops handing it out.
func (e *Engine) handleError(c Completion) {
	if op := e.ops.Get(c.OpID); op != nil {
		op.State = types.Done
		e.ops.Release(op.ID)
		e.bufs.Unref(op.WR.LocalHandle)
		op.finish(types.EIO)
		if conn := e.registry.Get(c.Peer); conn != nil {
			conn.EndOp()
		}
		return
	}
	if conn := e.registry.Get(c.Peer); conn != nil {
		conn.MarkError(c.Err)
	}
}

func (e *Engine) failError(c Completion, err error) {
	c.Err = err
	e.handleError(c)
}

func (e *Engine) repost(slot int) {
	if slot < 0 {
		return
	}
	e.cmdBuf.Repost(e.cmdBuf.Slot(slot))
}

// countDropped records that ev had no destination willing to accept
// it: its value is boxed into a record popped from the dropped-event
// freelist, then immediately pushed back, the recycling spec.md §4.8
// describes as "the event is dropped into a freelist".
func (e *Engine) countDropped(ev types.Event) {
	slot := e.dropped.Pop()
	*slot = ev
	e.dropped.Push(slot)
	if e.logger != nil {
		e.logger.Debugf("nnti: progress engine: completion dropped, no destination accepted it")
	}
}
