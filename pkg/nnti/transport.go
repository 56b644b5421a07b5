// Package nnti is the facade: the single entry point an application
// links against to start a transport, connect to peers, register
// memory, and submit sends/puts/gets/atomics, per spec.md §4.11.
package nnti

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/config"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/control"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/core"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/definition"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/providers/mpi"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/providers/verbs"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
	"golang.org/x/sync/errgroup"
)

// unexpectedQueueDepth bounds the backlog of received messages the
// application has not yet claimed with GetUnexpected.
const unexpectedQueueDepth = 64

// Attrs reports the identity and limits of a started transport.
type Attrs struct {
	LocalPID         types.PID
	MTU              int
	PackedHandleSize int
}

// Transport is the facade spec.md §4.11 describes: one instance per
// process, wrapping exactly one Provider (verbs or MPI) and the
// shared core state (registry, buffers, ops, progress engine) it
// drives.
type Transport struct {
	cfg    *config.Config
	logger types.Logger

	provider   core.Provider
	registry   *core.Registry
	bufs       *core.BufferTable
	cmdBuf     *core.CommandBuffer
	ops        *core.OpTable
	engine     *core.Engine
	rendezvous *core.RendezvousGlue
	control    *control.Server
	metrics    *prometheus.Registry

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New builds a Transport from cfg, which selects the provider
// (cfg.TransportName) and every other tunable (spec.md §6). logger is
// used as-is if non-nil, otherwise definition.NewDefaultLogger() backs
// it.
func New(cfg *config.Config, logger types.Logger) *Transport {
	if logger == nil {
		logger = definition.NewDefaultLogger()
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Start brings the transport up: opens the provider, the command
// buffer, the control-plane rendezvous server, and the progress
// engine, per spec.md §4.11's nnti_init/nnti_start. Start is not
// idempotent; calling it twice returns EINVAL.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return types.NewError(types.EINVAL, fmt.Errorf("nnti: transport already started"))
	}

	t.registry = core.NewRegistry()
	t.bufs = core.NewBufferTable()
	t.ops = core.NewOpTable(t.cfg.FreelistSize)

	// commandBufferMTU only bounds CommandSlot.Raw's backing array, which
	// neither provider adapter actually decodes into (both classify and
	// copy straight from the wire payload / in-process struct); any
	// provider-sized value works.
	const commandBufferMTU = 4096
	cmdBuf, err := core.NewCommandBuffer(2*t.cfg.FreelistSize, commandBufferMTU)
	if err != nil {
		return err
	}
	t.cmdBuf = cmdBuf

	switch t.cfg.TransportName {
	case "verbs":
		// The data plane listens on its own ephemeral port, separate from
		// control.listen's rendezvous HTTP port (spec.md §4.12's
		// out-of-band control channel is not the data channel).
		dataListen := t.cfg.ControlListen
		if host, _, err := net.SplitHostPort(t.cfg.ControlListen); err == nil {
			dataListen = net.JoinHostPort(host, "0")
		}
		t.provider = verbs.NewAdapter(dataListen, 0, t.bufs, t.cmdBuf)
	case "mpi":
		t.provider = mpi.NewAdapter(t.cfg.MPIRank, t.bufs, t.cmdBuf)
	default:
		return types.NewError(types.EINVAL, fmt.Errorf("nnti: unknown transport.name %q", t.cfg.TransportName))
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.runCtx = runCtx
	t.cancel = cancel

	if err := t.provider.Start(runCtx, t.logger); err != nil {
		cancel()
		return err
	}

	if t.cfg.StatsEnabled {
		t.metrics = prometheus.NewRegistry()
	}
	srv, err := control.NewServer(t.cfg.ControlListen, t.cfg.TransportName, t.metrics)
	if err != nil {
		cancel()
		return err
	}
	srv.OnConnect = t.onRendezvousConnect
	srv.OnDisconnect = t.onRendezvousDisconnect
	t.control = srv
	go func() {
		if err := srv.Serve(); err != nil && t.logger != nil {
			t.logger.Errorf("nnti: control server: %v", err)
		}
	}()

	t.rendezvous = core.NewRendezvousGlue(t.cfg.TransportName, t.logger)
	t.rendezvous.RetryMax = t.cfg.RendezvousRetries
	t.rendezvous.RetryBackoff = t.cfg.RendezvousBackoff

	t.engine = core.NewEngine(t.logger, t.registry, t.bufs, t.cmdBuf, t.ops, t.provider, unexpectedQueueDepth, t.cfg.FreelistSize)
	if t.metrics != nil {
		t.metrics.MustRegister(t.ops.Collector(), t.engine.Collector())
	}
	go t.engine.Run(runCtx)

	t.started = true
	return nil
}

// Stop tears the transport down: the progress engine, every open
// connection, the control server, and the provider, in that order.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false

	t.engine.Stop()

	// Each Connection.Close drains its own in-flight WRs before
	// releasing provider resources, so closing them one at a time could
	// block on every peer's drain in sequence; fan the drains out and
	// wait for them together instead.
	var g errgroup.Group
	for _, conn := range t.registry.Snapshot() {
		conn := conn
		g.Go(func() error { return conn.Close() })
	}
	closeErr := g.Wait()

	t.control.Close()
	t.cancel()
	if err := t.provider.Stop(); err != nil {
		return err
	}
	return closeErr
}

// Initialized reports whether Start has completed successfully.
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Attrs reports this transport's identity and limits.
func (t *Transport) Attrs() Attrs {
	return Attrs{
		LocalPID:         t.provider.LocalPID(),
		MTU:              t.provider.MTU(),
		PackedHandleSize: t.provider.PackedHandleSize(),
	}
}

// onRendezvousConnect answers an inbound /connect: it builds (or
// reuses) a Connection for the initiator and replies with this side's
// parameters immediately, per spec.md §4.12's out-of-band exchange.
// The provider's half of the handshake (Accept) runs in the
// background rather than blocking the HTTP response: the initiator's
// own Dial only happens after it receives this reply, so an Accept
// that blocked here waiting on the initiator's Dial would deadlock
// the rendezvous round trip against itself. First-arrival wins, per
// the registry's idempotent Insert.
func (t *Transport) onRendezvousConnect(host, port string, fields map[string]string) (map[string]string, error) {
	p, err := control.ParsePort(port)
	if err != nil {
		return nil, types.NewError(types.EINVAL, err)
	}
	initiatorPID, err := pidFromHostPort(host, p)
	if err != nil {
		return nil, err
	}

	peer := &core.Peer{PID: initiatorPID}
	conn := core.NewConnection(peer, t.provider)
	t.registry.Insert(conn)
	conn = t.registry.Get(initiatorPID) // the one that actually won, if racing

	params := core.PeerParams{Addr: host, Port: p, Fields: fields}
	go func() {
		pconn, err := t.provider.Accept(t.runCtx, initiatorPID, params)
		if err != nil {
			conn.MarkError(err)
			return
		}
		conn.MarkReady(pconn, params)
	}()

	local := t.provider.LocalParams()
	return map[string]string{
		"host": local.Addr,
		"port": fmt.Sprintf("%d", local.Port),
	}, nil
}

func (t *Transport) onRendezvousDisconnect(host, port string, fields map[string]string) error {
	p, err := control.ParsePort(port)
	if err != nil {
		return nil
	}
	pid, err := pidFromHostPort(host, p)
	if err != nil {
		return nil
	}
	if conn := t.registry.Get(pid); conn != nil {
		t.registry.Remove(conn)
		return conn.Close()
	}
	return nil
}

// Connect establishes a connection to the peer named by peerURL (its
// control-plane endpoint), per spec.md §4.11/§4.12. Connect is
// idempotent: calling it twice for the same peer while the first
// connection is ready returns the existing Peer.
func (t *Transport) Connect(ctx context.Context, peerURL string) (*core.Peer, error) {
	u, err := types.ParseURL(peerURL)
	if err != nil {
		return nil, err
	}
	peerPID, err := u.ToPID()
	if err != nil {
		return nil, err
	}

	if existing := t.registry.Get(peerPID); existing != nil && existing.State() == core.ConnReady {
		return existing.Peer, nil
	}

	peer := &core.Peer{PID: peerPID}
	conn := core.NewConnection(peer, t.provider)
	t.registry.Insert(conn)
	conn = t.registry.Get(peerPID)

	controlAddr := fmt.Sprintf("%s:%d", u.Host, u.Port)
	local := t.provider.LocalParams()

	remote, err := t.rendezvous.Connect(ctx, controlAddr, local)
	if err != nil {
		conn.MarkError(err)
		return nil, err
	}

	pconn, err := t.provider.Dial(ctx, peerPID, remote)
	if err != nil {
		conn.MarkError(err)
		return nil, err
	}
	conn.MarkReady(pconn, remote)
	return conn.Peer, nil
}

// Disconnect tears a connection down and notifies the peer's
// control plane best-effort.
func (t *Transport) Disconnect(ctx context.Context, peer *core.Peer) error {
	conn := t.registry.Get(peer.PID)
	if conn == nil {
		return types.NewError(types.ENOENT, nil)
	}
	t.registry.Remove(conn)

	controlAddr := fmt.Sprintf("%s:%d", peer.PID.IP(), peer.PID.Port())
	t.rendezvous.Disconnect(ctx, controlAddr, t.provider.LocalParams())

	return conn.Close()
}

// EqCreate builds a new event queue, per spec.md §4.7.
func (t *Transport) EqCreate(size int, cb types.CompletionCallback) *core.EventQueue {
	return core.NewEventQueue(size, cb)
}

// EqWait blocks until one of queues has a pending event or timeout
// elapses, per spec.md §4.7.
func (t *Transport) EqWait(ctx context.Context, queues []*core.EventQueue, timeout time.Duration) core.EQWaitResult {
	return core.EQWait(ctx, queues, timeout)
}

// Alloc allocates and registers transport-owned memory.
func (t *Transport) Alloc(length uint64, flags types.BufferFlags, eq types.EventSink, cb types.CompletionCallback, cbCtx interface{}) *types.Buffer {
	return t.bufs.Alloc(length, flags, eq, cb, cbCtx)
}

// RegisterMemory registers caller-owned memory.
func (t *Transport) RegisterMemory(data []byte, flags types.BufferFlags, eq types.EventSink, cb types.CompletionCallback, cbCtx interface{}) *types.Buffer {
	return t.bufs.Register(data, flags, eq, cb, cbCtx)
}

// Free releases a transport-owned buffer allocated by Alloc, or
// unregisters a caller-owned one from RegisterMemory; both paths share
// BufferTable's single map (spec.md §4.3's Register/Alloc symmetry).
func (t *Transport) Free(buf *types.Buffer) error {
	return t.bufs.Unregister(buf.ID)
}

// UnregisterMemory is Free's name for the RegisterMemory path.
func (t *Transport) UnregisterMemory(buf *types.Buffer) error {
	return t.bufs.Unregister(buf.ID)
}

// DtPeerToPid extracts the PID a Peer names.
func (t *Transport) DtPeerToPid(peer *core.Peer) types.PID {
	return peer.PID
}

// DtPidToPeer resolves a PID back to its Peer, if connected.
func (t *Transport) DtPidToPeer(pid types.PID) (*core.Peer, error) {
	conn := t.registry.Get(pid)
	if conn == nil {
		return nil, types.NewError(types.ENOENT, nil)
	}
	return conn.Peer, nil
}

// DtUnpack deserializes a wire-encoded peer blob, the third
// construction path for a Peer spec.md §3 names.
func (t *Transport) DtUnpack(data []byte) (*core.Peer, error) {
	return core.UnpackPeer(data)
}

// RemoteDescriptor builds the RBD a caller hands to a peer so that
// peer can Put/Get/FetchAdd/CompareSwap against buf's window
// [offset, offset+length); it embeds buf's wire address so the
// provider's target-side handler can resolve it back to local memory.
func (t *Transport) RemoteDescriptor(buf *types.Buffer, offset, length uint32) (types.RBD, error) {
	var blob [8]byte
	binary.BigEndian.PutUint64(blob[:], t.bufs.Addr(buf.ID))
	return buf.MakeRemoteDescriptor(offset, length, blob[:])
}

// Send posts a SEND work request, choosing eager or rendezvous framing
// by fit against the provider's mtu (spec.md §4.5). target, if
// non-zero-value, names a remote buffer the target side has already
// registered; its zero value sends an unexpected message instead.
//
// wr.Header only ever travels inline: when the combined header+data
// fits the mtu it rides along in the eager payload ahead of the data,
// per its doc comment; when it doesn't fit, the data alone goes
// rendezvous and Header is dropped, since a long transfer's bulk bytes
// are pulled directly out of buf.Data and there is nowhere contiguous
// to splice a caller-supplied header into that window.
func (t *Transport) Send(ctx context.Context, wr types.WorkRequest, target types.RBD) (types.WorkID, error) {
	wr.Op = types.OpSend
	conn, buf, err := t.prepareSubmit(wr)
	if err != nil {
		return types.WorkID{}, err
	}

	op := t.ops.Acquire(wr, buf)
	conn.BeginOp()
	t.bufs.Ref(wr.LocalHandle)

	data := buf.Data[wr.LocalOffset : wr.LocalOffset+wr.Length]
	eagerCandidate := append(append([]byte(nil), wr.Header...), data...)
	eager := types.Fits(t.provider.MTU(), len(eagerCandidate), t.provider.PackedHandleSize())

	var msg *types.CommandMessage
	if eager {
		msg, _ = core.FrameSend(wr, t.provider.MTU(), t.provider.PackedHandleSize(), nil, eagerCandidate)
	} else {
		msg, _ = core.FrameSend(wr, t.provider.MTU(), t.provider.PackedHandleSize(), nil, data)
	}
	if blob := target.ProviderBlob(); len(blob) >= 8 {
		msg.Header.TargetBaseAddr = binary.BigEndian.Uint64(blob[0:8])
		msg.Header.TargetOffset = uint64(target.Offset())
	}

	pconn := conn.Conn()
	if !eager {
		var blob [8]byte
		binary.BigEndian.PutUint64(blob[:], t.bufs.Addr(buf.ID))
		localRBD, rerr := buf.MakeRemoteDescriptor(uint32(wr.LocalOffset), uint32(wr.Length), blob[:])
		if rerr != nil {
			t.abortSubmit(conn, op)
			return types.WorkID{}, rerr
		}
		msg.PackedHandle = localRBD.Pack()
		msg.EagerPayload = nil
	}

	if err := pconn.Send(ctx, op.ID, msg); err != nil {
		t.abortSubmit(conn, op)
		return types.WorkID{}, err
	}

	if eager {
		t.finishEagerSend(conn, op)
	} else {
		op.State = types.RdmaRtsComplete
	}
	return op.WorkID(), nil
}

// finishEagerSend completes an eager send inline: the provider's Send
// already blocked until the frame was written, so there is nothing
// left to wait for (spec.md §4.8's SendInit -> Done shortcut).
func (t *Transport) finishEagerSend(conn *core.Connection, op *core.Op) {
	op.State = types.Done
	ev := types.Event{
		Transport: t.provider.Name(),
		Result:    types.OK,
		OpKind:    types.OpSend,
		Peer:      op.WR.Peer,
		Length:    op.WR.Length,
		Offset:    op.WR.LocalOffset,
		Context:   op.WR.Context,
	}
	var bufEQ types.EventSink
	if op.Buffer != nil {
		bufEQ = op.Buffer.EQ
	}
	core.Dispatch(op.WR, nil, bufEQ, ev)

	t.ops.Release(op.ID)
	t.bufs.Unref(op.WR.LocalHandle)
	op.SetDone(types.OK)
	conn.EndOp()
}

// Put posts an RDMA write: pushing wr.Length bytes from the local
// buffer into remote's window (spec.md §4.5).
func (t *Transport) Put(ctx context.Context, wr types.WorkRequest, remote types.RBD) (types.WorkID, error) {
	wr.Op = types.OpPut
	return t.submitOneSided(ctx, wr, func(conn *core.Connection, buf *types.Buffer, op *core.Op) error {
		return conn.Conn().RDMAWrite(ctx, op.ID, remote, wr.RemoteOffset, buf.Data, wr.LocalOffset, wr.Length)
	})
}

// Get posts an RDMA read: pulling wr.Length bytes from remote's window
// into the local buffer.
func (t *Transport) Get(ctx context.Context, wr types.WorkRequest, remote types.RBD) (types.WorkID, error) {
	wr.Op = types.OpGet
	return t.submitOneSided(ctx, wr, func(conn *core.Connection, buf *types.Buffer, op *core.Op) error {
		return conn.Conn().RDMARead(ctx, op.ID, buf.Data, wr.LocalOffset, remote, wr.Length)
	})
}

// AtomicFop posts a 64-bit remote fetch-and-add against remote's
// window. The pre-operation value arrives in the completion Event's
// Start field.
func (t *Transport) AtomicFop(ctx context.Context, wr types.WorkRequest, remote types.RBD, operand uint64) (types.WorkID, error) {
	wr.Op = types.OpFadd
	wr.Operand1 = operand
	return t.submitOneSided(ctx, wr, func(conn *core.Connection, buf *types.Buffer, op *core.Op) error {
		return conn.Conn().FetchAdd(ctx, op.ID, remote, wr.RemoteOffset, operand)
	})
}

// AtomicCswap posts a 64-bit remote compare-and-swap against remote's
// window.
func (t *Transport) AtomicCswap(ctx context.Context, wr types.WorkRequest, remote types.RBD, compare, swap uint64) (types.WorkID, error) {
	wr.Op = types.OpCswap
	wr.Operand1, wr.Operand2 = compare, swap
	return t.submitOneSided(ctx, wr, func(conn *core.Connection, buf *types.Buffer, op *core.Op) error {
		return conn.Conn().CompareSwap(ctx, op.ID, remote, wr.RemoteOffset, compare, swap)
	})
}

func (t *Transport) submitOneSided(ctx context.Context, wr types.WorkRequest, post func(*core.Connection, *types.Buffer, *core.Op) error) (types.WorkID, error) {
	conn, buf, err := t.prepareSubmit(wr)
	if err != nil {
		return types.WorkID{}, err
	}

	op := t.ops.Acquire(wr, buf)
	conn.BeginOp()
	t.bufs.Ref(wr.LocalHandle)

	if err := post(conn, buf, op); err != nil {
		t.abortSubmit(conn, op)
		return types.WorkID{}, err
	}
	return op.WorkID(), nil
}

func (t *Transport) prepareSubmit(wr types.WorkRequest) (*core.Connection, *types.Buffer, error) {
	conn := t.registry.Get(wr.Peer)
	if conn == nil || conn.State() != core.ConnReady {
		return nil, nil, types.NewError(types.ENOTCONN, nil)
	}
	buf := t.bufs.Get(wr.LocalHandle)
	if buf == nil {
		return nil, nil, types.NewError(types.EINVAL, fmt.Errorf("nnti: local handle not registered"))
	}
	if wr.LocalOffset+wr.Length > buf.Len() {
		return nil, nil, types.NewError(types.EINVAL, fmt.Errorf("nnti: work request [%d,%d) exceeds buffer length %d", wr.LocalOffset, wr.LocalOffset+wr.Length, buf.Len()))
	}
	return conn, buf, nil
}

func (t *Transport) abortSubmit(conn *core.Connection, op *core.Op) {
	t.ops.Release(op.ID)
	t.bufs.Unref(op.WR.LocalHandle)
	conn.EndOp()
}

// NextUnexpected claims the oldest unclaimed receive without blocking,
// completing delivery into buf at offset exactly as GetUnexpected does
// (copying the eager payload, or pulling the rendezvous payload and
// sending the ACK the initiator is waiting on). It reports ENOENT if
// nothing is pending, per spec.md §4.4's next_unexpected(buf, offset).
func (t *Transport) NextUnexpected(ctx context.Context, buf []byte, offset uint64) (types.Event, error) {
	ev, ok := t.engine.Unexpected().Pop()
	if !ok {
		return types.Event{}, types.NewError(types.ENOENT, nil)
	}
	if err := t.engine.CompleteUnexpected(ctx, buf, offset); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

// GetUnexpected blocks until an unclaimed receive is pending (or
// timeout/ctx elapses), then completes delivery into buf at offset:
// copying the eager payload, or pulling the rendezvous payload and
// sending the ACK the initiator is waiting on, per spec.md §4.4's
// get_unexpected(buf, offset).
func (t *Transport) GetUnexpected(ctx context.Context, timeout time.Duration, buf []byte, offset uint64) (types.Event, error) {
	res := core.EQWait(ctx, []*core.EventQueue{t.engine.Unexpected()}, timeout)
	if res.Err != nil {
		return types.Event{}, res.Err
	}
	if err := t.engine.CompleteUnexpected(ctx, buf, offset); err != nil {
		return types.Event{}, err
	}
	return res.Event, nil
}

// EventComplete resolves an Event's Status into an error, the
// caller-facing half of spec.md §4.11's nnti_event_complete.
func EventComplete(e types.Event) error {
	if e.Result == types.OK {
		return nil
	}
	return types.NewError(e.Result, nil)
}

// Cancel aborts a pending op, signaling its Wait with TIMEDOUT per
// spec.md §4.11's nnti_cancel.
func (t *Transport) Cancel(id types.WorkID) {
	op := t.ops.Get(id.ID)
	if op == nil {
		return
	}
	t.ops.Release(op.ID)
	t.bufs.Unref(op.WR.LocalHandle)
	op.SetDone(types.TIMEDOUT)
}

// Interrupt wakes every blocked EqWait/GetUnexpected without delivering
// an event, per spec.md §4.11's nnti_interrupt.
func (t *Transport) Interrupt(queues ...*core.EventQueue) {
	for _, q := range queues {
		q.Notify()
	}
}

// Wait blocks until op completes, returning its final status.
func (t *Transport) Wait(op *core.Op) types.Status {
	return op.Wait()
}

func pidFromHostPort(host string, port uint16) (types.PID, error) {
	u, err := types.ParseURL(fmt.Sprintf("nnti://%s:%d", host, port))
	if err != nil {
		return types.PIDUnspecified, err
	}
	return u.ToPID()
}
