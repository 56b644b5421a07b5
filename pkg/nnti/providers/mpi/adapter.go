// Package mpi simulates an MPI-style fabric for ranks sharing one Go
// process: instead of marshaling bytes over a wire, each Adapter holds
// direct references to the peer Adapters it has connected to, and
// "sends" by touching the peer's BufferTable or completions channel
// directly, the way an MPI implementation's shared-memory BTL would
// for two ranks on the same node.
package mpi

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/core"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

const (
	defaultMTU = 4096
	handleSize = types.MaxNetBufferRemoteSize
)

// world is the process-wide rank directory every Adapter registers
// into on Start, so Dial can resolve a peer PID to the Adapter that
// owns it without any out-of-process transport.
var world = struct {
	mu  sync.Mutex
	byPID map[types.PID]*Adapter
}{byPID: make(map[types.PID]*Adapter)}

func registerWorld(pid types.PID, a *Adapter) {
	world.mu.Lock()
	world.byPID[pid] = a
	world.mu.Unlock()
}

func unregisterWorld(pid types.PID) {
	world.mu.Lock()
	delete(world.byPID, pid)
	world.mu.Unlock()
}

func lookupWorld(pid types.PID) *Adapter {
	world.mu.Lock()
	defer world.mu.Unlock()
	return world.byPID[pid]
}

var atomicMu sync.Mutex

// Adapter is the MPI Provider: a rank identified by a loopback PID
// (127.0.0.1:rank), connected to other ranks in the same process by
// direct pointers rather than sockets.
type Adapter struct {
	logger   types.Logger
	rank     int
	localPID types.PID
	mtu      int

	bufs   *core.BufferTable
	cmdBuf *core.CommandBuffer

	completions chan core.Completion

	mu      sync.Mutex
	peers   map[types.PID]*Adapter
	waiters map[types.PID]chan struct{}

	idMu   sync.Mutex
	idToOp map[uint32]types.UID

	closing chan struct{}
}

// NewAdapter builds an MPI Adapter for rank, registered under the PID
// 127.0.0.1:rank once Start runs.
func NewAdapter(rank int, bufs *core.BufferTable, cmdBuf *core.CommandBuffer) *Adapter {
	return &Adapter{
		rank:        rank,
		mtu:         defaultMTU,
		bufs:        bufs,
		cmdBuf:      cmdBuf,
		completions: make(chan core.Completion, 256),
		peers:       make(map[types.PID]*Adapter),
		waiters:     make(map[types.PID]chan struct{}),
		idToOp:      make(map[uint32]types.UID),
		closing:     make(chan struct{}),
	}
}

func (a *Adapter) Name() string { return "mpi" }

func (a *Adapter) Start(ctx context.Context, logger types.Logger) error {
	a.logger = logger
	pid, err := types.NewPID(net.IPv4(127, 0, 0, 1), uint16(a.rank))
	if err != nil {
		return types.NewError(types.EINVAL, err)
	}
	a.localPID = pid
	registerWorld(pid, a)
	return nil
}

func (a *Adapter) Stop() error {
	close(a.closing)
	unregisterWorld(a.localPID)
	return nil
}

func (a *Adapter) LocalPID() types.PID     { return a.localPID }
func (a *Adapter) MTU() int                { return a.mtu }
func (a *Adapter) PackedHandleSize() int   { return handleSize }

func (a *Adapter) LocalParams() core.PeerParams {
	return core.PeerParams{Addr: "127.0.0.1", Port: uint16(a.rank)}
}

func (a *Adapter) Completions() <-chan core.Completion { return a.completions }

// Dial resolves peer through the world directory and wires both ranks
// to each other, mirroring an MPI communicator's all-to-all reachability
// once a communicator is built.
func (a *Adapter) Dial(ctx context.Context, peer types.PID, params core.PeerParams) (*core.Conn, error) {
	other := lookupWorld(peer)
	if other == nil {
		return nil, types.NewError(types.ENOTCONN, fmt.Errorf("nnti/mpi: no rank registered for %s", peer))
	}
	a.setPeer(peer, other)
	other.setPeer(a.localPID, a)
	return a.wrapConn(other), nil
}

// Accept waits for a Dial from peer to register the reverse direction.
func (a *Adapter) Accept(ctx context.Context, peer types.PID, params core.PeerParams) (*core.Conn, error) {
	for {
		if other := a.getPeer(peer); other != nil {
			return a.wrapConn(other), nil
		}
		wait := a.waiterFor(peer)
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, types.NewError(types.TIMEDOUT, ctx.Err())
		case <-a.closing:
			return nil, types.NewError(types.ENOTCONN, nil)
		}
	}
}

func (a *Adapter) setPeer(pid types.PID, other *Adapter) {
	a.mu.Lock()
	a.peers[pid] = other
	w, ok := a.waiters[pid]
	delete(a.waiters, pid)
	a.mu.Unlock()
	if ok {
		close(w)
	}
}

func (a *Adapter) getPeer(pid types.PID) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peers[pid]
}

func (a *Adapter) waiterFor(pid types.PID) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.waiters[pid]; ok {
		return w
	}
	w := make(chan struct{})
	a.waiters[pid] = w
	return w
}

func (a *Adapter) wrapConn(other *Adapter) *core.Conn {
	return &core.Conn{
		Send: func(ctx context.Context, opID types.UID, msg *types.CommandMessage) error {
			return a.send(other, opID, msg)
		},
		RDMARead: func(ctx context.Context, opID types.UID, local []byte, localOffset uint64, remote types.RBD, length uint64) error {
			return a.rdmaRead(other, opID, local, localOffset, remote)
		},
		RDMAWrite: func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, local []byte, localOffset uint64, length uint64) error {
			return a.rdmaWrite(other, opID, remote, remoteOffset, local[localOffset:localOffset+length])
		},
		FetchAdd: func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, operand uint64) error {
			return a.atomic(other, opID, 0, remote, remoteOffset, operand, 0)
		},
		CompareSwap: func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, compare, swap uint64) error {
			return a.atomic(other, opID, 1, remote, remoteOffset, compare, swap)
		},
		PullRendezvous: func(ctx context.Context, local []byte, localOffset uint64, remote types.RBD, length uint64) error {
			return a.pullRendezvous(other, local, localOffset, remote)
		},
		Close: func() error {
			a.mu.Lock()
			delete(a.peers, other.localPID)
			a.mu.Unlock()
			return nil
		},
		Identity: func() string { return other.localPID.String() },
	}
}

func (a *Adapter) send(other *Adapter, opID types.UID, msg *types.CommandMessage) error {
	if opID != "" && !msg.Header.IsAck() {
		a.idMu.Lock()
		a.idToOp[msg.Header.ID] = opID
		a.idMu.Unlock()
	}

	c := core.Completion{Peer: a.localPID, Message: msg, Slot: -1}
	switch {
	case msg.Header.IsAck():
		// The ACK's recipient sent the original header and recorded
		// its command id, so the op id lives in other's map.
		c.Class = core.CompletionAckReceived
		other.idMu.Lock()
		c.OpID = other.idToOp[msg.Header.ID]
		delete(other.idToOp, msg.Header.ID)
		other.idMu.Unlock()
	case msg.Header.IsUnexpected():
		c.Class = core.CompletionRecvUnexpected
	case msg.IsEager():
		c.Class = core.CompletionRecvEager
	default:
		c.Class = core.CompletionRecvRendezvous
	}

	select {
	case other.completions <- c:
		return nil
	case <-other.closing:
		return types.NewError(types.ENOTCONN, nil)
	}
}

func (a *Adapter) rdmaRead(other *Adapter, opID types.UID, local []byte, localOffset uint64, remote types.RBD) error {
	go func() {
		buf := lookupRemoteBuffer(other.bufs, remote)
		c := core.Completion{Peer: other.localPID, Class: core.CompletionRDMARead, OpID: opID, Slot: -1}
		if buf == nil {
			c.Class = core.CompletionError
			c.Err = fmt.Errorf("nnti/mpi: unknown remote buffer")
		} else {
			off, length := remote.Offset(), remote.Length()
			copy(local[localOffset:], buf.Data[off:off+length])
		}
		a.completions <- c
	}()
	return nil
}

func (a *Adapter) rdmaWrite(other *Adapter, opID types.UID, remote types.RBD, remoteOffset uint64, local []byte) error {
	go func() {
		buf := lookupRemoteBuffer(other.bufs, remote)
		c := core.Completion{Peer: other.localPID, Class: core.CompletionRDMAWrite, OpID: opID, Slot: -1}
		if buf == nil {
			c.Class = core.CompletionError
			c.Err = fmt.Errorf("nnti/mpi: unknown remote buffer")
		} else {
			base := uint64(remote.Offset()) + remoteOffset
			copy(buf.Data[base:], local)
		}
		a.completions <- c
	}()
	return nil
}

func (a *Adapter) atomic(other *Adapter, opID types.UID, kind byte, remote types.RBD, remoteOffset, op1, op2 uint64) error {
	go func() {
		buf := lookupRemoteBuffer(other.bufs, remote)
		c := core.Completion{Peer: other.localPID, Class: core.CompletionAtomic, OpID: opID, Slot: -1}
		if buf == nil {
			c.Class = core.CompletionError
			c.Err = fmt.Errorf("nnti/mpi: unknown remote buffer")
			a.completions <- c
			return
		}
		base := uint64(remote.Offset()) + remoteOffset

		atomicMu.Lock()
		pre := binary.BigEndian.Uint64(buf.Data[base : base+8])
		var next uint64
		switch kind {
		case 0:
			next = pre + op1
		case 1:
			if pre == op1 {
				next = op2
			} else {
				next = pre
			}
		}
		binary.BigEndian.PutUint64(buf.Data[base:base+8], next)
		atomicMu.Unlock()

		c.Result = pre
		a.completions <- c
	}()
	return nil
}

func (a *Adapter) pullRendezvous(other *Adapter, local []byte, localOffset uint64, remote types.RBD) error {
	buf := lookupRemoteBuffer(other.bufs, remote)
	if buf == nil {
		return types.NewError(types.ENOENT, fmt.Errorf("nnti/mpi: unknown remote buffer"))
	}
	off, length := remote.Offset(), remote.Length()
	copy(local[localOffset:], buf.Data[off:off+length])
	return nil
}

func lookupRemoteBuffer(bufs *core.BufferTable, remote types.RBD) *types.Buffer {
	blob := remote.ProviderBlob()
	if len(blob) < 8 {
		return nil
	}
	addr := binary.BigEndian.Uint64(blob[0:8])
	return bufs.LookupAddr(addr)
}
