package verbs

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
	// defaultMTU matches the teacher's own default command-buffer
	// sizing order of magnitude; large enough for the fixed header
	// plus a packed RBD handle plus a few KB of eager payload.
	defaultMTU = 4096

	// handleSize is the packed-handle length this provider frames
	// command messages with: an RBD is already the fixed-size, opaque,
	// provider-addressable descriptor spec.md §3 wants for the
	// initiator handle, so verbs reuses it directly instead of
	// inventing a second descriptor shape.
	handleSize = types.MaxNetBufferRemoteSize
)

// Adapter is the verbs Provider: one listener accepting peer
// connections, and one multiplexed, length-framed TCP stream per peer
// standing in for a queue pair set.
type Adapter struct {
	logger   types.Logger
	listenAddr string
	localPID types.PID
	mtu      int

	bufs   *core.BufferTable
	cmdBuf *core.CommandBuffer

	listener net.Listener
	completions chan core.Completion

	mu    sync.Mutex
	conns map[types.PID]*peerConn

	pending *pendingTable

	idMu sync.Mutex
	idToOp map[uint32]types.UID

	wg      sync.WaitGroup
	closing chan struct{}
}

type peerConn struct {
	net.Conn
	writeMu sync.Mutex
	peer    types.PID
}

func (c *peerConn) writeFrame(kind frameKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.Conn, kind, payload)
}

// NewAdapter builds a verbs Adapter that will listen on listenAddr
// (resolved to this process's PID once Start runs), serving RDMA/atomic
// requests against bufs and decoding command frames into cmdBuf's
// slots. mtu <= 0 selects defaultMTU.
func NewAdapter(listenAddr string, mtu int, bufs *core.BufferTable, cmdBuf *core.CommandBuffer) *Adapter {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	return &Adapter{
		listenAddr:  listenAddr,
		mtu:         mtu,
		bufs:        bufs,
		cmdBuf:      cmdBuf,
		completions: make(chan core.Completion, 256),
		conns:       make(map[types.PID]*peerConn),
		pending:     newPendingTable(),
		idToOp:      make(map[uint32]types.UID),
		closing:     make(chan struct{}),
	}
}

func (a *Adapter) Name() string { return "verbs" }

func (a *Adapter) Start(ctx context.Context, logger types.Logger) error {
	a.logger = logger
	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return types.NewError(types.EIO, fmt.Errorf("nnti/verbs: listen %s: %w", a.listenAddr, err))
	}
	a.listener = ln

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return types.NewError(types.EINVAL, fmt.Errorf("nnti/verbs: listener address %v is not TCP", ln.Addr()))
	}
	ip := tcpAddr.IP
	if ip == nil || ip.IsUnspecified() {
		ip = localIPv4()
	}
	pid, err := types.NewPID(ip, uint16(tcpAddr.Port))
	if err != nil {
		ln.Close()
		return types.NewError(types.EINVAL, err)
	}
	a.localPID = pid

	a.wg.Add(1)
	go a.acceptLoop()
	return nil
}

func (a *Adapter) Stop() error {
	close(a.closing)
	if a.listener != nil {
		a.listener.Close()
	}
	a.mu.Lock()
	for _, c := range a.conns {
		c.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *Adapter) LocalPID() types.PID { return a.localPID }
func (a *Adapter) MTU() int            { return a.mtu }
func (a *Adapter) PackedHandleSize() int { return handleSize }

func (a *Adapter) LocalParams() core.PeerParams {
	return core.PeerParams{
		Addr: a.localPID.IP().String(),
		Port: a.localPID.Port(),
	}
}

func (a *Adapter) Completions() <-chan core.Completion { return a.completions }

// Dial opens an outbound connection to params, the initiator side of a
// rendezvous-established connection.
func (a *Adapter) Dial(ctx context.Context, peer types.PID, params core.PeerParams) (*core.Conn, error) {
	addr := fmt.Sprintf("%s:%d", params.Addr, params.Port)
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, types.NewError(types.ENOTCONN, fmt.Errorf("nnti/verbs: dial %s: %w", addr, err))
	}
	return a.adopt(nc, peer)
}

// Accept is called once the control plane tells the target a peer is
// about to connect; the actual socket accept happens in acceptLoop, so
// Accept just waits for that connection to register itself.
func (a *Adapter) Accept(ctx context.Context, peer types.PID, params core.PeerParams) (*core.Conn, error) {
	for {
		a.mu.Lock()
		pc, ok := a.conns[peer]
		a.mu.Unlock()
		if ok {
			return a.wrapConn(pc), nil
		}
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.TIMEDOUT, ctx.Err())
		case <-a.closing:
			return nil, types.NewError(types.ENOTCONN, nil)
		default:
		}
	}
}

func (a *Adapter) acceptLoop() {
	defer a.wg.Done()
	for {
		nc, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closing:
				return
			default:
				if a.logger != nil {
					a.logger.Errorf("nnti/verbs: accept: %v", err)
				}
				return
			}
		}
		if _, err := a.adopt(nc, types.PIDUnspecified); err != nil && a.logger != nil {
			a.logger.Warnf("nnti/verbs: adopting inbound connection: %v", err)
		}
	}
}

// adopt completes the PID handshake for a freshly dialed or accepted
// socket, registers it, and starts its read loop.
func (a *Adapter) adopt(nc net.Conn, expected types.PID) (*core.Conn, error) {
	remote, err := exchangePID(nc, a.localPID)
	if err != nil {
		nc.Close()
		return nil, types.NewError(types.EIO, err)
	}
	if expected.Valid() && remote != expected {
		nc.Close()
		return nil, types.NewError(types.EINVAL, fmt.Errorf("nnti/verbs: expected peer %s, handshake reported %s", expected, remote))
	}

	pc := &peerConn{Conn: nc, peer: remote}
	a.mu.Lock()
	if _, exists := a.conns[remote]; exists {
		a.mu.Unlock()
		nc.Close()
		return a.wrapConn(pc), nil
	}
	a.conns[remote] = pc
	a.mu.Unlock()

	a.wg.Add(1)
	go a.readLoop(pc)

	return a.wrapConn(pc), nil
}

func (a *Adapter) wrapConn(pc *peerConn) *core.Conn {
	return &core.Conn{
		Send:           func(ctx context.Context, opID types.UID, msg *types.CommandMessage) error { return a.send(pc, opID, msg) },
		RDMARead:       func(ctx context.Context, opID types.UID, local []byte, localOffset uint64, remote types.RBD, length uint64) error {
			return a.postRDMARead(pc, opID, local, localOffset, remote)
		},
		RDMAWrite: func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, local []byte, localOffset uint64, length uint64) error {
			return a.postRDMAWrite(pc, opID, remote, remoteOffset, local[localOffset:localOffset+length])
		},
		FetchAdd: func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, operand uint64) error {
			return a.postAtomic(pc, opID, 0, remote, remoteOffset, operand, 0)
		},
		CompareSwap: func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, compare, swap uint64) error {
			return a.postAtomic(pc, opID, 1, remote, remoteOffset, compare, swap)
		},
		PullRendezvous: func(ctx context.Context, local []byte, localOffset uint64, remote types.RBD, length uint64) error {
			return a.pullRendezvous(pc, local, localOffset, remote)
		},
		Close:    pc.Close,
		Identity: func() string { return pc.peer.String() },
	}
}

func (a *Adapter) send(pc *peerConn, opID types.UID, msg *types.CommandMessage) error {
	payload, err := msg.Pack(a.mtu)
	if err != nil {
		return err
	}
	if opID != "" && !msg.Header.IsAck() {
		a.idMu.Lock()
		a.idToOp[msg.Header.ID] = opID
		a.idMu.Unlock()
	}
	if err := pc.writeFrame(frameCommand, payload); err != nil {
		return types.NewError(types.EIO, err)
	}
	return nil
}

func (a *Adapter) postRDMARead(pc *peerConn, opID types.UID, local []byte, localOffset uint64, remote types.RBD) error {
	ch := a.pending.register(opID)
	if err := pc.writeFrame(frameRDMAReadReq, encodeRDMARequest(opID, remote)); err != nil {
		a.pending.forget(opID)
		return types.NewError(types.EIO, err)
	}
	go func() {
		res := <-ch
		c := core.Completion{Peer: pc.peer, Class: core.CompletionRDMARead, OpID: opID, Slot: -1}
		if res.err != nil {
			c.Class = core.CompletionError
			c.Err = res.err
		} else {
			copy(local[localOffset:], res.data)
		}
		a.completions <- c
	}()
	return nil
}

func (a *Adapter) postRDMAWrite(pc *peerConn, opID types.UID, remote types.RBD, remoteOffset uint64, local []byte) error {
	ch := a.pending.register(opID)
	req := encodeRDMARequest(opID, remote)
	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], remoteOffset)
	req = append(req, offBuf[:]...)
	req = append(req, local...)
	if err := pc.writeFrame(frameRDMAWriteReq, req); err != nil {
		a.pending.forget(opID)
		return types.NewError(types.EIO, err)
	}
	go func() {
		res := <-ch
		c := core.Completion{Peer: pc.peer, Class: core.CompletionRDMAWrite, OpID: opID, Slot: -1}
		if res.err != nil {
			c.Class = core.CompletionError
			c.Err = res.err
		}
		a.completions <- c
	}()
	return nil
}

func (a *Adapter) postAtomic(pc *peerConn, opID types.UID, kind byte, remote types.RBD, remoteOffset, op1, op2 uint64) error {
	ch := a.pending.register(opID)
	req := encodeRDMARequest(opID, remote)
	var tail [1 + 8 + 8 + 8]byte
	tail[0] = kind
	binary.BigEndian.PutUint64(tail[1:9], remoteOffset)
	binary.BigEndian.PutUint64(tail[9:17], op1)
	binary.BigEndian.PutUint64(tail[17:25], op2)
	req = append(req, tail[:]...)
	if err := pc.writeFrame(frameAtomicReq, req); err != nil {
		a.pending.forget(opID)
		return types.NewError(types.EIO, err)
	}
	go func() {
		res := <-ch
		c := core.Completion{Peer: pc.peer, Class: core.CompletionAtomic, OpID: opID, Result: res.preValue, Slot: -1}
		if res.err != nil {
			c.Class = core.CompletionError
			c.Err = res.err
		}
		a.completions <- c
	}()
	return nil
}

func (a *Adapter) pullRendezvous(pc *peerConn, local []byte, localOffset uint64, remote types.RBD) error {
	id := types.GenerateUID()
	ch := a.pending.register(id)
	if err := pc.writeFrame(frameRDMAReadReq, encodeRDMARequest(id, remote)); err != nil {
		a.pending.forget(id)
		return types.NewError(types.EIO, err)
	}
	res := <-ch
	if res.err != nil {
		return res.err
	}
	copy(local[localOffset:], res.data)
	return nil
}

// readLoop is this connection's half: the "NIC" serving incoming
// RDMA/atomic requests directly against bufs, and the command-message
// demuxer handing received sends/acks/rendezvous headers to the
// progress engine via completions.
func (a *Adapter) readLoop(pc *peerConn) {
	defer a.wg.Done()
	defer a.drop(pc)

	for {
		kind, payload, err := readFrame(pc.Conn)
		if err != nil {
			return
		}
		switch kind {
		case frameCommand:
			a.handleCommandFrame(pc, payload)
		case frameRDMAReadReq:
			a.serveRDMARead(pc, payload)
		case frameRDMAReadResp:
			a.handleRDMAReadResp(payload)
		case frameRDMAWriteReq:
			a.serveRDMAWrite(pc, payload)
		case frameRDMAWriteResp:
			a.handleStatusResp(payload)
		case frameAtomicReq:
			a.serveAtomic(pc, payload)
		case frameAtomicResp:
			a.handleAtomicResp(payload)
		default:
			if a.logger != nil {
				a.logger.Warnf("nnti/verbs: unknown frame kind %d from %s", kind, pc.peer)
			}
		}
	}
}

func (a *Adapter) drop(pc *peerConn) {
	a.mu.Lock()
	delete(a.conns, pc.peer)
	a.mu.Unlock()
	pc.Close()
	a.completions <- core.Completion{Peer: pc.peer, Class: core.CompletionError, Err: types.NewError(types.ENOTCONN, nil)}
}

func (a *Adapter) handleCommandFrame(pc *peerConn, payload []byte) {
	msg, err := types.UnpackCommandMessage(payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Errorf("nnti/verbs: decoding command from %s: %v", pc.peer, err)
		}
		return
	}

	slot := a.cmdBuf.Acquire()
	slotIdx := -1
	if slot != nil {
		slotIdx = slot.Index
	}

	c := core.Completion{Peer: pc.peer, Message: msg, Slot: slotIdx}
	switch {
	case msg.Header.IsAck():
		c.Class = core.CompletionAckReceived
		a.idMu.Lock()
		c.OpID = a.idToOp[msg.Header.ID]
		delete(a.idToOp, msg.Header.ID)
		a.idMu.Unlock()
	case msg.Header.IsUnexpected():
		c.Class = core.CompletionRecvUnexpected
	case msg.IsEager():
		c.Class = core.CompletionRecvEager
	default:
		c.Class = core.CompletionRecvRendezvous
	}
	a.completions <- c
}

func (a *Adapter) serveRDMARead(pc *peerConn, payload []byte) {
	opID, remote, _, err := decodeRDMARequestPrefix(payload)
	if err != nil {
		return
	}
	buf := a.lookupRemoteBuffer(remote)
	if buf == nil {
		a.respondStatus(pc, frameRDMAReadResp, opID, fmt.Errorf("nnti/verbs: unknown remote buffer"))
		return
	}
	off, length := remote.Offset(), remote.Length()
	data := append([]byte(nil), buf.Data[off:off+length]...)

	resp := make([]byte, uidWireLen+len(data))
	putUID(resp[0:uidWireLen], opID)
	copy(resp[uidWireLen:], data)
	pc.writeFrame(frameRDMAReadResp, resp)
}

func (a *Adapter) serveRDMAWrite(pc *peerConn, payload []byte) {
	opID, remote, rest, err := decodeRDMARequestPrefix(payload)
	if err != nil {
		return
	}
	if len(rest) < 8 {
		a.respondStatus(pc, frameRDMAWriteResp, opID, fmt.Errorf("nnti/verbs: short write request"))
		return
	}
	winOffset := binary.BigEndian.Uint64(rest[0:8])
	data := rest[8:]

	buf := a.lookupRemoteBuffer(remote)
	if buf == nil {
		a.respondStatus(pc, frameRDMAWriteResp, opID, fmt.Errorf("nnti/verbs: unknown remote buffer"))
		return
	}
	base := uint64(remote.Offset()) + winOffset
	copy(buf.Data[base:], data)
	a.respondStatus(pc, frameRDMAWriteResp, opID, nil)
}

var atomicMu sync.Mutex

func (a *Adapter) serveAtomic(pc *peerConn, payload []byte) {
	opID, remote, rest, err := decodeRDMARequestPrefix(payload)
	if err != nil {
		return
	}
	if len(rest) < 25 {
		a.respondStatus(pc, frameAtomicResp, opID, fmt.Errorf("nnti/verbs: short atomic request"))
		return
	}
	kind := rest[0]
	winOffset := binary.BigEndian.Uint64(rest[1:9])
	op1 := binary.BigEndian.Uint64(rest[9:17])
	op2 := binary.BigEndian.Uint64(rest[17:25])

	buf := a.lookupRemoteBuffer(remote)
	if buf == nil {
		a.respondStatus(pc, frameAtomicResp, opID, fmt.Errorf("nnti/verbs: unknown remote buffer"))
		return
	}
	base := uint64(remote.Offset()) + winOffset

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

	resp := make([]byte, uidWireLen+8)
	putUID(resp[0:uidWireLen], opID)
	binary.BigEndian.PutUint64(resp[uidWireLen:], pre)
	pc.writeFrame(frameAtomicResp, resp)
}

func (a *Adapter) respondStatus(pc *peerConn, kind frameKind, opID types.UID, err error) {
	resp := make([]byte, uidWireLen+1)
	putUID(resp[0:uidWireLen], opID)
	if err != nil {
		resp[uidWireLen] = 1
	}
	pc.writeFrame(kind, resp)
}

func (a *Adapter) handleRDMAReadResp(payload []byte) {
	if len(payload) < uidWireLen {
		return
	}
	opID := getUID(payload[0:uidWireLen])
	a.pending.resolve(opID, frameResult{data: append([]byte(nil), payload[uidWireLen:]...)})
}

func (a *Adapter) handleStatusResp(payload []byte) {
	if len(payload) < uidWireLen+1 {
		return
	}
	opID := getUID(payload[0:uidWireLen])
	res := frameResult{}
	if payload[uidWireLen] != 0 {
		res.err = fmt.Errorf("nnti/verbs: remote reported failure")
	}
	a.pending.resolve(opID, res)
}

func (a *Adapter) handleAtomicResp(payload []byte) {
	if len(payload) < uidWireLen+8 {
		return
	}
	opID := getUID(payload[0:uidWireLen])
	pre := binary.BigEndian.Uint64(payload[uidWireLen:])
	a.pending.resolve(opID, frameResult{preValue: pre})
}

// lookupRemoteBuffer resolves an incoming request's RBD back to local
// memory: its provider blob is the 8-byte wire address BufferTable.Addr
// assigned at registration.
func (a *Adapter) lookupRemoteBuffer(remote types.RBD) *types.Buffer {
	blob := remote.ProviderBlob()
	if len(blob) < 8 {
		return nil
	}
	addr := binary.BigEndian.Uint64(blob[0:8])
	return a.bufs.LookupAddr(addr)
}

func localIPv4() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					return v4
				}
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
