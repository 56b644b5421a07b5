package nnti

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/config"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/core"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
	"go.uber.org/goleak"
)

// stopPair tears both transports down and checks that nothing they
// spawned — progress engine goroutines, provider readLoops — is still
// running afterward.
func stopPair(t *testing.T, a, b *Transport) {
	t.Helper()
	a.Stop()
	b.Stop()
	goleak.VerifyNone(t)
}

// newMPITransport builds an mpi-mode Transport. The mpi provider keys its
// world directory by a rank-derived PID (127.0.0.1:rank), while Connect
// derives its Dial target from the peer's control-plane URL; the two only
// agree when control.listen's port equals the rank.
func newMPITransport(rank int) *Transport {
	cfg := config.Default()
	cfg.TransportName = "mpi"
	cfg.MPIRank = rank
	cfg.MPISize = 2
	cfg.ControlListen = fmt.Sprintf("127.0.0.1:%d", rank)
	cfg.StatsEnabled = false
	cfg.RendezvousRetries = 10
	cfg.RendezvousBackoff = 10 * time.Millisecond
	return New(cfg, nil)
}

// waitForEvent drives eq_wait against a single queue and fails the test
// if no event lands before the timeout.
func waitForEvent(t *testing.T, transport *Transport, eq *core.EventQueue) types.Event {
	t.Helper()
	res := transport.EqWait(context.Background(), []*core.EventQueue{eq}, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("EqWait: %v", res.Err)
	}
	return res.Event
}

func connectPair(t *testing.T) (a, b *Transport, peerFromA *core.Peer) {
	t.Helper()
	a = newMPITransport(27101)
	b = newMPITransport(27102)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	peer, err := a.Connect(ctx, "nnti://127.0.0.1:27102")
	if err != nil {
		t.Fatalf("a.Connect: %v", err)
	}

	// onRendezvousConnect accepts asynchronously (DESIGN.md's
	// onRendezvousConnect background-Accept note) so b's half of the
	// handshake may still be landing; give it a moment to finish before
	// issuing traffic that depends on b's connection being ready.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn := b.registry.Get(a.provider.LocalPID()); conn != nil && conn.State() == core.ConnReady {
			break
		}
		time.Sleep(time.Millisecond)
	}

	return a, b, peer
}

func TestTransport_EagerSendRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	recvEQ := core.NewEventQueue(4, nil)
	recvBuf := b.Alloc(64, 0, recvEQ, nil, nil)

	payload := []byte("hello nnti")
	sendBuf := a.RegisterMemory(append([]byte(nil), payload...), 0, nil, nil, nil)

	remote, err := b.RemoteDescriptor(recvBuf, 0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("RemoteDescriptor: %v", err)
	}

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: sendBuf.ID, Length: uint64(len(payload))}
	if _, err := a.Send(context.Background(), wr, remote); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := waitForEvent(t, b, recvEQ)
	if ev.Result != types.OK {
		t.Fatalf("expected OK, got %v", ev.Result)
	}
	if ev.Length != uint64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), ev.Length)
	}
	if got := string(recvBuf.Data[:len(payload)]); got != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestTransport_RendezvousSendRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	// Larger than the mpi provider's 4096-byte mtu, so Send frames this
	// as a rendezvous transfer rather than an eager one.
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}

	recvEQ := core.NewEventQueue(4, nil)
	recvBuf := b.Alloc(uint64(len(payload)), 0, recvEQ, nil, nil)
	sendBuf := a.RegisterMemory(append([]byte(nil), payload...), 0, nil, nil, nil)

	remote, err := b.RemoteDescriptor(recvBuf, 0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("RemoteDescriptor: %v", err)
	}

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: sendBuf.ID, Length: uint64(len(payload))}
	if _, err := a.Send(context.Background(), wr, remote); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := waitForEvent(t, b, recvEQ)
	if ev.Length != uint64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), ev.Length)
	}
	for i := range payload {
		if recvBuf.Data[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d: want %d got %d", i, payload[i], recvBuf.Data[i])
		}
	}
}

func TestTransport_PutRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	payload := []byte("put me over there")
	localEQ := core.NewEventQueue(4, nil)
	localBuf := a.RegisterMemory(append([]byte(nil), payload...), 0, localEQ, nil, nil)
	remoteBuf := b.Alloc(uint64(len(payload)), 0, nil, nil, nil)

	remote, err := b.RemoteDescriptor(remoteBuf, 0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("RemoteDescriptor: %v", err)
	}

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: localBuf.ID, Length: uint64(len(payload))}
	if _, err := a.Put(context.Background(), wr, remote); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ev := waitForEvent(t, a, localEQ)
	if ev.Result != types.OK {
		t.Fatalf("expected OK, got %v", ev.Result)
	}
	if ev.OpKind != types.OpPut {
		t.Fatalf("expected OpPut, got %v", ev.OpKind)
	}
	if got := string(remoteBuf.Data[:len(payload)]); got != string(payload) {
		t.Fatalf("expected remote buffer to hold %q, got %q", payload, got)
	}
}

func TestTransport_GetRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	payload := []byte("fetch me from over there")
	remoteBuf := b.RegisterMemory(append([]byte(nil), payload...), 0, nil, nil, nil)

	localEQ := core.NewEventQueue(4, nil)
	localBuf := a.Alloc(uint64(len(payload)), 0, localEQ, nil, nil)

	remote, err := b.RemoteDescriptor(remoteBuf, 0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("RemoteDescriptor: %v", err)
	}

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: localBuf.ID, Length: uint64(len(payload))}
	if _, err := a.Get(context.Background(), wr, remote); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ev := waitForEvent(t, a, localEQ)
	if ev.OpKind != types.OpGet {
		t.Fatalf("expected OpGet, got %v", ev.OpKind)
	}
	if got := string(localBuf.Data[:len(payload)]); got != string(payload) {
		t.Fatalf("expected local buffer to hold %q, got %q", payload, got)
	}
}

func TestTransport_AtomicFetchAddRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	var initial [8]byte
	binary.BigEndian.PutUint64(initial[:], 10)
	counter := b.RegisterMemory(initial[:], 0, nil, nil, nil)

	localEQ := core.NewEventQueue(4, nil)
	scratch := a.Alloc(8, 0, localEQ, nil, nil)

	remote, err := b.RemoteDescriptor(counter, 0, 8)
	if err != nil {
		t.Fatalf("RemoteDescriptor: %v", err)
	}

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: scratch.ID}
	if _, err := a.AtomicFop(context.Background(), wr, remote, 5); err != nil {
		t.Fatalf("AtomicFop: %v", err)
	}

	ev := waitForEvent(t, a, localEQ)
	if ev.Start != 10 {
		t.Fatalf("expected the pre-operation value 10, got %d", ev.Start)
	}
	if got := binary.BigEndian.Uint64(counter.Data); got != 15 {
		t.Fatalf("expected the remote counter to become 15, got %d", got)
	}
}

func TestTransport_AtomicCompareSwapRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	var initial [8]byte
	binary.BigEndian.PutUint64(initial[:], 7)
	counter := b.RegisterMemory(initial[:], 0, nil, nil, nil)

	localEQ := core.NewEventQueue(4, nil)
	scratch := a.Alloc(8, 0, localEQ, nil, nil)

	remote, err := b.RemoteDescriptor(counter, 0, 8)
	if err != nil {
		t.Fatalf("RemoteDescriptor: %v", err)
	}

	// A compare that doesn't match must leave the remote word untouched.
	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: scratch.ID}
	if _, err := a.AtomicCswap(context.Background(), wr, remote, 99, 42); err != nil {
		t.Fatalf("AtomicCswap (mismatch): %v", err)
	}
	ev := waitForEvent(t, a, localEQ)
	if ev.Start != 7 {
		t.Fatalf("expected pre-value 7, got %d", ev.Start)
	}
	if got := binary.BigEndian.Uint64(counter.Data); got != 7 {
		t.Fatalf("expected the counter unchanged at 7 after a mismatched compare, got %d", got)
	}

	// A matching compare swaps the value in.
	if _, err := a.AtomicCswap(context.Background(), wr, remote, 7, 42); err != nil {
		t.Fatalf("AtomicCswap (match): %v", err)
	}
	ev = waitForEvent(t, a, localEQ)
	if ev.Start != 7 {
		t.Fatalf("expected pre-value 7, got %d", ev.Start)
	}
	if got := binary.BigEndian.Uint64(counter.Data); got != 42 {
		t.Fatalf("expected the counter swapped to 42, got %d", got)
	}
}

// TestTransport_UnexpectedEagerSendRoundTrip sends against a zero-value
// RBD, which Send frames with target_base_addr 0 — unexpected, per
// spec.md's target_base_addr ⇒ unexpected encoding. The receiver never
// pre-registered a buffer for it, so the payload only lands once
// GetUnexpected supplies one.
func TestTransport_UnexpectedEagerSendRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	payload := []byte("surprise")
	sendBuf := a.RegisterMemory(append([]byte(nil), payload...), 0, nil, nil, nil)

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: sendBuf.ID, Length: uint64(len(payload))}
	if _, err := a.Send(context.Background(), wr, types.RBD{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	scratch := make([]byte, len(payload))
	ev, err := b.GetUnexpected(context.Background(), 2*time.Second, scratch, 0)
	if err != nil {
		t.Fatalf("GetUnexpected: %v", err)
	}
	if ev.Length != uint64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), ev.Length)
	}
	if string(scratch) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, scratch)
	}
}

// TestTransport_UnexpectedRendezvousSendRoundTrip exercises the
// previously-hanging path: an unclaimed long send must still have its
// payload pulled over RDMA and its ACK sent once the application calls
// GetUnexpected, or the initiator would be left waiting on an ACK that
// never arrives.
func TestTransport_UnexpectedRendezvousSendRoundTrip(t *testing.T) {
	a, b, peer := connectPair(t)
	defer stopPair(t, a, b)

	// Larger than the mpi provider's 4096-byte mtu, so Send frames this
	// as a rendezvous transfer rather than an eager one.
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	localEQ := core.NewEventQueue(4, nil)
	sendBuf := a.RegisterMemory(append([]byte(nil), payload...), 0, localEQ, nil, nil)

	wr := types.WorkRequest{Peer: peer.PID, LocalHandle: sendBuf.ID, Length: uint64(len(payload))}
	if _, err := a.Send(context.Background(), wr, types.RBD{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	scratch := make([]byte, len(payload))
	ev, err := b.GetUnexpected(context.Background(), 2*time.Second, scratch, 0)
	if err != nil {
		t.Fatalf("GetUnexpected: %v", err)
	}
	if ev.Length != uint64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), ev.Length)
	}
	for i := range payload {
		if scratch[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d: want %d got %d", i, payload[i], scratch[i])
		}
	}

	// The initiator's ACK must arrive now that the target has claimed
	// and pulled the transfer — the hang this test guards against.
	ackEv := waitForEvent(t, a, localEQ)
	if ackEv.Result != types.OK {
		t.Fatalf("expected the initiator's send to complete OK, got %v", ackEv.Result)
	}
}
