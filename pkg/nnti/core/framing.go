package core

import "github.com/sandia-hpc/nnti-go/pkg/nnti/types"

// nextCommandID hands out the 32-bit command ids spec.md §3 wants
// distinguishable across ACKs; wrapping is fine, matching arrivals are
// resolved through OpTable by UID, not by this counter alone.
var nextCommandID = newIDCounter()

// FrameSend builds either an eager or a rendezvous command message for
// a SEND/PUT/GET/atomic work request, choosing eager whenever the
// payload plus framing overhead fits the provider's mtu (spec.md §4.5).
func FrameSend(wr types.WorkRequest, mtu, packedHandleLen int, localHandle []byte, payload []byte) (*types.CommandMessage, bool) {
	id := nextCommandID.next()

	header := types.CommandHeader{
		InitiatorOffset: wr.LocalOffset,
		TargetOffset:    wr.RemoteOffset,
		PayloadLength:   uint64(len(payload)),
		TargetBaseAddr:  0, // unexpected until the caller fills in the real target address
		ID:              id,
		Op:              wr.Op,
	}

	if types.Fits(mtu, len(payload), packedHandleLen) {
		return &types.CommandMessage{Header: header, EagerPayload: payload}, true
	}

	header.PayloadLength = uint64(len(payload))
	return &types.CommandMessage{Header: header, PackedHandle: localHandle}, false
}

// FrameAck builds the rendezvous ACK a target sends back once it has
// pulled a long send's payload, correlated to the initiator's command
// id (spec.md §4.8 AckSent -> AckReceived).
func FrameAck(initiator types.PID, id uint32, op types.Op) *types.CommandMessage {
	return &types.CommandMessage{Header: types.CommandHeader{
		InitiatorPID:   initiator,
		TargetBaseAddr: types.AckSentinel,
		ID:             id,
		Op:             op,
	}}
}

type idCounter struct {
	ch chan uint32
}

// newIDCounter returns a channel-backed counter: simple, allocation-free
// after construction, and safe under concurrent FrameSend calls without
// a dedicated mutex.
func newIDCounter() *idCounter {
	c := &idCounter{ch: make(chan uint32, 1)}
	c.ch <- 1
	return c
}

func (c *idCounter) next() uint32 {
	v := <-c.ch
	c.ch <- v + 1
	return v
}
