package core

import "github.com/sandia-hpc/nnti-go/pkg/nnti/types"

// Peer is a polymorphic handle naming a remote process: its PID, a
// cached packable descriptor for addressing its memory/queues, and a
// back-pointer to the owning Connection once one exists (spec.md §3).
//
// Peers are created from a URL (outbound connect), from a provider's
// accept callback (inbound), or by unpacking a wire-encoded peer blob;
// see Transport.Connect and Transport.DtUnpack for the three paths.
type Peer struct {
	PID types.PID

	// Packed is the provider-specific packable descriptor for this
	// peer, filled in once the connection reaches ready.
	Packed []byte

	conn *Connection
}

// MaxPackedPeerSize bounds a peer's packed wire form, matching the 256
// byte cap original_source/src/nnti/nnti_peer.hpp uses.
const MaxPackedPeerSize = 256

// Conn returns the peer's owning connection, or nil if none yet.
func (p *Peer) Conn() *Connection {
	return p.conn
}

// SetConn sets the peer's back-reference to its owning connection. It
// does not touch the Connection; NewConnection sets Connection.Peer and
// calls SetConn, which is what keeps the two sides pointing at each other.
func (p *Peer) SetConn(c *Connection) {
	p.conn = c
}

// Pack serializes the peer's PID and cached descriptor.
func (p *Peer) Pack() []byte {
	out := make([]byte, 8+len(p.Packed))
	putUint64(out[0:8], uint64(p.PID))
	copy(out[8:], p.Packed)
	return out
}

// UnpackPeer deserializes a wire-encoded peer blob (the third
// construction path spec.md §3 describes for Peer).
func UnpackPeer(data []byte) (*Peer, error) {
	if len(data) < 8 {
		return nil, types.NewError(types.EINVAL, nil)
	}
	return &Peer{
		PID:    types.PID(getUint64(data[0:8])),
		Packed: append([]byte(nil), data[8:]...),
	}, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
