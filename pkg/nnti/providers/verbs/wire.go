// Package verbs is a TCP-socket simulation of an InfiniBand verbs
// fabric: it gives every connection a single multiplexed byte stream
// standing in for the three queue pairs (send, receive, RDMA) a real
// verbs provider would open per peer, and plays the role of the NIC
// for one-sided operations by serving RDMA/atomic requests directly
// against registered memory, off the application's progress engine.
package verbs

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

type frameKind byte

const (
	frameCommand frameKind = iota + 1
	frameRDMAReadReq
	frameRDMAReadResp
	frameRDMAWriteReq
	frameRDMAWriteResp
	frameAtomicReq
	frameAtomicResp
)

const uidWireLen = 36 // a canonical github.com/google/uuid string is always 36 bytes

// writeFrame serializes one [kind: 1B][length: 4B BE][payload] frame.
// conn.writeMu must already be held by the caller so concurrent posts
// from multiple goroutines (a send, a reply to a peer's RDMA request)
// never interleave their bytes.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return frameKind(header[0]), payload, nil
}

func putUID(b []byte, id types.UID) {
	s := string(id)
	copy(b, s)
	for i := len(s); i < uidWireLen; i++ {
		b[i] = ' '
	}
}

func getUID(b []byte) types.UID {
	return types.UID(stripPad(b))
}

func stripPad(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == ' ' {
		n--
	}
	return string(b[:n])
}

// encodeRDMARequest lays out opID(36) + rbd-length(1) + rbd-bytes for
// a read/write/atomic request's common prefix.
func encodeRDMARequest(opID types.UID, remote types.RBD) []byte {
	packed := remote.Pack()
	out := make([]byte, uidWireLen+1+len(packed))
	putUID(out[0:uidWireLen], opID)
	out[uidWireLen] = byte(len(packed))
	copy(out[uidWireLen+1:], packed)
	return out
}

func decodeRDMARequestPrefix(b []byte) (opID types.UID, remote types.RBD, rest []byte, err error) {
	if len(b) < uidWireLen+1 {
		return "", types.RBD{}, nil, io.ErrUnexpectedEOF
	}
	opID = getUID(b[0:uidWireLen])
	rbdLen := int(b[uidWireLen])
	off := uidWireLen + 1
	if len(b) < off+rbdLen {
		return "", types.RBD{}, nil, io.ErrUnexpectedEOF
	}
	remote, err = types.UnpackRBD(b[off : off+rbdLen])
	if err != nil {
		return "", types.RBD{}, nil, err
	}
	return opID, remote, b[off+rbdLen:], nil
}

// frameResult is what a pending RDMA/atomic request resolves to:
// payload data for a read, a status for a write, or a pre-value for an
// atomic, plus whatever error the target-side handler hit.
type frameResult struct {
	data     []byte
	preValue uint64
	err      error
}

// pendingTable correlates outstanding request frames to the goroutine
// (synchronous PullRendezvous caller, or the async RDMARead/RDMAWrite/
// atomic completion-pusher) waiting on the matching response frame.
type pendingTable struct {
	mu sync.Mutex
	m  map[types.UID]chan frameResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[types.UID]chan frameResult)}
}

func (t *pendingTable) register(id types.UID) chan frameResult {
	ch := make(chan frameResult, 1)
	t.mu.Lock()
	t.m[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *pendingTable) resolve(id types.UID, res frameResult) {
	t.mu.Lock()
	ch, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (t *pendingTable) forget(id types.UID) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

// exchangePID performs the handshake both Dial and Accept need: exchange
// each side's advertised local PID over the freshly opened socket so
// both ends agree on the PID keying their Registry entry, independent
// of which side's rendezvous request happened to arrive first.
func exchangePID(conn net.Conn, local types.PID) (types.PID, error) {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(local))
	if _, err := conn.Write(out[:]); err != nil {
		return types.PIDUnspecified, err
	}
	var in [8]byte
	if _, err := io.ReadFull(conn, in[:]); err != nil {
		return types.PIDUnspecified, err
	}
	return types.PID(binary.BigEndian.Uint64(in[:])), nil
}
