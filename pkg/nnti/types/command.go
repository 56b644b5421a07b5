package types

import (
	"encoding/binary"
	"fmt"
)

// Op identifies the kind of operation a command message, work request,
// or event carries.
type Op uint8

const (
	OpSend Op = iota
	OpPut
	OpGet
	OpFadd
	OpCswap
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "SEND"
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpFadd:
		return "FADD"
	case OpCswap:
		return "CSWAP"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

const (
	// AckSentinel is the target_base_addr value that marks a command
	// message as a rendezvous ACK rather than a real header. It must
	// never collide with a real target address; this module never hands
	// out raw pointers as addresses, and core.BufferTable skips this
	// value when it assigns buffer addresses, so no buffer carries it.
	AckSentinel uint64 = 0x0ACC

	// maxPackedHandleSize bounds the provider-packed initiator handle
	// embedded in a command message header, per spec.md §3.
	maxPackedHandleSize = 180

	// commandHeaderSize is the fixed portion of a command message:
	// initiator PID(8) + initiator offset(8) + target offset(8) +
	// payload length(8) + target base addr(8) + id(4) + op(1).
	commandHeaderSize = 8 + 8 + 8 + 8 + 8 + 4 + 1
)

// CommandHeader is the fixed-size portion of a command message.
type CommandHeader struct {
	InitiatorPID    PID
	InitiatorOffset uint64
	TargetOffset    uint64
	PayloadLength   uint64
	TargetBaseAddr  uint64
	ID              uint32
	Op              Op
}

// IsUnexpected reports whether this header describes a message the
// target did not pre-arrange a buffer for (target_base_addr == 0).
func (h CommandHeader) IsUnexpected() bool {
	return h.TargetBaseAddr == 0
}

// IsAck reports whether this header is a rendezvous ACK.
func (h CommandHeader) IsAck() bool {
	return h.TargetBaseAddr == AckSentinel
}

// CommandMessage is the wire framing for both eager sends and
// rendezvous (long transfer) headers, per spec.md §3 and §4.5.
type CommandMessage struct {
	Header CommandHeader

	// PackedHandle is the provider-specific descriptor of the
	// initiator's buffer, used by the target to issue the RDMA read
	// for a rendezvous transfer. Always <= maxPackedHandleSize bytes.
	PackedHandle []byte

	// EagerPayload is the inline copy of the payload for an eager
	// send. Empty for a rendezvous header (the payload travels later
	// via RDMA read) and for an ACK.
	EagerPayload []byte
}

// IsEager reports whether this message carries its payload inline,
// i.e. it fits in a single MTU once framed.
func (m *CommandMessage) IsEager() bool {
	return !m.Header.IsAck() && uint64(len(m.EagerPayload)) == m.Header.PayloadLength && len(m.EagerPayload) > 0
}

// Fits reports whether a message with the given payload length and
// packed-handle length fits within mtu once framed as eager.
func Fits(mtu int, payloadLen, packedHandleLen int) bool {
	return commandHeaderSize+2+packedHandleLen+payloadLen <= mtu
}

// Pack serializes the command message into a buffer no larger than mtu.
// Packing fails if the packed handle exceeds its bound. The packed
// handle is framed with its own 2-byte length prefix right after the
// fixed header, so Unpack never needs to be told the handle length out
// of band: an eager send and an ACK both carry a zero-length handle,
// a rendezvous header carries a real one, and the wire form says which.
func (m *CommandMessage) Pack(mtu int) ([]byte, error) {
	if len(m.PackedHandle) > maxPackedHandleSize {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: packed initiator handle of %d bytes exceeds %d byte bound", len(m.PackedHandle), maxPackedHandleSize))
	}
	total := commandHeaderSize + 2 + len(m.PackedHandle) + len(m.EagerPayload)
	if total > mtu {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: command message of %d bytes exceeds mtu %d", total, mtu))
	}

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.Header.InitiatorPID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Header.InitiatorOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Header.TargetOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Header.PayloadLength)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Header.TargetBaseAddr)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.Header.ID)
	off += 4
	buf[off] = byte(m.Header.Op)
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(m.PackedHandle)))
	off += 2
	off += copy(buf[off:], m.PackedHandle)
	copy(buf[off:], m.EagerPayload)

	return buf, nil
}

// UnpackCommandMessage parses a wire-form command message, reading the
// packed handle's length from its own length prefix rather than relying
// on the caller to know it ahead of time.
func UnpackCommandMessage(data []byte) (*CommandMessage, error) {
	if len(data) < commandHeaderSize+2 {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: command message of %d bytes too short for header", len(data)))
	}

	m := &CommandMessage{}
	off := 0
	m.Header.InitiatorPID = PID(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	m.Header.InitiatorOffset = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.Header.TargetOffset = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.Header.PayloadLength = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.Header.TargetBaseAddr = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.Header.ID = binary.LittleEndian.Uint32(data[off:])
	off += 4
	m.Header.Op = Op(data[off])
	off++
	handleLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	if len(data) < off+handleLen {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: command message of %d bytes too short for a %d byte packed handle", len(data), handleLen))
	}
	m.PackedHandle = append([]byte(nil), data[off:off+handleLen]...)
	off += handleLen
	if off < len(data) {
		m.EagerPayload = append([]byte(nil), data[off:]...)
	}
	return m, nil
}
