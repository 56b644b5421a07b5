package types

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PID is the compact 64-bit process identifier: the low 32 bits are the
// IPv4 address in the numeric order ntohl() would produce on any host
// (equivalently, the big-endian interpretation of the address octets),
// the next 16 bits are the TCP port. This matches the layout of
// faodel's nodeid_t (original_source/src/faodel-common/NodeID.hh):
// a rank is identified by the host+port its control-plane listens on.
type PID uint64

const (
	// PIDUnspecified is the zero value, meaning "no identity yet".
	PIDUnspecified PID = 0x00
	// PIDLocalhost is the sentinel for "localhost, resolution deferred".
	PIDLocalhost PID = 0x01
)

// NewPID packs an IPv4 address and TCP port into a PID. The address must
// be a 4-byte (or 4-in-16-byte) IPv4 form; NewPID fails for IPv6. The
// port needs no check here: its uint16 type cannot hold 65536 or more.
func NewPID(ip net.IP, port uint16) (PID, error) {
	v4 := ip.To4()
	if v4 == nil {
		return PIDUnspecified, fmt.Errorf("nnti: %q is not an IPv4 address", ip)
	}
	low := binary.BigEndian.Uint32(v4)
	return PID(uint64(low) | uint64(port)<<32), nil
}

// IP returns the IPv4 address encoded in the PID.
func (p PID) IP() net.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(p&0xffffffff))
	return net.IP(b[:])
}

// Port returns the TCP port encoded in the PID.
func (p PID) Port() uint16 {
	return uint16((p >> 32) & 0xffff)
}

// Unspecified reports whether this PID carries no identity.
func (p PID) Unspecified() bool {
	return p == PIDUnspecified
}

// Valid reports the complement of Unspecified.
func (p PID) Valid() bool {
	return p != PIDUnspecified
}

// String renders the PID as host:port, falling back to the hex form for
// the reserved sentinels which don't carry a meaningful address.
func (p PID) String() string {
	if p == PIDUnspecified || p == PIDLocalhost {
		return p.Hex()
	}
	return fmt.Sprintf("%s:%d", p.IP(), p.Port())
}

// Hex renders the PID in the "0x..." form accepted by ParsePIDHex.
func (p PID) Hex() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// ParsePIDHex parses the "0x..." alternative construction path for a PID.
// It must round-trip: ParsePIDHex(p.Hex()) == p for every PID p.
func ParsePIDHex(s string) (PID, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return PIDUnspecified, fmt.Errorf("nnti: invalid PID hex %q: %w", s, err)
	}
	return PID(v), nil
}
