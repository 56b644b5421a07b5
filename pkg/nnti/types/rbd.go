package types

import (
	"encoding/binary"
	"fmt"
)

// MaxNetBufferRemoteSize is the compile-time upper bound on a packed
// remote buffer descriptor, per spec.md §6. Open Question (a) treats
// this as provider-dependent; registration fails if a provider's blob
// would not fit.
const MaxNetBufferRemoteSize = 68

// rbdHeaderSize is the {offset:u32, length:u32} prefix every RBD carries
// before its provider-specific blob, per spec.md §6 field order.
const rbdHeaderSize = 8

// RBD is a remote buffer descriptor: an opaque, fixed-size, serializable
// value naming a window of memory on another process. RBDs never carry
// pointers; they carry enough to let a provider address the window
// (base/handle, length, key, offset) and they travel inside command
// messages.
type RBD struct {
	blob [MaxNetBufferRemoteSize]byte
	size int

	origOffset uint32
	origLength uint32
}

// NewRBD builds an RBD naming the window [offset, offset+length) of a
// buffer, carrying providerBlob as the provider-specific remainder.
// offset+length must not exceed the owning buffer's length, and length
// must be positive (spec.md invariant 3).
func NewRBD(offset, length uint32, bufferLen uint64, providerBlob []byte) (RBD, error) {
	if length == 0 {
		return RBD{}, NewError(EINVAL, fmt.Errorf("nnti: rbd length must be > 0"))
	}
	if uint64(offset)+uint64(length) > bufferLen {
		return RBD{}, NewError(EINVAL, fmt.Errorf("nnti: rbd window [%d,%d) exceeds buffer length %d", offset, offset+length, bufferLen))
	}
	if rbdHeaderSize+len(providerBlob) > MaxNetBufferRemoteSize {
		return RBD{}, NewError(EINVAL, fmt.Errorf("nnti: provider blob of %d bytes exceeds MaxNetBufferRemoteSize", len(providerBlob)))
	}

	r := RBD{origOffset: offset, origLength: length}
	binary.LittleEndian.PutUint32(r.blob[0:4], offset)
	binary.LittleEndian.PutUint32(r.blob[4:8], length)
	copy(r.blob[rbdHeaderSize:], providerBlob)
	r.size = rbdHeaderSize + len(providerBlob)
	return r, nil
}

// Offset returns the current window's start offset within the buffer.
func (r RBD) Offset() uint32 {
	return binary.LittleEndian.Uint32(r.blob[0:4])
}

// Length returns the current window's length.
func (r RBD) Length() uint32 {
	return binary.LittleEndian.Uint32(r.blob[4:8])
}

// ProviderBlob returns the provider-specific bytes following the header.
// A zero-value RBD (size 0) has none.
func (r RBD) ProviderBlob() []byte {
	if r.size <= rbdHeaderSize {
		return nil
	}
	return r.blob[rbdHeaderSize:r.size]
}

func (r RBD) upperBound() uint32 {
	return r.origOffset + r.origLength
}

func (r *RBD) setWindow(offset, length uint32) error {
	if offset < r.origOffset || offset+length > r.upperBound() || length == 0 {
		return NewError(EINVAL, fmt.Errorf("nnti: rbd window [%d,%d) outside original window [%d,%d)",
			offset, offset+length, r.origOffset, r.upperBound()))
	}
	binary.LittleEndian.PutUint32(r.blob[0:4], offset)
	binary.LittleEndian.PutUint32(r.blob[4:8], length)
	return nil
}

// IncreaseOffset slides the window's start forward by n, shrinking its
// length by the same amount so the window's upper bound (and therefore
// the invariant that it never extends past the original window) is
// preserved. Returns an error, without mutating the RBD, if n would
// push the offset or shrink the length out of bounds.
func (r *RBD) IncreaseOffset(n uint32) error {
	off, length := r.Offset(), r.Length()
	if n > length {
		return NewError(EINVAL, fmt.Errorf("nnti: increase_offset(%d) exceeds window length %d", n, length))
	}
	return r.setWindow(off+n, length-n)
}

// DecreaseLength shrinks the window's length by n, keeping the start
// fixed. Returns an error, without mutating the RBD, if n exceeds the
// current length.
func (r *RBD) DecreaseLength(n uint32) error {
	off, length := r.Offset(), r.Length()
	if n > length {
		return NewError(EINVAL, fmt.Errorf("nnti: decrease_length(%d) exceeds window length %d", n, length))
	}
	return r.setWindow(off, length-n)
}

// TrimToLength sets the window's length to n, which must not exceed the
// current length (the window can only shrink).
func (r *RBD) TrimToLength(n uint32) error {
	off, length := r.Offset(), r.Length()
	if n > length {
		return NewError(EINVAL, fmt.Errorf("nnti: trim_to_length(%d) exceeds window length %d", n, length))
	}
	return r.setWindow(off, n)
}

// Pack serializes the RBD into its wire form.
func (r RBD) Pack() []byte {
	out := make([]byte, r.size)
	copy(out, r.blob[:r.size])
	return out
}

// UnpackRBD deserializes a wire-form RBD. The original window bounds are
// taken to be the window described in the blob itself, since an
// unpacked RBD has no narrower history to preserve.
func UnpackRBD(data []byte) (RBD, error) {
	if len(data) < rbdHeaderSize || len(data) > MaxNetBufferRemoteSize {
		return RBD{}, NewError(EINVAL, fmt.Errorf("nnti: rbd wire form has invalid length %d", len(data)))
	}
	var r RBD
	copy(r.blob[:], data)
	r.size = len(data)
	r.origOffset = r.Offset()
	r.origLength = r.Length()
	return r, nil
}
