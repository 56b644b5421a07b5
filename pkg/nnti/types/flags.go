package types

// BufferFlags controls what a registered buffer may be used for, and
// (reused on a WorkRequest) how a single operation should be framed.
type BufferFlags uint32

const (
	BufferLocalRead BufferFlags = 1 << iota
	BufferLocalWrite
	BufferRemoteRead
	BufferRemoteWrite
	BufferRemoteAtomic

	// ZeroCopy marks a work request whose payload sits in a caller-owned,
	// pre-registered buffer. Nothing in this module reads the flag:
	// framing builds the command message the same way whether or not it
	// is set, and ops are pooled and recycled the same way too.
	ZeroCopy
)

func (f BufferFlags) Has(bit BufferFlags) bool {
	return f&bit != 0
}
