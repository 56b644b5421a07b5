package types

// EventSink is anything that can receive a completion Event, satisfied
// both by a buffer's default EQ and by an alternate EQ. Kept as a small
// interface in types so the data model doesn't depend on core.
type EventSink interface {
	Push(Event) bool
	InvokeCallback(Event) bool
}

// Buffer is application-registered memory: a base region, the
// provider's local handle and remote descriptor material, and the
// default completion routing for operations that land on it.
//
// Buffer owns its backing array exclusively: Register transfers
// provider ownership in, Unregister transfers it back (spec.md §3
// Lifecycles).
type Buffer struct {
	ID UID

	Data  []byte
	Flags BufferFlags

	// LocalHandle is the provider-specific local memory handle
	// (opaque to the core; a provider adapter's concrete type).
	LocalHandle interface{}

	EQ       EventSink
	Callback CompletionCallback
	CbCtx    interface{}

	// Owned is true for buffers allocated by Alloc (transport owns
	// the backing memory) and false for ones registered over
	// caller-supplied memory via RegisterMemory.
	Owned bool
}

// MakeRemoteDescriptor produces an RBD naming the window
// [offset, offset+length) of this buffer, per spec.md §4.3.
func (b *Buffer) MakeRemoteDescriptor(offset, length uint32, providerBlob []byte) (RBD, error) {
	return NewRBD(offset, length, uint64(len(b.Data)), providerBlob)
}

// Len returns the buffer's total length.
func (b *Buffer) Len() uint64 {
	return uint64(len(b.Data))
}
