package types

// OpState tracks an in-flight op through the state machines spec.md
// §4.8 describes for long (rendezvous) transfers. Eager ops skip
// straight from Init to Done.
type OpState int

const (
	// Initiator-side long send states.
	SendInit OpState = iota
	RdmaRtsComplete
	AckReceived

	// Target-side rendezvous receive states.
	RecvInit
	GetIssued
	GetComplete
	AckSent

	Done
)

// CompletionCallback is invoked with the completion Event when a
// destination in the completion-destination chain is tried. Returning
// false means "decline", causing the chain to try the next
// destination (spec.md §4.8).
type CompletionCallback func(Event) (accepted bool)

// WorkRequest is the caller's immutable description of one outstanding
// operation. It is immutable once submitted: the progress engine reads
// it but never mutates it, mutating only the associated Op's state.
type WorkRequest struct {
	Op    Op
	Flags BufferFlags
	Peer  PID

	LocalHandle  UID
	LocalOffset  uint64
	RemoteHandle RBD
	RemoteOffset uint64
	Length       uint64

	// Operand1/Operand2 carry the fetch-add addend or the
	// compare-swap compare/swap values, packed big-endian per the
	// provider's remote-atomic wire contract.
	Operand1 uint64
	Operand2 uint64

	// Header is an optional opaque passthrough (e.g. an op-dispatch
	// message header) carried ahead of the payload inside the eager
	// portion of the command message. The core never interprets it.
	Header []byte

	// Callback is the per-WR completion destination, tried first.
	Callback CompletionCallback

	// AltEQCallback is a second completion destination, tried after
	// Callback and before the owning buffer's own EQ/callback. AltEQ is
	// carried on the request but never resolved to a queue: no
	// completion is pushed to it.
	AltEQCallback CompletionCallback
	AltEQ         UID

	Context interface{}
}

// WorkID is the opaque token returned to the caller for an enqueued
// WorkRequest, usable with Cancel and Wait.
type WorkID struct {
	ID      UID
	Request WorkRequest
}
