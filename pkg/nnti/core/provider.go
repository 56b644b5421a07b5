package core

import (
	"context"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// CompletionClass is the kind of provider completion the progress
// engine decodes and dispatches, per spec.md §4.10.
type CompletionClass int

// Send itself never appears here: Conn.Send posts synchronously and a
// successful return already tells the caller the frame went out, so
// the facade finishes an eager send, or advances a rendezvous send to
// RdmaRtsComplete, right at the call site (spec.md §4.10's completion
// classes that matter to the progress engine are the ones a peer or a
// one-sided NIC-equivalent produces asynchronously).
const (
	CompletionRecvEager CompletionClass = iota
	CompletionRecvRendezvous
	CompletionRecvUnexpected
	CompletionAckReceived
	CompletionRDMAWrite
	CompletionRDMARead
	CompletionAtomic
	CompletionError
)

// Completion is one event drained from a provider's completion source.
// It carries enough for the progress engine to decode the class and
// act without reaching back into provider internals.
type Completion struct {
	Peer    types.PID
	Class   CompletionClass
	Message *types.CommandMessage // populated for SEND/RECV/ACK classes
	Result  uint64                 // populated for CompletionAtomic: the remote word's prior value, decoded to a host uint64
	OpID    types.UID              // correlates to the originating WorkID, when known
	Slot    int                    // command buffer slot index, -1 when not applicable
	Err     error
}

// PeerParams is what the rendezvous glue exchanges out-of-band before
// first data flow: enough for a provider to promote a connection to
// ready. Fields beyond the common ones are provider-specific and
// opaque to the core (spec.md §4.9, §4.12).
type PeerParams struct {
	Hostname string
	Addr     string
	Port     uint16
	Fields   map[string]string
}

// Conn is the per-connection handle a Provider hands back once a peer
// is dialed or accepted. It exposes exactly the primitives the
// progress engine and facade need: post a command, and post the
// one-sided operations RDMA read/write and 64-bit remote atomics
// require (spec.md §4.5, §4.11).
//
// Every posting method here returns as soon as the operation has been
// handed to the fabric, mirroring ibv_post_send/ibv_post_recv: it
// reports only a local failure to post (e.g. the socket is gone). The
// operation's actual result arrives later, asynchronously, as a
// Completion on the provider's shared Completions() channel tagged
// with the same opID the caller passed in, which is how the progress
// engine correlates it back to the waiting Op (spec.md §4.10).
type Conn struct {
	// Send posts a framed command message (eager or rendezvous
	// header, or an ACK) to the peer.
	Send func(ctx context.Context, opID types.UID, msg *types.CommandMessage) error

	// RDMARead posts a pull of length bytes starting at remote's
	// window into local at localOffset — used by Transport.Get; its
	// completion arrives asynchronously as CompletionRDMARead.
	RDMARead func(ctx context.Context, opID types.UID, local []byte, localOffset uint64, remote types.RBD, length uint64) error

	// PullRendezvous blocks until it has pulled length bytes starting
	// at remote's window into local at localOffset. It exists
	// separately from RDMARead because the progress engine calls it
	// synchronously, inline with handling one message at a time, to
	// satisfy a long send's target-side GetIssued->GetComplete step
	// (spec.md §4.8); unlike RDMARead it never produces a
	// Completions() entry of its own.
	PullRendezvous func(ctx context.Context, local []byte, localOffset uint64, remote types.RBD, length uint64) error

	// RDMAWrite posts a push of length bytes from local at
	// localOffset into remote's window at remoteOffset — used by
	// Transport.Put.
	RDMAWrite func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, local []byte, localOffset uint64, length uint64) error

	// FetchAdd posts a 64-bit remote fetch-and-add.
	FetchAdd func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, operand uint64) error

	// CompareSwap posts a 64-bit remote compare-and-swap.
	CompareSwap func(ctx context.Context, opID types.UID, remote types.RBD, remoteOffset uint64, compare, swap uint64) error

	// Close releases provider resources for this connection (queue
	// pairs, MPI rank bookkeeping, sockets).
	Close func() error

	// Identity returns the provider-reported remote PID, used to
	// populate Connection.fingerprint.
	Identity func() string
}

// Provider is the capability trait spec.md §9 calls for: a tagged
// variant (verbs or MPI today) the facade holds exactly one of. It
// binds the transport-agnostic core (connection lifecycle, framing,
// progress, freelists) to a specific fabric's wire behavior.
type Provider interface {
	// Name identifies the provider for config.TransportName matching
	// and for log/stat labeling ("verbs", "mpi").
	Name() string

	// Start brings the provider up: opens devices/communicators and
	// begins feeding Completions.
	Start(ctx context.Context, logger types.Logger) error

	// Stop tears the provider down. In-flight operations are left to
	// drain per spec.md §4.10's cancellation contract.
	Stop() error

	// LocalPID is this process's identity as the provider sees it.
	LocalPID() types.PID

	// MTU is the provider-reported maximum command message size.
	MTU() int

	// PackedHandleSize is the provider's fixed packed-handle length,
	// used to frame/unframe command messages (spec.md §3: "packed
	// initiator handle ≤180").
	PackedHandleSize() int

	// Dial establishes outbound provider resources toward params and
	// returns the resulting Conn once usable. Used by the initiator
	// side of Transport.Connect, after rendezvous has exchanged
	// params.
	Dial(ctx context.Context, peer types.PID, params PeerParams) (*Conn, error)

	// Accept consumes inbound provider resources for a peer whose
	// rendezvous request already arrived. Used by the target side.
	Accept(ctx context.Context, peer types.PID, params PeerParams) (*Conn, error)

	// LocalParams returns the parameters this provider wants advertised
	// over the rendezvous channel for inbound connections to use.
	LocalParams() PeerParams

	// Completions is the single shared completion source the progress
	// engine polls; every Conn this provider hands out posts its
	// completions here (spec.md §4.10's "several completion sources"
	// collapse here since the progress engine is single-threaded
	// regardless of how many connections are open).
	Completions() <-chan Completion
}
