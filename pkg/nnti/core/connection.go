package core

import (
	"fmt"
	"sync"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// ConnState is a Connection's lifecycle position, per spec.md §3/§4.9.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnReady
	ConnError
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnReady:
		return "ready"
	case ConnError:
		return "error"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is owned by the process-wide Registry. It holds the
// provider-specific resources for one peer (for verbs: three queue
// pairs collapsed into one multiplexed Conn, see
// providers/verbs/DESIGN notes; for MPI: the peer's rank), the peer's
// parameters learned via rendezvous, and the lifecycle state machine
// spec.md §4.9 describes.
type Connection struct {
	ID   types.UID
	Peer *Peer

	mu          sync.Mutex
	state       ConnState
	fingerprint string
	params      PeerParams

	provider Provider
	conn     *Conn

	// inflight tracks ops that reference this connection so Close can
	// drain before releasing provider resources (spec.md §9 Open
	// Question (c): "the new implementation must drain and release on
	// the disconnect path").
	inflight sync.WaitGroup
}

// NewConnection builds a new Connection in the "new" state for peer,
// generating its internal id.
func NewConnection(peer *Peer, provider Provider) *Connection {
	c := &Connection{
		ID:       types.GenerateUID(),
		Peer:     peer,
		state:    ConnNew,
		provider: provider,
	}
	peer.SetConn(c)
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Params returns the peer parameters learned via rendezvous.
func (c *Connection) Params() PeerParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// MarkReady transitions new -> ready once the provider Conn is usable
// and peer parameters have been recorded.
func (c *Connection) MarkReady(conn *Conn, params PeerParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.params = params
	c.fingerprint = conn.Identity()
	c.state = ConnReady
}

// MarkError transitions the connection to the error state. Per
// spec.md §7 "Peer-scoped" errors, the caller is responsible for
// failing in-flight ops with EIO and removing the peer from the
// registry; MarkError only records the state.
func (c *Connection) MarkError(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClosed {
		return
	}
	c.state = ConnError
	_ = cause
}

// Conn returns the provider Conn backing this connection, or nil
// before it reaches ready.
func (c *Connection) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// BeginOp records that an operation is about to reference this
// connection, for Close to drain against.
func (c *Connection) BeginOp() {
	c.inflight.Add(1)
}

// EndOp releases a reference recorded by BeginOp.
func (c *Connection) EndOp() {
	c.inflight.Done()
}

// Close drains in-flight operations, then releases provider resources
// and transitions to closed. Close is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.state = ConnClosed
	c.mu.Unlock()

	c.inflight.Wait()

	if conn != nil && conn.Close != nil {
		if err := conn.Close(); err != nil {
			return types.NewError(types.EIO, fmt.Errorf("nnti: closing connection to %s: %w", c.Peer.PID, err))
		}
	}
	return nil
}
