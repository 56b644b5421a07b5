package core

import (
	"sync"
	"testing"
	"time"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func TestConnection_LifecycleNewToReady(t *testing.T) {
	pid := mustPID(t, 6000)
	conn := NewConnection(&Peer{PID: pid}, nil)
	if conn.State() != ConnNew {
		t.Fatalf("expected new connection in state new, got %s", conn.State())
	}

	closed := false
	pconn := &Conn{
		Close:    func() error { closed = true; return nil },
		Identity: func() string { return "peer-identity" },
	}
	conn.MarkReady(pconn, PeerParams{Addr: "127.0.0.1", Port: 6000})
	if conn.State() != ConnReady {
		t.Fatalf("expected state ready after MarkReady, got %s", conn.State())
	}
	if conn.Conn() != pconn {
		t.Fatalf("expected Conn() to return the provider conn set by MarkReady")
	}
	if conn.Params().Port != 6000 {
		t.Fatalf("expected MarkReady to record peer params, got %+v", conn.Params())
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}
	if !closed {
		t.Fatalf("expected the provider Conn.Close to be invoked")
	}
	if conn.State() != ConnClosed {
		t.Fatalf("expected state closed, got %s", conn.State())
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn := NewConnection(&Peer{PID: mustPID(t, 6001)}, nil)
	calls := 0
	conn.MarkReady(&Conn{Close: func() error { calls++; return nil }}, PeerParams{})

	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close should also succeed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("provider Close should only be invoked once, got %d calls", calls)
	}
}

func TestConnection_CloseDrainsInFlightOps(t *testing.T) {
	conn := NewConnection(&Peer{PID: mustPID(t, 6002)}, nil)
	conn.MarkReady(&Conn{Close: func() error { return nil }}, PeerParams{})

	conn.BeginOp()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Close returned before the in-flight op ended")
	case <-time.After(30 * time.Millisecond):
	}

	conn.EndOp()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close did not return after EndOp released the in-flight op")
	}
	wg.Wait()
}

func TestConnection_MarkErrorNoopAfterClosed(t *testing.T) {
	conn := NewConnection(&Peer{PID: mustPID(t, 6003)}, nil)
	conn.MarkReady(&Conn{Close: func() error { return nil }}, PeerParams{})
	conn.Close()
	conn.MarkError(types.NewError(types.EIO, nil))
	if conn.State() != ConnClosed {
		t.Fatalf("MarkError must not resurrect a closed connection, got %s", conn.State())
	}
}
