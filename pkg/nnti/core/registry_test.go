package core

import (
	"net"
	"testing"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func mustPID(t *testing.T, port uint16) types.PID {
	t.Helper()
	pid, err := types.NewPID(net.ParseIP("127.0.0.1"), port)
	if err != nil {
		t.Fatalf("NewPID: %v", err)
	}
	return pid
}

func TestRegistry_InsertGetRemove(t *testing.T) {
	r := NewRegistry()
	pid := mustPID(t, 5000)
	conn := NewConnection(&Peer{PID: pid}, nil)

	r.Insert(conn)
	if got := r.Get(pid); got != conn {
		t.Fatalf("expected to get back the inserted connection, got %v", got)
	}
	if got := r.GetByID(conn.ID); got != conn {
		t.Fatalf("expected GetByID to find the connection")
	}
	if r.Len() != 1 {
		t.Fatalf("expected registry length 1, got %d", r.Len())
	}

	r.Remove(conn)
	if got := r.Get(pid); got != nil {
		t.Fatalf("expected nil after removal, got %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry length 0 after removal, got %d", r.Len())
	}
}

func TestRegistry_InsertIsFirstWins(t *testing.T) {
	r := NewRegistry()
	pid := mustPID(t, 5001)
	first := NewConnection(&Peer{PID: pid}, nil)
	second := NewConnection(&Peer{PID: pid}, nil)

	r.Insert(first)
	r.Insert(second)

	if got := r.Get(pid); got != first {
		t.Fatalf("expected the first-inserted connection to win, got %v", got)
	}
}

func TestRegistry_SnapshotIsPointInTime(t *testing.T) {
	r := NewRegistry()
	r.Insert(NewConnection(&Peer{PID: mustPID(t, 5002)}, nil))
	r.Insert(NewConnection(&Peer{PID: mustPID(t, 5003)}, nil))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 connections in snapshot, got %d", len(snap))
	}

	r.Insert(NewConnection(&Peer{PID: mustPID(t, 5004)}, nil))
	if len(snap) != 2 {
		t.Fatalf("snapshot slice must not observe later inserts, got %d", len(snap))
	}
	if r.Len() != 3 {
		t.Fatalf("expected registry length 3 after the later insert, got %d", r.Len())
	}
}
