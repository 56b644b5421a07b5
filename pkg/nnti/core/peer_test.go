package core

import (
	"net"
	"testing"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func TestPeer_PackUnpackRoundTrip(t *testing.T) {
	pid, err := types.NewPID(net.IPv4(10, 0, 0, 7), 9000)
	if err != nil {
		t.Fatalf("NewPID: %v", err)
	}
	p := &Peer{PID: pid, Packed: []byte("provider-specific descriptor")}

	got, err := UnpackPeer(p.Pack())
	if err != nil {
		t.Fatalf("UnpackPeer: %v", err)
	}
	if got.PID != p.PID {
		t.Fatalf("expected pid %s, got %s", p.PID, got.PID)
	}
	if string(got.Packed) != string(p.Packed) {
		t.Fatalf("expected packed descriptor %q, got %q", p.Packed, got.Packed)
	}
}

func TestUnpackPeer_RejectsShortInput(t *testing.T) {
	if _, err := UnpackPeer(make([]byte, 4)); err == nil {
		t.Fatalf("expected an error unpacking a too-short blob")
	}
}

func TestPeer_ConnSetConnRoundTrip(t *testing.T) {
	p := &Peer{}
	if p.Conn() != nil {
		t.Fatalf("expected a fresh Peer to have no connection")
	}
	c := &Connection{}
	p.SetConn(c)
	if p.Conn() != c {
		t.Fatalf("expected SetConn/Conn to round trip the same connection")
	}
}
