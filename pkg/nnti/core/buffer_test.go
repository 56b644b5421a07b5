package core

import (
	"testing"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func TestBufferTable_RegisterAddrLookupRoundTrip(t *testing.T) {
	bt := NewBufferTable()
	buf := bt.Register(make([]byte, 16), 0, nil, nil, nil)

	addr := bt.Addr(buf.ID)
	if addr == 0 {
		t.Fatalf("a registered buffer must never get the reserved 0 address")
	}
	if got := bt.LookupAddr(addr); got != buf {
		t.Fatalf("LookupAddr(Addr(id)) should round-trip to the same buffer")
	}
	if got := bt.LookupAddr(0); got != nil {
		t.Fatalf("address 0 must always resolve to nil (unexpected-message sentinel)")
	}
}

func TestBufferTable_AllocOwnsItsMemory(t *testing.T) {
	bt := NewBufferTable()
	buf := bt.Alloc(32, 0, nil, nil, nil)
	if !buf.Owned {
		t.Fatalf("Alloc should mark the buffer as transport-owned")
	}
	if len(buf.Data) != 32 {
		t.Fatalf("expected 32 bytes of backing memory, got %d", len(buf.Data))
	}
}

func TestBufferTable_UnregisterRefusesWhileReferenced(t *testing.T) {
	bt := NewBufferTable()
	buf := bt.Register(make([]byte, 8), 0, nil, nil, nil)

	bt.Ref(buf.ID)
	if err := bt.Unregister(buf.ID); types.StatusOf(err) != types.EINVAL {
		t.Fatalf("expected EINVAL while a ref is outstanding, got %v", err)
	}

	bt.Unref(buf.ID)
	if err := bt.Unregister(buf.ID); err != nil {
		t.Fatalf("unexpected error once the ref is released: %v", err)
	}
	if bt.Get(buf.ID) != nil {
		t.Fatalf("buffer should no longer be registered")
	}
	if bt.LookupAddr(bt.Addr(buf.ID)) != nil {
		t.Fatalf("unregistered buffer's address must no longer resolve")
	}
}

func TestBufferTable_UnregisterUnknownID(t *testing.T) {
	bt := NewBufferTable()
	if err := bt.Unregister(types.GenerateUID()); types.StatusOf(err) != types.ENOENT {
		t.Fatalf("expected ENOENT for an unregistered id, got %v", err)
	}
}
