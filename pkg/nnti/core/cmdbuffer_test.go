package core

import (
	"testing"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func TestNewCommandBuffer_RejectsDepthBelowTwo(t *testing.T) {
	if _, err := NewCommandBuffer(1, 4096); types.StatusOf(err) != types.EINVAL {
		t.Fatalf("expected EINVAL for depth below 2, got %v", err)
	}
}

func TestCommandBuffer_AcquireRepostCycle(t *testing.T) {
	cb, err := NewCommandBuffer(2, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", cb.Depth())
	}

	a := cb.Acquire()
	b := cb.Acquire()
	if a == nil || b == nil {
		t.Fatalf("expected two free slots to acquire")
	}
	if a.Index == b.Index {
		t.Fatalf("expected distinct slots, got the same index twice")
	}
	if len(a.Raw) != 64 || len(b.Raw) != 64 {
		t.Fatalf("expected each slot's backing array sized to the mtu")
	}

	if cb.Acquire() != nil {
		t.Fatalf("expected nil once every slot is acquired")
	}

	cb.Repost(a)
	reacquired := cb.Acquire()
	if reacquired == nil || reacquired.Index != a.Index {
		t.Fatalf("expected Repost to return exactly slot a to the free set")
	}
}

func TestCommandBuffer_SlotLooksUpByIndex(t *testing.T) {
	cb, _ := NewCommandBuffer(3, 32)
	s := cb.Slot(2)
	if s.Index != 2 {
		t.Fatalf("expected Slot(2) to return the slot with index 2, got %d", s.Index)
	}
}
