package types

import "testing"

func TestRBD_WindowInvariant(t *testing.T) {
	r, err := NewRBD(10, 100, 256, []byte("handle"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Offset()+r.Length() > 256 || r.Length() == 0 {
		t.Fatalf("initial rbd violates invariant: offset=%d length=%d", r.Offset(), r.Length())
	}
}

func TestRBD_IncreaseOffsetThenDecreaseLengthZero_PreservesUpperBound(t *testing.T) {
	r, err := NewRBD(0, 100, 256, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := r.Offset() + r.Length()

	if err := r.IncreaseOffset(20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.DecreaseLength(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := r.Offset() + r.Length()
	if before != after {
		t.Fatalf("upper bound not preserved: before=%d after=%d", before, after)
	}
	if r.Offset() != 20 || r.Length() != 80 {
		t.Fatalf("unexpected window after increase_offset(20): offset=%d length=%d", r.Offset(), r.Length())
	}
}

func TestRBD_OutOfBoundsOpsFailWithoutMutating(t *testing.T) {
	r, err := NewRBD(0, 50, 256, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offBefore, lenBefore := r.Offset(), r.Length()

	if err := r.IncreaseOffset(51); err == nil {
		t.Fatalf("expected error sliding past original window")
	}
	if err := r.DecreaseLength(51); err == nil {
		t.Fatalf("expected error shrinking past zero")
	}
	if err := r.TrimToLength(51); err == nil {
		t.Fatalf("expected error growing window via trim_to_length")
	}

	if r.Offset() != offBefore || r.Length() != lenBefore {
		t.Fatalf("failed operation mutated the rbd: offset=%d (want %d) length=%d (want %d)",
			r.Offset(), offBefore, r.Length(), lenBefore)
	}
}

func TestRBD_PackUnpackRoundTrip(t *testing.T) {
	r, err := NewRBD(4, 60, 256, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	packed := r.Pack()
	unpacked, err := UnpackRBD(packed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unpacked.Offset() != r.Offset() || unpacked.Length() != r.Length() {
		t.Fatalf("round trip mismatch: got offset=%d length=%d", unpacked.Offset(), unpacked.Length())
	}
}

func TestNewRBD_RejectsZeroLength(t *testing.T) {
	if _, err := NewRBD(0, 0, 256, nil); err == nil {
		t.Fatalf("expected error for zero length")
	}
}

func TestNewRBD_RejectsOversizeBlob(t *testing.T) {
	big := make([]byte, MaxNetBufferRemoteSize)
	if _, err := NewRBD(0, 10, 256, big); err == nil {
		t.Fatalf("expected error for oversize provider blob")
	}
}
