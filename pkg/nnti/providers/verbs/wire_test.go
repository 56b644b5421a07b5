package verbs

import (
	"bytes"
	"testing"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("an rdma request payload")
	if err := writeFrame(&buf, frameRDMAWriteReq, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	kind, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != frameRDMAWriteReq {
		t.Fatalf("expected frameRDMAWriteReq, got %v", kind)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestWriteReadFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, frameCommand, nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	kind, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != frameCommand || len(got) != 0 {
		t.Fatalf("expected an empty frameCommand payload, got kind=%v len=%d", kind, len(got))
	}
}

func TestPutGetUID_RoundTrip(t *testing.T) {
	id := types.GenerateUID()
	b := make([]byte, uidWireLen)
	putUID(b, id)
	if got := getUID(b); got != id {
		t.Fatalf("expected uid %q, got %q", id, got)
	}
}

func TestEncodeDecodeRDMARequest_RoundTrip(t *testing.T) {
	id := types.GenerateUID()
	rbd, err := types.NewRBD(4, 16, 64, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("NewRBD: %v", err)
	}

	encoded := encodeRDMARequest(id, rbd)
	gotID, gotRBD, rest, err := decodeRDMARequestPrefix(encoded)
	if err != nil {
		t.Fatalf("decodeRDMARequestPrefix: %v", err)
	}
	if gotID != id {
		t.Fatalf("expected id %q, got %q", id, gotID)
	}
	if gotRBD.Offset() != rbd.Offset() || gotRBD.Length() != rbd.Length() {
		t.Fatalf("expected rbd window [%d,%d), got [%d,%d)", rbd.Offset(), rbd.Offset()+rbd.Length(), gotRBD.Offset(), gotRBD.Offset()+gotRBD.Length())
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes for a bare request, got %d", len(rest))
	}
}

func TestDecodeRDMARequestPrefix_RejectsShortInput(t *testing.T) {
	if _, _, _, err := decodeRDMARequestPrefix(make([]byte, 4)); err == nil {
		t.Fatalf("expected an error decoding a too-short prefix")
	}
}
