package types

import "testing"

func TestCommandMessage_PackUnpackRoundTrip(t *testing.T) {
	msg := &CommandMessage{
		Header: CommandHeader{
			InitiatorPID:    PID(0x1122334455),
			InitiatorOffset: 16,
			TargetOffset:    32,
			PayloadLength:   4,
			TargetBaseAddr:  1,
			ID:              7,
			Op:              OpSend,
		},
		PackedHandle: []byte{0xAA, 0xBB},
		EagerPayload: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	packed, err := msg.Pack(4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := UnpackCommandMessage(packed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Header != msg.Header {
		t.Fatalf("header mismatch: got %+v want %+v", out.Header, msg.Header)
	}
	if string(out.EagerPayload) != string(msg.EagerPayload) {
		t.Fatalf("payload mismatch: got %v want %v", out.EagerPayload, msg.EagerPayload)
	}
}

func TestCommandMessage_AckSentinelNeverCollidesWithUnexpected(t *testing.T) {
	unexpected := CommandHeader{TargetBaseAddr: 0}
	ack := CommandHeader{TargetBaseAddr: AckSentinel}
	if unexpected.IsAck() {
		t.Fatalf("unexpected header misread as ACK")
	}
	if !ack.IsAck() {
		t.Fatalf("ack header not recognized")
	}
	if !unexpected.IsUnexpected() {
		t.Fatalf("zero target_base_addr should be unexpected")
	}
}

func TestCommandMessage_PackRejectsOversizeHandle(t *testing.T) {
	msg := &CommandMessage{PackedHandle: make([]byte, maxPackedHandleSize+1)}
	if _, err := msg.Pack(4096); err == nil {
		t.Fatalf("expected error for oversize packed handle")
	}
}

func TestFits(t *testing.T) {
	if !Fits(128, 4, 10) {
		t.Fatalf("small message should fit in 128 byte mtu")
	}
	if Fits(64, 1000, 10) {
		t.Fatalf("1000 byte payload should not fit in 64 byte mtu")
	}
}
