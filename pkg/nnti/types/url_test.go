package types

import "testing"

func TestParseURL_Basic(t *testing.T) {
	u, err := ParseURL("verbs://10.0.0.5:9100/connect?host=10.0.0.5&port=9100&qp=4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Scheme != "verbs" || u.Host != "10.0.0.5" || u.Port != 9100 || u.Path != "/connect" {
		t.Fatalf("unexpected parse result: %+v", u)
	}
	if v, ok := u.Get("qp"); !ok || v != "4" {
		t.Fatalf("expected qp=4, got %q ok=%v", v, ok)
	}
}

func TestParseURL_InvalidPort(t *testing.T) {
	if _, err := ParseURL("verbs://host:99999/"); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestParseURL_EmptyHost(t *testing.T) {
	if _, err := ParseURL("verbs:///path"); err == nil {
		t.Fatalf("expected error for empty host")
	}
}

func TestURL_ToPID_Deterministic(t *testing.T) {
	u, err := ParseURL("verbs://10.1.2.3:4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p1, err := u.ToPID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := u.ToPID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("to_pid is not deterministic: %v != %v", p1, p2)
	}
	if p1.IP().String() != "10.1.2.3" || p1.Port() != 4000 {
		t.Fatalf("unexpected pid decode: ip=%v port=%d", p1.IP(), p1.Port())
	}
}
