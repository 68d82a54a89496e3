package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{ErrAuth, ErrNotFound, ErrValidation, ErrProcess, ErrPortExhausted, ErrBuild, ErrBadRequest, ErrInternal, ""} {
		if !IsKnownCode(code) {
			t.Fatalf("code %q should be known", code)
		}
	}
	if IsKnownCode("E_NOPE") {
		t.Fatalf("unexpected code accepted")
	}
}

func TestDecodeBase(t *testing.T) {
	base, err := DecodeBase([]byte(`{"type":"world.join","world_id":"w1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Type != TypeWorldJoin {
		t.Fatalf("type = %q, want %q", base.Type, TypeWorldJoin)
	}
	if _, err := DecodeBase([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
