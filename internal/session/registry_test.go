package session

import (
	"testing"
	"time"
)

func TestCreateAndValidate(t *testing.T) {
	r := NewRegistry(4 * time.Hour)
	s, err := r.Create("alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.Token) < 43 { // 32 bytes base64url
		t.Fatalf("token too short: %d chars", len(s.Token))
	}
	if s.Username != "alice" || s.ClientID == "" {
		t.Fatalf("bad session: %+v", s)
	}
	got, err := r.Validate(s.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ClientID != s.ClientID {
		t.Fatalf("client id mismatch")
	}
	if _, err := r.Validate("bogus"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDefaultUsername(t *testing.T) {
	r := NewRegistry(time.Hour)
	s, err := r.Create("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.Username) == 0 || s.Username[:7] != "Player_" {
		t.Fatalf("default username = %q", s.Username)
	}
}

func TestLazyExpiry(t *testing.T) {
	r := NewRegistry(time.Hour)
	now := time.Unix(1_000_000, 0)
	r.SetNow(func() time.Time { return now })

	s, err := r.Create("bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}

	now = now.Add(2 * time.Hour)
	if _, err := r.Validate(s.Token); err != ErrNotFound {
		t.Fatalf("expired session should be not found, got %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("expired session should be evicted, count = %d", r.Count())
	}
}
