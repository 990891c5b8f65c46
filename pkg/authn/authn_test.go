package authn

import (
	"errors"
	"testing"
)

func TestAuthenticateAgentBearer(t *testing.T) {
	v := NewVerifier("s3cret")
	id, err := v.AuthenticateAgentBearer("Bearer s3cret", "agent_7")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id.ActorID != "agent_7" {
		t.Fatalf("unexpected actor %q", id.ActorID)
	}
	id, _ = v.AuthenticateAgentBearer("Bearer s3cret ", "")
	if id == nil || id.ActorID != "agent" {
		t.Fatalf("expected default actor")
	}
	for _, h := range []string{"", "Bearer", "Bearer wrong", "Basic s3cret", "bearer s3cret"} {
		if _, err := v.AuthenticateAgentBearer(h, ""); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("header %q: expected unauthorized, got %v", h, err)
		}
	}
}

func TestNilVerifierRejects(t *testing.T) {
	v := NewVerifier("  ")
	if v != nil {
		t.Fatalf("expected nil verifier for empty token")
	}
	if _, err := v.AuthenticateAgentBearer("Bearer x", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("a") != HashToken("a") || HashToken("a") == HashToken("b") {
		t.Fatalf("unexpected hash behaviour")
	}
}
