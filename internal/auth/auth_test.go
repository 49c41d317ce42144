package auth

import (
	"context"
	"testing"
)

func TestValidateTokens(t *testing.T) {
	a := NewStatic(StaticConfig{Tokens: map[string]string{"tok-1": "operator"}})
	ctx := context.Background()

	p, err := a.Validate(ctx, "tok-1", "memory.write")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.ID != "operator" || !p.HasScope("memory.write") {
		t.Fatalf("principal = %+v", p)
	}

	if _, err := a.Validate(ctx, "wrong", ""); err == nil {
		t.Fatal("unknown token accepted")
	}
	if _, err := a.Validate(ctx, "", ""); err == nil {
		t.Fatal("missing token accepted without allow_anonymous")
	}
}

func TestValidateAnonymous(t *testing.T) {
	a := NewStatic(StaticConfig{AllowAnonymous: true})
	p, err := a.Validate(context.Background(), "", "")
	if err != nil {
		t.Fatalf("anonymous validate: %v", err)
	}
	if p.ID != "anonymous" {
		t.Fatalf("principal = %+v", p)
	}
	// An explicit bad token still fails even in anonymous mode.
	if _, err := a.Validate(context.Background(), "bogus", ""); err == nil {
		t.Fatal("bad token accepted in anonymous mode")
	}
}

func TestPrincipalForSync(t *testing.T) {
	a := NewStatic(StaticConfig{PeerSecrets: map[string]string{"machine-b": "shh"}})
	ctx := context.Background()

	id, err := a.PrincipalForSync(ctx, "machine-b", "shh")
	if err != nil || id != "machine-b" {
		t.Fatalf("sync principal = %q, %v", id, err)
	}
	if _, err := a.PrincipalForSync(ctx, "machine-b", "nope"); err == nil {
		t.Fatal("bad secret accepted")
	}
	if _, err := a.PrincipalForSync(ctx, "machine-x", "shh"); err == nil {
		t.Fatal("unknown peer accepted")
	}
}
