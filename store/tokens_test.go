package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenLifecycle(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	alice := createTestUser(t, r, "alice")

	tok := &Token{UserID: alice.ID, Name: "ci", CanWrite: true}
	raw, err := r.CreateToken(ctx, tok)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if !strings.HasPrefix(raw, "cio_") || len(raw) != len("cio_")+32 {
		t.Fatalf("unexpected raw token shape: %q", raw)
	}
	if tok.TokenPrefix != raw[:len("cio_")+8] {
		t.Errorf("prefix %q does not identify token %q", tok.TokenPrefix, raw)
	}

	got, err := r.ValidateToken(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got.UserID != alice.ID || !got.CanWrite {
		t.Errorf("unexpected token: %+v", got)
	}
	if got.LastUsedAt == nil {
		t.Error("validation must record last use")
	}

	if _, err := r.ValidateToken(ctx, "cio_deadbeefdeadbeefdeadbeefdeadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown token: got %v, want ErrNotFound", err)
	}
}

func TestTokenRevocationIsImmediate(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	alice := createTestUser(t, r, "alice")

	tok := &Token{UserID: alice.ID, Name: "laptop"}
	raw, err := r.CreateToken(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ValidateToken(ctx, raw); err != nil {
		t.Fatalf("validate before revoke: %v", err)
	}
	if err := r.RevokeToken(ctx, tok.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := r.ValidateToken(ctx, raw); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("validate after revoke: got %v, want ErrTokenRevoked", err)
	}
}

func TestDeactivatedAccountTokensRejected(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	alice := createTestUser(t, r, "alice")

	tok := &Token{UserID: alice.ID, Name: "laptop", CanWrite: true}
	raw, err := r.CreateToken(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ValidateToken(ctx, raw); err != nil {
		t.Fatalf("validate before deactivation: %v", err)
	}
	if err := r.SetUserActive(ctx, alice.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, err := r.ValidateToken(ctx, raw); !errors.Is(err, ErrForbidden) {
		t.Fatalf("validate after deactivation: got %v, want ErrForbidden", err)
	}

	// Reactivation restores the token.
	if err := r.SetUserActive(ctx, alice.ID, true); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, err := r.ValidateToken(ctx, raw); err != nil {
		t.Fatalf("validate after reactivation: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	alice := createTestUser(t, r, "alice")

	past := time.Now().Add(-time.Hour)
	tok := &Token{UserID: alice.ID, Name: "old", ExpiresAt: &past}
	raw, err := r.CreateToken(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ValidateToken(ctx, raw); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token: got %v, want ErrTokenExpired", err)
	}
}

func TestListTokens(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()
	alice := createTestUser(t, r, "alice")
	bob := createTestUser(t, r, "bob")

	if _, err := r.CreateToken(ctx, &Token{UserID: alice.ID, Name: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateToken(ctx, &Token{UserID: alice.ID, Name: "two"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateToken(ctx, &Token{UserID: bob.ID, Name: "other"}); err != nil {
		t.Fatal(err)
	}

	tokens, err := r.ListTokens(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok.UserID != alice.ID {
			t.Errorf("foreign token listed: %+v", tok)
		}
	}
}
