package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestVerifierGenerateAndValidate(t *testing.T) {
	v, err := NewVerifier("test-secret", "test-issuer")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token, err := v.GenerateToken("user-42", []string{"Staff", "learner", "staff"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := v.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "staff") || !slices.Contains(claims.Roles, "learner") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestVerifierRejectsForeignTokens(t *testing.T) {
	issuer, _ := NewVerifier("secret-a", "entitlements")
	token, err := issuer.GenerateToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	otherSecret, _ := NewVerifier("secret-b", "entitlements")
	if _, err := otherSecret.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	otherIssuer, _ := NewVerifier("secret-a", "someone-else")
	if _, err := otherIssuer.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
	if _, err := issuer.ParseAndValidate("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	v, _ := NewVerifier("secret", "")
	past := time.Now().UTC().Add(-2 * time.Hour)
	v.now = func() time.Time { return past }
	token, err := v.GenerateToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	v.now = func() time.Time { return time.Now().UTC() }
	if _, err := v.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(" ", "x"); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Staff", "Staff", "learner"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, RoleStaff) || !HasRole(ctx, "learner") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatalf("expected no user in empty context")
	}
}
