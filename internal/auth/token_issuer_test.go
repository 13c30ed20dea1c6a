package auth

import (
	"testing"
	"time"
)

func TestTokenIssuerTokensPassValidation(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("super-secret"),
		CookieName:    DefaultCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	tokenString, expiresAt, err := issuer.Issue("user-123", "Ada", "admin")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != "user-123" || claims.UserID != "user-123" {
		t.Fatalf("unexpected subject %s/%s", claims.Subject, claims.UserID)
	}
	if claims.UserDisplayName != "Ada" {
		t.Fatalf("unexpected display name %q", claims.UserDisplayName)
	}
	if !claims.HasRole("admin") || claims.HasRole("editor") {
		t.Fatalf("unexpected roles %#v", claims.UserRoles)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{TokenTTL: 30 * time.Minute})
	if err == nil {
		t.Fatalf("expected constructor to reject missing secret")
	}
}

func TestTokenIssuerRejectsEmptySubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("super-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue("  ", "nobody"); err == nil {
		t.Fatalf("expected empty subject to be rejected")
	}
}
