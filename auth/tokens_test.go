package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokens_IssueVerify(t *testing.T) {
	tokens, err := NewTokens("secret", 0)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	if tokens.TTL() != DefaultTokenTTL {
		t.Errorf("TTL = %v, want %v", tokens.TTL(), DefaultTokenTTL)
	}

	tok, err := tokens.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	user, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if user != "alice" {
		t.Errorf("user = %q, want alice", user)
	}
}

func TestTokens_Expired(t *testing.T) {
	tokens, _ := NewTokens("secret", time.Minute)
	issued := time.Now()
	tokens.now = func() time.Time { return issued }
	tok, _ := tokens.Issue("alice")

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := tokens.Verify(tok); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("err = %v, want ErrExpiredToken", err)
	}
}

func TestTokens_Invalid(t *testing.T) {
	tokens, _ := NewTokens("secret", time.Minute)
	other, _ := NewTokens("other-secret", time.Minute)
	foreign, _ := other.Issue("alice")

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
	}).SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"wrong secret", foreign},
		{"none algorithm", none},
		{"no subject", noSubject},
		{"no expiry", noExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tokens.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewTokens_EmptySecret(t *testing.T) {
	if _, err := NewTokens("", time.Minute); err == nil {
		t.Error("expected error for empty secret")
	}
}
