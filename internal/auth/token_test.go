// ABOUTME: Unit tests for operator token issuing and verification
// ABOUTME: Tests valid, invalid, expired, unscoped and scoped tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte(testSecret))

	token, err := verifier.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "alice")
	}
	if !claims.HasScope("deploy") {
		t.Error("unscoped token should grant every scope")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte(testSecret))

	otherToken, _ := NewJWTVerifier([]byte("different-secret")).Issue("alice", time.Hour)
	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: otherToken},
		{name: "alg none", token: noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte(testSecret))

	token, err := verifier.Issue("alice", -time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := NewJWTVerifier([]byte(testSecret))

	token, err := verifier.Issue("", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_Scopes(t *testing.T) {
	verifier := NewJWTVerifier([]byte(testSecret))

	token, err := verifier.Issue("ci", time.Hour, "deploy")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if !claims.HasScope("deploy") {
		t.Error("HasScope(deploy) = false, want true")
	}
	if claims.HasScope("apps") {
		t.Error("HasScope(apps) = true, want false")
	}

	var nilClaims *Claims
	if nilClaims.HasScope("deploy") {
		t.Error("nil claims should grant nothing")
	}
}
