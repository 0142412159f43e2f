// ABOUTME: JWT verification for operator tokens on the deploy and registry API
// ABOUTME: HS256 only; the "sub" claim names the operator and "scope" lists grants

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the token grants scope. A token without any
// scope claim is unrestricted.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify validates the signature and expiry and extracts the claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	out := &Claims{Subject: sub}
	if scope, ok := claims["scope"].(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	return out, nil
}

// Issue signs a token for subject. Used by the CLI to mint operator tokens.
func (v *JWTVerifier) Issue(subject string, expiresIn time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
