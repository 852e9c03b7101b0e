package hooks

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs and verifies bearer tokens scoping a caller to a
// lifecycle-hook subscription pattern; the standalone server issues them
// at POST /_hooks/token. Grounded on fluxor's JWTTokenGenerator pattern.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a TokenIssuer using secret to sign HS256 tokens.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue mints a bearer token scoped to pattern, valid for ttl.
func (t *TokenIssuer) Issue(pattern string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"pattern": pattern,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign hook-bus token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and returns the pattern it authorizes.
func (t *TokenIssuer) Verify(tokenString string) (pattern string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("invalid hook-bus token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("hook-bus token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid hook-bus token claims")
	}
	pattern, ok = claims["pattern"].(string)
	if !ok || pattern == "" {
		return "", fmt.Errorf("hook-bus token missing pattern claim")
	}
	return pattern, nil
}
