// Package auth implements the broker's bearer-token authentication (C3).
// Tokens are HS256-signed JWTs: a JWT's registered exp/iat claims are
// exactly the "HMAC-SHA256-signed compact bearer string containing an
// expiry" the spec asks for, and golang-jwt/jwt/v5 is already part of the
// dependency stack.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Subject is the fixed claim subject minted into every access token. ccr
// has exactly one class of client, so there is nothing to distinguish.
const Subject = "ccr-client"

// DefaultExpiry matches spec.md §4.3: 24 hours.
const DefaultExpiry = 24 * time.Hour

// SecretSize is the length, in raw bytes, of a generated signing secret.
const SecretSize = 32

// ErrInvalidToken is returned by VerifyAccessToken for any failure —
// bad signature, expiry, or malformed input. Callers treat it as "no
// payload," matching the spec's "returns the payload ... null otherwise."
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Claims is the decoded payload of a valid access token.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateSecret produces a new random signing secret, hex-encoded for
// storage in the config file alongside the rest of persisted state.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateAccessToken signs a new bearer token with secret (hex-encoded, as
// produced by GenerateSecret), expiring after DefaultExpiry.
func CreateAccessToken(secretHex string) (string, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("auth: decode secret: %w", err)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DefaultExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken checks signature and expiry against secretHex and
// returns the decoded claims on success. Any failure collapses to
// ErrInvalidToken so callers never need to distinguish parse errors from
// expiry from bad signatures.
func VerifyAccessToken(tokenString, secretHex string) (*Claims, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
