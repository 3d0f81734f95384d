package auth

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateSecret_Length(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		t.Fatalf("secret is not valid hex: %v", err)
	}
	if len(raw) != SecretSize {
		t.Fatalf("expected %d raw bytes, got %d", SecretSize, len(raw))
	}
}

func TestCreateAndVerifyAccessToken_RoundTrip(t *testing.T) {
	secret, _ := GenerateSecret()
	token, err := CreateAccessToken(secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims, err := VerifyAccessToken(token, secret)
	if err != nil {
		t.Fatalf("expected valid token, got error: %v", err)
	}
	if claims.Subject != Subject {
		t.Fatalf("expected subject %q, got %q", Subject, claims.Subject)
	}
}

func TestVerifyAccessToken_WrongSecretRejected(t *testing.T) {
	secret, _ := GenerateSecret()
	other, _ := GenerateSecret()
	token, _ := CreateAccessToken(secret)

	if _, err := VerifyAccessToken(token, other); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyAccessToken_ExpiredRejected(t *testing.T) {
	secret, _ := GenerateSecret()
	key, _ := hex.DecodeString(secret)

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * DefaultExpiry)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := VerifyAccessToken(signed, secret); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyAccessToken_GarbageRejected(t *testing.T) {
	secret, _ := GenerateSecret()
	if _, err := VerifyAccessToken("not-a-jwt", secret); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for garbage input, got %v", err)
	}
}

func TestVerifyAccessToken_WrongAlgRejected(t *testing.T) {
	secret, _ := GenerateSecret()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(DefaultExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := VerifyAccessToken(signed, secret); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for alg=none token, got %v", err)
	}
}
