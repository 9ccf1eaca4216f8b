// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid, invalid, expired, unsigned, and foreign-audience tokens plus secret length

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var tokenTestSecret = []byte("token-test-secret-is-32-bytes!!!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(tokenTestSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrSecretTooShort", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("operator", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "operator" {
		t.Errorf("Verify() = %q, want %q", got, "operator")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-different-secret-of-32-bytes!!"))
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	wrongSecret, _ := other.Generate("operator", time.Hour)

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", wrongSecret},
		{"alg none", unsigned},
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
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("operator", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": TokenIssuer,
		"aud": TokenIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(tokenTestSecret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}

	if _, err := verifier.Generate("", time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate(\"\") error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_ScopedToRelay(t *testing.T) {
	verifier := newTestVerifier(t)
	exp := time.Now().Add(time.Hour).Unix()

	sign := func(claims jwt.MapClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tokenTestSecret)
		if err != nil {
			t.Fatalf("signing token: %v", err)
		}
		return token
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"other audience", sign(jwt.MapClaims{"sub": "operator", "iss": TokenIssuer, "aud": "coven-admin", "exp": exp}), ErrInvalidToken},
		{"other issuer", sign(jwt.MapClaims{"sub": "operator", "iss": "someone-else", "aud": TokenIssuer, "exp": exp}), ErrInvalidToken},
		{"no issuer or audience", sign(jwt.MapClaims{"sub": "operator", "exp": exp}), ErrMissingClaim},
		{"no expiry", sign(jwt.MapClaims{"sub": "operator", "iss": TokenIssuer, "aud": TokenIssuer}), ErrMissingClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifier_GeneratedClaims(t *testing.T) {
	verifier := newTestVerifier(t)
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	verifier.now = func() time.Time { return issued }

	token, err := verifier.Generate("operator", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if claims.Issuer != TokenIssuer || len(claims.Audience) != 1 || claims.Audience[0] != TokenIssuer {
		t.Errorf("scope = iss %q aud %v, want %q", claims.Issuer, claims.Audience, TokenIssuer)
	}
	if !claims.IssuedAt.Time.Equal(issued) || !claims.ExpiresAt.Time.Equal(issued.Add(time.Hour)) {
		t.Errorf("lifetime = %v..%v, want %v..%v", claims.IssuedAt, claims.ExpiresAt, issued, issued.Add(time.Hour))
	}
}
