package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("gateway-secret"),
		Issuer:        "duffelbag-auth",
		Audience:      "duffelbag-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesGatewayTokens(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	issuer := newIssuer(t, func() time.Time { return now })

	tokenString, expiresAt, err := issuer.IssueGatewayToken(context.Background(), "Discord")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("gateway-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "Discord" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "duffelbag-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "duffelbag-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newIssuer(t, nil)

	tokenString, _, err := issuer.IssueGatewayToken(context.Background(), "Telegram")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Platform != "Telegram" {
		t.Fatalf("unexpected platform %s", claims.Platform)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
	if _, err := issuer.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Now().UTC()
	current := now
	issuer := newIssuer(t, func() time.Time { return current })

	tokenString, _, err := issuer.IssueGatewayToken(context.Background(), "Discord")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	current = now.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAudience(t *testing.T) {
	issuer := newIssuer(t, nil)
	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("gateway-secret"),
		Issuer:        "duffelbag-auth",
		Audience:      "someone-else",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := other.IssueGatewayToken(context.Background(), "Discord")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestTokenIssuerValidateRequest(t *testing.T) {
	issuer := newIssuer(t, nil)
	tokenString, _, err := issuer.IssueGatewayToken(context.Background(), "Discord")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request, _ := http.NewRequest(http.MethodGet, "/v1/accounts/me", http.NoBody)
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing header to fail, got %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+tokenString)
	claims, err := issuer.ValidateRequest(request)
	if err != nil || claims.Platform != "Discord" {
		t.Fatalf("expected request to validate, got %+v, %v", claims, err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  TokenIssuerConfig
		want error
	}{
		{"secret", TokenIssuerConfig{Issuer: "a", Audience: "b", TokenTTL: time.Minute}, ErrMissingSigningSecret},
		{"issuer", TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "b", TokenTTL: time.Minute}, ErrMissingIssuer},
		{"audience", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: " ", TokenTTL: time.Minute}, ErrMissingAudience},
		{"ttl", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: "b"}, ErrInvalidTTL},
	}
	for _, tc := range cases {
		if _, err := NewTokenIssuer(tc.cfg); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestIssueGatewayTokenRequiresPlatform(t *testing.T) {
	issuer := newIssuer(t, nil)
	if _, _, err := issuer.IssueGatewayToken(context.Background(), " "); !errors.Is(err, ErrMissingPlatform) {
		t.Fatalf("expected ErrMissingPlatform, got %v", err)
	}
}
