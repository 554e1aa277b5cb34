package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingSigningSecret = errors.New("gateway tokens: signing secret required")
	ErrMissingIssuer        = errors.New("gateway tokens: issuer required")
	ErrMissingAudience      = errors.New("gateway tokens: audience required")
	ErrInvalidTTL           = errors.New("gateway tokens: ttl must be positive")
	ErrMissingToken         = errors.New("gateway tokens: token required")
	ErrInvalidToken         = errors.New("gateway tokens: invalid token")
	ErrExpiredToken         = errors.New("gateway tokens: token expired")
	ErrMissingPlatform      = errors.New("gateway tokens: platform subject required")
)

// TokenIssuerConfig configures the gateway token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// GatewayClaims identify the chat-platform gateway a request comes from.
type GatewayClaims struct {
	Platform  string
	ExpiresAt time.Time
}

// TokenIssuer issues and validates HS256 tokens for chat-platform gateways.
// The token subject is the platform the gateway speaks for.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with validated configuration.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssueGatewayToken signs a token for platform and returns it with its expiry.
func (i *TokenIssuer) IssueGatewayToken(_ context.Context, platform string) (string, time.Time, error) {
	platform = strings.TrimSpace(platform)
	if platform == "" {
		return "", time.Time{}, ErrMissingPlatform
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	registered := jwt.RegisteredClaims{
		Subject:   platform,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, registered).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken checks signature, issuer, audience and expiry.
func (i *TokenIssuer) ValidateToken(tokenString string) (GatewayClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return GatewayClaims{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return GatewayClaims{}, ErrExpiredToken
		}
		return GatewayClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return GatewayClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return GatewayClaims{}, ErrMissingPlatform
	}

	result := GatewayClaims{Platform: claims.Subject}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// ValidateRequest extracts the bearer token from the Authorization header.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (GatewayClaims, error) {
	if r == nil {
		return GatewayClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return GatewayClaims{}, ErrMissingToken
	}
	return i.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
