// Package auth provides JWT issuance and verification for booking actors.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLen = 32

var (
	ErrMissingSecret  = errors.New("auth token secret is required")
	ErrSecretTooShort = errors.New("auth token secret is too short")
	ErrInvalidTTL     = errors.New("auth token ttl must be positive")
	ErrInvalidToken   = errors.New("invalid auth token")
	ErrTokenExpired   = errors.New("auth token expired")
	ErrInvalidSubject = errors.New("invalid token subject")
	ErrInvalidRole    = errors.New("invalid token role")
)

// Claims 预订系统的调用方身份
type Claims struct {
	Role       string `json:"role"`
	ProviderID string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	roles  map[string]struct{}
	clock  func() time.Time
}

// NewTokenManager creates a token manager; roles lists the accepted role claims.
func NewTokenManager(secret string, ttl time.Duration, issuer string, roles ...string) (*TokenManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		roles:  allowed,
		clock:  time.Now,
	}, nil
}

// Issue creates a signed token.
func (m *TokenManager) Issue(subject, role, providerID string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrInvalidSubject
	}
	if !m.roleAllowed(role) {
		return "", ErrInvalidRole
	}
	now := m.clock().UTC()
	claims := Claims{
		Role:       role,
		ProviderID: providerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the token and returns its claims.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, ErrInvalidSubject
	}
	if !m.roleAllowed(claims.Role) {
		return nil, ErrInvalidRole
	}
	return &claims, nil
}

func (m *TokenManager) roleAllowed(role string) bool {
	if len(m.roles) == 0 {
		return role != ""
	}
	_, ok := m.roles[role]
	return ok
}
