// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package sec implements token-based identity for the HTTP surface.

The engine itself only cares about a username and a super-user flag; this
package turns those into signed JWTs for the transport layer and back.

Architecture:

  - TokenService: Issues and verifies HMAC-signed JWTs.
  - AuthClaims: The identity the middleware injects into request context.
*/
package sec

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthClaims is the authenticated identity attached to a request.
type AuthClaims struct {
	// Username is the engine principal, matched against user_account.
	Username string
	// IsSuper marks a principal that bypasses authorization checks.
	IsSuper bool
}

// tokenClaims is the JWT payload.
type tokenClaims struct {
	IsSuper bool `json:"isSuper"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies access tokens.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService constructs a [TokenService] from a shared secret.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("sec: session secret is required")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer}, nil
}

// Generate creates a signed token for the given identity.
func (s *TokenService) Generate(claims AuthClaims, timeToLive time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		IsSuper: claims.IsSuper,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Username,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(timeToLive)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sec: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string, returning the identity.
func (s *TokenService) Verify(tokenString string) (*AuthClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &tokenClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("sec: unexpected signing method %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("sec: verify token: %w", err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("sec: invalid token claims")
	}

	return &AuthClaims{Username: claims.Subject, IsSuper: claims.IsSuper}, nil
}
