package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates Keycloak access tokens via JWKS and extracts the
// user identity. The gateway trusts nothing else about the token; all
// authorization happens upstream.
type TokenVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

type identityClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// NewTokenVerifier fetches and caches the realm JWKS, retrying while Keycloak
// may still be starting.
func NewTokenVerifier(keycloakURL, realm string) (*TokenVerifier, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", keycloakURL, realm)
	issuer := fmt.Sprintf("%s/realms/%s", keycloakURL, realm)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:               context.Background(),
			RefreshInterval:   5 * time.Minute,
			RefreshRateLimit:  1 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				slog.Error("JWKS refresh error", "error", err)
			},
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL)

	return &TokenVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates the token and returns the user id
// (preferred_username, falling back to the subject claim).
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}
	if claims.PreferredUsername != "" {
		return claims.PreferredUsername, nil
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no usable identity claim")
	}
	return claims.Subject, nil
}

// Close stops the JWKS background refresh.
func (v *TokenVerifier) Close() {
	v.jwks.EndBackground()
}
