/*
File: internal/auth/token.go
Description: Verifies signed client credentials and decodes the claims a
front machine needs (connection, front_machine, session, user).
*/

// Package auth contains the connection authentication pipeline: token
// verification followed by session authentication.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// TokenConfig holds the verification parameters of issued tokens.
type TokenConfig struct {
	Algorithm string
	// Secret is the shared key for HS* algorithms.
	Secret string
	// PublicKeyPEM is the verification key for RS*, PS* and ES* algorithms.
	PublicKeyPEM string
	Audience     string
	Subject      string
	Issuer       string
}

// Verifier implements edge.TokenVerifier.
type Verifier struct {
	options []jwt.ParseOption
	logger  *slog.Logger
}

// NewVerifier resolves the signing algorithm and key once.
func NewVerifier(cfg TokenConfig, logger *slog.Logger) (*Verifier, error) {
	var alg jwa.SignatureAlgorithm
	if err := alg.Accept(cfg.Algorithm); err != nil {
		return nil, fmt.Errorf("unsupported jwt algorithm %q: %w", cfg.Algorithm, err)
	}
	if alg == jwa.NoSignature {
		return nil, fmt.Errorf("unsigned tokens are not accepted")
	}

	var key any
	if strings.HasPrefix(alg.String(), "HS") {
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwt secret is required for %s", alg)
		}
		key = []byte(cfg.Secret)
	} else {
		if cfg.PublicKeyPEM == "" {
			return nil, fmt.Errorf("jwt public key is required for %s", alg)
		}
		parsed, err := jwk.ParseKey([]byte(cfg.PublicKeyPEM), jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwt public key: %w", err)
		}
		key = parsed
	}

	options := []jwt.ParseOption{
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Subject != "" {
		options = append(options, jwt.WithSubject(cfg.Subject))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}

	return &Verifier{
		options: options,
		logger:  logger.With("component", "TokenVerifier"),
	}, nil
}

// Verify checks signature, expiry, audience, subject and issuer, then decodes the private claims.
// Every failure wraps edge.ErrInvalidToken.
func (v *Verifier) Verify(_ context.Context, token string) (*edge.DecodedToken, error) {
	v.logger.Debug("Verifying token")
	tok, err := jwt.Parse([]byte(token), v.options...)
	if err != nil {
		v.logger.Debug("Token rejected", "err", err)
		return nil, fmt.Errorf("%w, %s", edge.ErrInvalidToken, err)
	}

	decoded, err := decodeClaims(tok.PrivateClaims())
	if err != nil {
		v.logger.Debug("Token claims rejected", "err", err)
		return nil, fmt.Errorf("%w, %s", edge.ErrInvalidToken, err)
	}
	v.logger.Debug("Token verified and decoded", "session", decoded.Session.ID, "user", decoded.User.ID)
	return decoded, nil
}

// claimAliases maps the short claim names used by older brokers.
var claimAliases = map[string]string{
	"conn": "connection",
	"fm":   "front_machine",
}

func decodeClaims(private map[string]any) (*edge.DecodedToken, error) {
	claims := make(map[string]any, len(private))
	for name, value := range private {
		claims[name] = value
	}
	for short, long := range claimAliases {
		if value, ok := claims[short]; ok {
			if _, exists := claims[long]; !exists {
				claims[long] = value
			}
		}
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("unreadable claims: %w", err)
	}
	var decoded edge.DecodedToken
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("malformed claims: %w", err)
	}
	switch {
	case decoded.FrontMachine.ID == "":
		return nil, fmt.Errorf("missing front_machine.id claim")
	case decoded.Session.ID == "":
		return nil, fmt.Errorf("missing session.id claim")
	case decoded.User.ID == "":
		return nil, fmt.Errorf("missing user.id claim")
	}
	return &decoded, nil
}
