package auth_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-session-manager/internal/auth"
	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testSecret = "1234567890"

func defaultTokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Algorithm: "HS256",
		Secret:    testSecret,
		Audience:  "ibc",
		Subject:   "fm auth",
		Issuer:    "bex msg",
	}
}

// tokenClaims builds the standard claim set a broker issues.
func tokenClaims(t *testing.T, modify func(b *jwt.Builder)) jwt.Token {
	t.Helper()
	b := jwt.NewBuilder().
		Audience([]string{"ibc"}).
		Subject("fm auth").
		Issuer("bex msg").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("connection", map[string]any{"ip": "10.0.0.7"}).
		Claim("front_machine", map[string]any{"id": "fm-1"}).
		Claim("session", map[string]any{"id": "s-1"}).
		Claim("user", map[string]any{"id": "u-1", "device_id": "d-1"})
	if modify != nil {
		modify(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	return tok
}

func signHS(t *testing.T, tok jwt.Token, secret string) string {
	t.Helper()
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func TestNewVerifier_Validation(t *testing.T) {
	cfg := defaultTokenConfig()
	cfg.Algorithm = "XX999"
	_, err := auth.NewVerifier(cfg, testLogger)
	assert.Error(t, err)

	cfg = defaultTokenConfig()
	cfg.Secret = ""
	_, err = auth.NewVerifier(cfg, testLogger)
	assert.Error(t, err, "HS256 needs a secret")

	cfg = defaultTokenConfig()
	cfg.Algorithm = "RS256"
	_, err = auth.NewVerifier(cfg, testLogger)
	assert.Error(t, err, "RS256 needs a public key")

	cfg.PublicKeyPEM = "not a pem"
	_, err = auth.NewVerifier(cfg, testLogger)
	assert.Error(t, err)
}

func TestVerifier_Verify(t *testing.T) {
	ctx := context.Background()
	verifier, err := auth.NewVerifier(defaultTokenConfig(), testLogger)
	require.NoError(t, err)

	t.Run("Success - decodes claims", func(t *testing.T) {
		decoded, err := verifier.Verify(ctx, signHS(t, tokenClaims(t, nil), testSecret))
		require.NoError(t, err)
		assert.Equal(t, &edge.DecodedToken{
			Connection:   edge.ConnectionClaim{IP: "10.0.0.7"},
			FrontMachine: edge.FrontMachineClaim{ID: "fm-1"},
			Session:      edge.SessionClaim{ID: "s-1"},
			User:         edge.User{ID: "u-1", DeviceID: "d-1"},
		}, decoded)
	})

	t.Run("Success - accepts short claim names", func(t *testing.T) {
		tok, err := jwt.NewBuilder().
			Audience([]string{"ibc"}).
			Subject("fm auth").
			Issuer("bex msg").
			Expiration(time.Now().Add(time.Hour)).
			Claim("conn", map[string]any{"ip": "10.0.0.8"}).
			Claim("fm", map[string]any{"id": "fm-1"}).
			Claim("session", map[string]any{"id": "s-2"}).
			Claim("user", map[string]any{"id": "u-2", "device_id": "d-2"}).
			Build()
		require.NoError(t, err)

		decoded, err := verifier.Verify(ctx, signHS(t, tok, testSecret))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.8", decoded.Connection.IP)
		assert.Equal(t, "fm-1", decoded.FrontMachine.ID)
	})

	failures := map[string]string{
		"wrong secret": signHS(t, tokenClaims(t, nil), "another-secret"),
		"expired": signHS(t, tokenClaims(t, func(b *jwt.Builder) {
			b.Expiration(time.Now().Add(-time.Minute))
		}), testSecret),
		"wrong audience": signHS(t, tokenClaims(t, func(b *jwt.Builder) {
			b.Audience([]string{"somebody else"})
		}), testSecret),
		"wrong issuer": signHS(t, tokenClaims(t, func(b *jwt.Builder) {
			b.Issuer("mallory")
		}), testSecret),
		"wrong subject": signHS(t, tokenClaims(t, func(b *jwt.Builder) {
			b.Subject("not fm auth")
		}), testSecret),
		"missing fm claim": signHS(t, tokenClaims(t, func(b *jwt.Builder) {
			b.Claim("front_machine", map[string]any{})
		}), testSecret),
		"malformed session claim": signHS(t, tokenClaims(t, func(b *jwt.Builder) {
			b.Claim("session", "s-1")
		}), testSecret),
		"garbage": "not.a.token",
	}
	for name, token := range failures {
		t.Run("Failure - "+name, func(t *testing.T) {
			decoded, err := verifier.Verify(ctx, token)
			assert.Nil(t, decoded)
			require.ErrorIs(t, err, edge.ErrInvalidToken)
			assert.Contains(t, err.Error(), "invalid token, ")
		})
	}
}

func TestVerifier_VerifyES256(t *testing.T) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	require.NoError(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	cfg := defaultTokenConfig()
	cfg.Algorithm = "ES256"
	cfg.Secret = ""
	cfg.PublicKeyPEM = string(publicPEM)
	verifier, err := auth.NewVerifier(cfg, testLogger)
	require.NoError(t, err)

	signed, err := jwt.Sign(tokenClaims(t, nil), jwt.WithKey(jwa.ES256, private))
	require.NoError(t, err)

	decoded, err := verifier.Verify(context.Background(), string(signed))
	require.NoError(t, err)
	assert.Equal(t, "u-1", decoded.User.ID)

	// A token signed with the shared secret must not pass an ES256 verifier.
	_, err = verifier.Verify(context.Background(), signHS(t, tokenClaims(t, nil), testSecret))
	assert.ErrorIs(t, err, edge.ErrInvalidToken)
}
