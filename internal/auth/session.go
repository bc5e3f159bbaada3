package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// SessionConfig controls how strictly a decoded token is matched against its connection.
type SessionConfig struct {
	// FrontMachineID is the id of the running instance.
	FrontMachineID string
	// IPAffinity additionally requires the client address to match the token's conn.ip claim.
	IPAffinity bool
}

// Authenticator implements edge.SessionAuthenticator.
type Authenticator struct {
	fmID       string
	ipAffinity bool
	repo       edge.Repository
	logger     *slog.Logger
}

// NewAuthenticator is the constructor for the Authenticator.
func NewAuthenticator(cfg SessionConfig, repo edge.Repository, logger *slog.Logger) (*Authenticator, error) {
	if repo == nil {
		return nil, fmt.Errorf("session repository cannot be nil")
	}
	if cfg.FrontMachineID == "" {
		return nil, fmt.Errorf("front machine id cannot be empty")
	}
	return &Authenticator{
		fmID:       cfg.FrontMachineID,
		ipAffinity: cfg.IPAffinity,
		repo:       repo,
		logger:     logger.With("component", "SessionAuthenticator"),
	}, nil
}

// Auth resolves conn to authorized or rejected. The front machine is checked
// first, so a token issued for another instance never reaches the repository.
func (a *Authenticator) Auth(ctx context.Context, conn *edge.Connection, token *edge.DecodedToken) error {
	log := a.logger.With("conn_id", conn.ID)
	if token == nil {
		return a.reject(conn, log, fmt.Errorf("%w, empty token", edge.ErrInvalidToken))
	}
	log = log.With("session", token.Session.ID)

	if token.FrontMachine.ID != a.fmID {
		log.Warn("Token issued for another front machine", "token_fm", token.FrontMachine.ID)
		return a.reject(conn, log, edge.ErrFrontMachineMismatch)
	}

	if a.ipAffinity && !sameAddr(conn.RemoteIP, token.Connection.IP) {
		log.Warn("Client address does not match token", "remote_ip", conn.RemoteIP, "token_ip", token.Connection.IP)
		return a.reject(conn, log, edge.ErrIPMismatch)
	}

	session, err := a.repo.GetSession(ctx, token.Session.ID)
	if err != nil {
		log.Error("Session lookup failed", "err", err)
		return a.reject(conn, log, fmt.Errorf("%w: %w", edge.ErrAuthUnavailable, err))
	}
	if session == nil {
		log.Warn("Session not found")
		return a.reject(conn, log, edge.ErrSessionMissing)
	}

	if err := conn.Authorize(token.User); err != nil {
		return err
	}
	log.Info("Connection authorized", "user", token.User.ID, "device", token.User.DeviceID)
	return nil
}

func (a *Authenticator) reject(conn *edge.Connection, log *slog.Logger, cause error) error {
	if err := conn.Reject(); err != nil {
		log.Debug("Connection already resolved", "state", conn.State().String())
	}
	return cause
}

// sameAddr compares two addresses after unmapping IPv4-in-IPv6, so
// ::ffff:10.0.0.7 equals 10.0.0.7. Anything unparsable never matches.
func sameAddr(remote, claimed string) bool {
	r, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	c, err := netip.ParseAddr(claimed)
	if err != nil {
		return false
	}
	return r.Unmap() == c.Unmap()
}
