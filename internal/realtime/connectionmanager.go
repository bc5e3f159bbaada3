/*
File: internal/realtime/connectionmanager.go
Description: The websocket gateway of a front machine. Every connection goes
through a bounded handshake (verify token, authenticate session), is then
counted by the registry and attached to the message bus, and is released
from both on disconnect whatever the cause.
*/
// Package realtime provides components for managing real-time client connections.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// Membership exposes the registry state served on the control endpoints.
type Membership interface {
	Current() (edge.FrontMachine, bool)
	ListPeers(ctx context.Context, inclusive bool) ([]string, error)
}

// Config holds the gateway settings.
type Config struct {
	Port             string
	HandshakeTimeout time.Duration
	// VerboseReasons sends the full rejection detail to clients.
	VerboseReasons bool
}

// Dependencies are the collaborators of the connection pipeline.
type Dependencies struct {
	Verifier      edge.TokenVerifier
	Authenticator edge.SessionAuthenticator
	Tracker       edge.ConnectionTracker
	Channels      edge.ChannelManager
	Membership    Membership
}

// ConnectionManager manages all active WebSocket connections.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	server   *http.Server
	upgrader websocket.Upgrader
	deps     Dependencies
	cfg      Config

	connections sync.Map // map[string]*client
	active      sync.WaitGroup
	logger      *slog.Logger
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(cfg Config, deps Dependencies, logger *slog.Logger) (*ConnectionManager, error) {
	switch {
	case deps.Verifier == nil:
		return nil, fmt.Errorf("token verifier cannot be nil")
	case deps.Authenticator == nil:
		return nil, fmt.Errorf("session authenticator cannot be nil")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("connection tracker cannot be nil")
	case deps.Channels == nil:
		return nil, fmt.Errorf("channel manager cannot be nil")
	case deps.Membership == nil:
		return nil, fmt.Errorf("membership cannot be nil")
	}
	if cfg.HandshakeTimeout <= 0 {
		return nil, fmt.Errorf("handshake timeout must be positive")
	}

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are authenticated by token, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "ConnectionManager"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	mux.HandleFunc("/healthz", cm.healthHandler)
	mux.HandleFunc("/fms", cm.peersHandler)
	cm.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cm, nil
}

// Handler exposes the HTTP routes, mostly for tests.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info("WebSocket server starting...", "addr", cm.server.Addr)
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every open one and waits
// until each has released its registry and bus resources.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info("Shutting down WebSocket service...")
	var finalErr error

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error("WebSocket server shutdown failed.", "err", err)
		finalErr = err
	}

	cm.connections.Range(func(_, value any) bool {
		value.(*client).close(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		cm.active.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cm.logger.Error("Timed out waiting for connections to release.")
		finalErr = errors.Join(finalErr, ctx.Err())
	}

	cm.logger.Info("WebSocket service shut down.")
	return finalErr
}

// ConnectionCount is the number of open websocket connections, authorized or not.
func (cm *ConnectionManager) ConnectionCount() int {
	n := 0
	cm.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error("Failed to upgrade connection.", "err", err)
		return
	}

	cm.active.Add(1)
	defer cm.active.Done()

	c := newClient(edge.NewConnection(uuid.NewString(), remoteIP(r)), ws)
	log := cm.logger.With("conn_id", c.conn.ID, "remote_ip", c.conn.RemoteIP)

	defer func() {
		if p := recover(); p != nil {
			log.Error("Recovered from panic in connection handler", "panic", p)
		}
	}()
	defer func() {
		if err := ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("error closing connection", "err", err)
		}
	}()

	cm.connections.Store(c.conn.ID, c)
	defer cm.connections.Delete(c.conn.ID)
	defer cm.release(c, log)

	log.Debug("Client connected, awaiting handshake.")

	authErr, timedOut := cm.handshake(c, token)
	if timedOut {
		log.Warn("Handshake timed out, dropping connection.")
		return
	}
	if authErr != nil {
		reason := edge.RejectReason(authErr, cm.cfg.VerboseReasons)
		log.Warn("Client authentication failed", "reason", reason, "err", authErr)
		if err := c.Send(edge.EventAuthFailure, reason); err != nil {
			log.Debug("Failed to send rejection", "err", err)
		}
		c.close(websocket.ClosePolicyViolation, reason)
		return
	}

	if err := c.Send(edge.EventAuthSuccess, nil); err != nil {
		log.Debug("Failed to send authorization, client gone", "err", err)
		return
	}
	user, _ := c.conn.User()
	log = log.With("user", user.ID)

	if err := cm.attach(c); err != nil {
		log.Error("Failed to set up authorized connection", "err", err)
		c.close(websocket.CloseInternalServerErr, "service unavailable, please retry")
		return
	}
	log.Info("Client authenticated.")

	// Read loop (to detect client disconnect)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		log.Debug("Ignoring client frame", "type", msgType, "size", len(data))
	}
	log.Info("Client disconnected.")
}

// handshake authenticates c within the handshake timeout. On timeout it
// closes the socket and waits for the pipeline to settle, so no step can
// complete after the connection has been released.
func (cm *ConnectionManager) handshake(c *client, token string) (authErr error, timedOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.HandshakeTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- cm.authenticate(ctx, c.conn, token)
	}()

	select {
	case err := <-result:
		return err, false
	case <-ctx.Done():
		_ = c.ws.Close()
		<-result
		return ctx.Err(), true
	}
}

// authenticate runs verify then auth. Every failure leaves conn rejected.
func (cm *ConnectionManager) authenticate(ctx context.Context, conn *edge.Connection, token string) error {
	if token == "" {
		_ = conn.Reject()
		return edge.ErrMissingToken
	}
	decoded, err := cm.deps.Verifier.Verify(ctx, token)
	if err != nil {
		_ = conn.Reject()
		return err
	}
	if err := cm.deps.Authenticator.Auth(ctx, conn, decoded); err != nil {
		_ = conn.Reject()
		return err
	}
	return nil
}

// attach counts the connection and provisions its bus channels.
func (cm *ConnectionManager) attach(c *client) error {
	ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.HandshakeTimeout)
	defer cancel()

	if err := cm.deps.Tracker.SetupConnection(ctx, c.conn); err != nil {
		return fmt.Errorf("failed to track connection: %w", err)
	}
	c.tracked = true
	if err := cm.deps.Channels.SetupConnection(ctx, c.conn, c); err != nil {
		return fmt.Errorf("failed to set up bus channels: %w", err)
	}
	return nil
}

// release frees bus channels first, then the registry count. It runs on every
// disconnect, including after a failed or partial setup.
func (cm *ConnectionManager) release(c *client, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.HandshakeTimeout)
	defer cancel()

	if err := cm.deps.Channels.ReleaseConnection(ctx, c.conn); err != nil {
		log.Error("Failed to release bus channels", "err", err)
	}
	if !c.tracked {
		return
	}
	if err := cm.deps.Tracker.ReleaseConnection(ctx, c.conn); err != nil {
		log.Error("Failed to release connection count", "err", err)
	}
}

// --- Control endpoints ---

func (cm *ConnectionManager) healthHandler(w http.ResponseWriter, _ *http.Request) {
	fm, ok := cm.deps.Membership.Current()
	if !ok {
		http.Error(w, "front machine not registered", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"fm_id":       fm.ID,
		"connections": cm.ConnectionCount(),
	})
}

func (cm *ConnectionManager) peersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inclusive := false
	if raw := r.URL.Query().Get("inclusive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "inclusive must be a boolean", http.StatusBadRequest)
			return
		}
		inclusive = v
	}

	ids, err := cm.deps.Membership.ListPeers(r.Context(), inclusive)
	if err != nil {
		cm.logger.Error("Failed to list front machines", "err", err)
		http.Error(w, "failed to list front machines", http.StatusInternalServerError)
		return
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, ids)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// --- Request helpers ---

// tokenFromRequest reads the credential from the token query parameter or a bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
