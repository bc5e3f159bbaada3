// Package fakes provides in-memory test doubles (fakes) for the service's
// dependencies. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// --- Repository ---

// Repository is an in-memory edge.Repository. Sessions are seeded by the caller.
type Repository struct {
	mu       sync.RWMutex
	sessions map[string]edge.Session
	fms      map[string]edge.FrontMachine
	logger   *slog.Logger

	// Err, when set, is returned by every call.
	Err error
}

func NewRepository(logger *slog.Logger) *Repository {
	return &Repository{
		sessions: make(map[string]edge.Session),
		fms:      make(map[string]edge.FrontMachine),
		logger:   logger.With("component", "InMemoryRepository"),
	}
}

// PutSession seeds or replaces a session.
func (r *Repository) PutSession(s edge.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// DeleteSession removes a session, as when a user logs out elsewhere.
func (r *Repository) DeleteSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Repository) GetSession(_ context.Context, sessionID string) (*edge.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *Repository) GetFMRegistration(_ context.Context, id string) (*edge.FrontMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	fm, ok := r.fms[id]
	if !ok {
		return nil, nil
	}
	return &fm, nil
}

func (r *Repository) SetFMRegistration(_ context.Context, fm edge.FrontMachine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.logger.Info("[FAKES-REPOSITORY] Front machine record set.", "fm_id", fm.ID)
	r.fms[fm.ID] = fm
	return nil
}

func (r *Repository) DeleteFMRegistration(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.logger.Info("[FAKES-REPOSITORY] Front machine record deleted.", "fm_id", id)
	delete(r.fms, id)
	return nil
}

// --- Channel manager ---

// ChannelManager is an in-process edge.ChannelManager. It keeps the sender of
// every attached connection so messages can be pushed without a broker.
type ChannelManager struct {
	mu      sync.Mutex
	senders map[string]attached
	logger  *slog.Logger
}

type attached struct {
	user   edge.User
	sender edge.EventSender
}

type fakeChannelSet struct {
	release func()
	once    sync.Once
}

func (s *fakeChannelSet) Release() error {
	s.once.Do(s.release)
	return nil
}

func NewChannelManager(logger *slog.Logger) *ChannelManager {
	return &ChannelManager{
		senders: make(map[string]attached),
		logger:  logger.With("component", "InMemoryChannelManager"),
	}
}

func (m *ChannelManager) SetupConnection(_ context.Context, conn *edge.Connection, sender edge.EventSender) error {
	user, ok := conn.User()
	if !ok || conn.State() != edge.AuthAuthorized {
		return edge.ErrNotAuthorized
	}
	set := &fakeChannelSet{release: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.senders, conn.ID)
	}}
	if err := conn.AttachChannels(set); err != nil {
		return err
	}
	m.mu.Lock()
	m.senders[conn.ID] = attached{user: user, sender: sender}
	m.mu.Unlock()
	return nil
}

func (m *ChannelManager) ReleaseConnection(_ context.Context, conn *edge.Connection) error {
	if set := conn.Channels(); set != nil {
		return set.Release()
	}
	return nil
}

// Attached reports how many connections currently hold channels.
func (m *ChannelManager) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders)
}

// Broadcast sends event to every attached connection.
func (m *ChannelManager) Broadcast(event string, data any) {
	for _, a := range m.snapshot() {
		if err := a.sender.Send(event, data); err != nil {
			m.logger.Debug("[FAKES-BUS] Dropping broadcast.", "err", err)
		}
	}
}

// SendToUser sends event to every attached connection of userID.
func (m *ChannelManager) SendToUser(userID, event string, data any) {
	for _, a := range m.snapshot() {
		if a.user.ID != userID {
			continue
		}
		if err := a.sender.Send(event, data); err != nil {
			m.logger.Debug("[FAKES-BUS] Dropping personal message.", "user", userID, "err", err)
		}
	}
}

func (m *ChannelManager) snapshot() []attached {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]attached, 0, len(m.senders))
	for _, a := range m.senders {
		out = append(out, a)
	}
	return out
}
