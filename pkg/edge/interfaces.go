package edge

import "context"

// Repository is the relational store contract for sessions and front-machine records.
// Lookups return nil without error when the record does not exist; every
// transport or storage failure wraps ErrStorage.
type Repository interface {
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetFMRegistration(ctx context.Context, id string) (*FrontMachine, error)
	SetFMRegistration(ctx context.Context, fm FrontMachine) error
	DeleteFMRegistration(ctx context.Context, id string) error
}

// TokenVerifier validates a client credential and decodes its payload.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*DecodedToken, error)
}

// SessionAuthenticator binds a decoded token to live session state.
type SessionAuthenticator interface {
	Auth(ctx context.Context, conn *Connection, token *DecodedToken) error
}

// ConnectionTracker counts authorized connections of this front machine.
type ConnectionTracker interface {
	SetupConnection(ctx context.Context, conn *Connection) error
	ReleaseConnection(ctx context.Context, conn *Connection) error
}

// EventSender delivers a named event to a connected client.
type EventSender interface {
	Send(event string, data any) error
}

// ChannelManager provisions and releases message-bus delivery paths per connection.
type ChannelManager interface {
	SetupConnection(ctx context.Context, conn *Connection, sender EventSender) error
	ReleaseConnection(ctx context.Context, conn *Connection) error
}
