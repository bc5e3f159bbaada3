package edge

import (
	"fmt"
	"sync"
)

// AuthState is the authorization state of a connection. It moves from
// pending to authorized or rejected exactly once.
type AuthState int

const (
	AuthPending AuthState = iota
	AuthAuthorized
	AuthRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthorized:
		return "authorized"
	case AuthRejected:
		return "rejected"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// ChannelSet is the handle to the bus resources provisioned for one connection.
// The channel manager that created it is the only one that knows how to release it.
type ChannelSet interface {
	// Release frees every bus resource held by the set. Only the first call has effect.
	Release() error
}

// Connection is one live client connection and its runtime state.
// The bound user and the channel set are populated once, by the transition that produces them.
type Connection struct {
	ID       string
	RemoteIP string

	mu       sync.Mutex
	state    AuthState
	user     *User
	channels ChannelSet
}

// NewConnection creates a pending connection.
func NewConnection(id, remoteIP string) *Connection {
	return &Connection{ID: id, RemoteIP: remoteIP}
}

// State reports the current authorization state.
func (c *Connection) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns the bound user, if the connection was authorized.
func (c *Connection) User() (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

// Authorize binds the user and moves the connection to authorized.
func (c *Connection) Authorize(user User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AuthPending {
		return fmt.Errorf("%w: connection %s is %s", ErrAlreadyResolved, c.ID, c.state)
	}
	c.user = &user
	c.state = AuthAuthorized
	return nil
}

// Reject moves a pending connection to rejected.
func (c *Connection) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AuthPending {
		return fmt.Errorf("%w: connection %s is %s", ErrAlreadyResolved, c.ID, c.state)
	}
	c.state = AuthRejected
	return nil
}

// AttachChannels records the bus channel set of the connection. It fails if one is already attached.
func (c *Connection) AttachChannels(set ChannelSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels != nil {
		return fmt.Errorf("connection %s already has bus channels attached", c.ID)
	}
	c.channels = set
	return nil
}

// Channels returns the attached channel set, or nil.
func (c *Connection) Channels() ChannelSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels
}
