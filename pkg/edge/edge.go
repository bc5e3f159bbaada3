// Package edge consolidates the core domain types, events and contracts for
// a front machine: one edge instance terminating real-time client connections.
package edge

// FrontMachine identifies one running edge instance.
type FrontMachine struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// Session is the relational record a token is issued against.
type Session struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Policy   string `json:"policy"`
}

// User is the identity a connection is bound to once authorized.
type User struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
}

// ConnectionClaim carries the client address the token was issued for.
type ConnectionClaim struct {
	IP string `json:"ip"`
}

// FrontMachineClaim names the single front machine the token is valid on.
type FrontMachineClaim struct {
	ID string `json:"id"`
}

// SessionClaim references the session record backing the token.
type SessionClaim struct {
	ID string `json:"id"`
}

// DecodedToken is the verified payload of a client credential. It is never persisted.
type DecodedToken struct {
	Connection   ConnectionClaim   `json:"connection"`
	FrontMachine FrontMachineClaim `json:"front_machine"`
	Session      SessionClaim      `json:"session"`
	User         User              `json:"user"`
}
