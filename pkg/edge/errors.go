package edge

import "errors"

const genericRejection = "authentication failed"

var (
	// ErrMissingToken is returned when a client connects without a credential.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when signature, expiry or claim checks fail.
	ErrInvalidToken = errors.New("invalid token")
	// ErrFrontMachineMismatch is returned for a token scoped to another front machine.
	ErrFrontMachineMismatch = errors.New("auth error, client attempts to connect un-appointed front machine")
	// ErrIPMismatch is returned in IP-affinity mode when the client address does not match the token.
	ErrIPMismatch = errors.New("auth error, client ip does not match issued token")
	// ErrSessionMissing is returned when the token's session no longer exists.
	ErrSessionMissing = errors.New("auth error, session not found")
	// ErrAuthUnavailable is returned when the session lookup itself failed.
	ErrAuthUnavailable = errors.New("auth error, session repository failed")
	// ErrStorage wraps transport or storage failures of the relational store.
	ErrStorage = errors.New("storage error")
	// ErrNotAuthorized is returned when bus channels are requested for an unauthorized connection.
	ErrNotAuthorized = errors.New("connection is not authorized")
	// ErrAlreadyResolved is returned when a connection's authorization state is set twice.
	ErrAlreadyResolved = errors.New("connection authorization already resolved")
	// ErrNotRegistered is returned by registry operations that need an active registration.
	ErrNotRegistered = errors.New("front machine is not registered")
)

var rejectionCauses = []error{
	ErrMissingToken,
	ErrInvalidToken,
	ErrFrontMachineMismatch,
	ErrIPMismatch,
	ErrSessionMissing,
	ErrAuthUnavailable,
}

// RejectReason renders the reason string sent to a client whose authentication failed.
// With verbose unset only the taxonomy message is returned, never wrapped detail.
func RejectReason(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	if verbose {
		return err.Error()
	}
	for _, cause := range rejectionCauses {
		if errors.Is(err, cause) {
			return cause.Error()
		}
	}
	return genericRejection
}
