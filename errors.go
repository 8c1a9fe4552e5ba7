package ice

import "errors"

// Typed errors, grouped by the subsystem that raises them.
var (
	// Configuration
	ErrTooManyServers = errors.New("ice: more than 10 ICE servers configured")
	ErrInvalidPolicy  = errors.New("ice: invalid transport policy")

	// DNS
	ErrHostNotFound = errors.New("ice: host not found")
	ErrDNSTimeout   = errors.New("ice: DNS lookup timed out")

	// Checklist
	ErrNoRemoteCredentials = errors.New("ice: remote credentials not set")
	ErrUnusableCandidate   = errors.New("ice: candidate address cannot be used")

	// Policy
	ErrRelayOnly = errors.New("ice: direct traffic rejected by relay-only policy")

	// Channel
	ErrClosed       = errors.New("ice: channel is closed")
	ErrNotConnected = errors.New("ice: no nominated candidate pair")
)
