package types

import "errors"

// Error taxonomy for the engine. Components wrap these with fmt.Errorf
// ("...: %w") and callers match with errors.Is.
var (
	// ErrNotFound indicates the named user, client or protocol instance
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName indicates a client or user with the same display
	// name already exists in the namespace.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrCryptoUnavailable indicates the entropy source or key primitive
	// failed. Callers must abort; a fixed substitute key is never issued.
	ErrCryptoUnavailable = errors.New("crypto unavailable")

	// ErrPortRangeExhausted indicates the allocator used up its retry
	// budget and the fallback port was also busy.
	ErrPortRangeExhausted = errors.New("port range exhausted")

	// ErrConfigCorrupt indicates the inbound document fails schema
	// validation and must not be committed or acted upon.
	ErrConfigCorrupt = errors.New("config corrupt")

	// ErrContainerUnhealthy indicates the container restarted but the
	// health probe did not pass within its timeout.
	ErrContainerUnhealthy = errors.New("container unhealthy")

	// ErrPartialRotation indicates key rotation succeeded on the config
	// side but one or more user record updates failed.
	ErrPartialRotation = errors.New("partial rotation")
)
