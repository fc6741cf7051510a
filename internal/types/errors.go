package types

import "errors"

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrAccessDenied       = errors.New("access denied")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrAllocationRace is returned by storage when a conditional occupancy
	// increment lost to a concurrent writer. The directory retries it.
	ErrAllocationRace  = errors.New("allocation race")
	ErrExternalService = errors.New("external service failure")
	ErrPersistence     = errors.New("persistence failure")
	ErrNotInRoom       = errors.New("not in room")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidMessage  = errors.New("invalid message")
)
