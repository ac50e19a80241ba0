package occupancy

import "errors"

var (
	// ErrUnauthorized means the actor is not a member of the business or venue.
	ErrUnauthorized = errors.New("actor not scoped to target")
	// ErrAreaNotFound covers missing, soft-deleted and mismatched-scope areas.
	ErrAreaNotFound = errors.New("area not found")
	// ErrBannedPatron rejects a scan-sourced entry for an actively banned person.
	ErrBannedPatron = errors.New("patron is banned")
	ErrInvalidDelta = errors.New("invalid delta")
	ErrInvalidScope = errors.New("invalid scope")
	// ErrStorageConflict is returned for lock contention, serialization
	// failures and deadlocks. The call is safe to retry with the same
	// idempotency key.
	ErrStorageConflict = errors.New("storage conflict")
)
