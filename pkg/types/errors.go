package types

import "errors"

// Caller mistakes. Returned immediately and never retried internally.
var (
	ErrEmptyQuery        = errors.New("empty query")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrInvalidChoice     = errors.New("invalid choice")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidFeedback   = errors.New("invalid feedback")
	ErrUnknownSignal     = errors.New("unknown signal key")
)

// Lookup failures.
var (
	ErrEntityNotFound         = errors.New("entity not found")
	ErrEventNotFound          = errors.New("resolution event not found")
	ErrSessionNotFound        = errors.New("clarification session not found")
	ErrSessionAlreadyTerminal = errors.New("clarification session already terminal")
)

// State conflicts and infrastructure failures.
var (
	// ErrDuplicateSourceBinding means the (source system, source id) pair is
	// already bound to a different entity. It is never silently overwritten.
	ErrDuplicateSourceBinding = errors.New("source binding already bound to another entity")

	// ErrConcurrentModification means optimistic retries were exhausted. The
	// whole operation is safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification conflict")

	// ErrStorageUnavailable wraps registry or session store I/O failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsTransient reports whether err is worth retrying as a whole operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorageUnavailable)
}
