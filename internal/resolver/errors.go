package resolver

import (
	"errors"

	"github.com/xaenox/threadkeeper/internal/signals"
	"github.com/xaenox/threadkeeper/internal/storage"
)

// Error kinds. Only ErrAccessDenied, ErrCancelled and ErrInvalidMessage are
// ever returned by Resolve; the others are absorbed and logged.
var (
	// ErrSignalUnavailable: a signal timed out or its backing service failed.
	ErrSignalUnavailable = signals.ErrUnavailable

	// ErrStoreUnavailable: the thread store could not be reached.
	ErrStoreUnavailable = storage.ErrStoreUnavailable

	// ErrAccessDenied: an explicit thread override names a thread the user may not write to.
	ErrAccessDenied = errors.New("access denied")

	// ErrDuplicateCreation: a second creation was attempted for the same message fingerprint.
	ErrDuplicateCreation = errors.New("duplicate thread creation detected")

	// ErrCancelled: the caller gave up before the resolution was persisted.
	ErrCancelled = errors.New("resolution cancelled")

	// ErrInvalidMessage: the message cannot be resolved (no user id).
	ErrInvalidMessage = errors.New("invalid message")
)
