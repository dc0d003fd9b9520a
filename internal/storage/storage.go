package storage

import (
	"context"
	"errors"

	"github.com/xaenox/threadkeeper/internal/models"
)

var (
	// ErrThreadNotFound indicates the requested thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	ErrStoreUnavailable = errors.New("thread store unavailable")

	// ErrVersionConflict indicates a profile adjustment was appended out of order.
	ErrVersionConflict = errors.New("profile version conflict")
)

// ThreadStore is the source of truth for threads.
//
// A user has at most one thread stored as active: creating an active thread or
// updating a thread to active demotes the user's previous active thread to dormant.
type ThreadStore interface {
	// GetActiveThread returns the user's active thread, or nil if there is none.
	GetActiveThread(ctx context.Context, userID string) (*models.Thread, error)
	// GetDormantThreads returns up to limit dormant threads, most recent activity first.
	GetDormantThreads(ctx context.Context, userID string, limit int) ([]*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	// CreateThread inserts thread. If a thread with the same user and non-empty
	// fingerprint already exists, that thread is returned with created=false.
	CreateThread(ctx context.Context, thread *models.Thread) (stored *models.Thread, created bool, err error)
	// UpdateThread applies delta. LastActivityAt never moves backwards.
	UpdateThread(ctx context.Context, threadID string, delta models.ThreadDelta) error
	// ListThreads returns up to limit non-archived threads, most recent activity first.
	ListThreads(ctx context.Context, userID string, limit int) ([]*models.Thread, error)
}

// ProfileStore keeps the append-only log of behavior profile adjustments.
type ProfileStore interface {
	GetAdjustments(ctx context.Context, userID string) ([]models.ProfileAdjustment, error)
	// AppendAdjustment stores adj; adj.Version must be exactly one past the latest stored version.
	AppendAdjustment(ctx context.Context, adj models.ProfileAdjustment) error
}

type Storage interface {
	ThreadStore
	ProfileStore
	Close() error
}
