// Package storage provides the persistence collaborators consumed by the sync engine.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates the entity already exists in storage.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrInvalidInput indicates invalid or malformed input was provided.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = errors.New("storage: data corruption detected")
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = errors.New("storage: lock acquisition timeout")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details:
//
//	var storErr *storage.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s %s: %v\n", storErr.Op, storErr.Entity, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("create", "read", "update", "increment").
	Op string
	// Entity is the entity type ("video", "metadata", "quota", "sync_run", "cursor").
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// Store bundles every collaborator the sync engine needs.
// Implementations must be safe for concurrent use.
type Store interface {
	VideoStore
	QuotaLedger
	SyncRunStore
	CursorStore

	// Close releases any resources held by the store.
	Close() error
}

// VideoStore is the video record collaborator. Records are unique per
// (ExternalID, OwnerID).
type VideoStore interface {
	// FindByExternalID returns ErrNotFound when the owner has no such video.
	FindByExternalID(ctx context.Context, externalID, ownerID string) (*Video, error)
	// InsertVideo saves a new video. ID is assigned when empty.
	InsertVideo(ctx context.Context, video *Video) error
	// UpdateVideo overwrites the mutable fields of an existing video.
	UpdateVideo(ctx context.Context, id string, fields VideoFields) error
	// UpsertMetadata creates or replaces the metadata row of a video.
	UpsertMetadata(ctx context.Context, meta *VideoMetadata) error
	// CountVideos returns how many videos the owner has stored.
	CountVideos(ctx context.Context, ownerID string) (int, error)
}

// QuotaLedger holds one request counter per owner per calendar day.
type QuotaLedger interface {
	// GetUsage returns ErrNotFound when the day has no row yet.
	GetUsage(ctx context.Context, ownerID, day string) (*QuotaUsage, error)
	// IncrementUsage atomically adds n to the day's counter, creating the row
	// if needed, and returns the new total.
	IncrementUsage(ctx context.Context, ownerID, day string, n int) (int, error)
}

// SyncRunStore keeps a history of batch runs.
type SyncRunStore interface {
	CreateSyncRun(ctx context.Context, run *SyncRun) error
	FinishSyncRun(ctx context.Context, run *SyncRun) error
	ListSyncRuns(ctx context.Context, ownerID, channelID string, limit int) ([]*SyncRun, error)
}

// CursorStore remembers the last page cursor of an interrupted batch so the
// next run can resume from it.
type CursorStore interface {
	SaveCursor(ctx context.Context, ownerID, channelID, cursor string) error
	// LoadCursor returns ErrNotFound when nothing is saved.
	LoadCursor(ctx context.Context, ownerID, channelID string) (string, error)
	ClearCursor(ctx context.Context, ownerID, channelID string) error
}
