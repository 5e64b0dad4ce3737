package syncstate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists sync-state rows. Each row is only ever written by the
// worker owning its connection, so writes need no external locking; the
// upsert shape keeps them idempotent regardless.
type Repository interface {
	// Get returns the state row, or nil when the resource type has never
	// been synced for this connection.
	Get(ctx context.Context, connID uuid.UUID, resourceType string) (*SyncState, error)
	ListByConnection(ctx context.Context, connID uuid.UUID) ([]*SyncState, error)
	// MarkInProgress flags the row at cycle start without touching the
	// watermark or counters.
	MarkInProgress(ctx context.Context, connID uuid.UUID, resourceType string) error
	// RecordSuccess writes counts, resets the consecutive-error counter,
	// and advances the watermark when cursor is non-nil. A nil cursor
	// (nothing processed) leaves the previous watermark in place.
	RecordSuccess(ctx context.Context, connID uuid.UUID, resourceType string, cursor *time.Time, counts Counts) error
	// RecordError stores the failure message and increments the
	// consecutive-error counter. The watermark never moves on error.
	RecordError(ctx context.Context, connID uuid.UUID, resourceType string, message string, counts Counts) error
}
