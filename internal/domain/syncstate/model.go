// Package syncstate tracks the per-(connection, resource type) watermark and
// outcome of sync cycles. It is the only operator-visible failure surface of
// the engine.
package syncstate

import (
	"time"

	"github.com/google/uuid"
)

// Sync statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// Resource types tracked per connection.
const (
	ResourcePatient   = "Patient"
	ResourceEncounter = "Encounter"
	ResourceCondition = "Condition"
	ResourceProcedure = "Procedure"
)

// SyncState maps to the sync_state table, one row per (connection_id,
// resource_type). LastSyncTime is the incremental-fetch watermark; it only
// advances when a cycle for that resource type fully succeeds.
type SyncState struct {
	ConnectionID     uuid.UUID  `db:"connection_id" json:"connection_id"`
	ResourceType     string     `db:"resource_type" json:"resource_type"`
	LastSyncTime     *time.Time `db:"last_sync_time" json:"last_sync_time,omitempty"`
	LastSyncStatus   string     `db:"last_sync_status" json:"last_sync_status"`
	RecordsProcessed int        `db:"records_processed" json:"records_processed"`
	RecordsCreated   int        `db:"records_created" json:"records_created"`
	RecordsUpdated   int        `db:"records_updated" json:"records_updated"`
	ErrorCount       int        `db:"error_count" json:"error_count"`
	LastErrorMessage *string    `db:"last_error_message" json:"last_error_message,omitempty"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Counts tallies one cycle's per-record outcomes for a resource type.
type Counts struct {
	Processed int
	Created   int
	Updated   int
	Failed    int
}

// Add folds another tally into this one.
func (c *Counts) Add(other Counts) {
	c.Processed += other.Processed
	c.Created += other.Created
	c.Updated += other.Updated
	c.Failed += other.Failed
}
