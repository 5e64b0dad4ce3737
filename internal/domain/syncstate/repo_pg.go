package syncstate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates the Postgres-backed sync-state repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const stateCols = `connection_id, resource_type, last_sync_time, last_sync_status,
	records_processed, records_created, records_updated,
	error_count, last_error_message, updated_at`

func (r *repoPG) Get(ctx context.Context, connID uuid.UUID, resourceType string) (*SyncState, error) {
	st, err := scanState(r.pool.QueryRow(ctx,
		`SELECT `+stateCols+` FROM sync_state WHERE connection_id = $1 AND resource_type = $2`,
		connID, resourceType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (r *repoPG) ListByConnection(ctx context.Context, connID uuid.UUID) ([]*SyncState, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+stateCols+` FROM sync_state WHERE connection_id = $1 ORDER BY resource_type`,
		connID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*SyncState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (r *repoPG) MarkInProgress(ctx context.Context, connID uuid.UUID, resourceType string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_state (connection_id, resource_type, last_sync_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id, resource_type)
		DO UPDATE SET last_sync_status = $3, updated_at = NOW()`,
		connID, resourceType, StatusInProgress)
	return err
}

func (r *repoPG) RecordSuccess(ctx context.Context, connID uuid.UUID, resourceType string, cursor *time.Time, counts Counts) error {
	// COALESCE keeps the previous watermark when this cycle processed
	// nothing; error_count resets on any successful cycle.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_state (
			connection_id, resource_type, last_sync_time, last_sync_status,
			records_processed, records_created, records_updated,
			error_count, last_error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NULL)
		ON CONFLICT (connection_id, resource_type)
		DO UPDATE SET
			last_sync_time     = COALESCE($3, sync_state.last_sync_time),
			last_sync_status   = $4,
			records_processed  = $5,
			records_created    = $6,
			records_updated    = $7,
			error_count        = 0,
			last_error_message = NULL,
			updated_at         = NOW()`,
		connID, resourceType, cursor, StatusSuccess,
		counts.Processed, counts.Created, counts.Updated)
	return err
}

func (r *repoPG) RecordError(ctx context.Context, connID uuid.UUID, resourceType string, message string, counts Counts) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_state (
			connection_id, resource_type, last_sync_status,
			records_processed, records_created, records_updated,
			error_count, last_error_message
		) VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (connection_id, resource_type)
		DO UPDATE SET
			last_sync_status   = $3,
			records_processed  = $4,
			records_created    = $5,
			records_updated    = $6,
			error_count        = sync_state.error_count + 1,
			last_error_message = $7,
			updated_at         = NOW()`,
		connID, resourceType, StatusError,
		counts.Processed, counts.Created, counts.Updated, message)
	return err
}

func scanState(row pgx.Row) (*SyncState, error) {
	var st SyncState
	err := row.Scan(
		&st.ConnectionID, &st.ResourceType, &st.LastSyncTime, &st.LastSyncStatus,
		&st.RecordsProcessed, &st.RecordsCreated, &st.RecordsUpdated,
		&st.ErrorCount, &st.LastErrorMessage, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
