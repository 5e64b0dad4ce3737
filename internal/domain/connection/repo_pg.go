package connection

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates the Postgres-backed connection repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const connCols = `id, tenant_id, ehr_type, name, base_url, token_url, client_id,
	private_key_pem, client_secret, scopes, poll_interval_seconds,
	is_active, use_mock_data, created_at, updated_at`

func (r *repoPG) ListActive(ctx context.Context) ([]*Connection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+connCols+` FROM ehr_connection WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConn(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// GetByID returns the connection, or nil when no row exists.
func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	c, err := scanConn(r.pool.QueryRow(ctx,
		`SELECT `+connCols+` FROM ehr_connection WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func scanConn(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(
		&c.ID, &c.TenantID, &c.EHRType, &c.Name, &c.BaseURL, &c.TokenURL, &c.ClientID,
		&c.PrivateKeyPEM, &c.ClientSecret, &c.Scopes, &c.PollIntervalSeconds,
		&c.IsActive, &c.UseMockData, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
