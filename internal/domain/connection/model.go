// Package connection holds the engine's read-only view of configured EHR
// connections. Rows are created and edited by the admin CRUD layer; the
// engine only lists and polls them.
package connection

import (
	"time"

	"github.com/google/uuid"

	"github.com/medcode/ehrsync/internal/platform/ehr"
)

// DefaultPollIntervalSeconds applies when a connection row has no interval.
const DefaultPollIntervalSeconds = 30

// Connection maps to the ehr_connection table.
type Connection struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	TenantID            string    `db:"tenant_id" json:"tenant_id"`
	EHRType             string    `db:"ehr_type" json:"ehr_type"`
	Name                string    `db:"name" json:"name"`
	BaseURL             string    `db:"base_url" json:"base_url"`
	TokenURL            string    `db:"token_url" json:"token_url"`
	ClientID            string    `db:"client_id" json:"client_id"`
	PrivateKeyPEM       *string   `db:"private_key_pem" json:"-"`
	ClientSecret        *string   `db:"client_secret" json:"-"`
	Scopes              *string   `db:"scopes" json:"scopes,omitempty"`
	PollIntervalSeconds int       `db:"poll_interval_seconds" json:"poll_interval_seconds"`
	IsActive            bool      `db:"is_active" json:"is_active"`
	UseMockData         bool      `db:"use_mock_data" json:"use_mock_data"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// PollInterval returns the configured poll period, defaulting to 30s.
func (c *Connection) PollInterval() time.Duration {
	secs := c.PollIntervalSeconds
	if secs <= 0 {
		secs = DefaultPollIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// SourceSystem is the tag stored on every canonical record produced from
// this connection; it is part of the dedup key.
func (c *Connection) SourceSystem() string {
	return c.EHRType
}

// Type returns the validated EHR vendor type.
func (c *Connection) Type() (ehr.Type, error) {
	return ehr.ParseType(c.EHRType)
}
