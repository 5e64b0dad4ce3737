package connection

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the engine's read-only access to connection rows.
type Repository interface {
	ListActive(ctx context.Context) ([]*Connection, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
}
