package identity

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the read side of the user directory. Account management lives
// outside this service.
type Repository interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}
