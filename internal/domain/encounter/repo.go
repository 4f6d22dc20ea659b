package encounter

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	// GetForUpdate reads the encounter and holds a row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error)
	Update(ctx context.Context, enc *Encounter) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error)
	AddStatusHistory(ctx context.Context, sh *StatusHistory) error
	GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error)
	// IsLocked reports the lock flag under a share lock, so a concurrent Lock
	// waits for the caller's transaction.
	IsLocked(ctx context.Context, id uuid.UUID) (bool, error)
}
