package clinical

import (
	"context"

	"github.com/google/uuid"
)

// ObservationRepository persists observation versions. Rows are never updated
// except for clearing is_latest on a superseded head.
type ObservationRepository interface {
	Create(ctx context.Context, o *Observation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Observation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Observation, error)
	// MarkSuperseded clears is_latest on id. It fails with a conflict when id
	// is no longer the head of its chain.
	MarkSuperseded(ctx context.Context, id uuid.UUID) error
	ListLatest(ctx context.Context, patientID uuid.UUID, f ObservationFilter, limit, offset int) ([]*Observation, int, error)
	ListVersions(ctx context.Context, rootID uuid.UUID) ([]*Observation, error)
}

type ConditionRepository interface {
	Create(ctx context.Context, c *Condition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Condition, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Condition, error)
	MarkSuperseded(ctx context.Context, id uuid.UUID) error
	ListLatest(ctx context.Context, patientID uuid.UUID, f ConditionFilter, limit, offset int) ([]*Condition, int, error)
	ListVersions(ctx context.Context, rootID uuid.UUID) ([]*Condition, error)
}
