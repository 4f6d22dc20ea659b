package domainevent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is append-only: there is no update or delete.
type Repository interface {
	Create(ctx context.Context, e *DomainEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*DomainEvent, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// ListRange returns up to limit events with occurred_at in [start, end],
	// ordered by (occurred_at, id) and strictly after the cursor when given.
	ListRange(ctx context.Context, start, end time.Time, after *RangeCursor, limit int) ([]*DomainEvent, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]*DomainEvent, error)
	ListByAggregate(ctx context.Context, aggregateType, aggregateID string, limit, offset int) ([]*DomainEvent, int, error)
}
