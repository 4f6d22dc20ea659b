package domainevent

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/middleware"
)

// Appender is the subset of Service that other domains use to publish events.
type Appender interface {
	Append(ctx context.Context, in AppendInput) (*DomainEvent, error)
}

// RecordAfterCommit appends in once the enclosing transaction commits. The
// business write is already durable at that point, so a failed append is
// logged and never reported to the caller. A nil Appender records nothing.
func RecordAfterCommit(ctx context.Context, a Appender, in AppendInput) {
	if a == nil {
		return
	}
	if rid := middleware.RequestIDFromContext(ctx); rid != "" {
		if in.RequestID == nil {
			in.RequestID = &rid
		}
		if in.CorrelationID == nil {
			in.CorrelationID = &rid
		}
	}
	db.AfterCommit(ctx, func(ctx context.Context) {
		if _, err := a.Append(ctx, in); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).
				Str("event_type", in.EventType).
				Str("aggregate_id", in.AggregateID).
				Msg("failed to record domain event")
		}
	})
}

// MarshalPayload encodes v for use as an event payload.
func MarshalPayload(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
