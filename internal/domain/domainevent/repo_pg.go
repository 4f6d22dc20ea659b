package domainevent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const eventCols = `id, event_type, domain, aggregate_id, aggregate_type, payload, metadata,
	causation_id, correlation_id, created_by, session_id, request_id, occurred_at, content_hash`

func (r *repoPG) Create(ctx context.Context, e *DomainEvent) error {
	var metadata interface{}
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO domain_event (`+eventCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.EventType, e.Domain, e.AggregateID, e.AggregateType, e.Payload, metadata,
		e.CausationID, e.CorrelationID, e.CreatedBy, e.SessionID, e.RequestID, e.OccurredAt, e.ContentHash,
	)
	return db.MapError(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*DomainEvent, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM domain_event WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("domain event %s not found", id)
	}
	return e, err
}

func (r *repoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM domain_event WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *repoPG) ListRange(ctx context.Context, start, end time.Time, after *RangeCursor, limit int) ([]*DomainEvent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.conn(ctx).Query(ctx, `
			SELECT `+eventCols+` FROM domain_event
			WHERE occurred_at BETWEEN $1 AND $2
			ORDER BY occurred_at, id LIMIT $3`,
			start, end, limit)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `
			SELECT `+eventCols+` FROM domain_event
			WHERE occurred_at BETWEEN $1 AND $2 AND (occurred_at, id) > ($3, $4)
			ORDER BY occurred_at, id LIMIT $5`,
			start, end, after.OccurredAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *repoPG) ListByCorrelation(ctx context.Context, correlationID string) ([]*DomainEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM domain_event
		WHERE correlation_id = $1
		ORDER BY occurred_at, id`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *repoPG) ListByAggregate(ctx context.Context, aggregateType, aggregateID string, limit, offset int) ([]*DomainEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM domain_event WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM domain_event
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY occurred_at, id LIMIT $3 OFFSET $4`,
		aggregateType, aggregateID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	events, err := collectEvents(rows)
	return events, total, err
}

func scanEvent(row pgx.Row) (*DomainEvent, error) {
	var e DomainEvent
	var payload, metadata []byte
	err := row.Scan(
		&e.ID, &e.EventType, &e.Domain, &e.AggregateID, &e.AggregateType, &payload, &metadata,
		&e.CausationID, &e.CorrelationID, &e.CreatedBy, &e.SessionID, &e.RequestID, &e.OccurredAt, &e.ContentHash,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Metadata = metadata
	e.OccurredAt = e.OccurredAt.UTC()
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*DomainEvent, error) {
	var events []*DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
