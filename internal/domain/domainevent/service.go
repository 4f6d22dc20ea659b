package domainevent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

var eventTypePattern = regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*\.[A-Z][a-zA-Z0-9]*$`)

const defaultVerifyBatchSize = 500

// UserDirectory answers whether a user id refers to a known account.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Notifier receives every appended event once its write is durable. It must
// not block; delivery failures stay inside the notifier.
type Notifier interface {
	Notify(ctx context.Context, e *DomainEvent)
}

type Service struct {
	repo      Repository
	users     UserDirectory
	notifier  Notifier
	now       func() time.Time
	batchSize int
}

func NewService(repo Repository, users UserDirectory) *Service {
	return &Service{
		repo:      repo,
		users:     users,
		now:       time.Now,
		batchSize: defaultVerifyBatchSize,
	}
}

// SetNotifier attaches the live feed. Without one, appends are not published.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock overrides the time source used for occurredAt.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetVerifyBatchSize bounds how many events VerifyRange loads per query.
func (s *Service) SetVerifyBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Append validates, hashes and persists a new event, then hands it to the
// notifier after the surrounding transaction (if any) commits.
func (s *Service) Append(ctx context.Context, in AppendInput) (*DomainEvent, error) {
	if !eventTypePattern.MatchString(in.EventType) {
		return nil, apperr.Validation("invalid event type %q: expected Aggregate.Action", in.EventType)
	}
	if !validDomains[in.Domain] {
		return nil, apperr.Validation("invalid domain: %s", in.Domain)
	}
	if in.AggregateID == "" {
		return nil, apperr.Validation("aggregate_id is required")
	}
	if in.AggregateType == "" {
		return nil, apperr.Validation("aggregate_type is required")
	}
	if len(in.Payload) == 0 {
		return nil, apperr.Validation("payload is required")
	}
	payload, err := CanonicalJSON(in.Payload)
	if err != nil {
		return nil, apperr.Validation("invalid payload: %v", err)
	}
	var metadata []byte
	if len(in.Metadata) > 0 {
		if metadata, err = CanonicalJSON(in.Metadata); err != nil {
			return nil, apperr.Validation("invalid metadata: %v", err)
		}
	}

	if in.CausationID != nil {
		// Compared as text, the same way the aggregate id is stored.
		if in.CausationID.String() == in.AggregateID {
			return nil, apperr.Reference("causation_id must not equal aggregate_id")
		}
		ok, err := s.repo.Exists(ctx, *in.CausationID)
		if err != nil {
			return nil, fmt.Errorf("check causation event: %w", err)
		}
		if !ok {
			return nil, apperr.Reference("causation event %s does not exist", in.CausationID)
		}
	}

	if in.CreatedBy != nil {
		ok, err := s.users.Exists(ctx, *in.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("check created_by user: %w", err)
		}
		if !ok {
			return nil, apperr.Reference("user %s does not exist", in.CreatedBy)
		}
	}

	e := &DomainEvent{
		ID:            uuid.New(),
		EventType:     in.EventType,
		Domain:        in.Domain,
		AggregateID:   in.AggregateID,
		AggregateType: in.AggregateType,
		Payload:       payload,
		Metadata:      metadata,
		CausationID:   in.CausationID,
		CorrelationID: in.CorrelationID,
		CreatedBy:     in.CreatedBy,
		SessionID:     in.SessionID,
		RequestID:     in.RequestID,
		OccurredAt:    s.now().UTC().Truncate(time.Millisecond),
	}
	if e.ContentHash, err = ComputeContentHash(e); err != nil {
		return nil, apperr.Validation("hash event: %v", err)
	}

	if err := s.repo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("append domain event: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType).
		Str("aggregate_id", e.AggregateID).
		Msg("domain event appended")

	if s.notifier != nil {
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.notifier.Notify(ctx, e)
		})
	}
	return e, nil
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*DomainEvent, error) {
	return s.repo.GetByID(ctx, id)
}

// VerifyIntegrity recomputes the hash of a stored event. A mismatch, including
// a stored payload that no longer parses, yields false rather than an error.
func (s *Service) VerifyIntegrity(ctx context.Context, id uuid.UUID) (bool, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return verify(e), nil
}

func verify(e *DomainEvent) bool {
	hash, err := ComputeContentHash(e)
	return err == nil && hash == e.ContentHash
}

// VerifyRange checks every event with occurredAt in [start, end], reading in
// keyset-paginated batches.
func (s *Service) VerifyRange(ctx context.Context, start, end time.Time) ([]VerificationResult, error) {
	if end.Before(start) {
		return nil, apperr.Validation("end must not be before start")
	}

	results := []VerificationResult{}
	var cursor *RangeCursor
	for {
		batch, err := s.repo.ListRange(ctx, start, end, cursor, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("list events for verification: %w", err)
		}
		for _, e := range batch {
			results = append(results, VerificationResult{EventID: e.ID, Valid: verify(e)})
		}
		if len(batch) < s.batchSize {
			return results, nil
		}
		last := batch[len(batch)-1]
		cursor = &RangeCursor{OccurredAt: last.OccurredAt, ID: last.ID}
	}
}

// GetCausalChain follows causation links from id back to the originating
// event and returns the chain root first. Cycles stop the walk.
func (s *Service) GetCausalChain(ctx context.Context, id uuid.UUID) ([]*DomainEvent, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*DomainEvent{current}
	visited := map[uuid.UUID]bool{current.ID: true}
	for current.CausationID != nil {
		parentID := *current.CausationID
		if visited[parentID] {
			zerolog.Ctx(ctx).Warn().
				Str("event_id", current.ID.String()).
				Str("causation_id", parentID.String()).
				Msg("causation cycle detected")
			break
		}
		parent, err := s.repo.GetByID(ctx, parentID)
		if errors.Is(err, apperr.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		visited[parentID] = true
		chain = append(chain, parent)
		current = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetCorrelated returns all events sharing correlationID, oldest first.
func (s *Service) GetCorrelated(ctx context.Context, correlationID string) ([]*DomainEvent, error) {
	if correlationID == "" {
		return nil, apperr.Validation("correlation_id is required")
	}
	events, err := s.repo.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*DomainEvent{}
	}
	return events, nil
}

func (s *Service) ListByAggregate(ctx context.Context, aggregateType, aggregateID string, limit, offset int) ([]*DomainEvent, int, error) {
	if aggregateType == "" || aggregateID == "" {
		return nil, 0, apperr.Validation("aggregate_type and aggregate_id are required")
	}
	return s.repo.ListByAggregate(ctx, aggregateType, aggregateID, limit, offset)
}
