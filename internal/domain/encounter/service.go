package encounter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

const aggregateType = "Encounter"

type Service struct {
	repo   Repository
	tx     db.Transactor
	events domainevent.Appender
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor) *Service {
	return &Service{repo: repo, tx: tx, now: time.Now}
}

// SetEventRecorder attaches the domain event log. Status changes and locks are
// recorded after their transaction commits.
func (s *Service) SetEventRecorder(a domainevent.Appender) {
	s.events = a
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) CreateEncounter(ctx context.Context, enc *Encounter) error {
	if enc.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}
	if enc.ClassCode == "" {
		return apperr.Validation("class_code is required")
	}
	if enc.Status == "" {
		enc.Status = StatusPlanned
	}
	if !validStatuses[enc.Status] {
		return apperr.Validation("invalid status: %s", enc.Status)
	}
	if enc.PeriodStart.IsZero() {
		enc.PeriodStart = s.now().UTC()
	}
	enc.ID = uuid.New()
	enc.Locked, enc.LockedAt, enc.LockedByID = false, nil, nil
	return s.repo.Create(ctx, enc)
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListEncountersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// UpdateStatus moves the encounter to newStatus. A locked encounter rejects
// every status change. Entering finished stamps the period end.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus string, userID uuid.UUID) (*Encounter, error) {
	if !validStatuses[newStatus] {
		return nil, apperr.Validation("invalid status: %s", newStatus)
	}

	var enc *Encounter
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		enc, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if enc.Locked {
			return apperr.Forbidden("encounter %s is locked", id)
		}

		now := s.now().UTC()
		oldStatus := enc.Status
		if err := s.repo.AddStatusHistory(ctx, &StatusHistory{
			EncounterID: id,
			Status:      oldStatus,
			PeriodStart: enc.UpdatedAt,
			PeriodEnd:   &now,
			ChangedByID: &userID,
		}); err != nil {
			return err
		}

		enc.Status = newStatus
		if newStatus == StatusFinished && enc.PeriodEnd == nil {
			enc.PeriodEnd = &now
		}
		enc.UpdatedAt = now
		if err := s.repo.Update(ctx, enc); err != nil {
			return err
		}

		domainevent.RecordAfterCommit(ctx, s.events, domainevent.AppendInput{
			EventType:     "Encounter.StatusChanged",
			Domain:        domainevent.DomainClinical,
			AggregateID:   id.String(),
			AggregateType: aggregateType,
			Payload: domainevent.MarshalPayload(map[string]interface{}{
				"from":       oldStatus,
				"to":         newStatus,
				"period_end": enc.PeriodEnd,
			}),
			CreatedBy: &userID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Lock freezes a finished encounter. Locking is one-way.
func (s *Service) Lock(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*Encounter, error) {
	var enc *Encounter
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		enc, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if enc.Locked {
			return apperr.Conflict("encounter %s is already locked", id)
		}
		if enc.Status != StatusFinished {
			return apperr.Validation("encounter must be %s before locking, current status is %s", StatusFinished, enc.Status)
		}

		now := s.now().UTC()
		enc.Locked = true
		enc.LockedAt = &now
		enc.LockedByID = &userID
		enc.UpdatedAt = now
		if err := s.repo.Update(ctx, enc); err != nil {
			return err
		}

		domainevent.RecordAfterCommit(ctx, s.events, domainevent.AppendInput{
			EventType:     "Encounter.Locked",
			Domain:        domainevent.DomainClinical,
			AggregateID:   id.String(),
			AggregateType: aggregateType,
			Payload: domainevent.MarshalPayload(map[string]interface{}{
				"locked_at":    now,
				"locked_by_id": userID,
			}),
			CreatedBy: &userID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("encounter_id", id.String()).
		Str("locked_by", userID.String()).
		Msg("encounter locked")
	return enc, nil
}

func (s *Service) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	if _, err := s.repo.GetByID(ctx, encounterID); err != nil {
		return nil, err
	}
	history, err := s.repo.GetStatusHistory(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []*StatusHistory{}
	}
	return history, nil
}
