package clinical

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

// EncounterLocks answers whether an encounter is locked. Implementations read
// the flag inside the caller's transaction and hold it until commit.
type EncounterLocks interface {
	IsLocked(ctx context.Context, id uuid.UUID) (bool, error)
}

type Service struct {
	obs    ObservationRepository
	cond   ConditionRepository
	locks  EncounterLocks
	tx     db.Transactor
	events domainevent.Appender
	now    func() time.Time
}

func NewService(obs ObservationRepository, cond ConditionRepository, locks EncounterLocks, tx db.Transactor) *Service {
	return &Service{obs: obs, cond: cond, locks: locks, tx: tx, now: time.Now}
}

func (s *Service) SetEventRecorder(a domainevent.Appender) {
	s.events = a
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// checkEncounter rejects writes against a locked encounter. It must run inside
// the write's transaction.
func (s *Service) checkEncounter(ctx context.Context, encounterID *uuid.UUID) error {
	if encounterID == nil {
		return nil
	}
	locked, err := s.locks.IsLocked(ctx, *encounterID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Reference("encounter %s does not exist", encounterID)
	}
	if err != nil {
		return err
	}
	if locked {
		return apperr.Forbidden("encounter %s is locked", encounterID)
	}
	return nil
}

func (s *Service) record(ctx context.Context, eventType, aggregateType string, id, userID uuid.UUID, payload interface{}) {
	domainevent.RecordAfterCommit(ctx, s.events, domainevent.AppendInput{
		EventType:     eventType,
		Domain:        domainevent.DomainClinical,
		AggregateID:   id.String(),
		AggregateType: aggregateType,
		Payload:       domainevent.MarshalPayload(payload),
		CreatedBy:     &userID,
	})
}

// =========== Observation ===========

// AddObservation records the first version of a new observation chain.
func (s *Service) AddObservation(ctx context.Context, o *Observation, createdByID uuid.UUID) error {
	if o.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}
	if o.CodeValue == "" {
		return apperr.Validation("code_value is required")
	}
	if o.Status == "" {
		o.Status = StatusFinal
	}
	if !validStatuses[o.Status] || o.Status == StatusAmended {
		return apperr.Validation("invalid status: %s", o.Status)
	}
	if createdByID == uuid.Nil {
		return apperr.Validation("created_by_id is required")
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.checkEncounter(ctx, o.EncounterID); err != nil {
			return err
		}
		o.ID = uuid.New()
		o.Versioning = firstVersion(o.ID, createdByID, s.now().UTC())
		if err := s.obs.Create(ctx, o); err != nil {
			return err
		}
		s.record(ctx, "Observation.Recorded", "Observation", o.ID, createdByID, o)
		return nil
	})
}

// AmendObservation supersedes the head of a chain with a new version. The old
// head is kept as history. Only the current head may be amended.
func (s *Service) AmendObservation(ctx context.Context, userID, originalID uuid.UUID, changes ObservationChanges) (*Observation, error) {
	if changes.empty() {
		return nil, apperr.Validation("no changes supplied")
	}
	if changes.CodeValue != nil && *changes.CodeValue == "" {
		return nil, apperr.Validation("code_value must not be empty")
	}

	var amended *Observation
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		original, err := s.obs.GetForUpdate(ctx, originalID)
		if err != nil {
			return err
		}
		if err := s.checkEncounter(ctx, original.EncounterID); err != nil {
			return err
		}
		if !original.IsLatest {
			return apperr.Conflict("observation %s is not the latest version", originalID)
		}
		if err := s.obs.MarkSuperseded(ctx, original.ID); err != nil {
			return err
		}

		next := *original
		changes.apply(&next)
		next.ID = uuid.New()
		next.Status = StatusAmended
		next.Versioning = original.next(original.ID, userID, s.now().UTC())
		if err := s.obs.Create(ctx, &next); err != nil {
			return err
		}
		amended = &next

		s.record(ctx, "Observation.Amended", "Observation", next.ID, userID, map[string]interface{}{
			"previous_version_id": original.ID,
			"root_version_id":     next.RootVersionID,
			"version":             next.Version,
			"changes":             changes,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("observation_id", amended.ID.String()).
		Str("previous_version_id", originalID.String()).
		Int("version", amended.Version).
		Msg("observation amended")
	return amended, nil
}

func (s *Service) GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error) {
	return s.obs.GetByID(ctx, id)
}

func (s *Service) ListLatestObservations(ctx context.Context, patientID uuid.UUID, f ObservationFilter, limit, offset int) ([]*Observation, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	return s.obs.ListLatest(ctx, patientID, f, limit, offset)
}

// ListObservationVersions returns the whole chain containing id, oldest first.
func (s *Service) ListObservationVersions(ctx context.Context, id uuid.UUID) ([]*Observation, error) {
	o, err := s.obs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.obs.ListVersions(ctx, o.ChainRoot(o.ID))
}

// =========== Condition ===========

func (s *Service) AddCondition(ctx context.Context, c *Condition, createdByID uuid.UUID) error {
	if c.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}
	if c.CodeValue == "" {
		return apperr.Validation("code_value is required")
	}
	if c.Status == "" {
		c.Status = StatusFinal
	}
	if !validStatuses[c.Status] || c.Status == StatusAmended {
		return apperr.Validation("invalid status: %s", c.Status)
	}
	if c.ClinicalStatus == "" {
		c.ClinicalStatus = "active"
	}
	if !validClinicalStatuses[c.ClinicalStatus] {
		return apperr.Validation("invalid clinical_status: %s", c.ClinicalStatus)
	}
	if createdByID == uuid.Nil {
		return apperr.Validation("created_by_id is required")
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.checkEncounter(ctx, c.EncounterID); err != nil {
			return err
		}
		c.ID = uuid.New()
		c.Versioning = firstVersion(c.ID, createdByID, s.now().UTC())
		if err := s.cond.Create(ctx, c); err != nil {
			return err
		}
		s.record(ctx, "Condition.Recorded", "Condition", c.ID, createdByID, c)
		return nil
	})
}

func (s *Service) AmendCondition(ctx context.Context, userID, originalID uuid.UUID, changes ConditionChanges) (*Condition, error) {
	if changes.empty() {
		return nil, apperr.Validation("no changes supplied")
	}
	if changes.CodeValue != nil && *changes.CodeValue == "" {
		return nil, apperr.Validation("code_value must not be empty")
	}
	if changes.ClinicalStatus != nil && !validClinicalStatuses[*changes.ClinicalStatus] {
		return nil, apperr.Validation("invalid clinical_status: %s", *changes.ClinicalStatus)
	}

	var amended *Condition
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		original, err := s.cond.GetForUpdate(ctx, originalID)
		if err != nil {
			return err
		}
		if err := s.checkEncounter(ctx, original.EncounterID); err != nil {
			return err
		}
		if !original.IsLatest {
			return apperr.Conflict("condition %s is not the latest version", originalID)
		}
		if err := s.cond.MarkSuperseded(ctx, original.ID); err != nil {
			return err
		}

		next := *original
		changes.apply(&next)
		next.ID = uuid.New()
		next.Status = StatusAmended
		next.Versioning = original.next(original.ID, userID, s.now().UTC())
		if err := s.cond.Create(ctx, &next); err != nil {
			return err
		}
		amended = &next

		s.record(ctx, "Condition.Amended", "Condition", next.ID, userID, map[string]interface{}{
			"previous_version_id": original.ID,
			"root_version_id":     next.RootVersionID,
			"version":             next.Version,
			"changes":             changes,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amended, nil
}

func (s *Service) GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return s.cond.GetByID(ctx, id)
}

func (s *Service) ListLatestConditions(ctx context.Context, patientID uuid.UUID, f ConditionFilter, limit, offset int) ([]*Condition, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	return s.cond.ListLatest(ctx, patientID, f, limit, offset)
}

func (s *Service) ListConditionVersions(ctx context.Context, id uuid.UUID) ([]*Condition, error) {
	c, err := s.cond.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cond.ListVersions(ctx, c.ChainRoot(c.ID))
}
