package encounter

import (
	"time"

	"github.com/google/uuid"
)

// Encounter statuses (FHIR R4 encounter-status codes).
const (
	StatusPlanned        = "planned"
	StatusArrived        = "arrived"
	StatusTriaged        = "triaged"
	StatusInProgress     = "in-progress"
	StatusOnLeave        = "onleave"
	StatusFinished       = "finished"
	StatusCancelled      = "cancelled"
	StatusEnteredInError = "entered-in-error"
)

var validStatuses = map[string]bool{
	StatusPlanned:        true,
	StatusArrived:        true,
	StatusTriaged:        true,
	StatusInProgress:     true,
	StatusOnLeave:        true,
	StatusFinished:       true,
	StatusCancelled:      true,
	StatusEnteredInError: true,
}

// Encounter maps to the encounter table. Once Locked is set no status change
// and no child clinical write is accepted.
type Encounter struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	ClassCode   string     `db:"class_code" json:"class_code"`
	Status      string     `db:"status" json:"status"`
	ReasonText  *string    `db:"reason_text" json:"reason_text,omitempty"`
	PeriodStart time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd   *time.Time `db:"period_end" json:"period_end,omitempty"`
	Locked      bool       `db:"locked" json:"locked"`
	LockedAt    *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	LockedByID  *uuid.UUID `db:"locked_by_id" json:"locked_by_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusHistory records a status the encounter has left.
type StatusHistory struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	EncounterID uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	Status      string     `db:"status" json:"status"`
	PeriodStart time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd   *time.Time `db:"period_end" json:"period_end,omitempty"`
	ChangedByID *uuid.UUID `db:"changed_by_id" json:"changed_by_id,omitempty"`
}
