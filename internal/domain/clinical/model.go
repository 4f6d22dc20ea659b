package clinical

import (
	"time"

	"github.com/google/uuid"
)

// Record statuses shared by observations and conditions.
const (
	StatusPreliminary    = "preliminary"
	StatusFinal          = "final"
	StatusAmended        = "amended"
	StatusCorrected      = "corrected"
	StatusCancelled      = "cancelled"
	StatusEnteredInError = "entered-in-error"
)

var validStatuses = map[string]bool{
	StatusPreliminary:    true,
	StatusFinal:          true,
	StatusAmended:        true,
	StatusCorrected:      true,
	StatusCancelled:      true,
	StatusEnteredInError: true,
}

var validClinicalStatuses = map[string]bool{
	"active":     true,
	"recurrence": true,
	"relapse":    true,
	"inactive":   true,
	"remission":  true,
	"resolved":   true,
}

// Versioning holds the chain bookkeeping every versioned clinical record
// carries. Exactly one record per chain has IsLatest set.
type Versioning struct {
	Version           int        `db:"version" json:"version"`
	IsLatest          bool       `db:"is_latest" json:"is_latest"`
	PreviousVersionID *uuid.UUID `db:"previous_version_id" json:"previous_version_id,omitempty"`
	RootVersionID     *uuid.UUID `db:"root_version_id" json:"root_version_id,omitempty"`
	CreatedByID       uuid.UUID  `db:"created_by_id" json:"created_by_id"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// ChainRoot returns the id grouping the chain. Records written before the
// root was tracked fall back to their own id.
func (v Versioning) ChainRoot(id uuid.UUID) uuid.UUID {
	if v.RootVersionID != nil {
		return *v.RootVersionID
	}
	return id
}

func firstVersion(id, createdBy uuid.UUID, now time.Time) Versioning {
	root := id
	return Versioning{
		Version:       1,
		IsLatest:      true,
		RootVersionID: &root,
		CreatedByID:   createdBy,
		CreatedAt:     now,
	}
}

func (v Versioning) next(previousID, createdBy uuid.UUID, now time.Time) Versioning {
	prev := previousID
	root := v.ChainRoot(previousID)
	return Versioning{
		Version:           v.Version + 1,
		IsLatest:          true,
		PreviousVersionID: &prev,
		RootVersionID:     &root,
		CreatedByID:       createdBy,
		CreatedAt:         now,
	}
}

// Observation maps to the observation table.
type Observation struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID   *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	Status        string     `db:"status" json:"status"`
	Category      *string    `db:"category" json:"category,omitempty"`
	CodeSystem    *string    `db:"code_system" json:"code_system,omitempty"`
	CodeValue     string     `db:"code_value" json:"code_value"`
	CodeDisplay   *string    `db:"code_display" json:"code_display,omitempty"`
	ValueQuantity *float64   `db:"value_quantity" json:"value_quantity,omitempty"`
	ValueUnit     *string    `db:"value_unit" json:"value_unit,omitempty"`
	ValueString   *string    `db:"value_string" json:"value_string,omitempty"`
	EffectiveAt   *time.Time `db:"effective_at" json:"effective_at,omitempty"`
	Note          *string    `db:"note" json:"note,omitempty"`
	Versioning
}

// ObservationChanges lists the fields an amendment may override. Nil fields
// are carried forward from the amended version.
type ObservationChanges struct {
	Category      *string    `json:"category,omitempty"`
	CodeSystem    *string    `json:"code_system,omitempty"`
	CodeValue     *string    `json:"code_value,omitempty"`
	CodeDisplay   *string    `json:"code_display,omitempty"`
	ValueQuantity *float64   `json:"value_quantity,omitempty"`
	ValueUnit     *string    `json:"value_unit,omitempty"`
	ValueString   *string    `json:"value_string,omitempty"`
	EffectiveAt   *time.Time `json:"effective_at,omitempty"`
	Note          *string    `json:"note,omitempty"`
}

func (c ObservationChanges) empty() bool {
	return c == ObservationChanges{}
}

func (c ObservationChanges) apply(o *Observation) {
	if c.Category != nil {
		o.Category = c.Category
	}
	if c.CodeSystem != nil {
		o.CodeSystem = c.CodeSystem
	}
	if c.CodeValue != nil {
		o.CodeValue = *c.CodeValue
	}
	if c.CodeDisplay != nil {
		o.CodeDisplay = c.CodeDisplay
	}
	if c.ValueQuantity != nil {
		o.ValueQuantity = c.ValueQuantity
	}
	if c.ValueUnit != nil {
		o.ValueUnit = c.ValueUnit
	}
	if c.ValueString != nil {
		o.ValueString = c.ValueString
	}
	if c.EffectiveAt != nil {
		o.EffectiveAt = c.EffectiveAt
	}
	if c.Note != nil {
		o.Note = c.Note
	}
}

// ObservationFilter narrows ListLatest. Empty fields match everything.
type ObservationFilter struct {
	Category    string
	CodeValue   string
	EncounterID *uuid.UUID
}

// Condition maps to the condition table.
type Condition struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID        *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	Status             string     `db:"status" json:"status"`
	ClinicalStatus     string     `db:"clinical_status" json:"clinical_status"`
	VerificationStatus *string    `db:"verification_status" json:"verification_status,omitempty"`
	Category           *string    `db:"category" json:"category,omitempty"`
	Severity           *string    `db:"severity" json:"severity,omitempty"`
	CodeSystem         *string    `db:"code_system" json:"code_system,omitempty"`
	CodeValue          string     `db:"code_value" json:"code_value"`
	CodeDisplay        *string    `db:"code_display" json:"code_display,omitempty"`
	OnsetAt            *time.Time `db:"onset_at" json:"onset_at,omitempty"`
	AbatementAt        *time.Time `db:"abatement_at" json:"abatement_at,omitempty"`
	Note               *string    `db:"note" json:"note,omitempty"`
	Versioning
}

type ConditionChanges struct {
	ClinicalStatus     *string    `json:"clinical_status,omitempty"`
	VerificationStatus *string    `json:"verification_status,omitempty"`
	Category           *string    `json:"category,omitempty"`
	Severity           *string    `json:"severity,omitempty"`
	CodeSystem         *string    `json:"code_system,omitempty"`
	CodeValue          *string    `json:"code_value,omitempty"`
	CodeDisplay        *string    `json:"code_display,omitempty"`
	OnsetAt            *time.Time `json:"onset_at,omitempty"`
	AbatementAt        *time.Time `json:"abatement_at,omitempty"`
	Note               *string    `json:"note,omitempty"`
}

func (c ConditionChanges) empty() bool {
	return c == ConditionChanges{}
}

func (c ConditionChanges) apply(cond *Condition) {
	if c.ClinicalStatus != nil {
		cond.ClinicalStatus = *c.ClinicalStatus
	}
	if c.VerificationStatus != nil {
		cond.VerificationStatus = c.VerificationStatus
	}
	if c.Category != nil {
		cond.Category = c.Category
	}
	if c.Severity != nil {
		cond.Severity = c.Severity
	}
	if c.CodeSystem != nil {
		cond.CodeSystem = c.CodeSystem
	}
	if c.CodeValue != nil {
		cond.CodeValue = *c.CodeValue
	}
	if c.CodeDisplay != nil {
		cond.CodeDisplay = c.CodeDisplay
	}
	if c.OnsetAt != nil {
		cond.OnsetAt = c.OnsetAt
	}
	if c.AbatementAt != nil {
		cond.AbatementAt = c.AbatementAt
	}
	if c.Note != nil {
		cond.Note = c.Note
	}
}

type ConditionFilter struct {
	ClinicalStatus string
	Category       string
	CodeValue      string
	EncounterID    *uuid.UUID
}
