package domainevent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Domain groups events by the business area that produced them.
type Domain string

const (
	DomainClinical     Domain = "CLINICAL"
	DomainConsultation Domain = "CONSULTATION"
	DomainBilling      Domain = "BILLING"
	DomainAppointment  Domain = "APPOINTMENT"
	DomainConsent      Domain = "CONSENT"
	DomainInventory    Domain = "INVENTORY"
)

var validDomains = map[Domain]bool{
	DomainClinical:     true,
	DomainConsultation: true,
	DomainBilling:      true,
	DomainAppointment:  true,
	DomainConsent:      true,
	DomainInventory:    true,
}

// DomainEvent is an immutable record of a state transition. Rows are written
// once and never updated; ContentHash always equals the hash recomputed from
// the other fields of an untampered row.
type DomainEvent struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	EventType     string          `db:"event_type" json:"event_type"`
	Domain        Domain          `db:"domain" json:"domain"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CausationID   *uuid.UUID      `db:"causation_id" json:"causation_id,omitempty"`
	CorrelationID *string         `db:"correlation_id" json:"correlation_id,omitempty"`
	CreatedBy     *uuid.UUID      `db:"created_by" json:"created_by,omitempty"`
	SessionID     *string         `db:"session_id" json:"session_id,omitempty"`
	RequestID     *string         `db:"request_id" json:"request_id,omitempty"`
	OccurredAt    time.Time       `db:"occurred_at" json:"occurred_at"`
	ContentHash   string          `db:"content_hash" json:"content_hash"`
}

// AppendInput is what a caller supplies to record an event. ID, OccurredAt
// and ContentHash are always assigned by the log.
type AppendInput struct {
	EventType     string          `json:"event_type"`
	Domain        Domain          `json:"domain"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CausationID   *uuid.UUID      `json:"causation_id,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	CreatedBy     *uuid.UUID      `json:"created_by,omitempty"`
	SessionID     *string         `json:"session_id,omitempty"`
	RequestID     *string         `json:"request_id,omitempty"`
}

// VerificationResult reports whether a stored event still matches its hash.
type VerificationResult struct {
	EventID uuid.UUID `json:"event_id"`
	Valid   bool      `json:"valid"`
}

// RangeCursor is the keyset position of the last row read by a range scan.
type RangeCursor struct {
	OccurredAt time.Time
	ID         uuid.UUID
}
