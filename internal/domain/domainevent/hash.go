package domainevent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// occurredAtLayout renders instants in UTC with exactly three fractional
// digits, e.g. 2024-03-01T08:15:30.120Z.
const occurredAtLayout = "2006-01-02T15:04:05.000Z"

// FormatOccurredAt returns the textual form of t used in the content hash.
func FormatOccurredAt(t time.Time) string {
	return t.UTC().Format(occurredAtLayout)
}

// CanonicalJSON renders raw in the JSON Canonicalization Scheme (RFC 8785):
// keys sorted by UTF-16 code units, numbers in their shortest ECMAScript form
// and strings escaped as JSON.stringify does. Empty input encodes as null.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("canonicalize json: invalid document")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

// ComputeContentHash returns the lowercase hex SHA-256 of
// eventType|domain|aggregateId|aggregateType|payload|metadata|occurredAt.
// The result depends only on those fields, so it is stable across processes
// and storage round trips.
func ComputeContentHash(e *DomainEvent) (string, error) {
	payload, err := CanonicalJSON(e.Payload)
	if err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}
	metadata, err := CanonicalJSON(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("metadata: %w", err)
	}

	data := strings.Join([]string{
		e.EventType,
		string(e.Domain),
		e.AggregateID,
		e.AggregateType,
		string(payload),
		string(metadata),
		FormatOccurredAt(e.OccurredAt),
	}, "|")

	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}
