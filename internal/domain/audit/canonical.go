package audit

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// canonicalVersion is bumped whenever the hash input layout changes.
const canonicalVersion = 1

// canonicalRecord fixes the field order of the hash input. Struct fields
// marshal in declaration order and map keys are sorted by encoding/json, so
// the output is identical across processes and platforms.
type canonicalRecord struct {
	V                int              `json:"v"`
	ID               string           `json:"id"`
	Sequence         int64            `json:"sequence"`
	ComplianceType   ComplianceType   `json:"complianceType"`
	EntityID         string           `json:"entityId"`
	EntityType       EntityType       `json:"entityType"`
	Action           string           `json:"action"`
	ActionCategory   ActionCategory   `json:"actionCategory"`
	PerformedBy      string           `json:"performedBy"`
	PerformedAt      string           `json:"performedAt"`
	Details          map[string]any   `json:"details"`
	Context          RequestContext   `json:"context"`
	CompliancePolicy CompliancePolicy `json:"compliancePolicy"`
	PreviousHash     string           `json:"previousHash"`
}

// FormatTimestamp is the canonical timestamp encoding.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CanonicalBytes encodes the immutable fields of r plus previousHash.
func CanonicalBytes(r *Record, previousHash string) ([]byte, error) {
	details := map[string]any(r.Details)
	if details == nil {
		details = map[string]any{}
	}

	return MarshalCanonical(canonicalRecord{
		V:                canonicalVersion,
		ID:               r.ID,
		Sequence:         r.Sequence,
		ComplianceType:   r.ComplianceType,
		EntityID:         r.EntityID,
		EntityType:       r.EntityType,
		Action:           r.Action,
		ActionCategory:   r.ActionCategory,
		PerformedBy:      r.PerformedBy,
		PerformedAt:      FormatTimestamp(r.PerformedAt),
		Details:          details,
		Context:          r.Context,
		CompliancePolicy: r.CompliancePolicy,
		PreviousHash:     previousHash,
	})
}

// MarshalCanonical encodes v as compact JSON without HTML escaping and
// without the encoder's trailing newline.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.NewInternalError("failed to canonicalize payload").WithCause(err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
