package audit

import (
	"slices"
	"time"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// TimeRange is the half-open interval [Start, End). A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && !t.Before(tr.End) {
		return false
	}
	return true
}

// Validate rejects inverted ranges.
func (tr TimeRange) Validate() error {
	if !tr.Start.IsZero() && !tr.End.IsZero() && !tr.End.After(tr.Start) {
		return errors.NewValidationError("INVALID_TIME_RANGE", "end must be after start")
	}
	return nil
}

// Scope narrows a report to one entity type, one entity, or both.
type Scope struct {
	EntityType EntityType `json:"entityType,omitempty"`
	EntityID   string     `json:"entityId,omitempty"`
}

// RecordFilter selects records. Each non-empty set must contain the record's
// value; empty sets match everything.
type RecordFilter struct {
	EntityIDs        []string
	EntityTypes      []EntityType
	ComplianceTypes  []ComplianceType
	Actions          []string
	ActionCategories []ActionCategory
	PerformedBy      []string
	TimeRange        TimeRange
	// Limit caps the number of results; zero means unlimited.
	Limit int
}

// ForScope builds a filter from a report scope and time range.
func ForScope(scope Scope, tr TimeRange) RecordFilter {
	f := RecordFilter{TimeRange: tr}
	if scope.EntityID != "" {
		f.EntityIDs = []string{scope.EntityID}
	}
	if scope.EntityType != "" {
		f.EntityTypes = []EntityType{scope.EntityType}
	}
	return f
}

// ForSubject selects every record about one data subject.
func ForSubject(entityID string, entityType EntityType) RecordFilter {
	return ForScope(Scope{EntityID: entityID, EntityType: entityType}, TimeRange{})
}

// Validate checks the filter's enumerated fields.
func (f RecordFilter) Validate() error {
	for _, et := range f.EntityTypes {
		if !et.Valid() {
			return errors.NewValidationError("INVALID_ENTITY_TYPE", "unknown entity type: "+string(et))
		}
	}
	for _, ct := range f.ComplianceTypes {
		if !ct.Valid() {
			return errors.NewValidationError("INVALID_COMPLIANCE_TYPE", "unknown compliance type: "+string(ct))
		}
	}
	if f.Limit < 0 {
		return errors.NewValidationError("INVALID_LIMIT", "limit must not be negative")
	}
	return f.TimeRange.Validate()
}

// Matches reports whether r satisfies the filter.
func (f RecordFilter) Matches(r *Record) bool {
	return in(f.EntityIDs, r.EntityID) &&
		in(f.EntityTypes, r.EntityType) &&
		in(f.ComplianceTypes, r.ComplianceType) &&
		in(f.Actions, r.Action) &&
		in(f.ActionCategories, r.ActionCategory) &&
		in(f.PerformedBy, r.PerformedBy) &&
		f.TimeRange.Contains(r.PerformedAt)
}

func in[T comparable](set []T, v T) bool {
	return len(set) == 0 || slices.Contains(set, v)
}

// ChainRange selects a contiguous span of sequence numbers for verification.
// Zero bounds mean "from genesis" and "to the current tail".
type ChainRange struct {
	From int64
	To   int64
}

// Validate rejects negative or inverted ranges.
func (cr ChainRange) Validate() error {
	if cr.From < 0 || cr.To < 0 {
		return errors.NewValidationError("INVALID_CHAIN_RANGE", "sequence bounds must not be negative")
	}
	if cr.To != 0 && cr.From > cr.To {
		return errors.NewValidationError("INVALID_CHAIN_RANGE", "from must not exceed to")
	}
	return nil
}

// StartsAtGenesis reports whether the range includes the first record.
func (cr ChainRange) StartsAtGenesis() bool {
	return cr.From <= 1
}

// Contains reports whether seq lies within the range.
func (cr ChainRange) Contains(seq int64) bool {
	return seq >= cr.From && (cr.To == 0 || seq <= cr.To)
}
