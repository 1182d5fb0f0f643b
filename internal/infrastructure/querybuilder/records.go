package querybuilder

import (
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
)

// RecordColumns is the projection every ledger read scans, in scan order.
var RecordColumns = []string{
	"id::text", "sequence", "compliance_type", "entity_id", "entity_type",
	"action", "action_category", "performed_by", "performed_at", "details",
	"ip_address", "user_agent", "session_id", "request_id", "correlation_id",
	"ferpa_relevant", "coppa_relevant", "retention_days", "immutable", "encryption_required",
	"hash", "previous_hash", "signature", "key_id",
}

// RecordQueryBuilder builds keyset-paginated reads over audit_records.
type RecordQueryBuilder struct {
	*QueryBuilder
}

// NewRecordQuery starts a SELECT over audit_records in sequence order.
func NewRecordQuery() *RecordQueryBuilder {
	return &RecordQueryBuilder{
		QueryBuilder: New().Select(RecordColumns...).From("audit_records"),
	}
}

// Matching applies every constraint of a record filter except its limit.
func (rq *RecordQueryBuilder) Matching(f audit.RecordFilter) *RecordQueryBuilder {
	rq.WhereAny("entity_id", f.EntityIDs)
	rq.WhereAny("entity_type", toStrings(f.EntityTypes))
	rq.WhereAny("compliance_type", toStrings(f.ComplianceTypes))
	rq.WhereAny("action", f.Actions)
	rq.WhereAny("action_category", toStrings(f.ActionCategories))
	rq.WhereAny("performed_by", f.PerformedBy)
	if !f.TimeRange.Start.IsZero() {
		rq.Where("performed_at", GreaterThanOrEqual, f.TimeRange.Start)
	}
	if !f.TimeRange.End.IsZero() {
		rq.Where("performed_at", LessThan, f.TimeRange.End)
	}
	return rq
}

// InChainRange restricts to a sequence span; zero bounds are open.
func (rq *RecordQueryBuilder) InChainRange(cr audit.ChainRange) *RecordQueryBuilder {
	if cr.From > 0 {
		rq.Where("sequence", GreaterThanOrEqual, cr.From)
	}
	if cr.To > 0 {
		rq.Where("sequence", LessThanOrEqual, cr.To)
	}
	return rq
}

// Page returns the next batch after the last sequence already read.
func (rq *RecordQueryBuilder) Page(after int64, size int) *RecordQueryBuilder {
	rq.Where("sequence", GreaterThan, after)
	rq.OrderByAsc("sequence")
	rq.Limit(size)
	return rq
}

func toStrings[T ~string](in []T) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
