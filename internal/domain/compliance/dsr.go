package compliance

import (
	"fmt"
	"slices"
	"time"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// RequestType is the kind of data subject request.
type RequestType string

const (
	RequestAccess        RequestType = "access"
	RequestRectification RequestType = "rectification"
	RequestErasure       RequestType = "erasure"
	RequestPortability   RequestType = "portability"
	RequestRestriction   RequestType = "restriction"
	RequestObjection     RequestType = "objection"
)

func (t RequestType) Valid() bool {
	switch t {
	case RequestAccess, RequestRectification, RequestErasure, RequestPortability, RequestRestriction, RequestObjection:
		return true
	}
	return false
}

// ProducesExport reports whether completing the request hands data back to
// the subject.
func (t RequestType) ProducesExport() bool {
	return t == RequestAccess || t == RequestPortability
}

// RequestStatus is a lifecycle state.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusRejected   RequestStatus = "rejected"
	StatusAppealed   RequestStatus = "appealed"
)

var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusRejected},
	StatusRejected:   {StatusAppealed},
	StatusAppealed:   {StatusProcessing},
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusRejected, StatusAppealed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows s -> next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	return slices.Contains(transitions[s], next)
}

// AppealPolicy bounds how often and how late a rejection may be appealed.
// A zero Window means no deadline; a zero MaxAppeals forbids appeals.
type AppealPolicy struct {
	Window     time.Duration
	MaxAppeals int
}

// ProcessingDetails tracks workflow progress.
type ProcessingDetails struct {
	Notes              string     `json:"notes,omitempty"`
	LastActor          string     `json:"lastActor,omitempty"`
	SubjectRecordCount int        `json:"subjectRecordCount"`
	Appeals            int        `json:"appeals"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	RejectedAt         *time.Time `json:"rejectedAt,omitempty"`
}

// Response is what the subject receives when the request concludes.
type Response struct {
	Summary         string     `json:"summary,omitempty"`
	ExportID        string     `json:"exportId,omitempty"`
	ExportHash      string     `json:"exportHash,omitempty"`
	RecordCount     int        `json:"recordCount,omitempty"`
	RecordsRetained bool       `json:"recordsRetained,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// DataSubjectRequest is a mutable workflow object. Its history lives in the
// ledger records listed in AuditTrailIDs.
type DataSubjectRequest struct {
	ID                string               `json:"id"`
	Type              RequestType          `json:"type"`
	SubjectID         string               `json:"subjectId"`
	SubjectType       audit.EntityType     `json:"subjectType"`
	RequestedBy       string               `json:"requestedBy"`
	LegalBasis        string               `json:"legalBasis"`
	ComplianceType    audit.ComplianceType `json:"complianceType"`
	RequestDate       time.Time            `json:"requestDate"`
	Status            RequestStatus        `json:"status"`
	ProcessingDetails ProcessingDetails    `json:"processingDetails"`
	Response          Response             `json:"response"`
	AuditTrailIDs     []string             `json:"auditTrailIds"`
	UpdatedAt         time.Time            `json:"updatedAt"`
	// Version increments on every save and guards concurrent updates.
	Version int `json:"version"`
}

// CheckTransition validates s -> next against the lifecycle and, for appeals,
// the appeal policy. It never mutates the request.
func (r *DataSubjectRequest) CheckTransition(next RequestStatus, policy AppealPolicy, now time.Time) error {
	if !next.Valid() || !r.Status.CanTransitionTo(next) {
		return errors.NewInvalidTransitionError(string(r.Status), string(next))
	}
	if next != StatusAppealed {
		return nil
	}

	if r.ProcessingDetails.Appeals >= policy.MaxAppeals {
		return errors.NewInvalidTransitionError(string(r.Status), string(next)).
			WithDetails(map[string]interface{}{"reason": fmt.Sprintf("appeal limit of %d reached", policy.MaxAppeals)})
	}
	if policy.Window > 0 && r.ProcessingDetails.RejectedAt != nil &&
		now.Sub(*r.ProcessingDetails.RejectedAt) > policy.Window {
		return errors.NewInvalidTransitionError(string(r.Status), string(next)).
			WithDetails(map[string]interface{}{"reason": "appeal window has elapsed"})
	}
	return nil
}

// Apply moves the request to next and updates workflow bookkeeping. Callers
// must have passed CheckTransition first.
func (r *DataSubjectRequest) Apply(next RequestStatus, actor, notes string, now time.Time) {
	r.Status = next
	r.UpdatedAt = now
	r.ProcessingDetails.LastActor = actor
	if notes != "" {
		r.ProcessingDetails.Notes = notes
	}

	switch next {
	case StatusProcessing:
		if r.ProcessingDetails.StartedAt == nil {
			r.ProcessingDetails.StartedAt = &now
		}
	case StatusRejected:
		r.ProcessingDetails.RejectedAt = &now
		r.Response.Summary = notes
	case StatusAppealed:
		r.ProcessingDetails.Appeals++
	case StatusCompleted:
		r.Response.CompletedAt = &now
	}
}

// IsTerminal reports whether no further transition is possible under policy.
func (r *DataSubjectRequest) IsTerminal(policy AppealPolicy, now time.Time) bool {
	switch r.Status {
	case StatusCompleted:
		return true
	case StatusRejected:
		return r.CheckTransition(StatusAppealed, policy, now) != nil
	}
	return false
}

// Clone returns a copy that shares no mutable state with r.
func (r *DataSubjectRequest) Clone() *DataSubjectRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.AuditTrailIDs = slices.Clone(r.AuditTrailIDs)
	c.ProcessingDetails.StartedAt = cloneTime(r.ProcessingDetails.StartedAt)
	c.ProcessingDetails.RejectedAt = cloneTime(r.ProcessingDetails.RejectedAt)
	c.Response.CompletedAt = cloneTime(r.Response.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is one lifecycle step reconstructed from the ledger.
type Transition struct {
	AuditRecordID string        `json:"auditRecordId"`
	Sequence      int64         `json:"sequence"`
	At            time.Time     `json:"at"`
	Action        string        `json:"action"`
	FromStatus    RequestStatus `json:"fromStatus,omitempty"`
	ToStatus      RequestStatus `json:"toStatus"`
	Actor         string        `json:"actor"`
	Notes         string        `json:"notes,omitempty"`
}
