// Package dsr runs the data subject request workflow. Every mutation of a
// request is recorded in the ledger before it is saved.
package dsr

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/validation"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/export"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/ledger"
)

// Ledger actions written by the workflow.
const (
	ActionRequestCreated = "dsr_request_created"
	ActionStatusUpdate   = "dsr_status_update"
)

// Ledger is the subset of the audit trail store the workflow needs.
type Ledger interface {
	RecordEvent(ctx context.Context, ev ledger.Event) (*audit.Record, error)
	Get(ctx context.Context, id string) (*audit.Record, error)
	Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[audit.Record, error]
}

// Exporter produces the signed export handed to the subject.
type Exporter interface {
	Export(ctx context.Context, filter audit.RecordFilter, format values.ExportFormat) (*export.SignedExport, error)
}

// Config holds workflow policy.
type Config struct {
	Appeals compliance.AppealPolicy
	// DefaultComplianceType applies when a submission names none.
	DefaultComplianceType audit.ComplianceType
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	Type           compliance.RequestType `validate:"required"`
	SubjectID      string                 `validate:"notblank,max=256"`
	SubjectType    audit.EntityType       `validate:"omitempty,entitytype"`
	RequestedBy    string                 `validate:"notblank,max=256"`
	LegalBasis     string                 `validate:"notblank,max=512"`
	ComplianceType audit.ComplianceType   `validate:"compliancetype"`
	Notes          string                 `validate:"max=2048"`
	Context        audit.RequestContext   `validate:"-"`
}

// Service is the data subject request processor.
type Service struct {
	config   Config
	requests compliance.RequestRepository
	ledger   Ledger
	exporter Exporter
	metrics  *metrics.Registry
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// locks serializes Advance per request id. Ids hash onto a fixed set of
	// stripes so the set never grows with the number of requests.
	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

// Option configures optional collaborators.
type Option func(*Service)

func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

// NewService creates the processor.
func NewService(cfg Config, requests compliance.RequestRepository, l Ledger, exporter Exporter, logger *zap.Logger, opts ...Option) (*Service, error) {
	if requests == nil || l == nil || exporter == nil {
		return nil, errors.NewValidationError("MISSING_DEPENDENCY",
			"request repository, ledger and exporter are required")
	}
	if cfg.DefaultComplianceType == "" {
		cfg.DefaultComplianceType = audit.ComplianceGDPRPersonalData
	}
	if !cfg.DefaultComplianceType.Valid() {
		return nil, errors.NewValidationError("INVALID_COMPLIANCE_TYPE",
			"unknown default compliance type: "+string(cfg.DefaultComplianceType))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:   cfg,
		requests: requests,
		ledger:   l,
		exporter: exporter,
		logger:   logger,
		tracer:   otel.Tracer("dsr.service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit validates and creates a pending request. The creation is recorded in
// the ledger first; if that fails no request exists.
func (s *Service) Submit(ctx context.Context, in SubmitRequest) (*compliance.DataSubjectRequest, error) {
	ctx, span := s.tracer.Start(ctx, "DSR.Submit",
		trace.WithAttributes(attribute.String("dsr.type", string(in.Type))))
	defer span.End()

	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, errors.NewValidationError("INVALID_REQUEST_TYPE", "unknown request type: "+string(in.Type))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate request id").WithCause(err)
	}

	req := &compliance.DataSubjectRequest{
		ID:             id.String(),
		Type:           in.Type,
		SubjectID:      in.SubjectID,
		SubjectType:    in.SubjectType,
		RequestedBy:    in.RequestedBy,
		LegalBasis:     in.LegalBasis,
		ComplianceType: in.ComplianceType,
		Status:         compliance.StatusPending,
	}
	if req.SubjectType == "" {
		req.SubjectType = audit.EntityStudent
	}
	if req.ComplianceType == "" {
		req.ComplianceType = s.config.DefaultComplianceType
	}
	req.ProcessingDetails.Notes = in.Notes
	req.ProcessingDetails.LastActor = in.RequestedBy

	rec, err := s.ledger.RecordEvent(ctx, s.event(req, ActionRequestCreated, "", compliance.StatusPending, in.RequestedBy, in.Notes, in.Context, nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	req.RequestDate = rec.PerformedAt
	req.UpdatedAt = rec.PerformedAt
	req.AuditTrailIDs = []string{rec.ID}

	if err := s.requests.Create(ctx, req); err != nil {
		span.RecordError(err)
		s.logger.Error("Data subject request audited but not stored",
			zap.String("request_id", req.ID),
			zap.String("audit_record_id", rec.ID),
			zap.Error(err),
		)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordDSRTransition(ctx, string(req.Type), "", string(compliance.StatusPending))
	}
	s.logger.Info("Data subject request submitted",
		zap.String("request_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.String("subject_id", req.SubjectID),
	)
	return req.Clone(), nil
}

// Advance moves a request to next. Illegal transitions fail with an
// invalid-transition error and leave the request unchanged.
func (s *Service) Advance(ctx context.Context, id string, next compliance.RequestStatus, actor, notes string) (*compliance.DataSubjectRequest, error) {
	ctx, span := s.tracer.Start(ctx, "DSR.Advance", trace.WithAttributes(
		attribute.String("dsr.id", id),
		attribute.String("dsr.to", string(next)),
	))
	defer span.End()

	req, err := s.advance(ctx, id, next, actor, notes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return req, nil
}

func (s *Service) advance(ctx context.Context, id string, next compliance.RequestStatus, actor, notes string) (*compliance.DataSubjectRequest, error) {
	if id == "" {
		return nil, errors.NewValidationError("MISSING_ID", "request id is required")
	}
	if !validation.NotBlank(actor) {
		return nil, errors.NewValidationError("MISSING_ACTOR", "actor is required")
	}

	unlock := s.lock(id)
	defer unlock()

	req, err := s.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	from := req.Status
	if err := req.CheckTransition(next, s.config.Appeals, now); err != nil {
		return nil, err
	}

	// Work that can fail runs before the ledger write so a failure leaves
	// neither a record nor a state change behind.
	var (
		recordCount int
		signed      *export.SignedExport
	)
	switch {
	case next == compliance.StatusProcessing:
		recordCount, err = s.countSubjectRecords(ctx, req)
	case next == compliance.StatusCompleted && req.Type.ProducesExport():
		signed, err = s.exporter.Export(ctx, audit.ForSubject(req.SubjectID, req.SubjectType), values.JSONFormat())
	}
	if err != nil {
		return nil, err
	}

	rec, err := s.ledger.RecordEvent(ctx, s.event(req, ActionStatusUpdate, from, next, actor, notes, audit.RequestContext{}, signed))
	if err != nil {
		return nil, err
	}

	req.Apply(next, actor, notes, rec.PerformedAt)
	req.AuditTrailIDs = append(req.AuditTrailIDs, rec.ID)
	switch {
	case next == compliance.StatusProcessing:
		req.ProcessingDetails.SubjectRecordCount = recordCount
	case next == compliance.StatusCompleted:
		s.completeResponse(req, signed, notes)
	}

	if err := s.requests.Update(ctx, req); err != nil {
		s.logger.Error("Data subject request transition audited but not stored",
			zap.String("request_id", req.ID),
			zap.String("audit_record_id", rec.ID),
			zap.Error(err),
		)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordDSRTransition(ctx, string(req.Type), string(from), string(next))
	}
	s.logger.Info("Data subject request advanced",
		zap.String("request_id", req.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("actor", actor),
	)
	return req.Clone(), nil
}

func (s *Service) completeResponse(req *compliance.DataSubjectRequest, signed *export.SignedExport, notes string) {
	switch {
	case signed != nil:
		req.Response.ExportID = signed.ID
		req.Response.ExportHash = signed.Hash
		req.Response.RecordCount = signed.RecordCount
		req.Response.Summary = fmt.Sprintf("exported %d records", signed.RecordCount)
	case req.Type == compliance.RequestErasure:
		req.Response.RecordsRetained = true
		req.Response.Summary = "personal data erased; audit records retained under legal obligation"
	default:
		req.Response.Summary = notes
	}
}

func (s *Service) countSubjectRecords(ctx context.Context, req *compliance.DataSubjectRequest) (int, error) {
	count := 0
	for _, err := range s.ledger.Query(ctx, audit.ForSubject(req.SubjectID, req.SubjectType)) {
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

func (s *Service) event(req *compliance.DataSubjectRequest, action string, from, to compliance.RequestStatus, actor, notes string, rc audit.RequestContext, signed *export.SignedExport) ledger.Event {
	details := map[string]any{
		"requestId":   req.ID,
		"requestType": string(req.Type),
		"fromStatus":  string(from),
		"toStatus":    string(to),
		"actor":       actor,
		"notes":       notes,
		"legalBasis":  req.LegalBasis,
	}
	if signed != nil {
		details["exportId"] = signed.ID
		details["exportHash"] = signed.Hash
	}
	return ledger.Event{
		EntityID:           req.SubjectID,
		EntityType:         req.SubjectType,
		Action:             action,
		PerformedBy:        actor,
		Details:            details,
		Context:            rc,
		ComplianceTypeHint: req.ComplianceType,
	}
}

// lock takes the stripe mutex for a request id and returns its release.
func (s *Service) lock(id string) func() {
	mu := &s.locks[xxhash.Sum64String(id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Get returns a request.
func (s *Service) Get(ctx context.Context, id string) (*compliance.DataSubjectRequest, error) {
	if id == "" {
		return nil, errors.NewValidationError("MISSING_ID", "request id is required")
	}
	return s.requests.Get(ctx, id)
}

// ListBySubject returns a subject's requests in submission order.
func (s *Service) ListBySubject(ctx context.Context, subjectID string) ([]*compliance.DataSubjectRequest, error) {
	return s.requests.ListBySubject(ctx, subjectID)
}

// History rebuilds a request's lifecycle solely from the ledger records
// listed in its audit trail.
func (s *Service) History(ctx context.Context, id string) ([]compliance.Transition, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	history := make([]compliance.Transition, 0, len(req.AuditTrailIDs))
	for _, recordID := range req.AuditTrailIDs {
		rec, err := s.ledger.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if rec.Details.String("requestId") != req.ID {
			return nil, errors.NewChainIntegrityError(rec.ID,
				"audit record does not belong to data subject request "+req.ID)
		}
		history = append(history, compliance.Transition{
			AuditRecordID: rec.ID,
			Sequence:      rec.Sequence,
			At:            rec.PerformedAt,
			Action:        rec.Action,
			FromStatus:    compliance.RequestStatus(rec.Details.String("fromStatus")),
			ToStatus:      compliance.RequestStatus(rec.Details.String("toStatus")),
			Actor:         rec.Details.String("actor"),
			Notes:         rec.Details.String("notes"),
		})
	}
	return history, nil
}
