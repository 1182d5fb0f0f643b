// Package report generates signed, reproducible compliance reports over the
// ledger.
package report

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
)

// DefaultBulkAccessThreshold is used when the configured threshold is unset.
const DefaultBulkAccessThreshold = 50

var maxScore = decimal.NewFromInt(100)

// RecordSource is the read side of the ledger.
type RecordSource interface {
	Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[audit.Record, error]
}

// Signer signs and verifies digests with the ledger's keys.
type Signer interface {
	SignDigest(ctx context.Context, digest values.Digest) (signature, keyID string, err error)
	VerifyDigest(digest values.Digest, signature, keyID string) bool
}

// ConsentRegistry answers whether a child subject has verifiable parental
// consent on file.
type ConsentRegistry interface {
	HasParentalConsent(ctx context.Context, subjectID string) (bool, error)
}

// Config tunes the findings pass.
type Config struct {
	BulkAccessThreshold int
}

// Verification is the outcome of re-checking a stored report.
type Verification struct {
	ReportID       string `json:"reportId"`
	HashValid      bool   `json:"hashValid"`
	SignatureValid bool   `json:"signatureValid"`
	// Reproducible is true when regenerating from the current ledger yields
	// the same hash.
	Reproducible   bool   `json:"reproducible"`
	RecomputedHash string `json:"recomputedHash"`
}

// Service is the compliance report generator.
type Service struct {
	config   Config
	source   RecordSource
	signer   Signer
	reports  compliance.ReportRepository
	consents ConsentRegistry
	metrics  *metrics.Registry
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

func WithConsentRegistry(c ConsentRegistry) Option { return func(s *Service) { s.consents = c } }
func WithMetrics(m *metrics.Registry) Option       { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option        { return func(s *Service) { s.now = now } }

// NewService creates the report generator.
func NewService(cfg Config, source RecordSource, signer Signer, reports compliance.ReportRepository, logger *zap.Logger, opts ...Option) (*Service, error) {
	if source == nil || signer == nil || reports == nil {
		return nil, errors.NewValidationError("MISSING_DEPENDENCY",
			"record source, signer and report repository are required")
	}
	if cfg.BulkAccessThreshold <= 0 {
		cfg.BulkAccessThreshold = DefaultBulkAccessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:  cfg,
		source:  source,
		signer:  signer,
		reports: reports,
		logger:  logger,
		tracer:  otel.Tracer("report.service"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateReport builds, signs and stores a report. Identical inputs over an
// unchanged ledger always produce the same report hash.
func (s *Service) GenerateReport(ctx context.Context, reportType compliance.ReportType, tr audit.TimeRange, scope audit.Scope, generatedBy string) (*compliance.ComplianceReport, error) {
	ctx, span := s.tracer.Start(ctx, "Report.GenerateReport",
		trace.WithAttributes(attribute.String("report.type", string(reportType))))
	defer span.End()

	report, err := s.build(ctx, reportType, tr, scope, generatedBy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	digest, err := values.NewDigest(report.ReportHash)
	if err != nil {
		return nil, errors.NewInternalError("report hash is not a valid digest").WithCause(err)
	}
	report.Signature, report.KeyID, err = s.signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate report id").WithCause(err)
	}
	report.ID = id.String()
	report.GeneratedAt = s.now().UTC()

	if err := s.reports.Save(ctx, report); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("report.id", report.ID),
		attribute.Int("report.records", report.Summary.TotalRecords),
		attribute.Int("report.findings", len(report.Findings)),
	)
	if s.metrics != nil {
		s.metrics.RecordReport(ctx, string(reportType), report.Score.InexactFloat64())
	}
	s.logger.Info("Compliance report generated",
		zap.String("report_id", report.ID),
		zap.String("report_type", string(reportType)),
		zap.Int("records", report.Summary.TotalRecords),
		zap.Int("findings", len(report.Findings)),
		zap.String("score", report.Score.StringFixed(2)),
	)
	return report, nil
}

// build computes everything covered by the report hash.
func (s *Service) build(ctx context.Context, reportType compliance.ReportType, tr audit.TimeRange, scope audit.Scope, generatedBy string) (*compliance.ComplianceReport, error) {
	if !reportType.Valid() {
		return nil, errors.NewValidationError("INVALID_REPORT_TYPE", "unknown report type: "+string(reportType))
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	if scope.EntityType != "" && !scope.EntityType.Valid() {
		return nil, errors.NewValidationError("INVALID_SCOPE", "unknown entity type: "+string(scope.EntityType))
	}
	if strings.TrimSpace(generatedBy) == "" {
		return nil, errors.NewValidationError("MISSING_GENERATED_BY", "generatedBy is required")
	}

	var records []*audit.Record
	for rec, err := range s.source.Query(ctx, audit.ForScope(scope, tr)) {
		if err != nil {
			return nil, err
		}
		if reportType.Includes(&rec) {
			records = append(records, &rec)
		}
	}

	report := &compliance.ComplianceReport{
		ReportType:  reportType,
		TimeRange:   tr,
		Scope:       scope,
		GeneratedBy: generatedBy,
		Summary:     summarize(records),
		RecordIDs:   make([]string, 0, len(records)),
	}
	for _, r := range records {
		report.RecordIDs = append(report.RecordIDs, r.ID)
	}

	findings, err := s.evaluate(ctx, records, retentionReference(tr, records))
	if err != nil {
		return nil, err
	}
	report.Findings = findings

	penalty := decimal.Zero
	for _, f := range findings {
		report.Summary.FindingsBySeverity[f.Severity]++
		penalty = penalty.Add(f.Severity.Penalty())
	}
	report.Score = decimal.Max(decimal.Zero, maxScore.Sub(penalty))

	body, err := report.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	report.ReportHash = values.ComputeDigest(body).String()
	return report, nil
}

// retentionReference is the instant retention is judged against: the end of
// the range, or the newest record when the range is open-ended. Wall-clock
// time is never used so reports stay reproducible.
func retentionReference(tr audit.TimeRange, records []*audit.Record) time.Time {
	if !tr.End.IsZero() {
		return tr.End
	}
	if len(records) == 0 {
		return time.Time{}
	}
	return records[len(records)-1].PerformedAt
}

func summarize(records []*audit.Record) compliance.Summary {
	summary := compliance.NewSummary()
	performers := make(map[string]struct{})
	subjects := make(map[string]struct{})
	for _, r := range records {
		summary.TotalRecords++
		summary.ByComplianceType[r.ComplianceType]++
		summary.ByActionCategory[r.ActionCategory]++
		summary.ByAction[r.Action]++
		performers[r.PerformedBy] = struct{}{}
		subjects[string(r.EntityType)+"/"+r.EntityID] = struct{}{}
	}
	summary.UniquePerformers = len(performers)
	summary.UniqueSubjects = len(subjects)
	return summary
}

// GetReport loads a stored report.
func (s *Service) GetReport(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	if id == "" {
		return nil, errors.NewValidationError("MISSING_ID", "report id is required")
	}
	return s.reports.Get(ctx, id)
}

// VerifyReport checks a stored report's hash and signature and regenerates
// it from the ledger to confirm it is still reproducible.
func (s *Service) VerifyReport(ctx context.Context, id string) (*Verification, error) {
	ctx, span := s.tracer.Start(ctx, "Report.VerifyReport", trace.WithAttributes(attribute.String("report.id", id)))
	defer span.End()

	stored, err := s.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &Verification{ReportID: id}
	body, err := stored.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	computed := values.ComputeDigest(body)
	claimed, err := values.NewDigest(stored.ReportHash)
	if err == nil && claimed.Equal(computed) {
		result.HashValid = true
		result.SignatureValid = s.signer.VerifyDigest(claimed, stored.Signature, stored.KeyID)
	}

	fresh, err := s.build(ctx, stored.ReportType, stored.TimeRange, stored.Scope, stored.GeneratedBy)
	if err != nil {
		return nil, err
	}
	result.RecomputedHash = fresh.ReportHash
	result.Reproducible = fresh.ReportHash == stored.ReportHash

	span.SetAttributes(
		attribute.Bool("report.hash_valid", result.HashValid),
		attribute.Bool("report.signature_valid", result.SignatureValid),
		attribute.Bool("report.reproducible", result.Reproducible),
	)
	if !result.HashValid || !result.SignatureValid {
		s.logger.Warn("Stored compliance report failed verification", zap.String("report_id", id))
	}
	return result, nil
}
