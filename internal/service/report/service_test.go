package report

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/keys"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/memory"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/ledger"
)

var base = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

// stepClock returns start, start+step, start+2*step, ...
type stepClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

type minors map[string]bool

func (m minors) IsMinor(_ context.Context, id string, _ audit.EntityType) (bool, error) {
	return m[id], nil
}

type consents map[string]bool

func (c consents) HasParentalConsent(_ context.Context, id string) (bool, error) {
	return c[id], nil
}

type brokenConsents struct{}

func (brokenConsents) HasParentalConsent(context.Context, string) (bool, error) {
	return false, stderrors.New("registry timeout")
}

type fixture struct {
	ledger  *ledger.Service
	reports *Service
	repo    *memory.ReportRepository
}

func newFixture(t *testing.T, cfg Config, start time.Time, opts ...Option) *fixture {
	t.Helper()
	provider, err := keys.NewEphemeralProvider("report-test")
	require.NoError(t, err)
	engine := audit.NewHashChainEngine(provider)
	logger := zaptest.NewLogger(t)
	clock := &stepClock{next: start, step: time.Minute}

	store, err := ledger.NewService(ledger.Config{}, memory.NewLedgerRepository(), engine, logger,
		ledger.WithClock(clock.Now),
		ledger.WithAgeVerifier(minors{"child_1": true, "child_2": true, "child_3": true}),
	)
	require.NoError(t, err)

	repo := memory.NewReportRepository()
	reports, err := NewService(cfg, store, engine, repo, logger, opts...)
	require.NoError(t, err)
	return &fixture{ledger: store, reports: reports, repo: repo}
}

func (f *fixture) record(t *testing.T, ev ledger.Event) *audit.Record {
	t.Helper()
	rec, err := f.ledger.RecordEvent(context.Background(), ev)
	require.NoError(t, err)
	return rec
}

func access(subject, performer string, details map[string]any) ledger.Event {
	return ledger.Event{EntityID: subject, EntityType: audit.EntityStudent, Action: "view_grade", PerformedBy: performer, Details: details}
}

func clean() map[string]any {
	return map[string]any{"reasonForAccess": "progress_review", "legalBasis": "legitimate_interest"}
}

func TestGenerateReport_ExampleScenario(t *testing.T) {
	f := newFixture(t, Config{}, base)
	rec := f.record(t, access("student_42", "teacher_7", clean()))

	report, err := f.reports.GenerateReport(context.Background(), compliance.ReportFERPA,
		audit.TimeRange{Start: base.Add(-time.Hour), End: base.Add(time.Hour)}, audit.Scope{}, "admin_1")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, report.Summary.TotalRecords, 1)
	assert.Contains(t, report.RecordIDs, rec.ID)
	assert.Empty(t, report.Findings)
	assert.Equal(t, "100.00", report.Score.StringFixed(2))
	assert.NotEmpty(t, report.ReportHash)
	assert.NotEmpty(t, report.Signature)
	assert.Equal(t, "report-test", report.KeyID)

	stored, err := f.reports.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ReportHash, stored.ReportHash)
}

func TestGenerateReport_Deterministic(t *testing.T) {
	f := newFixture(t, Config{BulkAccessThreshold: 1}, base, WithConsentRegistry(consents{}))
	f.record(t, access("student_1", "teacher_1", nil))
	f.record(t, access("student_2", "teacher_1", clean()))
	f.record(t, ledger.Event{EntityID: "child_1", EntityType: audit.EntityStudent, Action: "update_profile", PerformedBy: "parent_1"})

	ctx := context.Background()
	tr := audit.TimeRange{Start: base, End: base.Add(time.Hour)}
	first, err := f.reports.GenerateReport(ctx, compliance.ReportComprehensive, tr, audit.Scope{}, "admin_1")
	require.NoError(t, err)
	second, err := f.reports.GenerateReport(ctx, compliance.ReportComprehensive, tr, audit.Scope{}, "admin_1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ReportHash, second.ReportHash)
	assert.Equal(t, first.Findings, second.Findings)

	other, err := f.reports.GenerateReport(ctx, compliance.ReportComprehensive, tr, audit.Scope{}, "admin_2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ReportHash, other.ReportHash, "generatedBy is part of the hashed body")
}

func TestGenerateReport_EmptyScope(t *testing.T) {
	f := newFixture(t, Config{}, base)
	f.record(t, access("student_1", "teacher_1", nil))

	report, err := f.reports.GenerateReport(context.Background(), compliance.ReportComprehensive,
		audit.TimeRange{Start: base.Add(24 * time.Hour)}, audit.Scope{EntityID: "student_1"}, "admin_1")
	require.NoError(t, err)

	assert.Equal(t, 0, report.Summary.TotalRecords)
	assert.Empty(t, report.RecordIDs)
	assert.Empty(t, report.Findings)
	assert.True(t, report.Score.Equal(maxScore))
}

func TestGenerateReport_Findings(t *testing.T) {
	f := newFixture(t, Config{BulkAccessThreshold: 2}, base, WithConsentRegistry(consents{"child_2": true}))

	r1 := f.record(t, access("student_1", "teacher_1", clean()))
	r2 := f.record(t, access("student_2", "teacher_1", nil))
	r3 := f.record(t, access("student_3", "teacher_1", clean()))
	child1 := f.record(t, ledger.Event{EntityID: "child_1", EntityType: audit.EntityStudent, Action: "update_profile", PerformedBy: "parent_1"})
	f.record(t, ledger.Event{EntityID: "child_2", EntityType: audit.EntityStudent, Action: "update_profile", PerformedBy: "parent_1"})
	f.record(t, ledger.Event{EntityID: "child_3", EntityType: audit.EntityStudent, Action: "update_profile", PerformedBy: "parent_1",
		Details: map[string]any{"consentReference": "consent-9"}})

	report, err := f.reports.GenerateReport(context.Background(), compliance.ReportComprehensive,
		audit.TimeRange{Start: base, End: base.Add(time.Hour)}, audit.Scope{}, "admin_1")
	require.NoError(t, err)

	rules := make([]compliance.FindingRule, 0, len(report.Findings))
	for _, finding := range report.Findings {
		rules = append(rules, finding.Rule)
	}
	assert.Equal(t, []compliance.FindingRule{
		compliance.RuleMissingLegalBasis,
		compliance.RuleMissingAccessReason,
		compliance.RuleCOPPAConsentMissing,
		compliance.RuleBulkAccess,
	}, rules)

	assert.Equal(t, []string{r2.ID}, report.Findings[0].RecordIDs)
	assert.Equal(t, []string{child1.ID}, report.Findings[2].RecordIDs)
	assert.Equal(t, "child_1", report.Findings[2].EntityID)
	assert.Equal(t, []string{r1.ID, r2.ID, r3.ID}, report.Findings[3].RecordIDs)
	assert.Equal(t, "teacher_1", report.Findings[3].PerformedBy)

	// 100 - (10 + 2 + 25 + 5)
	assert.Equal(t, "58.00", report.Score.StringFixed(2))

	summary := report.Summary
	assert.Equal(t, 6, summary.TotalRecords)
	assert.Equal(t, 2, summary.UniquePerformers)
	assert.Equal(t, 6, summary.UniqueSubjects)
	assert.Equal(t, 3, summary.ByActionCategory[audit.CategoryDataAccess])
	assert.Equal(t, 3, summary.ByActionCategory[audit.CategoryDataModification])
	assert.Equal(t, 3, summary.ByComplianceType[audit.ComplianceCOPPAChildData])
	assert.Equal(t, map[compliance.Severity]int{
		compliance.SeverityHigh:     1,
		compliance.SeverityLow:      1,
		compliance.SeverityCritical: 1,
		compliance.SeverityMedium:   1,
	}, summary.FindingsBySeverity)
}

func TestGenerateReport_ScoreFloorsAtZero(t *testing.T) {
	f := newFixture(t, Config{}, base)
	for i := 0; i < 9; i++ {
		f.record(t, access("student_1", "teacher_1", nil))
	}

	report, err := f.reports.GenerateReport(context.Background(), compliance.ReportFERPA,
		audit.TimeRange{}, audit.Scope{}, "admin_1")
	require.NoError(t, err)
	assert.Len(t, report.Findings, 18)
	assert.Equal(t, "0.00", report.Score.StringFixed(2))
}

func TestGenerateReport_RetentionExceeded(t *testing.T) {
	old := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{}, old)
	rec := f.record(t, ledger.Event{EntityID: "teacher_3", EntityType: audit.EntityTeacher, Action: "update_profile", PerformedBy: "admin_1"})
	require.Equal(t, audit.RetentionStandardDays, rec.CompliancePolicy.RetentionDays)

	ctx := context.Background()
	report, err := f.reports.GenerateReport(ctx, compliance.ReportComprehensive,
		audit.TimeRange{End: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}, audit.Scope{}, "admin_1")
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, compliance.RuleRetentionExceeded, report.Findings[0].Rule)
	assert.Equal(t, "95.00", report.Score.StringFixed(2))

	open, err := f.reports.GenerateReport(ctx, compliance.ReportComprehensive, audit.TimeRange{}, audit.Scope{}, "admin_1")
	require.NoError(t, err)
	assert.Empty(t, open.Findings, "open ranges judge retention against the newest record, not the wall clock")
}

func TestGenerateReport_TypeAndScope(t *testing.T) {
	f := newFixture(t, Config{}, base)
	f.record(t, access("student_1", "teacher_1", clean()))
	gdpr := f.record(t, ledger.Event{EntityID: "parent_1", EntityType: audit.EntityParent, Action: "update_contact",
		PerformedBy: "parent_1", ComplianceTypeHint: audit.ComplianceGDPRPersonalData})
	f.record(t, ledger.Event{EntityID: "teacher_2", EntityType: audit.EntityTeacher, Action: "update_profile", PerformedBy: "admin_1"})

	ctx := context.Background()
	report, err := f.reports.GenerateReport(ctx, compliance.ReportGDPR, audit.TimeRange{}, audit.Scope{}, "dpo")
	require.NoError(t, err)
	assert.Equal(t, []string{gdpr.ID}, report.RecordIDs)

	report, err = f.reports.GenerateReport(ctx, compliance.ReportComprehensive, audit.TimeRange{},
		audit.Scope{EntityType: audit.EntityTeacher}, "dpo")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.TotalRecords)

	report, err = f.reports.GenerateReport(ctx, compliance.ReportCCPA, audit.TimeRange{}, audit.Scope{}, "dpo")
	require.NoError(t, err)
	assert.Zero(t, report.Summary.TotalRecords)
}

func TestGenerateReport_Validation(t *testing.T) {
	f := newFixture(t, Config{}, base)
	ctx := context.Background()

	tests := []struct {
		name        string
		reportType  compliance.ReportType
		tr          audit.TimeRange
		scope       audit.Scope
		generatedBy string
		code        string
	}{
		{"unknown type", "sox", audit.TimeRange{}, audit.Scope{}, "admin", "INVALID_REPORT_TYPE"},
		{"inverted range", compliance.ReportFERPA, audit.TimeRange{Start: base, End: base.Add(-time.Hour)}, audit.Scope{}, "admin", "INVALID_TIME_RANGE"},
		{"bad scope", compliance.ReportFERPA, audit.TimeRange{}, audit.Scope{EntityType: "robot"}, "admin", "INVALID_SCOPE"},
		{"no author", compliance.ReportFERPA, audit.TimeRange{}, audit.Scope{}, " ", "MISSING_GENERATED_BY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reports.GenerateReport(ctx, tt.reportType, tt.tr, tt.scope, tt.generatedBy)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestGenerateReport_ConsentRegistryFailure(t *testing.T) {
	f := newFixture(t, Config{}, base, WithConsentRegistry(brokenConsents{}))
	f.record(t, ledger.Event{EntityID: "child_1", EntityType: audit.EntityStudent, Action: "update_profile", PerformedBy: "parent_1"})

	_, err := f.reports.GenerateReport(context.Background(), compliance.ReportCOPPA, audit.TimeRange{}, audit.Scope{}, "admin_1")
	assert.Equal(t, "CONSENT_LOOKUP_FAILED", errors.CodeOf(err))
}

// tamperedReports returns stored reports with a mutated score.
type tamperedReports struct {
	*memory.ReportRepository
}

func (r tamperedReports) Get(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	report, err := r.ReportRepository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Score = maxScore
	return report, nil
}

func TestVerifyReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, base)
	f.record(t, access("student_1", "teacher_1", nil))

	tr := audit.TimeRange{Start: base, End: base.Add(time.Hour)}
	report, err := f.reports.GenerateReport(ctx, compliance.ReportFERPA, tr, audit.Scope{}, "admin_1")
	require.NoError(t, err)

	result, err := f.reports.VerifyReport(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, result.HashValid)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.Reproducible)

	f.record(t, access("student_2", "teacher_1", clean()))
	result, err = f.reports.VerifyReport(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, result.HashValid)
	assert.False(t, result.Reproducible, "a new record inside the range changes the recomputed report")

	tampered, err := NewService(Config{}, f.ledger, f.ledger.Engine(), tamperedReports{f.repo}, zaptest.NewLogger(t))
	require.NoError(t, err)
	result, err = tampered.VerifyReport(ctx, report.ID)
	require.NoError(t, err)
	assert.False(t, result.HashValid)
	assert.False(t, result.SignatureValid)

	_, err = f.reports.VerifyReport(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
