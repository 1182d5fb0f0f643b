package compliance

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
)

// ReportType narrows which records a report covers.
type ReportType string

const (
	ReportFERPA         ReportType = "ferpa"
	ReportCOPPA         ReportType = "coppa"
	ReportGDPR          ReportType = "gdpr"
	ReportCCPA          ReportType = "ccpa"
	ReportComprehensive ReportType = "comprehensive"
)

func (t ReportType) Valid() bool {
	switch t {
	case ReportFERPA, ReportCOPPA, ReportGDPR, ReportCCPA, ReportComprehensive:
		return true
	}
	return false
}

// Includes reports whether r falls under this report type.
func (t ReportType) Includes(r *audit.Record) bool {
	switch t {
	case ReportFERPA:
		return r.CompliancePolicy.FERPARelevant
	case ReportCOPPA:
		return r.CompliancePolicy.COPPARelevant
	case ReportGDPR:
		return r.ComplianceType == audit.ComplianceGDPRPersonalData
	case ReportCCPA:
		return r.ComplianceType == audit.ComplianceCCPAPersonalInformation
	case ReportComprehensive:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Penalty is the score deduction for one finding of this severity.
func (s Severity) Penalty() decimal.Decimal {
	switch s {
	case SeverityCritical:
		return decimal.NewFromInt(25)
	case SeverityHigh:
		return decimal.NewFromInt(10)
	case SeverityMedium:
		return decimal.NewFromInt(5)
	case SeverityLow:
		return decimal.NewFromInt(2)
	default:
		return decimal.Zero
	}
}

// FindingRule names the check that produced a finding.
type FindingRule string

const (
	RuleMissingLegalBasis   FindingRule = "missing_legal_basis"
	RuleMissingAccessReason FindingRule = "missing_access_reason"
	RuleRetentionExceeded   FindingRule = "retention_exceeded"
	RuleCOPPAConsentMissing FindingRule = "coppa_consent_missing"
	RuleBulkAccess          FindingRule = "bulk_access"
)

// Finding is one violation detected in a report's record set.
type Finding struct {
	Rule        FindingRule `json:"rule"`
	Severity    Severity    `json:"severity"`
	RecordIDs   []string    `json:"recordIds"`
	EntityID    string      `json:"entityId,omitempty"`
	PerformedBy string      `json:"performedBy,omitempty"`
	Description string      `json:"description"`
}

// Summary aggregates a report's record set.
type Summary struct {
	TotalRecords       int                          `json:"totalRecords"`
	ByComplianceType   map[audit.ComplianceType]int `json:"byComplianceType"`
	ByActionCategory   map[audit.ActionCategory]int `json:"byActionCategory"`
	ByAction           map[string]int               `json:"byAction"`
	UniquePerformers   int                          `json:"uniquePerformers"`
	UniqueSubjects     int                          `json:"uniqueSubjects"`
	FindingsBySeverity map[Severity]int             `json:"findingsBySeverity"`
}

// NewSummary returns a summary with initialized maps.
func NewSummary() Summary {
	return Summary{
		ByComplianceType:   make(map[audit.ComplianceType]int),
		ByActionCategory:   make(map[audit.ActionCategory]int),
		ByAction:           make(map[string]int),
		FindingsBySeverity: make(map[Severity]int),
	}
}

// ComplianceReport is a derived, recomputable and signed view over the
// ledger. It references records by id and never embeds copies.
type ComplianceReport struct {
	ID          string          `json:"id"`
	ReportType  ReportType      `json:"reportType"`
	TimeRange   audit.TimeRange `json:"timeRange"`
	Scope       audit.Scope     `json:"scope"`
	GeneratedBy string          `json:"generatedBy"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Summary     Summary         `json:"summary"`
	RecordIDs   []string        `json:"recordIds"`
	Findings    []Finding       `json:"findings"`
	Score       decimal.Decimal `json:"score"`
	ReportHash  string          `json:"reportHash"`
	Signature   string          `json:"signature"`
	KeyID       string          `json:"keyId"`
}

// canonicalReport is the hash input: every field that is a function of the
// inputs and the ledger, excluding the id and generation time.
type canonicalReport struct {
	V           int         `json:"v"`
	ReportType  ReportType  `json:"reportType"`
	RangeStart  string      `json:"rangeStart"`
	RangeEnd    string      `json:"rangeEnd"`
	Scope       audit.Scope `json:"scope"`
	GeneratedBy string      `json:"generatedBy"`
	Summary     Summary     `json:"summary"`
	RecordIDs   []string    `json:"recordIds"`
	Findings    []Finding   `json:"findings"`
	Score       string      `json:"score"`
}

// CanonicalBytes encodes the hashed portion of the report.
func (r *ComplianceReport) CanonicalBytes() ([]byte, error) {
	return audit.MarshalCanonical(canonicalReport{
		V:           1,
		ReportType:  r.ReportType,
		RangeStart:  formatBound(r.TimeRange.Start),
		RangeEnd:    formatBound(r.TimeRange.End),
		Scope:       r.Scope,
		GeneratedBy: r.GeneratedBy,
		Summary:     r.Summary,
		RecordIDs:   nonNil(r.RecordIDs),
		Findings:    nonNilFindings(r.Findings),
		Score:       r.Score.StringFixed(2),
	})
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return audit.FormatTimestamp(t)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilFindings(f []Finding) []Finding {
	if f == nil {
		return []Finding{}
	}
	return f
}
