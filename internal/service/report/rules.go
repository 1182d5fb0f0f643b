package report

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// rule inspects a report's record set. Records arrive in ledger order and a
// rule must return findings in a deterministic order.
type rule func(ctx context.Context, records []*audit.Record, asOf time.Time) ([]compliance.Finding, error)

// rules returns the checks in the order their findings appear in a report.
func (s *Service) rules() []rule {
	return []rule{
		missingLegalBasis,
		missingAccessReason,
		retentionExceeded,
		s.coppaConsentMissing,
		s.bulkAccess,
	}
}

// evaluate runs every rule concurrently and concatenates the findings in
// rule order.
func (s *Service) evaluate(ctx context.Context, records []*audit.Record, asOf time.Time) ([]compliance.Finding, error) {
	checks := s.rules()
	results := make([][]compliance.Finding, len(checks))

	g, ctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			found, err := check(ctx, records, asOf)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []compliance.Finding
	for _, r := range results {
		findings = append(findings, r...)
	}
	return findings, nil
}

func isRegulated(r *audit.Record) bool {
	return r.CompliancePolicy.FERPARelevant || r.CompliancePolicy.COPPARelevant
}

func missingLegalBasis(_ context.Context, records []*audit.Record, _ time.Time) ([]compliance.Finding, error) {
	var out []compliance.Finding
	for _, r := range records {
		if r.ActionCategory != audit.CategoryDataAccess && r.ActionCategory != audit.CategoryDataExport {
			continue
		}
		if !isRegulated(r) || r.Details.Has("legalBasis") {
			continue
		}
		out = append(out, compliance.Finding{
			Rule:        compliance.RuleMissingLegalBasis,
			Severity:    compliance.SeverityHigh,
			RecordIDs:   []string{r.ID},
			EntityID:    r.EntityID,
			PerformedBy: r.PerformedBy,
			Description: fmt.Sprintf("%s on regulated record without a legal basis", r.Action),
		})
	}
	return out, nil
}

func missingAccessReason(_ context.Context, records []*audit.Record, _ time.Time) ([]compliance.Finding, error) {
	var out []compliance.Finding
	for _, r := range records {
		if r.ActionCategory != audit.CategoryDataAccess || r.Details.Has("reasonForAccess") {
			continue
		}
		out = append(out, compliance.Finding{
			Rule:        compliance.RuleMissingAccessReason,
			Severity:    compliance.SeverityLow,
			RecordIDs:   []string{r.ID},
			EntityID:    r.EntityID,
			PerformedBy: r.PerformedBy,
			Description: fmt.Sprintf("%s without a recorded reason for access", r.Action),
		})
	}
	return out, nil
}

func retentionExceeded(_ context.Context, records []*audit.Record, asOf time.Time) ([]compliance.Finding, error) {
	var out []compliance.Finding
	for _, r := range records {
		if !r.IsRetentionExpired(asOf) {
			continue
		}
		out = append(out, compliance.Finding{
			Rule:        compliance.RuleRetentionExceeded,
			Severity:    compliance.SeverityMedium,
			RecordIDs:   []string{r.ID},
			EntityID:    r.EntityID,
			Description: fmt.Sprintf("retention of %d days ended %s", r.CompliancePolicy.RetentionDays, audit.FormatTimestamp(r.RetentionExpiresAt())),
		})
	}
	return out, nil
}

// coppaConsentMissing reports one finding per child subject whose records
// carry no consent reference and who has no parental consent on file.
func (s *Service) coppaConsentMissing(ctx context.Context, records []*audit.Record, _ time.Time) ([]compliance.Finding, error) {
	var subjects []string
	unconsented := make(map[string][]string)
	for _, r := range records {
		if !r.CompliancePolicy.COPPARelevant || r.Details.Has("consentReference") {
			continue
		}
		if _, seen := unconsented[r.EntityID]; !seen {
			subjects = append(subjects, r.EntityID)
		}
		unconsented[r.EntityID] = append(unconsented[r.EntityID], r.ID)
	}

	var out []compliance.Finding
	for _, subject := range subjects {
		if s.consents != nil {
			ok, err := s.consents.HasParentalConsent(ctx, subject)
			if err != nil {
				return nil, errors.NewStorageError("CONSENT_LOOKUP_FAILED",
					"parental consent registry unavailable").WithCause(err)
			}
			if ok {
				continue
			}
		}
		out = append(out, compliance.Finding{
			Rule:        compliance.RuleCOPPAConsentMissing,
			Severity:    compliance.SeverityCritical,
			RecordIDs:   unconsented[subject],
			EntityID:    subject,
			Description: "child data processed without verifiable parental consent",
		})
	}
	return out, nil
}

// bulkAccess flags performers who accessed more distinct subjects than the
// configured threshold.
func (s *Service) bulkAccess(_ context.Context, records []*audit.Record, _ time.Time) ([]compliance.Finding, error) {
	subjects := make(map[string]map[string]struct{})
	ids := make(map[string][]string)
	for _, r := range records {
		if r.ActionCategory != audit.CategoryDataAccess {
			continue
		}
		if subjects[r.PerformedBy] == nil {
			subjects[r.PerformedBy] = make(map[string]struct{})
		}
		subjects[r.PerformedBy][r.EntityID] = struct{}{}
		ids[r.PerformedBy] = append(ids[r.PerformedBy], r.ID)
	}

	performers := make([]string, 0, len(subjects))
	for p := range subjects {
		performers = append(performers, p)
	}
	slices.Sort(performers)

	var out []compliance.Finding
	for _, p := range performers {
		if len(subjects[p]) <= s.config.BulkAccessThreshold {
			continue
		}
		out = append(out, compliance.Finding{
			Rule:        compliance.RuleBulkAccess,
			Severity:    compliance.SeverityMedium,
			RecordIDs:   ids[p],
			PerformedBy: p,
			Description: fmt.Sprintf("accessed %d distinct subjects (threshold %d)", len(subjects[p]), s.config.BulkAccessThreshold),
		})
	}
	return out, nil
}
