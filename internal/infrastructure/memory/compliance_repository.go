package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// ReportRepository stores generated reports in memory.
type ReportRepository struct {
	mu      sync.RWMutex
	reports map[string]*compliance.ComplianceReport
}

func NewReportRepository() *ReportRepository {
	return &ReportRepository{reports: make(map[string]*compliance.ComplianceReport)}
}

func (r *ReportRepository) Save(_ context.Context, report *compliance.ComplianceReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reports[report.ID]; exists {
		return errors.NewConflictError("REPORT_EXISTS", "report already saved: "+report.ID)
	}
	r.reports[report.ID] = cloneReport(report)
	return nil
}

func (r *ReportRepository) Get(_ context.Context, id string) (*compliance.ComplianceReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.reports[id]
	if !ok {
		return nil, errors.NewNotFoundError("compliance report")
	}
	return cloneReport(report), nil
}

func cloneReport(in *compliance.ComplianceReport) *compliance.ComplianceReport {
	out := *in
	out.RecordIDs = slices.Clone(in.RecordIDs)
	out.Findings = make([]compliance.Finding, len(in.Findings))
	for i, f := range in.Findings {
		f.RecordIDs = slices.Clone(f.RecordIDs)
		out.Findings[i] = f
	}
	if in.Findings == nil {
		out.Findings = nil
	}
	return &out
}

// RequestRepository stores data subject requests in memory with optimistic
// versioning.
type RequestRepository struct {
	mu       sync.RWMutex
	requests map[string]*compliance.DataSubjectRequest
	order    []string
}

func NewRequestRepository() *RequestRepository {
	return &RequestRepository{requests: make(map[string]*compliance.DataSubjectRequest)}
}

func (r *RequestRepository) Create(_ context.Context, req *compliance.DataSubjectRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.requests[req.ID]; exists {
		return errors.NewConflictError("REQUEST_EXISTS", "data subject request already exists: "+req.ID)
	}
	req.Version = 1
	r.requests[req.ID] = req.Clone()
	r.order = append(r.order, req.ID)
	return nil
}

func (r *RequestRepository) Update(_ context.Context, req *compliance.DataSubjectRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.requests[req.ID]
	if !ok {
		return errors.NewNotFoundError("data subject request")
	}
	if current.Version != req.Version {
		return errors.NewConflictError("STALE_REQUEST", "data subject request was modified concurrently")
	}
	req.Version++
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *RequestRepository) Get(_ context.Context, id string) (*compliance.DataSubjectRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, errors.NewNotFoundError("data subject request")
	}
	return req.Clone(), nil
}

func (r *RequestRepository) ListBySubject(_ context.Context, subjectID string) ([]*compliance.DataSubjectRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*compliance.DataSubjectRequest
	for _, id := range r.order {
		if req := r.requests[id]; req.SubjectID == subjectID {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}
