package compliance

import "context"

// ReportRepository persists generated reports. Reports reference ledger
// records by id only.
type ReportRepository interface {
	// Save stores a new report
	Save(ctx context.Context, report *ComplianceReport) error

	// Get retrieves a report by its ID
	Get(ctx context.Context, id string) (*ComplianceReport, error)
}

// RequestRepository persists data subject requests.
type RequestRepository interface {
	// Create stores a new request at version 1
	Create(ctx context.Context, req *DataSubjectRequest) error

	// Update saves req if the stored version still equals req.Version, then
	// increments it. A stale version yields a conflict error.
	Update(ctx context.Context, req *DataSubjectRequest) error

	// Get retrieves a request by its ID
	Get(ctx context.Context, id string) (*DataSubjectRequest, error)

	// ListBySubject returns a subject's requests in submission order
	ListBySubject(ctx context.Context, subjectID string) ([]*DataSubjectRequest, error)
}
