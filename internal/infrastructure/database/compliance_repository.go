package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// ReportRepository stores generated compliance reports as JSONB documents
// alongside the columns they are looked up by.
type ReportRepository struct {
	db *ConnectionPool
}

func NewReportRepository(db *ConnectionPool) *ReportRepository {
	return &ReportRepository{db: db}
}

// Save implements compliance.ReportRepository.
func (r *ReportRepository) Save(ctx context.Context, report *compliance.ComplianceReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return errors.NewInternalError("failed to marshal report").WithCause(err)
	}

	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO compliance_reports (id, report_type, generated_by, generated_at, report_hash, document)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		report.ID, string(report.ReportType), report.GeneratedBy, report.GeneratedAt, report.ReportHash, doc)
	if IsDuplicateKeyViolation(err) {
		return errors.NewConflictError("REPORT_EXISTS", "report already saved: "+report.ID)
	}
	return wrapError(err, "REPORT_SAVE_FAILED", "failed to save compliance report")
}

// Get implements compliance.ReportRepository.
func (r *ReportRepository) Get(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewNotFoundError("compliance report")
	}

	var doc []byte
	err := r.db.Pool().QueryRow(ctx, `SELECT document FROM compliance_reports WHERE id = $1`, id).Scan(&doc)
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("compliance report")
	}
	if err != nil {
		return nil, wrapError(err, "READ_FAILED", "failed to read compliance report")
	}

	var report compliance.ComplianceReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, errors.NewInternalError("stored report is not decodable").WithCause(err)
	}
	return &report, nil
}

// RequestRepository persists data subject requests with optimistic
// versioning on the version column.
type RequestRepository struct {
	db *ConnectionPool
}

func NewRequestRepository(db *ConnectionPool) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create implements compliance.RequestRepository.
func (r *RequestRepository) Create(ctx context.Context, req *compliance.DataSubjectRequest) error {
	stored := req.Clone()
	stored.Version = 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return errors.NewInternalError("failed to marshal data subject request").WithCause(err)
	}

	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO data_subject_requests (id, subject_id, request_type, status, request_date, version, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		stored.ID, stored.SubjectID, string(stored.Type), string(stored.Status), stored.RequestDate, stored.Version, doc)
	if IsDuplicateKeyViolation(err) {
		return errors.NewConflictError("REQUEST_EXISTS", "data subject request already exists: "+req.ID)
	}
	if err != nil {
		return wrapError(err, "REQUEST_SAVE_FAILED", "failed to store data subject request")
	}
	req.Version = 1
	return nil
}

// Update implements compliance.RequestRepository.
func (r *RequestRepository) Update(ctx context.Context, req *compliance.DataSubjectRequest) error {
	next := req.Clone()
	next.Version = req.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return errors.NewInternalError("failed to marshal data subject request").WithCause(err)
	}

	err = r.db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE data_subject_requests
			SET status = $2, version = $3, document = $4
			WHERE id = $1 AND version = $5`,
			req.ID, string(req.Status), next.Version, doc, req.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM data_subject_requests WHERE id = $1)`, req.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errors.NewNotFoundError("data subject request")
		}
		return errors.NewConflictError("STALE_REQUEST", "data subject request was modified concurrently")
	})
	if err != nil {
		return wrapError(err, "REQUEST_SAVE_FAILED", "failed to update data subject request")
	}
	req.Version = next.Version
	return nil
}

// Get implements compliance.RequestRepository.
func (r *RequestRepository) Get(ctx context.Context, id string) (*compliance.DataSubjectRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewNotFoundError("data subject request")
	}

	var doc []byte
	err := r.db.Pool().QueryRow(ctx, `SELECT document FROM data_subject_requests WHERE id = $1`, id).Scan(&doc)
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("data subject request")
	}
	if err != nil {
		return nil, wrapError(err, "READ_FAILED", "failed to read data subject request")
	}
	return decodeRequest(doc)
}

// ListBySubject implements compliance.RequestRepository.
func (r *RequestRepository) ListBySubject(ctx context.Context, subjectID string) ([]*compliance.DataSubjectRequest, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT document FROM data_subject_requests WHERE subject_id = $1 ORDER BY created_seq`, subjectID)
	if err != nil {
		return nil, wrapError(err, "READ_FAILED", "failed to list data subject requests")
	}
	requests, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*compliance.DataSubjectRequest, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return nil, err
		}
		return decodeRequest(doc)
	})
	if err != nil {
		return nil, wrapError(err, "READ_FAILED", "failed to list data subject requests")
	}
	return requests, nil
}

func decodeRequest(doc []byte) (*compliance.DataSubjectRequest, error) {
	var req compliance.DataSubjectRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, errors.NewInternalError("stored data subject request is not decodable").WithCause(err)
	}
	return &req, nil
}
