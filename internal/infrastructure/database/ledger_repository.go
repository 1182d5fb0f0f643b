package database

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/querybuilder"
)

// DefaultQueryBatchSize is the page size for streaming reads.
const DefaultQueryBatchSize = 500

const insertRecordSQL = `
	INSERT INTO audit_records (
		id, sequence, compliance_type, entity_id, entity_type,
		action, action_category, performed_by, performed_at, details,
		ip_address, user_agent, session_id, request_id, correlation_id,
		ferpa_relevant, coppa_relevant, retention_days, immutable, encryption_required,
		hash, previous_hash, signature, key_id
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
	)`

// LedgerRepository is the PostgreSQL ledger. The chain_tail row serializes
// appends across processes; reads are keyset-paginated by sequence and never
// hold a cursor open while the caller consumes records.
type LedgerRepository struct {
	db        *ConnectionPool
	batchSize int
}

// NewLedgerRepository creates a PostgreSQL ledger repository.
func NewLedgerRepository(db *ConnectionPool, batchSize int) *LedgerRepository {
	if batchSize <= 0 {
		batchSize = DefaultQueryBatchSize
	}
	return &LedgerRepository{db: db, batchSize: batchSize}
}

// Append implements ledger.Repository.
func (r *LedgerRepository) Append(ctx context.Context, rec *audit.Record, expected audit.ChainTail) error {
	details := rec.Details
	if details == nil {
		details = audit.Details{}
	}
	detailsJSON, err := audit.MarshalCanonical(details)
	if err != nil {
		return err
	}

	err = r.db.Transaction(ctx, func(tx pgx.Tx) error {
		var seq int64
		var hash string
		if err := tx.QueryRow(ctx,
			`SELECT sequence, hash FROM chain_tail WHERE singleton FOR UPDATE`,
		).Scan(&seq, &hash); err != nil {
			return err
		}
		if seq != expected.Sequence || hash != expected.Hash {
			return errors.NewConflictError("CHAIN_TAIL_MOVED", "chain tail changed since it was read")
		}

		_, err := tx.Exec(ctx, insertRecordSQL,
			rec.ID,
			rec.Sequence,
			string(rec.ComplianceType),
			rec.EntityID,
			string(rec.EntityType),
			rec.Action,
			string(rec.ActionCategory),
			rec.PerformedBy,
			rec.PerformedAt,
			string(detailsJSON),
			rec.Context.IPAddress,
			rec.Context.UserAgent,
			rec.Context.SessionID,
			rec.Context.RequestID,
			rec.Context.CorrelationID,
			rec.CompliancePolicy.FERPARelevant,
			rec.CompliancePolicy.COPPARelevant,
			rec.CompliancePolicy.RetentionDays,
			rec.CompliancePolicy.Immutable,
			rec.CompliancePolicy.EncryptionRequired,
			rec.ChainLink.Hash,
			rec.ChainLink.PreviousHash,
			rec.ChainLink.Signature,
			rec.ChainLink.KeyID,
		)
		if err != nil {
			if IsDuplicateKeyViolation(err) {
				return errors.NewImmutableError("audit record " + rec.ID).WithCause(err)
			}
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE chain_tail SET sequence = $1, hash = $2, performed_at = $3 WHERE singleton`,
			rec.Sequence, rec.ChainLink.Hash, rec.PerformedAt)
		return err
	})
	return wrapError(err, "APPEND_FAILED", "failed to append audit record")
}

// Get implements ledger.Repository.
func (r *LedgerRepository) Get(ctx context.Context, id string) (*audit.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NewNotFoundError("audit record")
	}

	query, args, err := querybuilder.NewRecordQuery().WhereEqual("id", id).ToSQL()
	if err != nil {
		return nil, errors.NewInternalError("failed to build record query").WithCause(err)
	}
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "READ_FAILED", "failed to read audit record")
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("audit record")
	}
	if err != nil {
		return nil, wrapError(err, "READ_FAILED", "failed to read audit record")
	}
	return rec, nil
}

// Tail implements ledger.Repository.
func (r *LedgerRepository) Tail(ctx context.Context) (audit.ChainTail, error) {
	var tail audit.ChainTail
	var performedAt *time.Time
	err := r.db.Pool().QueryRow(ctx,
		`SELECT sequence, hash, performed_at FROM chain_tail WHERE singleton`,
	).Scan(&tail.Sequence, &tail.Hash, &performedAt)
	if err != nil {
		return audit.ChainTail{}, wrapError(err, "READ_FAILED", "failed to read chain tail")
	}
	if performedAt != nil {
		tail.PerformedAt = performedAt.UTC()
	}
	return tail, nil
}

// Query implements ledger.Repository.
func (r *LedgerRepository) Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[*audit.Record, error] {
	return r.stream(ctx, filter.Limit, func(after int64, size int) *querybuilder.RecordQueryBuilder {
		return querybuilder.NewRecordQuery().Matching(filter).Page(after, size)
	})
}

// Range implements ledger.Repository.
func (r *LedgerRepository) Range(ctx context.Context, cr audit.ChainRange) iter.Seq2[*audit.Record, error] {
	return r.stream(ctx, 0, func(after int64, size int) *querybuilder.RecordQueryBuilder {
		return querybuilder.NewRecordQuery().InChainRange(cr).Page(after, size)
	})
}

// stream reads page after page until a short page or limit is reached.
func (r *LedgerRepository) stream(ctx context.Context, limit int, page func(after int64, size int) *querybuilder.RecordQueryBuilder) iter.Seq2[*audit.Record, error] {
	return func(yield func(*audit.Record, error) bool) {
		var after int64
		emitted := 0
		for {
			size := r.batchSize
			if limit > 0 {
				size = min(size, limit-emitted)
			}

			batch, err := r.fetch(ctx, page(after, size))
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			emitted += len(batch)
			if len(batch) < size || (limit > 0 && emitted >= limit) {
				return
			}
			after = batch[len(batch)-1].Sequence
		}
	}
}

func (r *LedgerRepository) fetch(ctx context.Context, q *querybuilder.RecordQueryBuilder) ([]*audit.Record, error) {
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, errors.NewInternalError("failed to build record query").WithCause(err)
	}
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "QUERY_FAILED", "failed to query audit records")
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, wrapError(err, "QUERY_FAILED", "failed to query audit records")
	}
	return records, nil
}

// scanRecord reads the columns listed in querybuilder.RecordColumns.
func scanRecord(row pgx.CollectableRow) (*audit.Record, error) {
	var (
		rec         audit.Record
		details     string
		performedAt time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.Sequence,
		&rec.ComplianceType,
		&rec.EntityID,
		&rec.EntityType,
		&rec.Action,
		&rec.ActionCategory,
		&rec.PerformedBy,
		&performedAt,
		&details,
		&rec.Context.IPAddress,
		&rec.Context.UserAgent,
		&rec.Context.SessionID,
		&rec.Context.RequestID,
		&rec.Context.CorrelationID,
		&rec.CompliancePolicy.FERPARelevant,
		&rec.CompliancePolicy.COPPARelevant,
		&rec.CompliancePolicy.RetentionDays,
		&rec.CompliancePolicy.Immutable,
		&rec.CompliancePolicy.EncryptionRequired,
		&rec.ChainLink.Hash,
		&rec.ChainLink.PreviousHash,
		&rec.ChainLink.Signature,
		&rec.ChainLink.KeyID,
	)
	if err != nil {
		return nil, err
	}
	rec.PerformedAt = performedAt.UTC()

	rec.Details, err = audit.DecodeDetails([]byte(details))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
