package ledger

import (
	"context"
	"iter"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
)

// Repository is the append-only backing store of the ledger.
type Repository interface {
	// Append persists rec atomically with advancing the stored chain tail from
	// expected to rec. It fails with a conflict error when the stored tail is
	// not expected, leaving nothing written.
	Append(ctx context.Context, rec *audit.Record, expected audit.ChainTail) error

	// Get returns the record with id or a not-found error.
	Get(ctx context.Context, id string) (*audit.Record, error)

	// Tail returns the current chain tail; the zero tail for an empty ledger.
	Tail(ctx context.Context) (audit.ChainTail, error)

	// Query yields matching records in sequence order.
	Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[*audit.Record, error]

	// Range yields the records in a sequence range in order.
	Range(ctx context.Context, cr audit.ChainRange) iter.Seq2[*audit.Record, error]
}

// RecordCache is an optional read-through cache. Misses return (nil, nil).
type RecordCache interface {
	GetRecord(ctx context.Context, id string) (*audit.Record, error)
	SetRecord(ctx context.Context, rec *audit.Record) error
}

// TailPublisher shares the committed chain tail with other processes.
// Publishing is best-effort and must ignore tails older than the current one.
type TailPublisher interface {
	PublishTail(ctx context.Context, tail audit.ChainTail) error
}

// AgeVerifier answers whether a data subject is a minor for COPPA purposes.
type AgeVerifier interface {
	IsMinor(ctx context.Context, entityID string, entityType audit.EntityType) (bool, error)
}
