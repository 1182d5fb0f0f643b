package memory

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// LedgerRepository keeps the ledger in process memory. Writers serialize on
// a mutex; readers load an immutable prefix snapshot and never block.
type LedgerRepository struct {
	mu sync.Mutex
	// records holds the committed prefix. Appends never touch elements a
	// previously published slice header can reach.
	records atomic.Pointer[[]*audit.Record]
	byID    sync.Map // id -> *audit.Record
}

// NewLedgerRepository creates an empty in-memory ledger.
func NewLedgerRepository() *LedgerRepository {
	r := &LedgerRepository{}
	empty := make([]*audit.Record, 0, 1024)
	r.records.Store(&empty)
	return r
}

func (r *LedgerRepository) snapshot() []*audit.Record {
	return *r.records.Load()
}

// Append implements ledger.Repository.
func (r *LedgerRepository) Append(ctx context.Context, rec *audit.Record, expected audit.ChainTail) error {
	if err := ctx.Err(); err != nil {
		return errors.NewStorageError("APPEND_CANCELLED", "append cancelled").WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot()
	var tail audit.ChainTail
	if n := len(current); n > 0 {
		tail = current[n-1].Tail()
	}
	if tail.Sequence != expected.Sequence || tail.Hash != expected.Hash {
		return errors.NewConflictError("CHAIN_TAIL_MOVED", "chain tail changed since it was read")
	}
	if _, exists := r.byID.Load(rec.ID); exists {
		return errors.NewImmutableError("audit record " + rec.ID)
	}

	stored := rec.Clone()
	next := append(current, stored)
	r.byID.Store(stored.ID, stored)
	r.records.Store(&next)
	return nil
}

// Get implements ledger.Repository.
func (r *LedgerRepository) Get(_ context.Context, id string) (*audit.Record, error) {
	v, ok := r.byID.Load(id)
	if !ok {
		return nil, errors.NewNotFoundError("audit record")
	}
	return v.(*audit.Record).Clone(), nil
}

// Tail implements ledger.Repository.
func (r *LedgerRepository) Tail(_ context.Context) (audit.ChainTail, error) {
	records := r.snapshot()
	if len(records) == 0 {
		return audit.ChainTail{}, nil
	}
	return records[len(records)-1].Tail(), nil
}

// Query implements ledger.Repository.
func (r *LedgerRepository) Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[*audit.Record, error] {
	return func(yield func(*audit.Record, error) bool) {
		emitted := 0
		for _, rec := range r.snapshot() {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.NewStorageError("QUERY_CANCELLED", "query cancelled").WithCause(err))
				return
			}
			if !filter.Matches(rec) {
				continue
			}
			if !yield(rec.Clone(), nil) {
				return
			}
			emitted++
			if filter.Limit > 0 && emitted >= filter.Limit {
				return
			}
		}
	}
}

// Range implements ledger.Repository.
func (r *LedgerRepository) Range(ctx context.Context, cr audit.ChainRange) iter.Seq2[*audit.Record, error] {
	return func(yield func(*audit.Record, error) bool) {
		records := r.snapshot()
		start := max(cr.From-1, 0)
		for i := start; i < int64(len(records)); i++ {
			rec := records[i]
			if !cr.Contains(rec.Sequence) {
				if cr.To != 0 && rec.Sequence > cr.To {
					return
				}
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(nil, errors.NewStorageError("QUERY_CANCELLED", "range read cancelled").WithCause(err))
				return
			}
			if !yield(rec.Clone(), nil) {
				return
			}
		}
	}
}

// Len returns the number of committed records.
func (r *LedgerRepository) Len() int {
	return len(r.snapshot())
}
