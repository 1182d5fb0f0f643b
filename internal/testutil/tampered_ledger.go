package testutil

import (
	"context"
	"iter"
	"sync"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
)

// LedgerStore is the method set of a ledger repository.
type LedgerStore interface {
	Append(ctx context.Context, rec *audit.Record, expected audit.ChainTail) error
	Get(ctx context.Context, id string) (*audit.Record, error)
	Tail(ctx context.Context) (audit.ChainTail, error)
	Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[*audit.Record, error]
	Range(ctx context.Context, cr audit.ChainRange) iter.Seq2[*audit.Record, error]
}

// TamperedLedger wraps a ledger store and rewrites records on the way out,
// simulating out-of-band edits to the backing store.
type TamperedLedger struct {
	LedgerStore

	mu    sync.RWMutex
	edits map[string]func(*audit.Record)
}

// NewTamperedLedger wraps store with no edits.
func NewTamperedLedger(store LedgerStore) *TamperedLedger {
	return &TamperedLedger{LedgerStore: store, edits: make(map[string]func(*audit.Record))}
}

// Tamper applies mutate to every later read of the record with id.
func (l *TamperedLedger) Tamper(id string, mutate func(*audit.Record)) {
	l.mu.Lock()
	l.edits[id] = mutate
	l.mu.Unlock()
}

func (l *TamperedLedger) apply(rec *audit.Record) *audit.Record {
	if rec == nil {
		return nil
	}
	l.mu.RLock()
	mutate, ok := l.edits[rec.ID]
	l.mu.RUnlock()
	if ok {
		mutate(rec)
	}
	return rec
}

func (l *TamperedLedger) Get(ctx context.Context, id string) (*audit.Record, error) {
	rec, err := l.LedgerStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.apply(rec), nil
}

func (l *TamperedLedger) Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[*audit.Record, error] {
	return l.rewrite(l.LedgerStore.Query(ctx, filter))
}

func (l *TamperedLedger) Range(ctx context.Context, cr audit.ChainRange) iter.Seq2[*audit.Record, error] {
	return l.rewrite(l.LedgerStore.Range(ctx, cr))
}

func (l *TamperedLedger) rewrite(seq iter.Seq2[*audit.Record, error]) iter.Seq2[*audit.Record, error] {
	return func(yield func(*audit.Record, error) bool) {
		for rec, err := range seq {
			if !yield(l.apply(rec), err) {
				return
			}
		}
	}
}
