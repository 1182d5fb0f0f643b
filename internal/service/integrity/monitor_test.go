package integrity

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
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/keys"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/memory"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/ledger"
	"github.com/davidleathers/edu-compliance-ledger/internal/testutil"
)

// rangeRecorder captures the ranges the monitor asks for.
type rangeRecorder struct {
	Ledger

	mu     sync.Mutex
	ranges []audit.ChainRange
}

func (r *rangeRecorder) VerifyChain(ctx context.Context, cr audit.ChainRange) (*audit.VerificationResult, error) {
	r.mu.Lock()
	r.ranges = append(r.ranges, cr)
	r.mu.Unlock()
	return r.Ledger.VerifyChain(ctx, cr)
}

func (r *rangeRecorder) last() audit.ChainRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ranges[len(r.ranges)-1]
}

func newLedger(t *testing.T) (*ledger.Service, *testutil.TamperedLedger) {
	t.Helper()
	provider, err := keys.NewEphemeralProvider("monitor-test")
	require.NoError(t, err)
	repo := testutil.NewTamperedLedger(memory.NewLedgerRepository())
	svc, err := ledger.NewService(ledger.Config{}, repo, audit.NewHashChainEngine(provider), zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, repo
}

func record(t *testing.T, svc *ledger.Service, n int) []*audit.Record {
	t.Helper()
	out := make([]*audit.Record, 0, n)
	for range n {
		rec, err := svc.RecordEvent(context.Background(), ledger.Event{
			EntityID:    "student_1",
			EntityType:  audit.EntityStudent,
			Action:      "view_grade",
			PerformedBy: "teacher_7",
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestNewMonitor(t *testing.T) {
	svc, _ := newLedger(t)

	_, err := NewMonitor(Config{Interval: time.Minute}, nil, nil)
	require.Error(t, err)

	_, err = NewMonitor(Config{}, svc, nil)
	require.Error(t, err)

	m, err := NewMonitor(Config{Interval: time.Minute}, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.config.CheckTimeout)
	assert.Equal(t, 24, m.config.FullSweepEvery)
	assert.True(t, m.Status().Healthy)
}

func TestCheckOnce_IncrementalAndFullSweeps(t *testing.T) {
	ctx := context.Background()
	svc, repo := newLedger(t)
	rec := &rangeRecorder{Ledger: svc}

	m, err := NewMonitor(Config{Interval: time.Minute, FullSweepEvery: 3}, rec, zaptest.NewLogger(t))
	require.NoError(t, err)

	// run 0: empty ledger
	result, err := m.CheckOnce(ctx)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Empty(t, rec.ranges)

	// run 1: nothing verified yet, so everything is checked
	records := record(t, svc, 3)
	result, err = m.CheckOnce(ctx)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, audit.ChainRange{From: 0, To: 3}, rec.last())
	assert.Equal(t, int64(3), m.Status().VerifiedThrough)

	// run 2: only the new records plus the last verified one
	records = append(records, record(t, svc, 2)...)
	result, err = m.CheckOnce(ctx)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, audit.ChainRange{From: 3, To: 5}, rec.last())
	assert.Equal(t, 3, result.RecordsVerified)

	// run 3: full sweep
	_, err = m.CheckOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.ChainRange{From: 0, To: 5}, rec.last())

	repo.Tamper(records[1].ID, func(r *audit.Record) { r.Action = "delete_grade" })

	// runs 4 and 5 only look at the tail and miss the tampered record
	for range 2 {
		result, err = m.CheckOnce(ctx)
		require.NoError(t, err)
		assert.True(t, result.Verified)
		assert.Equal(t, audit.ChainRange{From: 5, To: 5}, rec.last())
	}

	// run 6: full sweep finds it
	result, err = m.CheckOnce(ctx)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, records[1].ID, result.BrokenAt)

	status := m.Status()
	assert.False(t, status.Healthy)
	assert.Equal(t, 7, status.Runs)
	assert.Equal(t, int64(5), status.VerifiedThrough)
	assert.Same(t, result, status.LastResult)
}

type failingLedger struct{ err error }

func (f failingLedger) Head(context.Context) (audit.ChainTail, error) {
	return audit.ChainTail{}, f.err
}

func (f failingLedger) VerifyChain(context.Context, audit.ChainRange) (*audit.VerificationResult, error) {
	return nil, f.err
}

func TestCheckOnce_ReadFailure(t *testing.T) {
	boom := stderrors.New("database unavailable")
	m, err := NewMonitor(Config{Interval: time.Minute}, failingLedger{err: boom}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.CheckOnce(context.Background())
	require.ErrorIs(t, err, boom)

	status := m.Status()
	assert.Equal(t, 1, status.Runs)
	assert.Equal(t, boom.Error(), status.LastError)
	assert.True(t, status.Healthy, "a read failure says nothing about integrity")
	assert.Nil(t, status.LastResult)
}

func TestRun(t *testing.T) {
	svc, _ := newLedger(t)
	record(t, svc, 2)

	m, err := NewMonitor(Config{Interval: 10 * time.Millisecond}, svc, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Status().Runs >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	status := m.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, int64(2), status.VerifiedThrough)
}
