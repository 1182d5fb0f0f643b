package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/keys"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/memory"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
	"github.com/davidleathers/edu-compliance-ledger/internal/testutil"
)

func newTestService(t *testing.T, repo Repository, opts ...Option) *Service {
	t.Helper()
	provider, err := keys.NewEphemeralProvider("test-key")
	require.NoError(t, err)
	svc, err := NewService(Config{}, repo, audit.NewHashChainEngine(provider), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return svc
}

// newWriters returns n services over repo that sign with the same key, like
// replicas of one deployment.
func newWriters(t *testing.T, repo Repository, n int) []*Service {
	t.Helper()
	provider, err := keys.NewEphemeralProvider("test-key")
	require.NoError(t, err)
	engine := audit.NewHashChainEngine(provider)

	out := make([]*Service, n)
	for i := range out {
		out[i], err = NewService(Config{}, repo, engine, zaptest.NewLogger(t))
		require.NoError(t, err)
	}
	return out
}

func viewGrade(entityID string) Event {
	return Event{
		EntityID:    entityID,
		EntityType:  audit.EntityStudent,
		Action:      "view_grade",
		PerformedBy: "teacher_7",
		Details: map[string]any{
			"reasonForAccess": "progress_review",
			"legalBasis":      "legitimate_interest",
		},
		Context: audit.RequestContext{IPAddress: "10.1.2.3", UserAgent: "test", RequestID: "req-1"},
	}
}

type staticAges map[string]bool

func (s staticAges) IsMinor(_ context.Context, id string, _ audit.EntityType) (bool, error) {
	return s[id], nil
}

type failingAges struct{}

func (failingAges) IsMinor(context.Context, string, audit.EntityType) (bool, error) {
	return false, stderrors.New("directory offline")
}

// flakyRepo wraps a repository and fails the next N appends.
type flakyRepo struct {
	*memory.LedgerRepository
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyRepo) Append(ctx context.Context, rec *audit.Record, expected audit.ChainTail) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.LedgerRepository.Append(ctx, rec, expected)
}

type mapCache struct {
	mu      sync.Mutex
	records map[string]*audit.Record
	gets    int
}

func (c *mapCache) GetRecord(_ context.Context, id string) (*audit.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.records[id].Clone(), nil
}

func (c *mapCache) SetRecord(_ context.Context, rec *audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = rec.Clone()
	return nil
}

func TestRecordEvent_ExampleScenario(t *testing.T) {
	svc := newTestService(t, memory.NewLedgerRepository())

	rec, err := svc.RecordEvent(context.Background(), viewGrade("student_42"))
	require.NoError(t, err)

	assert.Equal(t, audit.CategoryDataAccess, rec.ActionCategory)
	assert.Equal(t, audit.ComplianceFERPAEducationalRecord, rec.ComplianceType)
	assert.True(t, rec.CompliancePolicy.FERPARelevant)
	assert.True(t, rec.CompliancePolicy.Immutable)
	assert.Equal(t, 2555, rec.CompliancePolicy.RetentionDays)
	assert.NotEmpty(t, rec.ChainLink.Hash)
	assert.NotEmpty(t, rec.ChainLink.Signature)
	assert.True(t, rec.ChainLink.Verified)
	assert.Equal(t, values.GenesisDigest.String(), rec.ChainLink.PreviousHash)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, "test-key", rec.ChainLink.KeyID)
	assert.True(t, svc.Engine().VerifyRecord(rec))
}

func TestRecordEvent_ChainIntegrity(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewLedgerRepository())

	var records []*audit.Record
	for i := 0; i < 25; i++ {
		rec, err := svc.RecordEvent(ctx, viewGrade(fmt.Sprintf("student_%d", i%4)))
		require.NoError(t, err)
		records = append(records, rec)
	}

	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].ChainLink.Hash, records[i].ChainLink.PreviousHash)
		assert.False(t, records[i].PerformedAt.Before(records[i-1].PerformedAt))
	}

	result, err := svc.VerifyChain(ctx, audit.ChainRange{})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Empty(t, result.BrokenAt)
	assert.Equal(t, 25, result.RecordsVerified)
	assert.Equal(t, records[24].ChainLink.Hash, result.HeadHash)

	partial, err := svc.VerifyChain(ctx, audit.ChainRange{From: 10, To: 20})
	require.NoError(t, err)
	assert.True(t, partial.Verified)
	assert.Equal(t, 11, partial.RecordsVerified)

	head, err := svc.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), head.Sequence)
}

func TestRecordEvent_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewLedgerRepository()
	registry, err := metrics.NewRegistry("ledger-test")
	require.NoError(t, err)
	svc := newTestService(t, repo, WithMetrics(registry))

	const callers = 64
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := viewGrade(fmt.Sprintf("student_%d", i))
			if _, err := svc.RecordEvent(ctx, ev); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	assert.Equal(t, callers, repo.Len())

	seen := make(map[string]bool)
	for rec, err := range svc.Query(ctx, audit.RecordFilter{}) {
		require.NoError(t, err)
		assert.False(t, seen[rec.ChainLink.PreviousHash], "two records share a previousHash")
		seen[rec.ChainLink.PreviousHash] = true
	}

	result, err := svc.VerifyChain(ctx, audit.ChainRange{})
	require.NoError(t, err)
	assert.True(t, result.Verified, "issues: %v", result.Issues)

	height, _ := registry.ChainTail()
	assert.Equal(t, int64(callers), height)
}

func TestRecordEvent_Validation(t *testing.T) {
	repo := memory.NewLedgerRepository()
	svc := newTestService(t, repo)

	tests := []struct {
		name   string
		mutate func(*Event)
		code   string
	}{
		{"missing entity", func(e *Event) { e.EntityID = "" }, "INVALID_INPUT"},
		{"blank action", func(e *Event) { e.Action = "  " }, "INVALID_INPUT"},
		{"missing performer", func(e *Event) { e.PerformedBy = "" }, "INVALID_INPUT"},
		{"unknown entity type", func(e *Event) { e.EntityType = "robot" }, "INVALID_INPUT"},
		{"unknown hint", func(e *Event) { e.ComplianceTypeHint = "hipaa" }, "INVALID_INPUT"},
		{"secret in details", func(e *Event) { e.Details["password"] = "hunter2" }, "SECRET_IN_DETAILS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := viewGrade("student_1")
			tt.mutate(&ev)
			rec, err := svc.RecordEvent(context.Background(), ev)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
	assert.Equal(t, 0, repo.Len(), "validation failures must not touch the ledger")
}

func TestRecordEvent_FailClosed(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{LedgerRepository: memory.NewLedgerRepository(), failures: 1, err: stderrors.New("connection refused")}
	svc := newTestService(t, repo)

	rec, err := svc.RecordEvent(ctx, viewGrade("student_1"))
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 0, repo.Len())

	rec, err = svc.RecordEvent(ctx, viewGrade("student_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Sequence, "a failed append must not consume a sequence number")
}

func TestRecordEventBestEffort(t *testing.T) {
	repo := &flakyRepo{LedgerRepository: memory.NewLedgerRepository(), failures: 1, err: stderrors.New("disk full")}
	svc := newTestService(t, repo)

	assert.Nil(t, svc.RecordEventBestEffort(context.Background(), viewGrade("student_1")))
	assert.NotNil(t, svc.RecordEventBestEffort(context.Background(), viewGrade("student_1")))
}

func TestRecordEvent_SharedRepository(t *testing.T) {
	ctx := context.Background()
	writers := newWriters(t, memory.NewLedgerRepository(), 2)
	a, b := writers[0], writers[1]

	for i, svc := range []*Service{a, b, a, b, b, a} {
		rec, err := svc.RecordEvent(ctx, viewGrade(fmt.Sprintf("student_%d", i)))
		require.NoError(t, err, "append %d re-reads a moved tail", i)
		assert.Equal(t, int64(i+1), rec.Sequence)
	}

	result, err := a.VerifyChain(ctx, audit.ChainRange{})
	require.NoError(t, err)
	assert.True(t, result.Verified, "%+v", result.Breaks)
	assert.Equal(t, 6, result.RecordsVerified)
}

// movingRepository lets another writer append before each of the next
// moves appends it sees.
type movingRepository struct {
	*memory.LedgerRepository
	other *Service
	moves int
}

func (r *movingRepository) Append(ctx context.Context, rec *audit.Record, expected audit.ChainTail) error {
	if r.moves > 0 {
		r.moves--
		if _, err := r.other.RecordEvent(ctx, viewGrade("student_other")); err != nil {
			return err
		}
	}
	return r.LedgerRepository.Append(ctx, rec, expected)
}

func TestRecordEvent_TailRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	shared := memory.NewLedgerRepository()
	moving := &movingRepository{LedgerRepository: shared}
	writers := newWriters(t, moving, 2)
	svc, other := writers[0], writers[1]
	// other writes straight to the shared store
	other.repo = shared
	moving.other = other

	t.Run("recovers within the limit", func(t *testing.T) {
		moving.moves = maxTailRetries - 1
		rec, err := svc.RecordEvent(ctx, viewGrade("student_1"))
		require.NoError(t, err)
		assert.Equal(t, int64(maxTailRetries), rec.Sequence)
	})

	t.Run("gives up after the limit", func(t *testing.T) {
		moving.moves = maxTailRetries
		_, err := svc.RecordEvent(ctx, viewGrade("student_1"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	})

	result, err := other.VerifyChain(ctx, audit.ChainRange{})
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestRecordEvent_AppendTimeout(t *testing.T) {
	svc := newTestService(t, memory.NewLedgerRepository())
	svc.config.AppendTimeout = 20 * time.Millisecond

	svc.appendLock <- struct{}{}
	defer func() { <-svc.appendLock }()

	_, err := svc.RecordEvent(context.Background(), viewGrade("student_1"))
	require.Error(t, err)
	assert.Equal(t, "APPEND_TIMEOUT", errors.CodeOf(err))
}

func TestRecordEvent_AgeVerifier(t *testing.T) {
	ctx := context.Background()

	t.Run("minor is COPPA", func(t *testing.T) {
		svc := newTestService(t, memory.NewLedgerRepository(), WithAgeVerifier(staticAges{"student_9": true}))
		rec, err := svc.RecordEvent(ctx, viewGrade("student_9"))
		require.NoError(t, err)
		assert.True(t, rec.CompliancePolicy.COPPARelevant)
		assert.Equal(t, audit.ComplianceCOPPAChildData, rec.ComplianceType)
		assert.True(t, rec.CompliancePolicy.EncryptionRequired)
	})

	t.Run("lookup failure fails closed", func(t *testing.T) {
		repo := memory.NewLedgerRepository()
		svc := newTestService(t, repo, WithAgeVerifier(failingAges{}))
		_, err := svc.RecordEvent(ctx, viewGrade("student_9"))
		require.Error(t, err)
		assert.Equal(t, "AGE_LOOKUP_FAILED", errors.CodeOf(err))
		assert.Equal(t, 0, repo.Len())
	})
}

func TestRecordEvent_MonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Hour), base.Add(1500 * time.Nanosecond)}
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		next := times[0]
		times = times[1:]
		return next
	}

	svc := newTestService(t, memory.NewLedgerRepository(), WithClock(clock))
	var got []time.Time
	for i := 0; i < 3; i++ {
		rec, err := svc.RecordEvent(ctx, viewGrade("student_1"))
		require.NoError(t, err)
		got = append(got, rec.PerformedAt)
	}

	assert.Equal(t, base, got[0])
	assert.Equal(t, base, got[1], "clock skew is clamped to the tail")
	assert.Equal(t, base.Add(time.Microsecond), got[2], "timestamps are truncated to microseconds")
}

func TestGetAndQuery(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{records: map[string]*audit.Record{}}
	svc := newTestService(t, memory.NewLedgerRepository(), WithCache(cache))

	first, err := svc.RecordEvent(ctx, viewGrade("student_1"))
	require.NoError(t, err)
	teacherEvent := Event{EntityID: "teacher_7", EntityType: audit.EntityTeacher, Action: "update_profile", PerformedBy: "admin_1"}
	_, err = svc.RecordEvent(ctx, teacherEvent)
	require.NoError(t, err)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ChainLink.Hash, got.ChainLink.Hash)
	assert.Equal(t, 1, cache.gets)

	got.Details["legalBasis"] = "changed"
	again, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "legitimate_interest", again.Details.String("legalBasis"))

	_, err = svc.Get(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	_, err = svc.Get(ctx, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	var categories []audit.ActionCategory
	for rec, err := range svc.Query(ctx, audit.RecordFilter{EntityTypes: []audit.EntityType{audit.EntityTeacher}}) {
		require.NoError(t, err)
		categories = append(categories, rec.ActionCategory)
	}
	assert.Equal(t, []audit.ActionCategory{audit.CategoryDataModification}, categories)

	for _, err := range svc.Query(ctx, audit.RecordFilter{Limit: -1}) {
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTamperedLedger(memory.NewLedgerRepository())
	svc := newTestService(t, repo)

	var ids []string
	for i := 0; i < 6; i++ {
		rec, err := svc.RecordEvent(ctx, viewGrade("student_1"))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	repo.Tamper(ids[3], func(r *audit.Record) { r.PerformedBy = "someone_else" })

	tampered, err := svc.Get(ctx, ids[3])
	require.NoError(t, err)
	assert.False(t, svc.Engine().VerifyRecord(tampered))
	assert.False(t, tampered.ChainLink.Verified)

	result, err := svc.VerifyChain(ctx, audit.ChainRange{})
	require.NoError(t, err, "integrity problems are data, not errors")
	assert.False(t, result.Verified)
	assert.Equal(t, ids[3], result.BrokenAt)
	assert.NotEmpty(t, result.Issues)

	_, err = svc.VerifyChain(ctx, audit.ChainRange{From: 5, To: 2})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestAmendAndDeleteAreRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewLedgerRepository())
	rec, err := svc.RecordEvent(ctx, viewGrade("student_1"))
	require.NoError(t, err)

	err = svc.Amend(ctx, rec.ID, map[string]any{"action": "nothing"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeImmutable))
	err = svc.Delete(ctx, rec.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeImmutable))
	err = svc.Delete(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

// readFailRepo fails every range read.
type readFailRepo struct{ *memory.LedgerRepository }

func (readFailRepo) Range(context.Context, audit.ChainRange) iter.Seq2[*audit.Record, error] {
	return func(yield func(*audit.Record, error) bool) {
		yield(nil, errors.NewStorageError("READ_FAILED", "replica unavailable"))
	}
}

func TestVerifyChain_ReadFailureSurfaces(t *testing.T) {
	svc := newTestService(t, readFailRepo{memory.NewLedgerRepository()})
	result, err := svc.VerifyChain(context.Background(), audit.ChainRange{})
	assert.Nil(t, result)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(Config{}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewService(Config{}, memory.NewLedgerRepository(), nil, nil)
	assert.Error(t, err)
}

type recordingTails struct {
	mu    sync.Mutex
	tails []audit.ChainTail
	err   error
}

func (r *recordingTails) PublishTail(_ context.Context, tail audit.ChainTail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tails = append(r.tails, tail)
	return r.err
}

func TestRecordEvent_PublishesTail(t *testing.T) {
	ctx := context.Background()
	tails := &recordingTails{}
	svc := newTestService(t, memory.NewLedgerRepository(), WithTailPublisher(tails))

	first, err := svc.RecordEvent(ctx, viewGrade("student_1"))
	require.NoError(t, err)
	second, err := svc.RecordEvent(ctx, viewGrade("student_2"))
	require.NoError(t, err)

	require.Len(t, tails.tails, 2)
	assert.Equal(t, first.Tail(), tails.tails[0])
	assert.Equal(t, second.Tail(), tails.tails[1])

	t.Run("publish failures do not fail the append", func(t *testing.T) {
		tails.err = stderrors.New("redis down")
		rec, err := svc.RecordEvent(ctx, viewGrade("student_3"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), rec.Sequence)

		head, err := svc.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec.Tail(), head)
	})
}
