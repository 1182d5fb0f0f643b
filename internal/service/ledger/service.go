package ledger

import (
	"context"
	stderrors "errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/validation"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
)

// Event is the ingestion payload every collaborator submits.
type Event struct {
	EntityID           string               `validate:"notblank,max=256"`
	EntityType         audit.EntityType     `validate:"entitytype"`
	Action             string               `validate:"notblank,max=128"`
	PerformedBy        string               `validate:"notblank,max=256"`
	Details            map[string]any       `validate:"-"`
	Context            audit.RequestContext `validate:"-"`
	ComplianceTypeHint audit.ComplianceType `validate:"compliancetype"`
}

// maxTailRetries bounds how often an append is re-sealed after another
// writer moved the stored tail.
const maxTailRetries = 3

// Config tunes the ledger service.
type Config struct {
	// AppendTimeout bounds RecordEvent including the wait for the append
	// lock; zero leaves the caller's deadline in charge.
	AppendTimeout time.Duration
}

// Service is the audit trail store: the single writer of the global chain.
type Service struct {
	config     Config
	repo       Repository
	engine     *audit.HashChainEngine
	classifier *audit.Classifier
	cache      RecordCache
	tails      TailPublisher
	ages       AgeVerifier
	metrics    *metrics.Registry
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	// appendLock is a one-slot semaphore so waiters can give up on ctx.
	appendLock chan struct{}
	// tail is only read or written while appendLock is held.
	tail       audit.ChainTail
	tailLoaded bool
}

// Option configures optional collaborators.
type Option func(*Service)

func WithCache(c RecordCache) Option            { return func(s *Service) { s.cache = c } }
func WithTailPublisher(p TailPublisher) Option  { return func(s *Service) { s.tails = p } }
func WithAgeVerifier(v AgeVerifier) Option      { return func(s *Service) { s.ages = v } }
func WithMetrics(m *metrics.Registry) Option    { return func(s *Service) { s.metrics = m } }
func WithClassifier(c *audit.Classifier) Option { return func(s *Service) { s.classifier = c } }
func WithClock(now func() time.Time) Option     { return func(s *Service) { s.now = now } }

// NewService creates the ledger service.
func NewService(cfg Config, repo Repository, engine *audit.HashChainEngine, logger *zap.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.NewValidationError("MISSING_REPOSITORY", "ledger repository is required")
	}
	if engine == nil {
		return nil, errors.NewValidationError("MISSING_ENGINE", "hash chain engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:     cfg,
		repo:       repo,
		engine:     engine,
		classifier: audit.DefaultClassifier,
		logger:     logger,
		tracer:     otel.Tracer("ledger.service"),
		now:        time.Now,
		appendLock: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Engine exposes the hash chain engine for components that sign derived
// artifacts the same way records are signed.
func (s *Service) Engine() *audit.HashChainEngine {
	return s.engine
}

// RecordEvent appends one record to the ledger. It is atomic: on error no
// record exists and the audited action must be treated as not audited.
func (s *Service) RecordEvent(ctx context.Context, ev Event) (*audit.Record, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.RecordEvent",
		trace.WithAttributes(
			attribute.String("entity.type", string(ev.EntityType)),
			attribute.String("action", ev.Action),
		),
	)
	defer span.End()

	start := time.Now()
	rec, err := s.recordEvent(ctx, ev)
	category := string(audit.ClassifyAction(ev.Action))
	if s.metrics != nil {
		s.metrics.RecordAppend(ctx, time.Since(start), category, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Failed to record audit event",
			zap.String("entity_id", ev.EntityID),
			zap.String("action", ev.Action),
			zap.String("error_type", string(errors.KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("record.id", rec.ID),
		attribute.Int64("record.sequence", rec.Sequence),
	)
	s.logger.Debug("Audit event recorded",
		zap.String("record_id", rec.ID),
		zap.Int64("sequence", rec.Sequence),
		zap.String("action_category", string(rec.ActionCategory)),
	)
	return rec, nil
}

// RecordEventBestEffort is the documented fail-open path for callers whose
// action must proceed even when auditing is unavailable. Failures are logged
// and counted; the returned record is nil in that case.
func (s *Service) RecordEventBestEffort(ctx context.Context, ev Event) *audit.Record {
	rec, err := s.RecordEvent(ctx, ev)
	if err != nil {
		s.logger.Warn("Best-effort audit event dropped",
			zap.String("entity_id", ev.EntityID),
			zap.String("action", ev.Action),
			zap.Error(err),
		)
		return nil
	}
	return rec
}

func (s *Service) recordEvent(ctx context.Context, ev Event) (*audit.Record, error) {
	if err := validation.Struct(ev); err != nil {
		return nil, err
	}

	// Everything that may block on I/O happens before the append lock.
	details, err := audit.NormalizeDetails(ev.Details)
	if err != nil {
		return nil, err
	}

	isMinor := false
	if s.ages != nil {
		isMinor, err = s.ages.IsMinor(ctx, ev.EntityID, ev.EntityType)
		if err != nil {
			return nil, errors.NewStorageError("AGE_LOOKUP_FAILED",
				"age verification unavailable").WithCause(err)
		}
	}

	policy := s.classifier.DerivePolicy(ev.EntityType, ev.ComplianceTypeHint, isMinor)
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate record id").WithCause(err)
	}

	rec := &audit.Record{
		ID:               id.String(),
		ComplianceType:   s.classifier.ResolveComplianceType(ev.EntityType, ev.ComplianceTypeHint, policy.COPPARelevant),
		EntityID:         ev.EntityID,
		EntityType:       ev.EntityType,
		Action:           ev.Action,
		ActionCategory:   s.classifier.ClassifyAction(ev.Action),
		PerformedBy:      ev.PerformedBy,
		Details:          details,
		Context:          ev.Context,
		CompliancePolicy: policy,
	}

	if s.config.AppendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AppendTimeout)
		defer cancel()
	}

	if err := s.commit(ctx, rec); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetRecord(ctx, rec); err != nil {
			s.logger.Warn("Failed to cache audit record", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	if s.tails != nil {
		if err := s.tails.PublishTail(ctx, rec.Tail()); err != nil {
			s.logger.Warn("Failed to publish chain tail", zap.Int64("sequence", rec.Sequence), zap.Error(err))
		}
	}
	return rec.Clone(), nil
}

// commit runs the critical section: read tail, seal, append, advance tail.
func (s *Service) commit(ctx context.Context, rec *audit.Record) error {
	select {
	case s.appendLock <- struct{}{}:
	case <-ctx.Done():
		return errors.NewStorageError("APPEND_TIMEOUT",
			"timed out waiting for the ledger append lock").WithCause(ctx.Err())
	}
	defer func() { <-s.appendLock }()

	for attempt := 1; ; attempt++ {
		err := s.appendAtTail(ctx, rec)
		if err == nil {
			break
		}
		// Nothing was written; a conflict only means another writer (a
		// second process on the same database) moved the tail.
		s.tailLoaded = false
		if !errors.IsType(err, errors.ErrorTypeConflict) || attempt == maxTailRetries {
			return asStorageError(err, "failed to append audit record")
		}
		s.logger.Debug("Chain tail moved, retrying append", zap.Int("attempt", attempt))
	}

	s.tail = rec.Tail()
	if s.metrics != nil {
		s.metrics.SetChainTail(s.tail.Sequence, s.tail.PerformedAt)
	}
	return nil
}

// appendAtTail seals rec on top of the current tail and appends it. The
// append lock must be held.
func (s *Service) appendAtTail(ctx context.Context, rec *audit.Record) error {
	if !s.tailLoaded {
		tail, err := s.repo.Tail(ctx)
		if err != nil {
			return err
		}
		s.tail = tail
		s.tailLoaded = true
	}

	previous := values.GenesisDigest.String()
	if !s.tail.IsGenesis() {
		previous = s.tail.Hash
	}

	rec.Sequence = s.tail.Sequence + 1
	rec.PerformedAt = s.now().UTC().Truncate(time.Microsecond)
	if rec.PerformedAt.Before(s.tail.PerformedAt) {
		rec.PerformedAt = s.tail.PerformedAt
	}

	if err := s.engine.Seal(ctx, rec, previous); err != nil {
		return err
	}
	return s.repo.Append(ctx, rec, s.tail)
}

// checked returns a copy of rec whose Verified flag reflects a fresh
// verification, so the flag means the same whichever store served it.
func (s *Service) checked(rec *audit.Record) *audit.Record {
	out := rec.Clone()
	out.ChainLink.Verified = s.engine.VerifyRecord(out)
	return out
}

// Get returns a copy of the record with id.
func (s *Service) Get(ctx context.Context, id string) (*audit.Record, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.Get", trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	if id == "" {
		return nil, errors.NewValidationError("MISSING_ID", "record id is required")
	}

	if s.cache != nil {
		rec, err := s.cache.GetRecord(ctx, id)
		if err != nil {
			s.logger.Warn("Audit cache read failed", zap.String("record_id", id), zap.Error(err))
		} else if rec != nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return s.checked(rec), nil
		}
	}

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetRecord(ctx, rec); err != nil {
			s.logger.Warn("Failed to cache audit record", zap.String("record_id", id), zap.Error(err))
		}
	}
	return s.checked(rec), nil
}

// Query lazily yields copies of matching records in ledger order, which is
// also performedAt order.
func (s *Service) Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[audit.Record, error] {
	return func(yield func(audit.Record, error) bool) {
		if err := filter.Validate(); err != nil {
			yield(audit.Record{}, err)
			return
		}
		for rec, err := range s.repo.Query(ctx, filter) {
			if err != nil {
				yield(audit.Record{}, err)
				return
			}
			if !yield(*s.checked(rec), nil) {
				return
			}
		}
	}
}

// VerifyChain re-verifies a sequence range. Integrity problems are returned
// in the result; the error is reserved for read failures.
func (s *Service) VerifyChain(ctx context.Context, cr audit.ChainRange) (*audit.VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "Ledger.VerifyChain",
		trace.WithAttributes(attribute.Int64("range.from", cr.From), attribute.Int64("range.to", cr.To)))
	defer span.End()

	if err := cr.Validate(); err != nil {
		return nil, err
	}

	verifier := s.engine.NewChainVerifier(cr.StartsAtGenesis())
	for rec, err := range s.repo.Range(ctx, cr) {
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		verifier.Add(rec)
	}

	result := verifier.Result()
	span.SetAttributes(
		attribute.Bool("chain.verified", result.Verified),
		attribute.Int("chain.records", result.RecordsVerified),
	)
	if s.metrics != nil {
		s.metrics.RecordVerification(ctx, result.Verified, len(result.Issues))
	}
	if !result.Verified {
		s.logger.Warn("Ledger chain verification found issues",
			zap.String("broken_at", result.BrokenAt),
			zap.Int("issues", len(result.Issues)),
		)
	}
	return result, nil
}

// Head returns the committed chain tail as stored.
func (s *Service) Head(ctx context.Context) (audit.ChainTail, error) {
	return s.repo.Tail(ctx)
}

// Amend always fails: records are immutable once written.
func (s *Service) Amend(ctx context.Context, id string, _ map[string]any) error {
	return s.rejectMutation(ctx, id)
}

// Delete always fails: records are immutable once written.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.rejectMutation(ctx, id)
}

func (s *Service) rejectMutation(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return errors.NewImmutableError("audit record " + id)
}

func asStorageError(err error, msg string) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewStorageError("APPEND_TIMEOUT", msg).WithCause(err)
	}
	return errors.NewStorageError("STORAGE_UNAVAILABLE", msg).WithCause(err)
}
