// Package export produces signed bulk exports of ledger records for external
// auditors. Exports only read the ledger.
package export

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/values"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
)

// RecordSource is the read side of the ledger.
type RecordSource interface {
	Query(ctx context.Context, filter audit.RecordFilter) iter.Seq2[audit.Record, error]
}

// Signer signs and verifies digests with the ledger's keys.
type Signer interface {
	SignDigest(ctx context.Context, digest values.Digest) (signature, keyID string, err error)
	VerifyDigest(digest values.Digest, signature, keyID string) bool
}

// Sink stores delivered export objects.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// SignedExport is an export payload plus the material needed to verify it.
type SignedExport struct {
	ID          string              `json:"id"`
	Format      values.ExportFormat `json:"format"`
	Data        []byte              `json:"-"`
	RecordCount int                 `json:"recordCount"`
	ExportedAt  time.Time           `json:"exportedAt"`
	Hash        string              `json:"hash"`
	Signature   string              `json:"signature"`
	KeyID       string              `json:"keyId"`
}

// Manifest is the detached signature document delivered next to the data.
func (e *SignedExport) Manifest() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// Delivery names the objects written by ExportAndDeliver.
type Delivery struct {
	DataKey     string `json:"dataKey"`
	ManifestKey string `json:"manifestKey"`
}

// Service builds signed exports.
type Service struct {
	source  RecordSource
	signer  Signer
	metrics *metrics.Registry
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

// NewService creates an export service.
func NewService(source RecordSource, signer Signer, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		source: source,
		signer: signer,
		logger: logger,
		tracer: otel.Tracer("export.service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export serializes every record matching filter and signs the payload.
func (s *Service) Export(ctx context.Context, filter audit.RecordFilter, format values.ExportFormat) (*SignedExport, error) {
	ctx, span := s.tracer.Start(ctx, "Export.Export",
		trace.WithAttributes(attribute.String("export.format", format.String())))
	defer span.End()

	exp, err := s.export(ctx, filter, format)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Export failed", zap.String("format", format.String()), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("export.id", exp.ID),
		attribute.Int("export.records", exp.RecordCount),
	)
	if s.metrics != nil {
		s.metrics.RecordExport(ctx, format.String(), exp.RecordCount)
	}
	s.logger.Info("Export completed",
		zap.String("export_id", exp.ID),
		zap.String("format", format.String()),
		zap.Int("records", exp.RecordCount),
	)
	return exp, nil
}

func (s *Service) export(ctx context.Context, filter audit.RecordFilter, format values.ExportFormat) (*SignedExport, error) {
	if format.IsEmpty() {
		return nil, errors.NewValidationError("EMPTY_FORMAT", "export format is required")
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := newRecordWriter(format, &buf)
	if err != nil {
		return nil, err
	}
	if err := w.WriteHeader(); err != nil {
		return nil, errors.NewInternalError("failed to write export header").WithCause(err)
	}

	count := 0
	for rec, err := range s.source.Query(ctx, filter) {
		if err != nil {
			return nil, err
		}
		if err := w.WriteRecord(&rec); err != nil {
			return nil, errors.NewInternalError("failed to write export record").WithCause(err)
		}
		count++
	}
	if err := w.Close(); err != nil {
		return nil, errors.NewInternalError("failed to finish export").WithCause(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate export id").WithCause(err)
	}

	data := buf.Bytes()
	digest := values.ComputeDigest(data)
	sig, keyID, err := s.signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, err
	}

	return &SignedExport{
		ID:          id.String(),
		Format:      format,
		Data:        data,
		RecordCount: count,
		ExportedAt:  s.now().UTC(),
		Hash:        digest.String(),
		Signature:   sig,
		KeyID:       keyID,
	}, nil
}

// VerifyExport re-hashes the payload and checks the signature. It returns a
// chain integrity error naming the export when either check fails.
func (s *Service) VerifyExport(exp *SignedExport) error {
	if exp == nil {
		return errors.NewValidationError("MISSING_EXPORT", "export is required")
	}
	computed := values.ComputeDigest(exp.Data)
	stored, err := values.NewDigest(exp.Hash)
	if err != nil || !stored.Equal(computed) {
		return errors.NewChainIntegrityError(exp.ID, "export data does not match its hash")
	}
	if !s.signer.VerifyDigest(stored, exp.Signature, exp.KeyID) {
		return errors.NewChainIntegrityError(exp.ID, "export signature is invalid")
	}
	return nil
}

// ExportAndDeliver exports and uploads the payload and its manifest under
// prefix. The manifest is written last so its presence marks a complete
// delivery.
func (s *Service) ExportAndDeliver(ctx context.Context, filter audit.RecordFilter, format values.ExportFormat, sink Sink, prefix string) (*SignedExport, *Delivery, error) {
	if sink == nil {
		return nil, nil, errors.NewValidationError("MISSING_SINK", "export sink is required")
	}

	exp, err := s.Export(ctx, filter, format)
	if err != nil {
		return nil, nil, err
	}

	base := prefix + exp.ID
	delivery := &Delivery{
		DataKey:     format.ObjectName(base),
		ManifestKey: base + ".sig.json",
	}

	if err := sink.Put(ctx, delivery.DataKey, exp.Data, format.MimeType()); err != nil {
		return nil, nil, errors.NewStorageError("EXPORT_DELIVERY_FAILED", "failed to upload export data").WithCause(err)
	}
	manifest, err := exp.Manifest()
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to encode export manifest").WithCause(err)
	}
	if err := sink.Put(ctx, delivery.ManifestKey, manifest, "application/json"); err != nil {
		return nil, nil, errors.NewStorageError("EXPORT_DELIVERY_FAILED", "failed to upload export manifest").WithCause(err)
	}

	s.logger.Info("Export delivered",
		zap.String("export_id", exp.ID),
		zap.String("data_key", delivery.DataKey),
	)
	return exp, delivery, nil
}
