package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the ledger
type Registry struct {
	meter metric.Meter

	// Ledger Metrics
	AppendDuration  metric.Float64Histogram
	RecordsAppended metric.Int64Counter
	AppendFailures  metric.Int64Counter
	ChainHeight     metric.Int64ObservableGauge
	Verifications   metric.Int64Counter

	// Reporting Metrics
	ReportsGenerated metric.Int64Counter
	ReportScore      metric.Float64Histogram

	// Data Subject Request Metrics
	DSRTransitions metric.Int64Counter

	// Export Metrics
	ExportsCompleted metric.Int64Counter
	ExportRecords    metric.Int64Histogram

	// State for observable metrics
	mu          sync.RWMutex
	chainHeight int64
	lastAppend  time.Time
}

// NewRegistry creates a new metrics registry with all domain metrics
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initLedgerMetrics(); err != nil {
		return nil, err
	}

	if err := r.initWorkflowMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

// initLedgerMetrics initializes append and verification metrics
func (r *Registry) initLedgerMetrics() error {
	var err error

	r.AppendDuration, err = r.meter.Float64Histogram(
		"ledger.append.duration",
		metric.WithDescription("Duration of RecordEvent from validation to commit in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000),
	)
	if err != nil {
		return err
	}

	r.RecordsAppended, err = r.meter.Int64Counter(
		"ledger.records.appended",
		metric.WithDescription("Total number of records committed to the ledger"),
	)
	if err != nil {
		return err
	}

	r.AppendFailures, err = r.meter.Int64Counter(
		"ledger.append.failures",
		metric.WithDescription("Total number of RecordEvent calls that did not commit"),
	)
	if err != nil {
		return err
	}

	r.ChainHeight, err = r.meter.Int64ObservableGauge(
		"ledger.chain.height",
		metric.WithDescription("Sequence number of the current chain tail"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.chainHeight)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.Verifications, err = r.meter.Int64Counter(
		"ledger.verifications",
		metric.WithDescription("Total number of chain verifications by outcome"),
	)

	return err
}

// initWorkflowMetrics initializes report, DSR and export metrics
func (r *Registry) initWorkflowMetrics() error {
	var err error

	r.ReportsGenerated, err = r.meter.Int64Counter(
		"report.generated",
		metric.WithDescription("Total number of compliance reports generated"),
	)
	if err != nil {
		return err
	}

	r.ReportScore, err = r.meter.Float64Histogram(
		"report.score",
		metric.WithDescription("Distribution of compliance report scores"),
		metric.WithExplicitBucketBoundaries(50, 75, 90, 95, 99, 100),
	)
	if err != nil {
		return err
	}

	r.DSRTransitions, err = r.meter.Int64Counter(
		"dsr.transitions",
		metric.WithDescription("Total number of data subject request state changes"),
	)
	if err != nil {
		return err
	}

	r.ExportsCompleted, err = r.meter.Int64Counter(
		"export.completed",
		metric.WithDescription("Total number of signed exports produced"),
	)
	if err != nil {
		return err
	}

	r.ExportRecords, err = r.meter.Int64Histogram(
		"export.records",
		metric.WithDescription("Number of records per export"),
	)

	return err
}

// SetChainTail updates the observed chain height
func (r *Registry) SetChainTail(sequence int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chainHeight = sequence
	r.lastAppend = at
}

// ChainTail returns the last observed chain height and append time
func (r *Registry) ChainTail() (int64, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chainHeight, r.lastAppend
}

// Helper methods for recording metrics with common attribute patterns

// RecordAppend records RecordEvent metrics
func (r *Registry) RecordAppend(ctx context.Context, duration time.Duration, category string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("action_category", category),
		attribute.Bool("success", err == nil),
	}

	r.AppendDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))

	if err == nil {
		r.RecordsAppended.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		r.AppendFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordVerification records a chain verification outcome
func (r *Registry) RecordVerification(ctx context.Context, verified bool, issues int) {
	r.Verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("verified", verified),
		attribute.Int("issues", issues),
	))
}

// RecordReport records a generated report
func (r *Registry) RecordReport(ctx context.Context, reportType string, score float64) {
	attrs := metric.WithAttributes(attribute.String("report_type", reportType))
	r.ReportsGenerated.Add(ctx, 1, attrs)
	r.ReportScore.Record(ctx, score, attrs)
}

// RecordDSRTransition records a data subject request state change
func (r *Registry) RecordDSRTransition(ctx context.Context, requestType, from, to string) {
	r.DSRTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("request_type", requestType),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordExport records a completed export
func (r *Registry) RecordExport(ctx context.Context, format string, records int) {
	attrs := metric.WithAttributes(attribute.String("format", format))
	r.ExportsCompleted.Add(ctx, 1, attrs)
	r.ExportRecords.Record(ctx, int64(records), attrs)
}
