// Package integrity re-verifies the ledger's hash chain in the background.
package integrity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// Ledger is the read side the monitor verifies.
type Ledger interface {
	Head(ctx context.Context) (audit.ChainTail, error)
	VerifyChain(ctx context.Context, cr audit.ChainRange) (*audit.VerificationResult, error)
}

// Config controls scheduling.
type Config struct {
	Interval     time.Duration
	CheckTimeout time.Duration
	// FullSweepEvery forces a from-genesis check every N runs; the runs in
	// between only cover records appended since the last clean check.
	FullSweepEvery int
}

// Status is a snapshot of the monitor's progress.
type Status struct {
	Runs            int                       `json:"runs"`
	LastRun         time.Time                 `json:"lastRun"`
	LastDuration    time.Duration             `json:"lastDuration"`
	VerifiedThrough int64                     `json:"verifiedThrough"`
	Healthy         bool                      `json:"healthy"`
	LastResult      *audit.VerificationResult `json:"lastResult,omitempty"`
	LastError       string                    `json:"lastError,omitempty"`
}

// Monitor periodically verifies the chain.
type Monitor struct {
	config Config
	ledger Ledger
	logger *zap.Logger

	mu     sync.RWMutex
	status Status
}

// NewMonitor creates a monitor. It does nothing until Run is called.
func NewMonitor(cfg Config, ledger Ledger, logger *zap.Logger) (*Monitor, error) {
	if ledger == nil {
		return nil, errors.NewValidationError("MISSING_LEDGER", "ledger is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.NewValidationError("INVALID_INTERVAL", "interval must be positive")
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = cfg.Interval
	}
	if cfg.FullSweepEvery <= 0 {
		cfg.FullSweepEvery = 24
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config: cfg,
		ledger: ledger,
		logger: logger.With(zap.String("component", "integrity_monitor")),
		status: Status{Healthy: true},
	}, nil
}

// Run checks immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("Integrity monitor started", zap.Duration("interval", m.config.Interval))
	for {
		m.runCheck(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info("Integrity monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) runCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	if _, err := m.CheckOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("Integrity check failed", zap.Error(err))
	}
}

// CheckOnce verifies the records appended since the last clean check, or the
// whole chain when a full sweep is due. Integrity problems are reported in
// the result; the error is reserved for read failures.
func (m *Monitor) CheckOnce(ctx context.Context) (*audit.VerificationResult, error) {
	start := time.Now()

	m.mu.RLock()
	from := m.status.VerifiedThrough
	full := m.status.Runs%m.config.FullSweepEvery == 0
	m.mu.RUnlock()

	head, err := m.ledger.Head(ctx)
	if err != nil {
		m.finish(start, 0, nil, err)
		return nil, err
	}
	if head.IsGenesis() {
		result := &audit.VerificationResult{Verified: true, Issues: []string{}}
		m.finish(start, 0, result, nil)
		return result, nil
	}

	// Re-including the last verified record checks the link to the new ones.
	if full || from > head.Sequence {
		from = 0
	}
	result, err := m.ledger.VerifyChain(ctx, audit.ChainRange{From: from, To: head.Sequence})
	if err != nil {
		m.finish(start, 0, nil, err)
		return nil, err
	}

	if !result.Verified {
		m.logger.Error("Ledger integrity violation detected",
			zap.String("broken_at", result.BrokenAt),
			zap.Int("issues", len(result.Issues)),
			zap.Int64("from", from),
			zap.Int64("to", head.Sequence),
		)
	} else {
		m.logger.Debug("Ledger integrity check passed",
			zap.Int64("from", from),
			zap.Int64("to", head.Sequence),
			zap.Int("records", result.RecordsVerified),
			zap.Bool("full_sweep", from == 0),
		)
	}
	m.finish(start, head.Sequence, result, nil)
	return result, nil
}

func (m *Monitor) finish(start time.Time, through int64, result *audit.VerificationResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.Runs++
	m.status.LastRun = start
	m.status.LastDuration = time.Since(start)
	m.status.LastError = ""
	if err != nil {
		m.status.LastError = err.Error()
		return
	}
	m.status.LastResult = result
	m.status.Healthy = result.Verified
	if result.Verified && through > m.status.VerifiedThrough {
		m.status.VerifiedThrough = through
	}
}

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
