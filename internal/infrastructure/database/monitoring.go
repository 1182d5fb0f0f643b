package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LedgerTables are the tables whose statistics the monitor reports.
var LedgerTables = []string{"audit_records", "chain_tail", "compliance_reports", "data_subject_requests"}

// TableStats are the planner's view of one table.
type TableStats struct {
	TableName   string
	TotalSize   int64
	IndexSize   int64
	LiveTuples  int64
	DeadTuples  int64
	LastVacuum  *time.Time
	LastAnalyze *time.Time
}

// ConnectionStats is a snapshot of the pgx pool.
type ConnectionStats struct {
	TotalConnections    int32
	IdleConnections     int32
	AcquiredConnections int32
	MaxConnections      int32
	AcquireCount        int64
	EmptyAcquireCount   int64
	AcquireDuration     time.Duration
}

// Monitor reads pool and table statistics and exposes them to Prometheus.
type Monitor struct {
	pool    *ConnectionPool
	logger  *zap.Logger
	timeout time.Duration

	conns      *prometheus.Desc
	maxConns   *prometheus.Desc
	acquires   *prometheus.Desc
	emptyAcq   *prometheus.Desc
	acquireDur *prometheus.Desc
	tableRows  *prometheus.Desc
	tableDead  *prometheus.Desc
	tableBytes *prometheus.Desc
}

// NewMonitor creates a monitor over pool. Each scrape runs the table query
// under timeout.
func NewMonitor(pool *ConnectionPool, logger *zap.Logger, timeout time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pool:    pool,
		logger:  logger,
		timeout: timeout,

		conns: prometheus.NewDesc("ledger_db_connections",
			"Pool connections by state.", []string{"state"}, nil),
		maxConns: prometheus.NewDesc("ledger_db_connections_max",
			"Maximum pool size.", nil, nil),
		acquires: prometheus.NewDesc("ledger_db_acquires_total",
			"Connections acquired from the pool.", nil, nil),
		emptyAcq: prometheus.NewDesc("ledger_db_empty_acquires_total",
			"Acquires that had to wait for a connection.", nil, nil),
		acquireDur: prometheus.NewDesc("ledger_db_acquire_seconds_total",
			"Time spent acquiring connections.", nil, nil),
		tableRows: prometheus.NewDesc("ledger_db_table_live_rows",
			"Estimated live rows.", []string{"table"}, nil),
		tableDead: prometheus.NewDesc("ledger_db_table_dead_rows",
			"Estimated dead rows.", []string{"table"}, nil),
		tableBytes: prometheus.NewDesc("ledger_db_table_bytes",
			"Total relation size including indexes.", []string{"table"}, nil),
	}
}

// GetConnectionStats reads the pool counters.
func (m *Monitor) GetConnectionStats() ConnectionStats {
	st := m.pool.Pool().Stat()
	return ConnectionStats{
		TotalConnections:    st.TotalConns(),
		IdleConnections:     st.IdleConns(),
		AcquiredConnections: st.AcquiredConns(),
		MaxConnections:      st.MaxConns(),
		AcquireCount:        st.AcquireCount(),
		EmptyAcquireCount:   st.EmptyAcquireCount(),
		AcquireDuration:     st.AcquireDuration(),
	}
}

// GetTableStats reads statistics for the ledger tables.
func (m *Monitor) GetTableStats(ctx context.Context) ([]TableStats, error) {
	const query = `
		SELECT
			relname::text,
			pg_total_relation_size(relid),
			pg_indexes_size(relid),
			n_live_tup,
			n_dead_tup,
			GREATEST(last_vacuum, last_autovacuum),
			GREATEST(last_analyze, last_autoanalyze)
		FROM pg_stat_user_tables
		WHERE relname::text = ANY($1)
		ORDER BY relname`

	rows, err := m.pool.Pool().Query(ctx, query, LedgerTables)
	if err != nil {
		return nil, fmt.Errorf("failed to get table stats: %w", err)
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.TotalSize, &s.IndexSize, &s.LiveTuples, &s.DeadTuples,
			&s.LastVacuum, &s.LastAnalyze); err != nil {
			return nil, fmt.Errorf("failed to scan table stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Describe implements prometheus.Collector.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		m.conns, m.maxConns, m.acquires, m.emptyAcq, m.acquireDur,
		m.tableRows, m.tableDead, m.tableBytes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Table statistics are skipped when
// the query fails; pool statistics are always reported.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	cs := m.GetConnectionStats()
	ch <- prometheus.MustNewConstMetric(m.conns, prometheus.GaugeValue, float64(cs.IdleConnections), "idle")
	ch <- prometheus.MustNewConstMetric(m.conns, prometheus.GaugeValue, float64(cs.AcquiredConnections), "acquired")
	ch <- prometheus.MustNewConstMetric(m.maxConns, prometheus.GaugeValue, float64(cs.MaxConnections))
	ch <- prometheus.MustNewConstMetric(m.acquires, prometheus.CounterValue, float64(cs.AcquireCount))
	ch <- prometheus.MustNewConstMetric(m.emptyAcq, prometheus.CounterValue, float64(cs.EmptyAcquireCount))
	ch <- prometheus.MustNewConstMetric(m.acquireDur, prometheus.CounterValue, cs.AcquireDuration.Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	tables, err := m.GetTableStats(ctx)
	if err != nil {
		m.logger.Warn("skipping table statistics", zap.Error(err))
		return
	}
	for _, t := range tables {
		ch <- prometheus.MustNewConstMetric(m.tableRows, prometheus.GaugeValue, float64(t.LiveTuples), t.TableName)
		ch <- prometheus.MustNewConstMetric(m.tableDead, prometheus.GaugeValue, float64(t.DeadTuples), t.TableName)
		ch <- prometheus.MustNewConstMetric(m.tableBytes, prometheus.GaugeValue, float64(t.TotalSize), t.TableName)
	}
}
