package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink persists the audit trail in Postgres, one append-only table
// per stream. Bulk inserts use a pgx batch so one flush is one round
// trip.
type PGSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// schema creates the six append-only tables and their indexes.
// Everything is IF NOT EXISTS so startup is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type_ts ON audit_events (event_type, timestamp);

CREATE TABLE IF NOT EXISTS trade_signals (
	id            BIGSERIAL PRIMARY KEY,
	signal_id     TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	qty           INTEGER NOT NULL,
	order_type    TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	source        TEXT NOT NULL,
	strategy_name TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	ingested_at   TIMESTAMPTZ NOT NULL,
	metadata      JSONB
);
CREATE INDEX IF NOT EXISTS idx_trade_signals_symbol_ts ON trade_signals (symbol, created_at);

CREATE TABLE IF NOT EXISTS risk_decisions (
	id          BIGSERIAL PRIMARY KEY,
	signal_id   TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	reason      TEXT,
	decided_at  TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	checks      JSONB
);
CREATE INDEX IF NOT EXISTS idx_risk_decisions_signal ON risk_decisions (signal_id);

CREATE TABLE IF NOT EXISTS order_events (
	id               BIGSERIAL PRIMARY KEY,
	order_id         TEXT NOT NULL,
	signal_id        TEXT,
	broker_order_id  TEXT,
	status           TEXT NOT NULL,
	filled_qty       INTEGER,
	filled_price     NUMERIC,
	rejection_reason TEXT,
	timestamp        TIMESTAMPTZ NOT NULL,
	ingested_at      TIMESTAMPTZ NOT NULL,
	metadata         JSONB
);
CREATE INDEX IF NOT EXISTS idx_order_events_signal ON order_events (signal_id);

CREATE TABLE IF NOT EXISTS ai_trade_ideas (
	id          BIGSERIAL PRIMARY KEY,
	idea_id     TEXT NOT NULL,
	description TEXT,
	rationale   TEXT,
	risk_notes  TEXT,
	confidence  DOUBLE PRECISION NOT NULL,
	approved    BOOLEAN,
	approved_at TIMESTAMPTZ,
	user_notes  TEXT,
	created_at  TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_trade_ideas_approved ON ai_trade_ideas (approved, created_at);

CREATE TABLE IF NOT EXISTS performance_metrics (
	id          BIGSERIAL PRIMARY KEY,
	metric_type TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS idx_performance_metrics_type_ts ON performance_metrics (metric_type, timestamp);
`

// NewPGSink connects the pool and ensures the schema exists.
func NewPGSink(ctx context.Context, databaseURL string, logger *slog.Logger) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PGSink{pool: pool, logger: logger.With("component", "audit_pg")}, nil
}

func (s *PGSink) Close() {
	s.pool.Close()
}

func jsonField(fields map[string]any, key string) []byte {
	v, ok := fields[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// BulkInsert writes one stream's records as a single batch.
func (s *PGSink) BulkInsert(ctx context.Context, stream Stream, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		f := r.Fields
		switch stream {
		case StreamEvents:
			batch.Queue(
				`INSERT INTO audit_events (event_id, event_type, timestamp, ingested_at, metadata)
				 VALUES ($1, $2, $3, $4, $5)`,
				f["event_id"], f["event_type"], r.DomainTime, r.IngestedAt, jsonField(f, "metadata"))

		case StreamTradeSignals:
			batch.Queue(
				`INSERT INTO trade_signals (signal_id, symbol, side, qty, order_type, confidence, source, strategy_name, created_at, ingested_at, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				f["signal_id"], f["symbol"], f["side"], f["qty"], f["order_type"],
				f["confidence"], f["source"], f["strategy_name"], r.DomainTime, r.IngestedAt, jsonField(f, "metadata"))

		case StreamRiskDecisions:
			batch.Queue(
				`INSERT INTO risk_decisions (signal_id, symbol, side, outcome, reason, decided_at, ingested_at, checks)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				f["signal_id"], f["symbol"], f["side"], f["outcome"], f["reason"],
				r.DomainTime, r.IngestedAt, jsonField(f, "checks"))

		case StreamOrderEvents:
			batch.Queue(
				`INSERT INTO order_events (order_id, signal_id, broker_order_id, status, filled_qty, filled_price, rejection_reason, timestamp, ingested_at, metadata)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				f["order_id"], f["signal_id"], f["broker_order_id"], f["status"], f["filled_qty"],
				f["filled_price"], f["rejection_reason"], r.DomainTime, r.IngestedAt, jsonField(f, "metadata"))

		case StreamTradeIdeas:
			batch.Queue(
				`INSERT INTO ai_trade_ideas (idea_id, description, rationale, risk_notes, confidence, approved, approved_at, user_notes, created_at, ingested_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				f["idea_id"], f["description"], f["rationale"], f["risk_notes"], f["confidence"],
				f["approved"], f["approved_at"], f["user_notes"], r.DomainTime, r.IngestedAt)

		case StreamMetrics:
			batch.Queue(
				`INSERT INTO performance_metrics (metric_type, value, timestamp, ingested_at, metadata)
				 VALUES ($1, $2, $3, $4, $5)`,
				f["metric_type"], f["value"], r.DomainTime, r.IngestedAt, jsonField(f, "metadata"))

		default:
			return fmt.Errorf("unknown stream %q", stream)
		}
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert %s: %w", stream, err)
		}
	}
	return nil
}

// AuditTrail reads back the events stream, newest first.
func (s *PGSink) AuditTrail(ctx context.Context, q TrailQuery) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	to := q.To
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT event_id, event_type, timestamp, ingested_at, metadata
		 FROM audit_events
		 WHERE ($1 = '' OR event_type = $1) AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp DESC
		 LIMIT $4`,
		q.EventType, q.From, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			eventID, eventType string
			ts, ingested       time.Time
			metadata           []byte
		)
		if err := rows.Scan(&eventID, &eventType, &ts, &ingested, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit trail: %w", err)
		}
		fields := map[string]any{"event_id": eventID, "event_type": eventType}
		if len(metadata) > 0 {
			var meta map[string]any
			if err := json.Unmarshal(metadata, &meta); err == nil {
				fields["metadata"] = meta
			}
		}
		out = append(out, Record{
			Stream:     StreamEvents,
			Fields:     fields,
			DomainTime: ts,
			IngestedAt: ingested,
		})
	}
	return out, rows.Err()
}

// Summary aggregates signal, decision, and order counts for a period.
func (s *PGSink) Summary(ctx context.Context, from, to time.Time) (PerformanceSummary, error) {
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}
	summary := PerformanceSummary{
		SignalsBySource:    map[string]int{},
		DecisionsByOutcome: map[string]int{},
		OrdersByStatus:     map[string]int{},
	}

	count := func(query string, dest map[string]int) error {
		rows, err := s.pool.Query(ctx, query, from, to)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			dest[key] = n
		}
		return rows.Err()
	}

	if err := count(`SELECT source, COUNT(*) FROM trade_signals WHERE created_at >= $1 AND created_at <= $2 GROUP BY source`, summary.SignalsBySource); err != nil {
		return summary, fmt.Errorf("summarize signals: %w", err)
	}
	if err := count(`SELECT outcome, COUNT(*) FROM risk_decisions WHERE decided_at >= $1 AND decided_at <= $2 GROUP BY outcome`, summary.DecisionsByOutcome); err != nil {
		return summary, fmt.Errorf("summarize decisions: %w", err)
	}
	if err := count(`SELECT status, COUNT(*) FROM order_events WHERE timestamp >= $1 AND timestamp <= $2 GROUP BY status`, summary.OrdersByStatus); err != nil {
		return summary, fmt.Errorf("summarize orders: %w", err)
	}
	return summary, nil
}
