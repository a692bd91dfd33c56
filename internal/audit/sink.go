// Package audit provides the append-only audit trail. Producers log
// domain records through a buffered Logger; a Sink persists them in
// bulk, grouped by logical stream. Audit failures never block the
// pipeline: records stay buffered until the next successful flush.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trading-pipeline/pkg/types"
)

// Stream names the logical audit tables.
type Stream string

const (
	StreamEvents        Stream = "audit_events"
	StreamTradeSignals  Stream = "trade_signals"
	StreamRiskDecisions Stream = "risk_decisions"
	StreamOrderEvents   Stream = "order_events"
	StreamTradeIdeas    Stream = "ai_trade_ideas"
	StreamMetrics       Stream = "performance_metrics"
)

// Record is one audit row before persistence. Fields carry the
// stream-specific columns; the ingest timestamp is distinct from the
// domain timestamp inside Fields.
type Record struct {
	Stream     Stream
	Seq        uint64
	Fields     map[string]any
	DomainTime time.Time
	IngestedAt time.Time
}

// TrailQuery filters the audit-trail read path.
type TrailQuery struct {
	EventType string
	From, To  time.Time
	Limit     int
}

// PerformanceSummary aggregates pipeline activity over a period.
type PerformanceSummary struct {
	SignalsBySource    map[string]int `json:"signals_by_source"`
	DecisionsByOutcome map[string]int `json:"decisions_by_outcome"`
	OrdersByStatus     map[string]int `json:"orders_by_status"`
}

// Sink persists audit records. BulkInsert receives records of a single
// stream.
type Sink interface {
	BulkInsert(ctx context.Context, stream Stream, records []Record) error
	AuditTrail(ctx context.Context, q TrailQuery) ([]Record, error)
	Summary(ctx context.Context, from, to time.Time) (PerformanceSummary, error)
	Close()
}

const (
	defaultBufferSize    = 100
	defaultFlushInterval = 30 * time.Second
)

// Logger buffers audit records and flushes them to the sink when the
// buffer fills or on the background interval. Records are never
// dropped: a full buffer triggers a synchronous flush, and flush
// failures leave the buffer intact for the next attempt.
type Logger struct {
	sink          Sink
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []Record
	seq    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLogger creates a logger and starts its background flush loop.
func NewLogger(sink Sink, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *Logger {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		sink:          sink,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger.With("component", "audit"),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go l.flushLoop(ctx)
	return l
}

func (l *Logger) flushLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Flush(context.Background())
		}
	}
}

// Close stops the flush loop and forces one final flush.
func (l *Logger) Close() {
	l.cancel()
	<-l.done
	l.Flush(context.Background())
	l.sink.Close()
}

// append adds a record, flushing synchronously at capacity.
func (l *Logger) append(stream Stream, domainTime time.Time, fields map[string]any) {
	l.mu.Lock()
	l.seq++
	l.buffer = append(l.buffer, Record{
		Stream:     stream,
		Seq:        l.seq,
		Fields:     fields,
		DomainTime: domainTime,
		IngestedAt: time.Now().UTC(),
	})
	full := len(l.buffer) >= l.bufferSize
	l.mu.Unlock()

	if full {
		l.Flush(context.Background())
	}
}

// Flush drains the buffer, grouping records by stream and bulk-inserting
// each group. On any insert failure the whole batch is restored for the
// next attempt.
func (l *Logger) Flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	grouped := make(map[Stream][]Record)
	var order []Stream
	for _, r := range batch {
		if _, seen := grouped[r.Stream]; !seen {
			order = append(order, r.Stream)
		}
		grouped[r.Stream] = append(grouped[r.Stream], r)
	}

	for i, stream := range order {
		if err := l.sink.BulkInsert(ctx, stream, grouped[stream]); err != nil {
			l.logger.Error("audit flush failed, retaining records", "stream", stream, "error", err)
			// Re-buffer this stream and every stream not yet attempted.
			var retained []Record
			for _, s := range order[i:] {
				retained = append(retained, grouped[s]...)
			}
			l.mu.Lock()
			l.buffer = append(retained, l.buffer...)
			l.mu.Unlock()
			return
		}
	}
	l.logger.Debug("audit batch flushed", "records", len(batch))
}

// LogEvent records a domain event on the events stream.
func (l *Logger) LogEvent(evt types.DomainEvent) {
	l.append(StreamEvents, evt.Timestamp, map[string]any{
		"event_id":   evt.EventID,
		"event_type": string(evt.Type),
		"metadata":   evt.Metadata,
	})
}

// LogTradeSignal records a generated signal.
func (l *Logger) LogTradeSignal(sig types.TradeSignal) {
	l.append(StreamTradeSignals, sig.CreatedAt, map[string]any{
		"signal_id":     sig.ID,
		"symbol":        sig.Symbol,
		"side":          string(sig.Side),
		"qty":           sig.Qty,
		"order_type":    string(sig.OrderType),
		"confidence":    sig.Confidence,
		"source":        string(sig.Source),
		"strategy_name": sig.StrategyName,
		"metadata":      sig.Metadata,
	})
}

// LogApproval records a risk approval decision.
func (l *Logger) LogApproval(approved types.ApprovedTrade) {
	l.append(StreamRiskDecisions, approved.ApprovedAt, map[string]any{
		"signal_id": approved.Signal.ID,
		"symbol":    approved.Signal.Symbol,
		"side":      string(approved.Signal.Side),
		"outcome":   "approved",
		"reason":    "",
		"checks":    approved.RiskChecks,
	})
}

// LogRejection records a risk rejection decision.
func (l *Logger) LogRejection(rejected types.RejectedTrade) {
	l.append(StreamRiskDecisions, rejected.RejectedAt, map[string]any{
		"signal_id": rejected.Signal.ID,
		"symbol":    rejected.Signal.Symbol,
		"side":      string(rejected.Signal.Side),
		"outcome":   "rejected",
		"reason":    rejected.RejectionReason,
		"checks":    rejected.RiskChecks,
	})
}

// LogOrderEvent records an order lifecycle point.
func (l *Logger) LogOrderEvent(evt types.OrderEvent) {
	fields := map[string]any{
		"order_id":         evt.OrderID,
		"signal_id":        evt.SignalID,
		"broker_order_id":  evt.BrokerOrderID,
		"status":           string(evt.Status),
		"filled_qty":       evt.FilledQty,
		"rejection_reason": evt.RejectionReason,
		"metadata":         evt.Metadata,
	}
	if evt.FilledPrice != nil {
		fields["filled_price"] = evt.FilledPrice.String()
	}
	l.append(StreamOrderEvents, evt.Timestamp, fields)
}

// LogTradeIdea records an advisory idea and its approval state.
func (l *Logger) LogTradeIdea(idea types.TradeIdea) {
	fields := map[string]any{
		"idea_id":     idea.ID,
		"description": idea.Description,
		"rationale":   idea.Rationale,
		"risk_notes":  idea.RiskNotes,
		"confidence":  idea.Confidence,
		"user_notes":  idea.UserNotes,
	}
	if idea.Approved != nil {
		fields["approved"] = *idea.Approved
	}
	if idea.ApprovedAt != nil {
		fields["approved_at"] = *idea.ApprovedAt
	}
	l.append(StreamTradeIdeas, idea.CreatedAt, fields)
}

// LogMetric records one performance metric sample.
func (l *Logger) LogMetric(metricType string, value float64, metadata map[string]any) {
	l.append(StreamMetrics, time.Now().UTC(), map[string]any{
		"metric_type": metricType,
		"value":       value,
		"metadata":    metadata,
	})
}

// BufferedCount reports how many records await flushing.
func (l *Logger) BufferedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}
