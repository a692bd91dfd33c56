package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"trading-pipeline/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLogger(t *testing.T, sink Sink, bufferSize int) *Logger {
	t.Helper()
	l := NewLogger(sink, bufferSize, time.Hour, discardLogger())
	t.Cleanup(l.Close)
	return l
}

func TestBufferFlushesAtCapacity(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := newTestLogger(t, sink, 3)

	l.LogMetric("latency", 1.0, nil)
	l.LogMetric("latency", 2.0, nil)
	if got := len(sink.Records(StreamMetrics)); got != 0 {
		t.Errorf("premature flush: %d records", got)
	}

	l.LogMetric("latency", 3.0, nil)
	if got := len(sink.Records(StreamMetrics)); got != 3 {
		t.Errorf("records after capacity flush = %d, want 3", got)
	}
	if l.BufferedCount() != 0 {
		t.Errorf("buffer should be empty after flush")
	}
}

func TestCloseForcesFinalFlush(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := NewLogger(sink, 100, time.Hour, discardLogger())

	evt := types.NewDomainEvent(types.EventSignalGenerated, map[string]any{"symbol": "SPY"})
	l.LogEvent(evt)
	l.Close()

	records := sink.Records(StreamEvents)
	if len(records) != 1 {
		t.Fatalf("records after close = %d, want 1", len(records))
	}
	if records[0].Fields["event_type"] != string(types.EventSignalGenerated) {
		t.Errorf("event_type = %v", records[0].Fields["event_type"])
	}
	if records[0].IngestedAt.IsZero() {
		t.Error("ingest timestamp missing")
	}
}

func TestSequenceIsMonotonic(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := newTestLogger(t, sink, 2)

	for i := 0; i < 6; i++ {
		l.LogMetric("tick", float64(i), nil)
	}

	records := sink.Records(StreamMetrics)
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Seq <= records[i-1].Seq {
			t.Errorf("seq not monotonic at %d: %d then %d", i, records[i-1].Seq, records[i].Seq)
		}
	}
}

// failingSink fails a fixed number of inserts before recovering.
type failingSink struct {
	MemorySink
	mu       sync.Mutex
	failures int
}

func (f *failingSink) BulkInsert(ctx context.Context, stream Stream, records []Record) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("sink unavailable")
	}
	f.mu.Unlock()
	return f.MemorySink.BulkInsert(ctx, stream, records)
}

func TestFlushFailureRetainsRecords(t *testing.T) {
	t.Parallel()

	sink := &failingSink{MemorySink: *NewMemorySink(), failures: 1}
	l := NewLogger(sink, 100, time.Hour, discardLogger())
	defer l.Close()

	l.LogMetric("latency", 1.0, nil)
	l.Flush(context.Background())

	if l.BufferedCount() != 1 {
		t.Fatalf("buffered = %d, failed flush must retain the record", l.BufferedCount())
	}

	l.Flush(context.Background())
	if got := len(sink.Records(StreamMetrics)); got != 1 {
		t.Errorf("records after retry = %d, want 1", got)
	}
	if l.BufferedCount() != 0 {
		t.Errorf("buffer should drain after successful retry")
	}
}

func TestBackgroundFlushLoop(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := NewLogger(sink, 100, 10*time.Millisecond, discardLogger())
	defer l.Close()

	l.LogMetric("latency", 1.0, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Records(StreamMetrics)) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background flush did not run")
}

func TestRiskDecisionRecords(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := NewLogger(sink, 100, time.Hour, discardLogger())

	sig, _ := types.NewTradeSignal("SPY", types.BUY, 10, types.OrderTypeMarket, 0.8, types.SourceStrategy, "ma", nil, nil, nil)
	l.LogApproval(types.ApprovedTrade{Signal: sig, ApprovedAt: time.Now().UTC()})
	l.LogRejection(types.RejectedTrade{Signal: sig, RejectedAt: time.Now().UTC(), RejectionReason: "min_confidence: too low"})
	l.LogTradeSignal(sig)
	l.Close()

	summary, err := sink.Summary(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.DecisionsByOutcome["approved"] != 1 || summary.DecisionsByOutcome["rejected"] != 1 {
		t.Errorf("decisions = %v", summary.DecisionsByOutcome)
	}
	if summary.SignalsBySource["strategy"] != 1 {
		t.Errorf("signals = %v", summary.SignalsBySource)
	}
}

func TestAuditTrailFiltering(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	l := NewLogger(sink, 100, time.Hour, discardLogger())

	l.LogEvent(types.NewDomainEvent(types.EventSignalGenerated, nil))
	l.LogEvent(types.NewDomainEvent(types.EventSignalApproved, nil))
	l.LogEvent(types.NewDomainEvent(types.EventSignalApproved, nil))
	l.Close()

	got, err := sink.AuditTrail(context.Background(), TrailQuery{EventType: string(types.EventSignalApproved)})
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("filtered trail = %d records, want 2", len(got))
	}

	got, _ = sink.AuditTrail(context.Background(), TrailQuery{Limit: 1})
	if len(got) != 1 {
		t.Errorf("limited trail = %d records, want 1", len(got))
	}
}
