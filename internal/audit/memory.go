package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink keeps the audit trail in process memory. It backs the
// pipeline when no DATABASE_URL is configured and doubles as the test
// sink.
type MemorySink struct {
	mu      sync.Mutex
	records map[Stream][]Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[Stream][]Record)}
}

func (m *MemorySink) BulkInsert(_ context.Context, stream Stream, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[stream] = append(m.records[stream], records...)
	return nil
}

func (m *MemorySink) AuditTrail(_ context.Context, q TrailQuery) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records[StreamEvents] {
		if q.EventType != "" && r.Fields["event_type"] != q.EventType {
			continue
		}
		if !q.From.IsZero() && r.DomainTime.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.DomainTime.After(q.To) {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DomainTime.After(out[j].DomainTime) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemorySink) Summary(_ context.Context, from, to time.Time) (PerformanceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inRange := func(t time.Time) bool {
		if !from.IsZero() && t.Before(from) {
			return false
		}
		if !to.IsZero() && t.After(to) {
			return false
		}
		return true
	}

	summary := PerformanceSummary{
		SignalsBySource:    map[string]int{},
		DecisionsByOutcome: map[string]int{},
		OrdersByStatus:     map[string]int{},
	}
	for _, r := range m.records[StreamTradeSignals] {
		if inRange(r.DomainTime) {
			if src, ok := r.Fields["source"].(string); ok {
				summary.SignalsBySource[src]++
			}
		}
	}
	for _, r := range m.records[StreamRiskDecisions] {
		if inRange(r.DomainTime) {
			if outcome, ok := r.Fields["outcome"].(string); ok {
				summary.DecisionsByOutcome[outcome]++
			}
		}
	}
	for _, r := range m.records[StreamOrderEvents] {
		if inRange(r.DomainTime) {
			if status, ok := r.Fields["status"].(string); ok {
				summary.OrdersByStatus[status]++
			}
		}
	}
	return summary, nil
}

func (m *MemorySink) Close() {}

// Records returns a copy of one stream, for tests and the in-memory
// read path.
func (m *MemorySink) Records(stream Stream) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records[stream]))
	copy(out, m.records[stream])
	return out
}
