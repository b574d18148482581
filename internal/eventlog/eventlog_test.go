package eventlog

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(zap.NewNop(), DefaultConfig())
}

func TestAppendAssignsIDAndIsQueryable(t *testing.T) {
	log := newTestLog(t)
	asset := types.Asset("AAA")

	id, err := log.Append(types.Event{
		Category: types.CategoryRebalance,
		Type:     "rebalance_complete",
		At:       time.Now(),
		Asset:    &asset,
		TraceID:  "trace-1",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty event id")
	}

	got := log.Query(Filter{Trace: "trace-1"}, 0)
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected to find appended event by trace, got %+v", got)
	}
}

func TestQueryOrdersAscendingByAt(t *testing.T) {
	log := newTestLog(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base.Add(3 * time.Hour), base, base.Add(1 * time.Hour)} {
		_, err := log.Append(types.Event{
			Category: types.CategoryPortfolio,
			Type:     "position_event",
			At:       at,
			Asset:    &asset,
			Reason:   string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got := log.Query(Filter{Asset: &asset}, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Fatalf("events not ascending by At: %v before %v", got[i].At, got[i-1].At)
		}
	}
}

func TestNoOrphanedDecisions(t *testing.T) {
	// Testable property 1: for every protection_decision_start there is
	// exactly one protection_decision_complete or error with the same
	// trace_id.
	log := newTestLog(t)
	trace := "trace-xyz"

	if _, err := log.Append(types.Event{Category: types.CategoryProtection, Type: "protection_decision_start", TraceID: trace}); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(types.Event{Category: types.CategoryProtection, Type: "protection_decision_complete", TraceID: trace}); err != nil {
		t.Fatal(err)
	}

	got := log.Query(Filter{Trace: trace}, 0)
	var starts, completes int
	for _, e := range got {
		switch e.Type {
		case "protection_decision_start":
			starts++
		case "protection_decision_complete", "error":
			completes++
		}
	}
	if starts != 1 || completes != 1 {
		t.Fatalf("expected 1 start and 1 complete/error, got starts=%d completes=%d", starts, completes)
	}
}

type failingSink struct{}

func (failingSink) Store(events []types.Event) error { return errors.New("sink unavailable") }

func TestAppendFailurePropagatesEventLogUnavailable(t *testing.T) {
	log := NewWithSink(zap.NewNop(), DefaultConfig(), failingSink{})

	_, err := log.Append(types.Event{Category: types.CategoryRebalance, Type: "rebalance_complete"})
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	var coreErr *types.CoreError
	if !errors.As(err, &coreErr) {
		t.Fatalf("expected *types.CoreError, got %T", err)
	}
	if coreErr.Kind != types.ErrEventLogUnavailable {
		t.Fatalf("expected ErrEventLogUnavailable, got %v", coreErr.Kind)
	}
}

func TestStatisticsCountsByCategory(t *testing.T) {
	log := newTestLog(t)
	now := time.Now()

	_, _ = log.Append(types.Event{Category: types.CategoryProtection, Type: "protection_decision_complete", At: now, Payload: map[string]any{"decided_in_ms": 0.8}})
	_, _ = log.Append(types.Event{Category: types.CategoryError, Type: "error", At: now})

	stats := log.Statistics(time.Hour)
	if stats.CountsByCategory[types.CategoryProtection] != 1 {
		t.Fatalf("expected 1 protection event, got %d", stats.CountsByCategory[types.CategoryProtection])
	}
	if stats.ErrorCount != 1 {
		t.Fatalf("expected 1 error event, got %d", stats.ErrorCount)
	}
	if stats.P50LatencyMS != 0.8 {
		t.Fatalf("expected p50 latency 0.8ms, got %v", stats.P50LatencyMS)
	}
}

func TestAppendBatchAtomic(t *testing.T) {
	log := newTestLog(t)
	ids, err := log.AppendBatch([]types.Event{
		{Category: types.CategoryProtection, Type: "protection_decision_start", TraceID: "t2"},
		{Category: types.CategoryProtection, Type: "protection_decision_complete", TraceID: "t2"},
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if log.Len() != 2 {
		t.Fatalf("expected 2 events stored, got %d", log.Len())
	}
}

func TestPruneRemovesOldEvents(t *testing.T) {
	log := newTestLog(t)
	old := time.Now().Add(-400 * 24 * time.Hour)
	recent := time.Now()

	_, _ = log.Append(types.Event{Category: types.CategoryPortfolio, Type: "position_event", At: old})
	_, _ = log.Append(types.Event{Category: types.CategoryPortfolio, Type: "position_event", At: recent})

	removed := log.Prune(time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 removed event, got %d", removed)
	}
	if log.Len() != 1 {
		t.Fatalf("expected 1 event remaining, got %d", log.Len())
	}
}
