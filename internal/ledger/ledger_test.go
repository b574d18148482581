package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(zap.NewNop(), DefaultConfig())
}

func pct(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestRecordEventOpenThenCloseUpdatesLiveState(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !l.IsLive(asset) {
		t.Fatal("expected asset to be live after open")
	}

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventClose, At: base.Add(time.Hour), SizeAfter: decimal.Zero}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.IsLive(asset) {
		t.Fatal("expected asset to no longer be live after close")
	}
}

func TestRecordEventRejectsOutOfOrderTimestamp(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)}); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventAdjust, At: base, SizeAfter: pct(0.15)})
	assertLedgerViolation(t, err)
}

func TestRecordEventRejectsDoubleOpen(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)}); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base.Add(time.Hour), SizeAfter: pct(0.10)})
	assertLedgerViolation(t, err)
}

func TestRecordEventRejectsCloseWithoutLivePosition(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")

	err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventClose, At: time.Now()})
	assertLedgerViolation(t, err)
}

func TestRecordEventRejectsAllocationCapBreach(t *testing.T) {
	l := newTestLedger(t) // target_total_allocation = 0.95
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: "AAA", Kind: types.EventOpen, At: base, SizeAfter: pct(0.50)}); err != nil {
		t.Fatalf("open AAA: %v", err)
	}
	if err := l.RecordEvent(types.PositionEvent{Asset: "BBB", Kind: types.EventOpen, At: base.Add(time.Hour), SizeAfter: pct(0.40)}); err != nil {
		t.Fatalf("open BBB: %v", err)
	}

	err := l.RecordEvent(types.PositionEvent{Asset: "CCC", Kind: types.EventOpen, At: base.Add(2 * time.Hour), SizeAfter: pct(0.10)})
	assertLedgerViolation(t, err)
	if l.IsLive("CCC") {
		t.Fatal("CCC must not be recorded as live after a rejected open")
	}
}

func assertLedgerViolation(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var coreErr *types.CoreError
	if !errors.As(err, &coreErr) {
		t.Fatalf("expected *types.CoreError, got %T", err)
	}
	if coreErr.Kind != types.ErrLedgerInvariantViolation {
		t.Fatalf("expected ErrLedgerInvariantViolation, got %v", coreErr.Kind)
	}
}

func TestCyclesPairsOpenWithNextClose(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []types.PositionEvent{
		{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)},
		{Asset: asset, Kind: types.EventClose, At: base.Add(24 * time.Hour)},
		{Asset: asset, Kind: types.EventOpen, At: base.Add(48 * time.Hour), SizeAfter: pct(0.12)},
		{Asset: asset, Kind: types.EventClose, At: base.Add(72 * time.Hour)},
	}
	for _, e := range events {
		if err := l.RecordEvent(e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	cycles := l.Cycles(asset, TimeRange{})
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(cycles))
	}
	if cycles[0].Duration != 24*time.Hour || cycles[1].Duration != 24*time.Hour {
		t.Fatalf("unexpected cycle durations: %+v", cycles)
	}
}

func TestCyclesSkipsUnmatchedOpen(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)}); err != nil {
		t.Fatalf("open: %v", err)
	}

	cycles := l.Cycles(asset, TimeRange{})
	if len(cycles) != 0 {
		t.Fatalf("expected 0 cycles for an unmatched open, got %d", len(cycles))
	}
}

func TestCyclesWindowInclusiveOfBothEnds(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closeAt := base.Add(24 * time.Hour)

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventClose, At: closeAt}); err != nil {
		t.Fatalf("close: %v", err)
	}

	cycles := l.Cycles(asset, TimeRange{From: closeAt, To: closeAt})
	if len(cycles) != 1 {
		t.Fatalf("expected the cycle whose close lands exactly on both window bounds to count, got %d", len(cycles))
	}
}

func TestTotalLiveAllocationMatchesSumOfLivePositions(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: "AAA", Kind: types.EventOpen, At: base, SizeAfter: pct(0.30)}); err != nil {
		t.Fatalf("open AAA: %v", err)
	}
	if err := l.RecordEvent(types.PositionEvent{Asset: "BBB", Kind: types.EventOpen, At: base.Add(time.Hour), SizeAfter: pct(0.20)}); err != nil {
		t.Fatalf("open BBB: %v", err)
	}

	total := l.TotalLiveAllocation()
	if !total.Equal(pct(0.50)) {
		t.Fatalf("expected total allocation 0.50, got %s", total.String())
	}
}

func TestAdjustUpdatesSizeWithoutNewHistoryEntryConflict(t *testing.T) {
	l := newTestLedger(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventOpen, At: base, SizeAfter: pct(0.10)}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.RecordEvent(types.PositionEvent{Asset: asset, Kind: types.EventAdjust, At: base.Add(time.Hour), SizeAfter: pct(0.15)}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	pos, ok := l.Position(asset)
	if !ok {
		t.Fatal("expected a live position")
	}
	if !pos.SizePct.Equal(pct(0.15)) {
		t.Fatalf("expected size_pct 0.15 after adjust, got %s", pos.SizePct.String())
	}

	history := l.History(asset, TimeRange{})
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
}
