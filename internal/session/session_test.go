package session

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/internal/coreasset"
	"github.com/regimeguard/rebalance-core/internal/grace"
	"github.com/regimeguard/rebalance-core/internal/holding"
	"github.com/regimeguard/rebalance-core/internal/ledger"
	"github.com/regimeguard/rebalance-core/internal/protection"
	"github.com/regimeguard/rebalance-core/internal/rebalancer"
	"github.com/regimeguard/rebalance-core/internal/regimectx"
	"github.com/regimeguard/rebalance-core/internal/whipsaw"
	"github.com/regimeguard/rebalance-core/pkg/types"
)

type fakeSink struct {
	events []types.Event
}

func (f *fakeSink) Append(e types.Event) (string, error) {
	f.events = append(f.events, e)
	return "evt", nil
}

func (f *fakeSink) byType(t string) []types.Event {
	var out []types.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeBuckets map[types.Asset][]types.Bucket

func (f fakeBuckets) Buckets(asset types.Asset) []types.Bucket { return f[asset] }

type testHarness struct {
	sess *Session
	led  *ledger.Ledger
	sink *fakeSink
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := *types.DefaultConfig()

	led := ledger.New(zap.NewNop(), ledger.DefaultConfig())
	core := coreasset.New(zap.NewNop(), coreasset.DefaultConfig())
	gracePM := grace.New(zap.NewNop(), grace.DefaultConfig())
	holdPM := holding.New(zap.NewNop(), holding.DefaultConfig())
	whipPM := whipsaw.New(zap.NewNop(), whipsaw.DefaultConfig())
	regime := regimectx.New(zap.NewNop(), regimectx.DefaultConfig())
	sink := &fakeSink{}

	orch := protection.New(zap.NewNop(), protection.DefaultConfig(), core, gracePM, holdPM, whipPM,
		regime.Context, sink)
	engine := rebalancer.New(zap.NewNop(), cfg)

	sess := New(zap.NewNop(), cfg, engine, orch, led, whipPM, gracePM, core, regime, sink)
	return &testHarness{sess: sess, led: led, sink: sink}
}

func TestRebalanceOpensEligibleScores(t *testing.T) {
	h := newTestHarness(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	result, err := h.sess.Rebalance("s1", at, []types.Score{
		{Asset: "AAA", CombinedScore: 0.9, AsOf: at},
	}, fakeBuckets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Approved == 0 {
		t.Fatalf("expected at least one approved target, got %+v", result)
	}
	if !h.led.IsLive("AAA") {
		t.Fatal("expected AAA to be opened in the ledger")
	}
}

func TestRebalanceDeniedCloseLeavesPositionOpen(t *testing.T) {
	h := newTestHarness(t)
	opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := h.led.RecordEvent(types.PositionEvent{
		Asset: "CORE", Kind: types.EventOpen, At: opened,
		SizeAfter: decimal.NewFromFloat(0.1), EventID: "open-1",
	}); err != nil {
		t.Fatalf("seed open failed: %v", err)
	}

	h.sess.core.OnScore("CORE", 0.95, opened)

	at := opened.Add(20 * 24 * time.Hour)
	result, err := h.sess.Rebalance("s1", at, nil, fakeBuckets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.led.IsLive("CORE") {
		t.Fatal("expected core-asset immunity to keep CORE open despite a denied close")
	}
	if result.Denied == 0 {
		t.Fatalf("expected the close attempt to register as denied, got %+v", result)
	}
}

func TestRebalanceEmitsCompleteEvent(t *testing.T) {
	h := newTestHarness(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.sess.Rebalance("s1", at, nil, fakeBuckets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.sink.byType("rebalance_complete")) != 1 {
		t.Fatalf("expected exactly one rebalance_complete event, got %d", len(h.sink.byType("rebalance_complete")))
	}
}

func TestEnforceAllocationCapScalesDownNewEntries(t *testing.T) {
	h := newTestHarness(t)
	h.sess.config.Portfolio.TargetTotalAllocation = 0.5

	approved := []types.RebalancingTarget{
		{Asset: "AAA", Action: types.ActionOpen, TargetPct: decimal.NewFromFloat(0.3)},
		{Asset: "BBB", Action: types.ActionOpen, TargetPct: decimal.NewFromFloat(0.3)},
	}
	live := map[types.Asset]types.Position{}

	out := h.sess.enforceAllocationCap(approved, live)
	total := 0.0
	for _, t := range out {
		f, _ := t.TargetPct.Float64()
		total += f
	}
	if total > 0.5001 {
		t.Fatalf("expected scaled-down total to respect the 0.5 cap, got %v", total)
	}
}
