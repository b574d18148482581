package grace

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(zap.NewNop(), DefaultConfig())
}

func TestOnScoreStartsGraceBelowThreshold(t *testing.T) {
	m := newTestManager(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)

	if !m.IsActive(asset) {
		t.Fatal("expected grace to be active after a sub-threshold score")
	}
	state, _ := m.State(asset)
	if !state.CurrentSize.Equal(decimal.NewFromFloat(0.10)) {
		t.Fatalf("expected current size unchanged at grace start, got %s", state.CurrentSize.String())
	}
}

func TestOnScoreClearsGraceOnRecovery(t *testing.T) {
	m := newTestManager(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)
	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.65, 0.60, base.Add(time.Hour))

	if m.IsActive(asset) {
		t.Fatal("expected grace to clear once score recovers above threshold")
	}
}

func TestOnScoreDoesNotDuplicateGraceWhileActive(t *testing.T) {
	m := newTestManager(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)
	startedAt, _ := m.State(asset)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.50, 0.60, base.Add(24*time.Hour))
	again, _ := m.State(asset)

	if !again.StartedAt.Equal(startedAt.StartedAt) {
		t.Fatal("expected a second sub-threshold score to not restart an already-active grace period")
	}
}

func TestTickDecaysSizeProportionalToElapsedDays(t *testing.T) {
	m := newTestManager(t) // decay_rate 0.8/day
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)
	m.Tick(base.Add(24 * time.Hour))

	factor := m.ActiveDecay(asset)
	if factor < 0.79 || factor > 0.81 {
		t.Fatalf("expected decay factor ~0.8 after one day, got %v", factor)
	}

	state, _ := m.State(asset)
	want := decimal.NewFromFloat(0.10).Mul(decimal.NewFromFloat(factor))
	diff := state.CurrentSize.Sub(want).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(1e-9)) {
		t.Fatalf("expected current size %s, got %s", want.String(), state.CurrentSize.String())
	}
}

func TestTickFloorsDecayAtMinDecayFactor(t *testing.T) {
	m := newTestManager(t) // min_decay_factor 0.1
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)
	m.Tick(base.Add(60 * 24 * time.Hour)) // many decay periods

	factor := m.ActiveDecay(asset)
	if factor < 0.1 {
		t.Fatalf("expected decay factor floored at 0.1, got %v", factor)
	}
}

func TestTickReturnsExpiredAssetsAtEndsAt(t *testing.T) {
	m := newTestManager(t) // grace period 5 days
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)

	expired := m.Tick(base.Add(3 * 24 * time.Hour))
	if len(expired) != 0 {
		t.Fatalf("expected no expirations before grace period elapses, got %v", expired)
	}

	expired = m.Tick(base.Add(5 * 24 * time.Hour))
	if len(expired) != 1 || expired[0] != asset {
		t.Fatalf("expected asset to expire once at >= ends_at, got %v", expired)
	}
}

func TestActiveDecayDefaultsToOneWhenNotInGrace(t *testing.T) {
	m := newTestManager(t)
	if factor := m.ActiveDecay("AAA"); factor != 1.0 {
		t.Fatalf("expected decay factor 1.0 for an asset not in grace, got %v", factor)
	}
}

func TestCloseRemovesGraceState(t *testing.T) {
	m := newTestManager(t)
	asset := types.Asset("AAA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.OnScore(asset, decimal.NewFromFloat(0.10), 0.55, 0.60, base)
	m.Close(asset)

	if m.IsActive(asset) {
		t.Fatal("expected grace state removed after Close")
	}
}
