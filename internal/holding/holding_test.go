package holding

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(zap.NewNop(), DefaultConfig())
}

func TestCanCloseDeniedBelowMinHolding(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	allowed, reason := m.CanClose("AAA", base, base.Add(24*time.Hour), types.RegimeContext{})
	if allowed {
		t.Fatal("expected close denied below minimum holding duration")
	}
	if reason == "" {
		t.Fatal("expected a denial reason")
	}
}

func TestCanCloseAllowedAtOrAboveMinHolding(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	allowed, _ := m.CanClose("AAA", base, base.Add(3*24*time.Hour), types.RegimeContext{})
	if !allowed {
		t.Fatal("expected close allowed at exactly the minimum holding duration")
	}
}

func TestCanCloseOverriddenByHighSeverityRegimeTransition(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	regime := types.RegimeContext{
		Transition: &types.RegimeTransition{Severity: types.SeverityHigh, At: base},
	}

	allowed, reason := m.CanClose("AAA", base, base.Add(24*time.Hour), regime)
	if !allowed {
		t.Fatal("expected close allowed under a high-severity regime override")
	}
	if reason == "" {
		t.Fatal("expected an override reason")
	}
}

func TestCanCloseNotOverriddenByNormalSeverity(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	regime := types.RegimeContext{
		Transition: &types.RegimeTransition{Severity: types.SeverityNormal, At: base},
	}

	allowed, _ := m.CanClose("AAA", base, base.Add(24*time.Hour), regime)
	if allowed {
		t.Fatal("expected normal-severity transition to not authorize an override")
	}
}

func TestOverrideCooldownPreventsRepeatedOverrideWithinWindow(t *testing.T) {
	m := newTestManager(t) // cooldown 30 days
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	asset := types.Asset("AAA")
	regime := types.RegimeContext{
		Transition: &types.RegimeTransition{Severity: types.SeverityHigh, At: base},
	}

	allowed, _ := m.CanClose(asset, base, base.Add(24*time.Hour), regime)
	if !allowed {
		t.Fatal("expected first override to succeed")
	}

	// Re-open and attempt another early close for the same asset soon after.
	allowed, _ = m.CanClose(asset, base.Add(48*time.Hour), base.Add(49*time.Hour), regime)
	if allowed {
		t.Fatal("expected second override denied: per-asset cooldown has not elapsed")
	}
}

func TestOverrideCooldownAllowsOverrideOnceElapsed(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	asset := types.Asset("AAA")
	regime := types.RegimeContext{
		Transition: &types.RegimeTransition{Severity: types.SeverityHigh, At: base},
	}

	if allowed, _ := m.CanClose(asset, base, base.Add(24*time.Hour), regime); !allowed {
		t.Fatal("expected first override to succeed")
	}

	later := base.Add(31 * 24 * time.Hour)
	allowed, _ := m.CanClose(asset, later, later.Add(time.Hour), regime)
	if !allowed {
		t.Fatal("expected override allowed again once the cooldown has elapsed")
	}
}

func TestShouldForceCloseAtMaxHolding(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if m.ShouldForceClose(base, base.Add(89*24*time.Hour)) {
		t.Fatal("expected no force-close recommendation before max holding days")
	}
	if !m.ShouldForceClose(base, base.Add(90*24*time.Hour)) {
		t.Fatal("expected force-close recommendation at max holding days")
	}
}

func TestCanCloseIgnoresOverrideWhenNoTransition(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	allowed, _ := m.CanClose("AAA", base, base.Add(time.Hour), types.RegimeContext{})
	if allowed {
		t.Fatal("expected no override with an empty regime context")
	}
}
