// Package holding implements the Holding-Period Manager (C5): it
// enforces a minimum holding duration before a position may close
// (unless the current regime authorizes an override) and flags
// positions that have exceeded a maximum holding duration for
// force-close consideration.
//
// Grounded on whipsaw_regime_integration.py's holding-period checks.
// No available library wraps duration-threshold comparison, so this
// package is stdlib-only (time.Duration arithmetic), recorded in
// DESIGN.md.
package holding

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Config configures holding-duration bounds and the override cooldown.
type Config struct {
	MinHolding             time.Duration // default 3 days
	MaxHolding             time.Duration // default 90 days
	OverrideCooldown       time.Duration // default 30 days
	RegimeSeverityThreshold types.Severity // default high
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinHolding:              3 * 24 * time.Hour,
		MaxHolding:              90 * 24 * time.Hour,
		OverrideCooldown:        30 * 24 * time.Hour,
		RegimeSeverityThreshold: types.SeverityHigh,
	}
}

// Manager tracks the last regime-override timestamp per asset so the
// per-asset cooldown can be enforced independently of other protection
// systems' own cooldowns.
type Manager struct {
	logger *zap.Logger
	config Config

	mu           sync.Mutex
	lastOverride map[types.Asset]types.Timestamp
}

// New creates a Manager with no recorded overrides.
func New(logger *zap.Logger, config Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:       logger.Named("holding"),
		config:       config,
		lastOverride: make(map[types.Asset]types.Timestamp),
	}
}

// CanClose reports whether asset, opened at openedAt, may close at at.
// A close below min_holding_days is denied unless the current regime
// context's transition severity meets the configured threshold and the
// asset's per-asset override cooldown has elapsed; in that case CanClose
// allows the close and records the override so the cooldown restarts.
func (m *Manager) CanClose(asset types.Asset, openedAt, at types.Timestamp, regime types.RegimeContext) (bool, string) {
	held := at.Sub(openedAt)
	if held >= m.config.MinHolding {
		return true, ""
	}

	if m.regimeAuthorizesOverride(asset, at, regime) {
		m.recordOverride(asset, at)
		return true, "holding period overridden by regime transition"
	}

	return false, "holding period: minimum holding duration not met"
}

// regimeAuthorizesOverride reports whether the given regime context's
// severity meets the configured threshold and this asset's cooldown
// since its last holding-period override has elapsed.
func (m *Manager) regimeAuthorizesOverride(asset types.Asset, at types.Timestamp, regime types.RegimeContext) bool {
	if regime.Transition == nil {
		return false
	}
	if !regime.Transition.Severity.Compare(m.config.RegimeSeverityThreshold) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastOverride[asset]
	if !ok {
		return true
	}
	return at.Sub(last) >= m.config.OverrideCooldown
}

// recordOverride stamps asset's most recent override time.
func (m *Manager) recordOverride(asset types.Asset, at types.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOverride[asset] = at
}

// ShouldForceClose reports whether asset, opened at openedAt, has
// exceeded max_holding_days and should be recommended for force-close.
func (m *Manager) ShouldForceClose(openedAt, at types.Timestamp) bool {
	return at.Sub(openedAt) >= m.config.MaxHolding
}
