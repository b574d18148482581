// Package coreasset implements the Core-Asset Registry (C6): designated
// high-conviction assets exempt from routine closure, promoted by score
// or administrative action, bounded by capacity, and retired on
// schedule or underperformance unless an extension is consumed.
//
// Grounded on internal/execution/risk_manager.go:
// the violations-slice-plus-disabled-until bookkeeping there generalizes
// to a per-asset designation-plus-expiry record here, under the same
// mutex-guarded struct style.
package coreasset

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Config configures designation capacity, thresholds, and review cadence.
type Config struct {
	MaxCoreAssets              int
	OverrideScoreThreshold     float64
	Expiry                     time.Duration
	UnderperformanceThreshold  float64
	UnderperformanceWindow     time.Duration
	ExtensionLimit             int
	PerformanceCheckFrequency  time.Duration
	InitialHealth              int // strikes before an extension/drop is triggered
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxCoreAssets:             3,
		OverrideScoreThreshold:    0.95,
		Expiry:                    90 * 24 * time.Hour,
		UnderperformanceThreshold: 0.15,
		UnderperformanceWindow:    30 * 24 * time.Hour,
		ExtensionLimit:            2,
		PerformanceCheckFrequency: 7 * 24 * time.Hour,
		InitialHealth:             2,
	}
}

// ReturnsProvider supplies the trailing-window return used to evaluate
// core-asset performance, and a reference return to compare against
// (e.g. a benchmark or the portfolio's own average).
type ReturnsProvider interface {
	TrailingReturn(asset types.Asset, window time.Duration, at types.Timestamp) (assetReturn, referenceReturn float64, err error)
}

// Registry tracks designations, bounded by MaxCoreAssets.
type Registry struct {
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	designed map[types.Asset]*types.CoreDesignation
}

// New creates an empty Registry.
func New(logger *zap.Logger, config Config) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.Named("coreasset"),
		config:   config,
		designed: make(map[types.Asset]*types.CoreDesignation),
	}
}

// IsCore reports whether asset currently holds a designation. An expired
// designation still counts until ExpireDue removes it.
func (r *Registry) IsCore(asset types.Asset) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.designed[asset]
	return ok
}

// OnScore promotes asset to core when score meets OverrideScoreThreshold
// and capacity remains; otherwise the observation is ignored. Already
// designated assets are left untouched (re-scoring does not reset the
// expiry clock).
func (r *Registry) OnScore(asset types.Asset, score float64, at types.Timestamp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.designed[asset]; ok {
		return false
	}
	if score < r.config.OverrideScoreThreshold {
		return false
	}
	if len(r.designed) >= r.config.MaxCoreAssets {
		r.logger.Debug("core-asset capacity reached, promotion skipped",
			zap.String("asset", string(asset)), zap.Int("capacity", r.config.MaxCoreAssets))
		return false
	}

	r.designed[asset] = &types.CoreDesignation{
		Asset:               asset,
		DesignatedAt:        at,
		ExpiresAt:           at.Add(r.config.Expiry),
		ExtensionsUsed:      0,
		PerformanceBaseline: score,
		Health:              r.config.InitialHealth,
		LastCheckedAt:       at,
	}
	r.logger.Info("asset promoted to core", zap.String("asset", string(asset)), zap.Float64("score", score))
	return true
}

// Designate administratively assigns a core designation, bypassing the
// score gate. Fails silently (returns false) if capacity is exhausted.
func (r *Registry) Designate(asset types.Asset, at types.Timestamp, baseline float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.designed[asset]; ok {
		return false
	}
	if len(r.designed) >= r.config.MaxCoreAssets {
		return false
	}
	r.designed[asset] = &types.CoreDesignation{
		Asset:               asset,
		DesignatedAt:        at,
		ExpiresAt:           at.Add(r.config.Expiry),
		PerformanceBaseline: baseline,
		Health:              r.config.InitialHealth,
		LastCheckedAt:       at,
	}
	return true
}

// PerformanceResult reports the outcome of one evaluate_performance pass
// over a single asset.
type PerformanceResult struct {
	Asset       types.Asset
	Shortfall   float64
	StruckOut   bool // health exhausted this check
	Extended    bool // an extension was consumed to avoid dropping
	Dropped     bool // designation removed
}

// EvaluatePerformance runs the trailing-window underperformance check
// against every currently designated asset whose next scheduled check is
// due. Assets whose DataProvider-backed return
// lookup fails are skipped with a reported error rather than dropped.
func (r *Registry) EvaluatePerformance(at types.Timestamp, returns ReturnsProvider) ([]PerformanceResult, map[types.Asset]error) {
	r.mu.Lock()
	due := make([]*types.CoreDesignation, 0, len(r.designed))
	for _, d := range r.designed {
		if at.Sub(d.LastCheckedAt) >= r.config.PerformanceCheckFrequency {
			due = append(due, d)
		}
	}
	r.mu.Unlock()

	var results []PerformanceResult
	skipped := make(map[types.Asset]error)

	for _, d := range due {
		assetReturn, refReturn, err := returns.TrailingReturn(d.Asset, r.config.UnderperformanceWindow, at)
		if err != nil {
			skipped[d.Asset] = err
			r.logger.Warn("performance check skipped: data provider error",
				zap.String("asset", string(d.Asset)), zap.Error(err))
			continue
		}

		shortfall := refReturn - assetReturn
		result := PerformanceResult{Asset: d.Asset, Shortfall: shortfall}

		r.mu.Lock()
		cur, ok := r.designed[d.Asset]
		if ok {
			cur.LastCheckedAt = at
			if shortfall >= r.config.UnderperformanceThreshold {
				cur.Health--
				if cur.Health <= 0 {
					result.StruckOut = true
					if cur.ExtensionsUsed < r.config.ExtensionLimit {
						cur.ExtensionsUsed++
						cur.Health = r.config.InitialHealth
						cur.ExpiresAt = at.Add(r.config.Expiry)
						result.Extended = true
					} else {
						delete(r.designed, d.Asset)
						result.Dropped = true
					}
				}
			}
		}
		r.mu.Unlock()

		results = append(results, result)
	}

	return results, skipped
}

// ExpireDue removes every designation whose ExpiresAt has passed,
// returning the assets dropped. Call once per rebalance.
func (r *Registry) ExpireDue(at types.Timestamp) []types.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []types.Asset
	for asset, d := range r.designed {
		if !at.Before(d.ExpiresAt) {
			dropped = append(dropped, asset)
			delete(r.designed, asset)
		}
	}
	return dropped
}

// CanClose reports whether asset may be closed or decreased at priority
// 1 of the protection hierarchy: core assets always deny close/decrease;
// open/increase are out of scope for this check (always pass here).
func (r *Registry) CanClose(asset types.Asset) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.designed[asset]; ok {
		return false, "core asset immunity: " + string(asset) + " is exempt from routine closure"
	}
	return true, ""
}

// Designation returns a copy of asset's CoreDesignation, if any.
func (r *Registry) Designation(asset types.Asset) (types.CoreDesignation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.designed[asset]
	if !ok {
		return types.CoreDesignation{}, false
	}
	return *d, true
}

// Count returns the number of currently active designations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.designed)
}

// Remaining returns the number of additional designations the registry
// can currently admit.
func (r *Registry) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.MaxCoreAssets - len(r.designed)
}

// Assets returns the currently designated assets, in no particular order.
func (r *Registry) Assets() []types.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Asset, 0, len(r.designed))
	for a := range r.designed {
		out = append(out, a)
	}
	return out
}
