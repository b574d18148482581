// Package grace implements the Grace-Period Manager (C4): it softens
// the transition from "still a position" to "closed" when a score has
// degraded but not catastrophically, by decaying the position's size
// daily instead of closing it outright.
//
// Grounded on whipsaw_regime_integration.py's grace-state handling,
// rebuilt in the explicit-state-machine style of regime/detector.go (a
// currentState field transitioned under a mutex, with every transition
// driven by an exported method rather than by mutating fields directly).
package grace

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Config configures grace decay.
type Config struct {
	GracePeriod    time.Duration // default 5 days
	DecayRate      float64       // default 0.8 per day, in (0,1]
	MinDecayFactor float64       // default 0.1, floor on cumulative decay
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:    5 * 24 * time.Hour,
		DecayRate:      0.8,
		MinDecayFactor: 0.1,
	}
}

// Manager tracks at most one active GraceState per asset.
type Manager struct {
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	active   map[types.Asset]*types.GraceState
	lastTick map[types.Asset]types.Timestamp
}

// New creates an empty Manager.
func New(logger *zap.Logger, config Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("grace"),
		config:   config,
		active:   make(map[types.Asset]*types.GraceState),
		lastTick: make(map[types.Asset]types.Timestamp),
	}
}

// OnScore applies a score observation. If score is below minScoreThreshold
// and the asset has no active GraceState, one is created. If score meets
// or exceeds minScoreThreshold while in grace, the state is cleared and
// the position returns to normal lifecycle. When score crosses the
// threshold more than once within a single rebalance snapshot, the
// caller must pass only the final score (the snapshot's final value wins).
func (m *Manager) OnScore(asset types.Asset, currentSize decimal.Decimal, score float64, minScoreThreshold float64, at types.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, inGrace := m.active[asset]

	if score >= minScoreThreshold {
		if inGrace {
			delete(m.active, asset)
			delete(m.lastTick, asset)
			m.logger.Debug("grace cleared, score recovered",
				zap.String("asset", string(asset)), zap.Float64("score", score))
		}
		return
	}

	if !inGrace {
		m.active[asset] = &types.GraceState{
			Asset:        asset,
			StartedAt:    at,
			OriginalSize: currentSize,
			CurrentSize:  currentSize,
			DecayFactor:  1.0,
			EndsAt:       at.Add(m.config.GracePeriod),
			Reason:       "score_below_threshold",
		}
		m.lastTick[asset] = at
		m.logger.Info("grace period started",
			zap.String("asset", string(asset)), zap.Float64("score", score))
	}
}

// Tick applies proportional decay to every active GraceState based on
// elapsed time since its last tick, and returns the assets whose grace
// period has expired (at >= ends_at) so the caller can emit a
// close-request target at the next rebalance.
func (m *Manager) Tick(at types.Timestamp) []types.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []types.Asset
	for asset, state := range m.active {
		last := m.lastTick[asset]
		elapsedDays := at.Sub(last).Hours() / 24.0
		if elapsedDays > 0 {
			factor := math.Pow(m.config.DecayRate, elapsedDays)
			state.DecayFactor *= factor
			if state.DecayFactor < m.config.MinDecayFactor {
				state.DecayFactor = m.config.MinDecayFactor
			}
			state.CurrentSize = state.OriginalSize.Mul(decimal.NewFromFloat(state.DecayFactor))
			m.lastTick[asset] = at
		}

		if !at.Before(state.EndsAt) {
			expired = append(expired, asset)
		}
	}
	return expired
}

// ActiveDecay returns the current cumulative decay factor for asset, or
// 1.0 (no decay) if the asset has no active GraceState.
func (m *Manager) ActiveDecay(asset types.Asset) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.active[asset]; ok {
		return state.DecayFactor
	}
	return 1.0
}

// State returns a copy of asset's active GraceState, if any.
func (m *Manager) State(asset types.Asset) (types.GraceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.active[asset]
	if !ok {
		return types.GraceState{}, false
	}
	return *state, true
}

// IsActive reports whether asset currently has an active GraceState.
func (m *Manager) IsActive(asset types.Asset) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[asset]
	return ok
}

// Close removes asset's GraceState, e.g. once its close-request target
// has been executed by the caller.
func (m *Manager) Close(asset types.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, asset)
	delete(m.lastTick, asset)
}
