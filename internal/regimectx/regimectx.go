// Package regimectx implements the Regime Context Provider (C8): it
// aggregates per-timeframe regime scores into a single RegimeState,
// detects validated transitions with severity classification, and
// serves cached, module-specific projections to C5/C7/C9.
//
// Regime classification itself is out of scope for this package; it
// consumes an externally supplied types.RegimeState per
// RegimeDetector.Current rather than computing one.
// Grounded on internal/regime/detector.go: its HMM
// forward-algorithm aggregation is kept as the *shape* of weighted
// per-timeframe combination (the weighted-sum-then-normalize loop in
// calculateStateProbabilities), redirected here to combine an externally
// supplied state's PerTimeframeScores rather than emitting a regime
// classification of its own; its stateHistory cache/trim pattern and
// GetStrategyAdjustments-style projection are kept as-is.
package regimectx

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Config configures timeframe weighting, transition validation
// thresholds, and projection cache TTL.
type Config struct {
	TimeframeWeights map[string]float64 // default {1d:0.5, 4h:0.3, 1h:0.2}
	MinConfidence    float64            // minimum confidence to validate a transition
	MomentumMargin   float64            // carried in the config; Validate does not consult it
	CacheTTL         time.Duration      // default 1h
	HistoryLimit     int                // bounded stateHistory, trimmed at 1000/500
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TimeframeWeights: map[string]float64{"1d": 0.5, "4h": 0.3, "1h": 0.2},
		MinConfidence:    0.6,
		MomentumMargin:   0.05,
		CacheTTL:         time.Hour,
		HistoryLimit:     1000,
	}
}

type cacheKey struct {
	asset string
	day   string
}

type cacheEntry struct {
	value    any
	cachedAt types.Timestamp
}

// Provider aggregates regime state, tracks validated transitions, and
// caches derived projections.
type Provider struct {
	logger *zap.Logger
	config Config

	mu               sync.Mutex
	lastValidated    *types.RegimeState
	lastTransition   *types.RegimeTransition
	stateHistory     []types.RegimeState
	transitionLog    []types.RegimeTransition
	projectionCache  map[cacheKey]cacheEntry
}

// New creates a Provider with no recorded state.
func New(logger *zap.Logger, config Config) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		logger:          logger.Named("regimectx"),
		config:          config,
		projectionCache: make(map[cacheKey]cacheEntry),
	}
}

// Aggregate scales raw.Confidence by the weighted mean of raw's
// PerTimeframeScores (timeframes without a configured weight count with
// weight 1.0) and sets Stability to the share of the last 20 recorded
// states carrying the same label, the way updateRegime assembles trend,
// volatility, and HMM state probabilities into one state.
func (p *Provider) Aggregate(raw types.RegimeState) types.RegimeState {
	p.mu.Lock()
	defer p.mu.Unlock()

	weighted := 0.0
	totalWeight := 0.0
	for tf, score := range raw.PerTimeframeScores {
		w, ok := p.config.TimeframeWeights[tf]
		if !ok {
			w = 1.0
		}
		weighted += w * score
		totalWeight += w
	}
	if totalWeight > 0 {
		raw.Confidence = clamp01(raw.Confidence * (weighted / totalWeight))
	}
	raw.Stability = p.stability(raw.Regime)

	p.stateHistory = append(p.stateHistory, raw)
	if len(p.stateHistory) > p.config.HistoryLimit {
		p.stateHistory = p.stateHistory[p.config.HistoryLimit/2:]
	}
	return raw
}

// stability computes the fraction of recent history sharing the current
// label (1 - label variance), over up to the last 20 observations. Must
// be called with p.mu held.
func (p *Provider) stability(current types.Regime) float64 {
	window := p.stateHistory
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	if len(window) == 0 {
		return 1.0
	}
	same := 0
	for _, s := range window {
		if s.Regime == current {
			same++
		}
	}
	return float64(same) / float64(len(window))
}

// Validate checks whether the newly aggregated state constitutes a
// validated RegimeTransition against the last validated state: the
// label must differ and confidence must meet MinConfidence.
// momentumScore and Config.MomentumMargin are not consulted: no score
// margin over the prior regime is checked. On success it classifies
// severity and records the transition,
// invalidating the projection cache. Returns nil when no transition is
// validated (the first-ever observation always returns nil and becomes
// the baseline).
func (p *Provider) Validate(state types.RegimeState, momentumScore float64) *types.RegimeTransition {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.lastValidated
	if prev == nil {
		p.lastValidated = &state
		return nil
	}

	if prev.Regime == state.Regime {
		p.lastValidated = &state
		return nil
	}
	if state.Confidence < p.config.MinConfidence {
		return nil
	}

	transition := &types.RegimeTransition{
		From:       prev.Regime,
		To:         state.Regime,
		At:         state.DetectedAt,
		Confidence: state.Confidence,
		Severity:   classifySeverity(prev.Regime, state.Regime, state.Confidence),
	}

	p.lastValidated = &state
	p.lastTransition = transition
	p.transitionLog = append(p.transitionLog, *transition)
	p.projectionCache = make(map[cacheKey]cacheEntry)

	p.logger.Info("regime transition validated",
		zap.String("from", string(transition.From)), zap.String("to", string(transition.To)),
		zap.String("severity", transition.Severity.String()))

	return transition
}

// opposingClasses pairs regimes treated as economically opposed for
// critical-severity classification.
var opposingClasses = map[types.Regime]types.Regime{
	types.RegimeGoldilocks: types.RegimeDeflation,
	types.RegimeDeflation:  types.RegimeGoldilocks,
	types.RegimeReflation:  types.RegimeInflation,
	types.RegimeInflation:  types.RegimeReflation,
}

func classifySeverity(from, to types.Regime, confidence float64) types.Severity {
	isCrossClass := from != to
	isOpposing := opposingClasses[from] == to

	switch {
	case confidence >= 0.85 && isOpposing:
		return types.SeverityCritical
	case confidence >= 0.70 && isCrossClass:
		return types.SeverityHigh
	default:
		return types.SeverityNormal
	}
}

// Context returns the point-in-time RegimeContext C5/C7 consult: the
// last state Validate recorded plus the most recent validated transition.
func (p *Provider) Context() types.RegimeContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := types.RegimeContext{}
	if p.lastValidated != nil {
		ctx.State = *p.lastValidated
	}
	ctx.Transition = p.lastTransition
	return ctx
}

// Transitions returns the validated transition history, in chronological
// order.
func (p *Provider) Transitions() []types.RegimeTransition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.RegimeTransition, len(p.transitionLog))
	copy(out, p.transitionLog)
	return out
}

// SizingProjection is the risk-scaling factor C9's sizing stage applies,
// cached per (asset-or-null, day) with TTL.
type SizingProjection struct {
	RiskScale float64
}

// SizingProjectionFor returns the risk-scaling factor for the sizing
// component, serving a cached value within TTL unless a transition has
// invalidated it.
func (p *Provider) SizingProjectionFor(asset *types.Asset, at types.Timestamp) SizingProjection {
	key := p.key(asset, at)

	p.mu.Lock()
	if entry, ok := p.projectionCache[key]; ok && at.Sub(entry.cachedAt) < p.config.CacheTTL {
		if proj, ok := entry.value.(SizingProjection); ok {
			p.mu.Unlock()
			return proj
		}
	}
	state := types.RegimeState{}
	if p.lastValidated != nil {
		state = *p.lastValidated
	}
	transition := p.lastTransition
	p.mu.Unlock()

	proj := SizingProjection{RiskScale: riskScaleFor(state, transition)}

	p.mu.Lock()
	p.projectionCache[key] = cacheEntry{value: proj, cachedAt: at}
	p.mu.Unlock()

	return proj
}

func riskScaleFor(state types.RegimeState, transition *types.RegimeTransition) float64 {
	scale := 1.0
	switch state.Regime {
	case types.RegimeGoldilocks:
		scale = 1.1
	case types.RegimeReflation:
		scale = 1.0
	case types.RegimeInflation:
		scale = 0.85
	case types.RegimeDeflation:
		scale = 0.6
	case types.RegimeUnknown:
		scale = 0.75
	}
	if transition != nil {
		switch transition.Severity {
		case types.SeverityCritical:
			scale *= 0.7
		case types.SeverityHigh:
			scale *= 0.85
		}
	}
	if state.Confidence < 0.7 {
		scale = 1 + (scale-1)*state.Confidence
	}
	return scale
}

// DiversificationProjection lists buckets the bucket-diversification
// stage should favor in the current regime.
type DiversificationProjection struct {
	PreferredBuckets []types.Bucket
}

// DiversificationProjectionFor returns cached preferred buckets for the
// diversification component.
func (p *Provider) DiversificationProjectionFor(at types.Timestamp) DiversificationProjection {
	key := p.key(nil, at)

	p.mu.Lock()
	if entry, ok := p.projectionCache[key]; ok && at.Sub(entry.cachedAt) < p.config.CacheTTL {
		if proj, ok := entry.value.(DiversificationProjection); ok {
			p.mu.Unlock()
			return proj
		}
	}
	state := types.RegimeState{}
	if p.lastValidated != nil {
		state = *p.lastValidated
	}
	p.mu.Unlock()

	proj := DiversificationProjection{PreferredBuckets: preferredBucketsFor(state.Regime)}

	p.mu.Lock()
	p.projectionCache[key] = cacheEntry{value: proj, cachedAt: at}
	p.mu.Unlock()

	return proj
}

func preferredBucketsFor(regime types.Regime) []types.Bucket {
	switch regime {
	case types.RegimeGoldilocks:
		return []types.Bucket{"risk_on_equities", "growth"}
	case types.RegimeReflation:
		return []types.Bucket{"cyclicals", "commodities"}
	case types.RegimeInflation:
		return []types.Bucket{"commodities", "real_assets"}
	case types.RegimeDeflation:
		return []types.Bucket{"defensives", "bonds"}
	default:
		return nil
	}
}

func (p *Provider) key(asset *types.Asset, at types.Timestamp) cacheKey {
	a := ""
	if asset != nil {
		a = string(*asset)
	}
	return cacheKey{asset: a, day: at.UTC().Format("2006-01-02")}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
