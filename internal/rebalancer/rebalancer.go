// Package rebalancer implements the Rebalancer Engine (C9): it turns a
// snapshot of scores and live positions into an unvalidated list of
// RebalancingTargets, applying eligibility filtering, priority
// labeling, position-budget truncation, one of three sizing modes,
// bucket diversification, and residual-capacity distribution, before
// deriving the open/close/increase/decrease/hold action for each
// asset.
//
// Grounded on internal/sizing/position_sizer.go
// (SizingConfig-driven, two-stage cap-then-normalize sizing, an
// Adjustments/LimitingFactor audit trail kept per decision) and
// internal/strategy/strategy.go's candidate-ranking idiom, generalized
// from Kelly-criterion dollar sizing to the three target-percentage
// sizing modes named below.
package rebalancer

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// BucketMembership supplies the bucket tags an asset belongs to, used
// for diversification limits. Positions already carry BucketTags; new
// candidates are looked up through this collaborator.
type BucketMembership interface {
	Buckets(asset types.Asset) []types.Bucket
}

// Input bundles everything one rebalance pass needs.
type Input struct {
	Scores         []types.Score
	LivePositions  map[types.Asset]types.Position
	Buckets        BucketMembership
	RegimeContext  types.RegimeContext
	PreferredBucketsForRegime []types.Bucket
	RiskScale      float64 // from regimectx.SizingProjectionFor; 1.0 if unavailable
	CoreAssets     map[types.Asset]bool
	GraceActive    map[types.Asset]bool    // assets currently under grace.Manager decay
	GraceDecay     map[types.Asset]float64 // cumulative decay factor per grace.Manager.ActiveDecay, 1.0 if absent
	At             types.Timestamp
}

// Engine computes unvalidated RebalancingTargets from a score snapshot.
type Engine struct {
	logger *zap.Logger
	config types.Config
}

// New creates an Engine bound to config.
func New(logger *zap.Logger, config types.Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("rebalancer"), config: config}
}

// candidate is an internal working record carrying everything the
// sizing/diversification stages need, before collapsing to the public
// RebalancingTarget shape.
type candidate struct {
	asset     types.Asset
	score     float64
	isLive    bool
	eligible  bool // false for a live position whose current score fell below the gate; sizes to zero, forcing a close
	inGrace   bool // below the gate but under grace.Manager decay instead of an immediate close
	decay     float64
	current   decimal.Decimal
	priority  types.Priority
	buckets   []types.Bucket
	targetPct float64
}

// Rebalance runs the full eligibility -> priority -> budget -> sizing
// -> diversification -> residual -> action pipeline and returns one
// RebalancingTarget per asset touched (new candidates and every live
// position, so closes are always represented).
func (e *Engine) Rebalance(in Input) []types.RebalancingTarget {
	eligible := e.filterEligible(in)
	e.labelPriority(eligible, in)
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].priority != eligible[j].priority {
			return eligible[i].priority.Less(eligible[j].priority)
		}
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		return eligible[i].asset < eligible[j].asset
	})

	truncated := e.applyBudget(eligible, in)
	e.sizePositions(truncated, in)
	e.applyBucketDiversification(truncated, in)
	e.distributeResidual(truncated, in)

	return e.deriveActions(truncated, in)
}

// filterEligible keeps live positions (always represented, to allow a
// close decision) plus scores meeting min_score_threshold.
func (e *Engine) filterEligible(in Input) []*candidate {
	var out []*candidate
	seen := make(map[types.Asset]bool)

	for _, s := range in.Scores {
		belowGate := s.CombinedScore < e.config.Portfolio.MinScoreThreshold
		inGrace := belowGate && in.GraceActive[s.Asset]
		if belowGate && !inGrace {
			continue
		}
		var buckets []types.Bucket
		if in.Buckets != nil {
			buckets = in.Buckets.Buckets(s.Asset)
		}
		pos, isLive := in.LivePositions[s.Asset]
		current := decimal.Zero
		if isLive {
			current = pos.SizePct
			buckets = pos.BucketTags
		}
		decay := 1.0
		if inGrace {
			if d, ok := in.GraceDecay[s.Asset]; ok {
				decay = d
			}
		}
		out = append(out, &candidate{
			asset: s.Asset, score: s.CombinedScore, isLive: isLive, eligible: true,
			inGrace: inGrace, decay: decay, current: current, buckets: buckets,
		})
		seen[s.Asset] = true
	}

	// Every live position must be represented even if its latest score
	// fell below the gate, since the pipeline is how a close decision
	// for a degraded position gets derived.
	for asset, pos := range in.LivePositions {
		if seen[asset] {
			continue
		}
		out = append(out, &candidate{
			asset: asset, score: 0, isLive: true, eligible: false,
			current: pos.SizePct, buckets: pos.BucketTags,
		})
	}
	return out
}

// labelPriority assigns each candidate its Priority label:
// core > regime > trending > portfolio.
func (e *Engine) labelPriority(cands []*candidate, in Input) {
	preferred := make(map[types.Bucket]bool, len(in.PreferredBucketsForRegime))
	for _, b := range in.PreferredBucketsForRegime {
		preferred[b] = true
	}

	for _, c := range cands {
		switch {
		case in.CoreAssets[c.asset]:
			c.priority = types.PriorityCore
		case inPreferredBucket(c.buckets, preferred):
			c.priority = types.PriorityRegime
		case c.score >= e.config.Portfolio.MinScoreNewPosition:
			c.priority = types.PriorityTrending
		default:
			c.priority = types.PriorityPortfolio
		}
	}
}

func inPreferredBucket(buckets []types.Bucket, preferred map[types.Bucket]bool) bool {
	for _, b := range buckets {
		if preferred[b] {
			return true
		}
	}
	return false
}

// applyBudget truncates the priority-sorted candidate list to
// max_total_positions, always keeping live positions (so a position
// over budget is closed rather than silently dropped from
// consideration) and limiting brand-new opens to
// max_new_positions_per_rebalance.
func (e *Engine) applyBudget(cands []*candidate, in Input) []*candidate {
	var kept []*candidate
	newCount := 0

	for _, c := range cands {
		if c.isLive {
			kept = append(kept, c)
			continue
		}
		if len(kept) >= e.config.Portfolio.MaxTotalPositions {
			continue
		}
		if newCount >= e.config.Portfolio.MaxNewPositionsPerRebalance {
			continue
		}
		kept = append(kept, c)
		newCount++
	}
	return kept
}

// sizePositions assigns targetPct per the configured sizing mode, then
// applies the two-stage cap-then-renormalize pass when EnableTwoStage
// is set.
func (e *Engine) sizePositions(cands []*candidate, in Input) {
	var active, grace []*candidate
	for _, c := range cands {
		switch {
		case !c.eligible:
			c.targetPct = 0 // no longer eligible: sizes to zero regardless of mode, forcing a close
		case c.inGrace:
			grace = append(grace, c)
		default:
			active = append(active, c)
		}
	}

	// Grace-active positions keep decaying toward zero at the rate
	// grace.Manager.Tick computed; they don't compete for allocation
	// under the normal sizing modes below, and the budget those modes
	// rebase onto is reduced by whatever the decay still holds.
	graceTotal := 0.0
	for _, c := range grace {
		currentF, _ := c.current.Float64()
		c.targetPct = currentF * c.decay
		graceTotal += c.targetPct
	}

	if len(active) == 0 {
		return
	}

	switch e.config.Sizing.Mode {
	case types.SizingEqualWeight:
		equal := 1.0 / float64(len(active))
		for _, c := range active {
			c.targetPct = equal
		}
	default: // SizingScoreWeighted and SizingAdaptive share the same raw
		// score-proportional distribution; adaptive differs only in how
		// the baseline budget it's rebased onto is scaled, below.
		totalScore := 0.0
		for _, c := range active {
			totalScore += c.score
		}
		for _, c := range active {
			if totalScore > 0 {
				c.targetPct = c.score / totalScore
			} else {
				c.targetPct = 1.0 / float64(len(active))
			}
		}
	}

	// The modes above produce shares summing to ~1.0. Rebase them onto
	// the actual allocation budget (target_total_allocation, itself
	// scaled down -- never up past the hard ceiling -- by the regime's
	// risk factor in adaptive mode) before capping, so stage (a)+(b)
	// below operates against the real budget rather than a unit sum.
	baseline := e.config.Portfolio.TargetTotalAllocation - graceTotal
	if baseline < 0 {
		baseline = 0
	}
	if e.config.Sizing.Mode == types.SizingAdaptive {
		scale := in.RiskScale
		if scale <= 0 || scale > 1.0 {
			scale = 1.0
		}
		baseline *= scale
	}
	rawTotal := 0.0
	for _, c := range active {
		rawTotal += c.targetPct
	}
	if rawTotal > 0 {
		factor := baseline / rawTotal
		for _, c := range active {
			c.targetPct *= factor
		}
	}

	max := e.config.Sizing.MaxSinglePosition
	if max <= 0 {
		max = e.config.Portfolio.MaxSinglePositionPct
	}

	if e.config.Sizing.EnableTwoStage {
		e.capAndRenormalize(active, max)
	} else {
		for _, c := range active {
			if c.targetPct > max {
				c.targetPct = max
			}
		}
	}

	for _, c := range active {
		if c.targetPct < e.config.Sizing.MinPositionSize && c.targetPct > 0 {
			c.targetPct = 0 // below the floor collapses to a hold/close, not a tiny open
		}
	}
}

// capAndRenormalize runs an "apply constraint, redistribute
// residual, repeat" loop until stable: cap every candidate at max, then
// proportionally scale up the uncapped remainder to recover the slack,
// iterating since scaling up can itself push a candidate over the cap.
func (e *Engine) capAndRenormalize(cands []*candidate, max float64) {
	for iter := 0; iter < len(cands)+1; iter++ {
		totalBefore := 0.0
		for _, c := range cands {
			totalBefore += c.targetPct
		}
		if totalBefore <= 0 {
			return
		}

		overflow := 0.0
		uncappedTotal := 0.0
		anyCapped := false
		for _, c := range cands {
			if c.targetPct > max {
				overflow += c.targetPct - max
				c.targetPct = max
				anyCapped = true
			} else {
				uncappedTotal += c.targetPct
			}
		}
		if !anyCapped || overflow <= 0 || uncappedTotal <= 0 {
			return
		}
		for _, c := range cands {
			if c.targetPct < max {
				c.targetPct += overflow * (c.targetPct / uncappedTotal)
			}
		}
	}
}

// applyBucketDiversification enforces max_positions_per_bucket and
// max_allocation_per_bucket, dropping (zeroing) lowest-scored excess
// candidates in a bucket unless allow_bucket_overflow permits an
// over-limit candidate through, restricted to core/regime priority per
// the resolved Open Question (SPEC_FULL.md section C.2).
func (e *Engine) applyBucketDiversification(cands []*candidate, in Input) {
	if !e.config.Bucket.Enable {
		return
	}

	byBucket := make(map[types.Bucket][]*candidate)
	for _, c := range cands {
		for _, b := range c.buckets {
			byBucket[b] = append(byBucket[b], c)
		}
	}

	for _, members := range byBucket {
		sort.Slice(members, func(i, j int) bool { return members[i].score > members[j].score })

		count := 0
		allocation := 0.0
		for _, c := range members {
			if c.targetPct <= 0 {
				continue
			}
			overLimit := e.config.Bucket.MaxPositionsPerBucket > 0 && count >= e.config.Bucket.MaxPositionsPerBucket
			overAllocation := allocation+c.targetPct > e.config.Bucket.MaxAllocationPerBucket

			if overLimit || overAllocation {
				canOverflow := e.config.Bucket.AllowBucketOverflow &&
					(c.priority == types.PriorityCore || c.priority == types.PriorityRegime)
				if !canOverflow {
					c.targetPct = 0
					continue
				}
			}
			count++
			allocation += c.targetPct
		}
	}
}

// distributeResidual allocates any remaining unallocated capacity (up
// to target_total_allocation) per the configured ResidualStrategy.
func (e *Engine) distributeResidual(cands []*candidate, in Input) {
	total := 0.0
	for _, c := range cands {
		total += c.targetPct
	}
	residual := e.config.Portfolio.TargetTotalAllocation - total
	if residual <= 0 || len(cands) == 0 {
		return
	}

	switch e.config.Sizing.ResidualStrategy {
	case types.ResidualSafeTopSlice:
		sorted := make([]*candidate, len(cands))
		copy(sorted, cands)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })
		max := e.config.Sizing.MaxResidualPerAsset
		for _, c := range sorted {
			if residual <= 0 {
				break
			}
			if c.targetPct <= 0 {
				continue // zero base size leaves no residual room
			}
			grant := residual
			if max > 0 && grant > max {
				grant = max
			}
			capLimit := c.targetPct * e.config.Sizing.MaxResidualMultiple
			if capLimit > 0 {
				room := capLimit - c.targetPct
				if grant > room {
					grant = room
				}
			}
			if grant <= 0 {
				continue
			}
			c.targetPct += grant
			residual -= grant
		}
	case types.ResidualProportional:
		if total <= 0 {
			return
		}
		for _, c := range cands {
			c.targetPct += residual * (c.targetPct / total)
		}
	case types.ResidualCashBucket:
		// Residual capacity is deliberately left unallocated (held as cash).
	}
}

// deriveActions compares each candidate's final targetPct against its
// current live size to produce the action:
// open (new, targetPct>0), close (live, targetPct==0), increase/decrease
// (live, size changed), hold (live, size effectively unchanged).
func (e *Engine) deriveActions(cands []*candidate, in Input) []types.RebalancingTarget {
	out := make([]types.RebalancingTarget, 0, len(cands))
	for _, c := range cands {
		target := types.RebalancingTarget{
			Asset:      c.asset,
			TargetPct:  decimal.NewFromFloat(c.targetPct),
			CurrentPct: c.current,
			Score:      c.score,
			Priority:   c.priority,
		}

		currentF, _ := c.current.Float64()
		const epsilon = 0.001

		switch {
		case !c.isLive && c.targetPct > 0:
			target.Action = types.ActionOpen
			target.Reason = "new candidate meets eligibility and sizing gates"
		case c.isLive && c.targetPct <= 0:
			target.Action = types.ActionClose
			target.Reason = "no longer eligible or sized out by diversification/budget"
		case c.isLive && c.targetPct > currentF+epsilon:
			target.Action = types.ActionIncrease
			target.Reason = "target size exceeds current size"
		case c.isLive && c.targetPct < currentF-epsilon:
			target.Action = types.ActionDecrease
			target.Reason = "target size below current size"
		default:
			target.Action = types.ActionHold
			target.Reason = "target size within tolerance of current size"
		}

		out = append(out, target)
	}
	return out
}
