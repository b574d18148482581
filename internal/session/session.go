// Package session implements the Protection-Aware Rebalancer (C10): the
// single-threaded-per-session entry point that runs the Rebalancer
// Engine's targets through the Protection Orchestrator, reconciles
// denials, re-checks the total-allocation invariant, and records the
// live-position updates through the Position Ledger and Whipsaw
// Tracker.
//
// Grounded on internal/orchestrator/orchestrator.go's
// TradingOrchestrator: a single struct constructed with every
// subsystem it coordinates, exposing one top-level call
// (here Rebalance) that drives the whole pipeline and returns a summary
// result.
package session

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/internal/coreasset"
	"github.com/regimeguard/rebalance-core/internal/grace"
	"github.com/regimeguard/rebalance-core/internal/ledger"
	"github.com/regimeguard/rebalance-core/internal/protection"
	"github.com/regimeguard/rebalance-core/internal/rebalancer"
	"github.com/regimeguard/rebalance-core/internal/regimectx"
	"github.com/regimeguard/rebalance-core/internal/whipsaw"
	"github.com/regimeguard/rebalance-core/pkg/types"
)

// EventSink is the subset of eventlog.Log the session writes through.
type EventSink interface {
	Append(types.Event) (string, error)
}

// Session wires C9's Rebalancer Engine through C7's Protection
// Orchestrator, against the canonical Ledger, for one portfolio. Not
// safe for concurrent Rebalance calls on the same Session: one
// rebalance pass per portfolio runs to completion before the next may
// start.
type Session struct {
	logger *zap.Logger
	config types.Config

	engine  *rebalancer.Engine
	orch    *protection.Orchestrator
	led     *ledger.Ledger
	whipPM  *whipsaw.Tracker
	gracePM *grace.Manager
	core    *coreasset.Registry
	regime  *regimectx.Provider
	events  EventSink
}

// New constructs a Session from its collaborators.
func New(
	logger *zap.Logger,
	config types.Config,
	engine *rebalancer.Engine,
	orch *protection.Orchestrator,
	led *ledger.Ledger,
	whipPM *whipsaw.Tracker,
	gracePM *grace.Manager,
	core *coreasset.Registry,
	regime *regimectx.Provider,
	events EventSink,
) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		logger: logger.Named("session"), config: config,
		engine: engine, orch: orch, led: led, whipPM: whipPM,
		gracePM: gracePM, core: core, regime: regime, events: events,
	}
}

// Result summarizes the outcome of one Rebalance call.
type Result struct {
	SessionID        string
	At               types.Timestamp
	TargetsEvaluated int
	Approved         int
	Denied           int
}

// Rebalance runs one full rebalance pass for sessionID at `at`, against
// the supplied score snapshot and bucket membership: it computes
// targets, validates each through protection, reconciles denials, and
// applies approved targets to the ledger and whipsaw tracker.
func (s *Session) Rebalance(sessionID string, at types.Timestamp, scores []types.Score, buckets rebalancer.BucketMembership) (Result, error) {
	live := s.led.LivePositions()

	// Feed the latest score snapshot to C6 (core-asset promotion) and C4
	// (grace-period entry/recovery) before any lifecycle bookkeeping or
	// target generation runs, so both reflect this rebalance's scores
	// rather than last rebalance's.
	for _, score := range scores {
		if s.config.CoreAsset.Enable {
			s.core.OnScore(score.Asset, score.CombinedScore, at)
		}
		if pos, isLive := live[score.Asset]; isLive && s.config.Lifecycle.EnableGrace {
			s.gracePM.OnScore(score.Asset, pos.SizePct, score.CombinedScore, s.config.Portfolio.MinScoreThreshold, at)
		}
	}

	expiredCore := s.core.ExpireDue(at)
	for _, asset := range expiredCore {
		s.emit(types.Event{Category: types.CategoryPortfolio, Type: "core_designation_expired", At: at, Asset: assetPtr(asset), SessionID: sessionID})
	}

	graceExpired := s.gracePM.Tick(at)
	graceExpiredSet := make(map[types.Asset]bool, len(graceExpired))
	for _, a := range graceExpired {
		graceExpiredSet[a] = true
	}

	coreAssets := make(map[types.Asset]bool, s.core.Count())
	for _, a := range s.core.Assets() {
		coreAssets[a] = true
	}

	graceActive := make(map[types.Asset]bool, len(live))
	graceDecay := make(map[types.Asset]float64, len(live))
	for asset := range live {
		if s.gracePM.IsActive(asset) {
			graceActive[asset] = true
			graceDecay[asset] = s.gracePM.ActiveDecay(asset)
		}
	}

	regimeCtx := s.regime.Context()
	diversification := s.regime.DiversificationProjectionFor(at)
	sizingProjection := s.regime.SizingProjectionFor(nil, at)

	rawTargets := s.engine.Rebalance(rebalancer.Input{
		Scores:                    scores,
		LivePositions:             live,
		Buckets:                   buckets,
		RegimeContext:             regimeCtx,
		PreferredBucketsForRegime: diversification.PreferredBuckets,
		RiskScale:                 sizingProjection.RiskScale,
		CoreAssets:                coreAssets,
		GraceActive:               graceActive,
		GraceDecay:                graceDecay,
		At:                        at,
	})

	var errs error
	approved := make([]types.RebalancingTarget, 0, len(rawTargets))
	denied := make([]types.RebalancingTarget, 0)

	for _, target := range rawTargets {
		if graceExpiredSet[target.Asset] && target.Action != types.ActionClose {
			// A grace period that just expired forces a close regardless of
			// what the sizing pipeline otherwise computed.
			target.Action = types.ActionClose
			target.Reason = "grace period expired"
		}

		pos, isLive := live[target.Asset]
		var openedAt types.Timestamp
		if isLive {
			openedAt = pos.OpenedAt
		}

		decision := s.orch.Decide(protection.Request{
			Target:   target,
			OpenedAt: openedAt,
			SessionID: sessionID,
			Now:      at,
		})

		if decision.Approved {
			approved = append(approved, target)
			continue
		}

		reconciled, err := s.reconcile(target, decision, pos, isLive)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if reconciled.Action == types.ActionDecrease {
			// The smaller decrease goes back through protection; a second
			// denial leaves the position as it is.
			retry := s.orch.Decide(protection.Request{Target: reconciled, OpenedAt: openedAt, SessionID: sessionID, Now: at})
			if !retry.Approved {
				reconciled.Action = types.ActionHold
			}
		}
		if reconciled.Action != types.ActionHold {
			approved = append(approved, reconciled)
		} else {
			denied = append(denied, target)
		}
	}

	approved = s.enforceAllocationCap(approved, live)

	for _, target := range approved {
		if err := s.applyTarget(sessionID, at, target); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	result := Result{
		SessionID:        sessionID,
		At:               at,
		TargetsEvaluated: len(rawTargets),
		Approved:         len(approved),
		Denied:           len(denied),
	}

	s.emit(types.Event{
		Category: types.CategoryRebalance, Type: "rebalance_complete", At: at,
		SessionID: sessionID,
		Payload: map[string]any{
			"targets_evaluated": result.TargetsEvaluated,
			"approved":          result.Approved,
			"denied":            result.Denied,
		},
	})

	return result, errs
}

// reconcile turns a denied target into its fallback action: a denied
// close is reverted to a hold (the position stays open), a denied open
// is dropped entirely, a denied increase falls back to a hold, and a
// denied decrease is retried at half the requested delta, falling back
// to a hold if that delta is not meaningfully smaller. Rebalance sends
// the retried decrease through protection again before applying it.
func (s *Session) reconcile(target types.RebalancingTarget, decision types.ProtectionDecision, pos types.Position, isLive bool) (types.RebalancingTarget, error) {
	switch target.Action {
	case types.ActionClose:
		target.Action = types.ActionHold
		target.Reason = "close denied by protection: position remains open"
		return target, nil
	case types.ActionOpen:
		target.Action = types.ActionHold
		target.Reason = "open denied by protection: candidate dropped"
		return target, nil
	case types.ActionIncrease:
		target.Action = types.ActionHold
		target.Reason = "increase denied by protection"
		return target, nil
	case types.ActionDecrease:
		if !isLive {
			target.Action = types.ActionHold
			return target, nil
		}
		currentF, _ := pos.SizePct.Float64()
		targetF, _ := target.TargetPct.Float64()
		halfway := currentF - (currentF-targetF)/2
		if halfway >= currentF-0.0001 {
			target.Action = types.ActionHold
			target.Reason = "decrease denied by protection"
			return target, nil
		}
		target.TargetPct = decimal.NewFromFloat(halfway)
		target.Reason = "decrease denied by protection: retried at half the requested delta"
		return target, nil
	default:
		return target, nil
	}
}

// enforceAllocationCap re-checks the total-allocation invariant after
// reconciliation: if approved opens/increases push total live
// allocation over target_total_allocation, the newly approved entries
// (not existing holds) are scaled down proportionally until the
// invariant holds again.
func (s *Session) enforceAllocationCap(approved []types.RebalancingTarget, live map[types.Asset]types.Position) []types.RebalancingTarget {
	existingTotal := 0.0
	for asset, pos := range live {
		stillOpen := true
		for _, t := range approved {
			if t.Asset == asset && t.Action == types.ActionClose {
				stillOpen = false
			}
		}
		if stillOpen {
			f, _ := pos.SizePct.Float64()
			existingTotal += f
		}
	}

	newTotal := 0.0
	var newEntries []int
	for i, t := range approved {
		if t.Action == types.ActionOpen || t.Action == types.ActionIncrease {
			f, _ := t.TargetPct.Float64()
			newTotal += f
			newEntries = append(newEntries, i)
		}
	}

	cap := s.config.Portfolio.TargetTotalAllocation
	if existingTotal+newTotal <= cap || newTotal <= 0 {
		return approved
	}

	allowance := cap - existingTotal
	if allowance < 0 {
		allowance = 0
	}
	scale := allowance / newTotal

	sort.Ints(newEntries)
	for _, i := range newEntries {
		f, _ := approved[i].TargetPct.Float64()
		approved[i].TargetPct = decimal.NewFromFloat(f * scale)
	}
	return approved
}

// applyTarget records an approved target's effect on the ledger and
// whipsaw tracker.
func (s *Session) applyTarget(sessionID string, at types.Timestamp, target types.RebalancingTarget) error {
	if target.Action == types.ActionHold {
		return nil
	}

	kind := types.EventAdjust
	switch target.Action {
	case types.ActionOpen:
		kind = types.EventOpen
	case types.ActionClose:
		kind = types.EventClose
	}

	event := types.PositionEvent{
		Asset: target.Asset, Kind: kind, At: at,
		SizeAfter: target.TargetPct,
		Metadata:  map[string]any{"action": string(target.Action), "reason": target.Reason},
	}

	if err := s.led.RecordEvent(event); err != nil {
		return err
	}
	s.whipPM.OnEvent(event)

	if target.Action == types.ActionClose {
		s.gracePM.Close(target.Asset)
	}

	s.emit(types.Event{
		Category: types.CategoryPortfolio, Type: "target_applied", At: at,
		Asset: &target.Asset, SessionID: sessionID,
		Action: &target.Action, Reason: target.Reason,
	})
	return nil
}

func (s *Session) emit(event types.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(event); err != nil {
		s.logger.Error("event log append failed", zap.Error(err))
	}
}

func assetPtr(a types.Asset) *types.Asset { return &a }
