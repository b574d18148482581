// Package protection implements the Protection Orchestrator (C7): the
// priority-ordered decision hierarchy that resolves a single
// RebalancingTarget into a ProtectionDecision by consulting the
// Core-Asset Registry, Grace-Period Manager, Holding-Period Manager,
// and Whipsaw Tracker in strict priority order, with regime-override
// authority selectively bypassing priorities 3-5.
//
// Grounded on internal/orchestrator/orchestrator.go (a central
// coordinator constructed with every subsystem it wires, exposing one
// coordinating entry point) and on
// protection_orchestrator_example.py's MockProtectionOrchestrator
// (priority_hierarchy dict, decision_hierarchy/blocking_systems naming,
// protection_decision_start/complete event pairing) and
// whipsaw_regime_integration.py's RegimeOverrideManager (per-asset
// override cooldown, emergency-condition authority).
package protection

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/internal/coreasset"
	"github.com/regimeguard/rebalance-core/internal/grace"
	"github.com/regimeguard/rebalance-core/internal/holding"
	"github.com/regimeguard/rebalance-core/internal/whipsaw"
	"github.com/regimeguard/rebalance-core/pkg/types"
)

// EventSink is the subset of eventlog.Log the orchestrator writes
// through. Narrowed to an interface so it can be constructed without an
// import cycle and faked in tests.
type EventSink interface {
	Append(types.Event) (string, error)
}

// Config configures the regime-override authority table and the
// per-asset/system override cooldown shared by grace and whipsaw
// overrides (holding-period overrides carry their own cooldown, set on
// the holding.Manager directly).
type Config struct {
	EnableRegimeOverrides   bool
	EnableWhipsaw           bool          // false skips priority 5 (whipsaw) entirely
	GraceConfidenceOverride float64       // regime confidence below this authorizes a grace override
	OverrideCooldown        time.Duration // default 24h
	MetricsNamespace        string
}

// DefaultConfig returns the documented priority-hierarchy defaults.
func DefaultConfig() Config {
	return Config{
		EnableRegimeOverrides:   true,
		EnableWhipsaw:           true,
		GraceConfidenceOverride: 0.4,
		OverrideCooldown:        24 * time.Hour,
		MetricsNamespace:        "rebalance_core",
	}
}

// Request bundles everything Decide needs to evaluate one target.
type Request struct {
	Target    types.RebalancingTarget
	OpenedAt  types.Timestamp // live position's open time; zero if none exists
	SessionID string
	Now       types.Timestamp
	Emergency bool // caller-signaled emergency condition, whipsaw override authority
}

type overrideKey struct {
	asset  types.Asset
	system string
}

// Orchestrator resolves per-target protection decisions by consulting
// C3-C6 in priority order and applying regime override authority.
type Orchestrator struct {
	logger *zap.Logger
	config Config

	core    *coreasset.Registry
	gracePM *grace.Manager
	holdPM  *holding.Manager
	whipPM  *whipsaw.Tracker

	regime func() types.RegimeContext
	events EventSink

	mu             sync.Mutex
	lastOverride   map[overrideKey]types.Timestamp
	overrideLog    []types.OverrideRecord
	decisionCount  int
	approvedCount  int
	deniedCount    int
	overrideCount  int
	perAssetDenies map[types.Asset]int

	decisionLatency prometheus.Histogram
	deniedCounter   prometheus.Counter
	overrideCounter prometheus.Counter
}

// New constructs an Orchestrator wired to its four protection
// subsystems, a regime-context accessor, and the event sink every
// decision is logged to.
func New(
	logger *zap.Logger,
	config Config,
	core *coreasset.Registry,
	gracePM *grace.Manager,
	holdPM *holding.Manager,
	whipPM *whipsaw.Tracker,
	regime func() types.RegimeContext,
	events EventSink,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		logger:         logger.Named("protection"),
		config:         config,
		core:           core,
		gracePM:        gracePM,
		holdPM:         holdPM,
		whipPM:         whipPM,
		regime:         regime,
		events:         events,
		lastOverride:   make(map[overrideKey]types.Timestamp),
		perAssetDenies: make(map[types.Asset]int),
	}
	o.decisionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.MetricsNamespace,
		Subsystem: "protection",
		Name:      "decision_latency_ms",
		Help:      "Latency of protection decisions in milliseconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50},
	})
	o.deniedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.MetricsNamespace,
		Subsystem: "protection",
		Name:      "denied_decisions_total",
		Help:      "Number of denied protection decisions.",
	})
	o.overrideCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.MetricsNamespace,
		Subsystem: "protection",
		Name:      "override_decisions_total",
		Help:      "Number of decisions approved via regime override.",
	})
	return o
}

// Collectors exposes the orchestrator's Prometheus collectors.
func (o *Orchestrator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{o.decisionLatency, o.deniedCounter, o.overrideCounter}
}

// Decide resolves req.Target into a ProtectionDecision, consulting C6
// (priority 1, absolute), then C4/C5/C3 (priorities 3-5, independently
// evaluated, each eligible for a regime override per the authority
// table). It emits exactly one protection_decision_start and one
// protection_decision_complete (or error) event sharing a trace_id; the
// complete event carries the measured decided_in_ms.
func (o *Orchestrator) Decide(req Request) types.ProtectionDecision {
	traceID := uuid.NewString()
	start := time.Now()
	asset := req.Target.Asset
	action := req.Target.Action

	o.emit(types.Event{
		Category:  types.CategoryProtection,
		Type:      "protection_decision_start",
		At:        req.Now,
		Asset:     &asset,
		SessionID: req.SessionID,
		TraceID:   traceID,
		Action:    &action,
		Reason:    "protection decision requested",
	})

	decision := o.decide(req)
	decision.DecidedInMS = float64(time.Since(start).Microseconds()) / 1000.0

	o.recordStats(asset, decision)
	o.decisionLatency.Observe(decision.DecidedInMS)
	if !decision.Approved {
		o.deniedCounter.Inc()
	}
	if decision.OverrideApplied {
		o.overrideCounter.Inc()
	}

	o.emit(types.Event{
		Category:  types.CategoryProtection,
		Type:      "protection_decision_complete",
		At:        req.Now,
		Asset:     &asset,
		SessionID: req.SessionID,
		TraceID:   traceID,
		Action:    &action,
		Reason:    reasonSummary(decision),
		Payload: map[string]any{
			"approved":         decision.Approved,
			"blocking_systems": decision.BlockingSystems,
			"override_applied": decision.OverrideApplied,
			"decided_in_ms":    decision.DecidedInMS,
		},
	})

	return decision
}

func (o *Orchestrator) decide(req Request) types.ProtectionDecision {
	target := req.Target

	if target.Action == types.ActionHold {
		return types.ProtectionDecision{Approved: true}
	}

	var results []types.SystemResult

	// Priority 1: Core-Asset Immunity. Absolute; never overridden, never
	// short-circuited by an error elsewhere.
	if target.Action == types.ActionClose || target.Action == types.ActionDecrease {
		blocked, reason, errored := o.safeCoreCheck(target.Asset)
		results = append(results, types.SystemResult{
			System: "core_asset_immunity", Blocked: blocked, Reason: reason, Priority: 1,
		})
		if errored {
			return o.errorDecision("core_asset_immunity", results)
		}
		if blocked {
			return types.ProtectionDecision{
				Approved:          false,
				BlockingSystems:   []string{"core_asset_immunity"},
				PerSystemResults:  results,
			}
		}
	} else {
		results = append(results, types.SystemResult{
			System: "core_asset_immunity", Blocked: false, Reason: "not applicable to this action", Priority: 1,
		})
	}

	regimeCtx := o.regime()

	graceBlocked, graceReason, graceErr := o.checkGrace(target, req.Now)
	results = append(results, types.SystemResult{System: "grace_period", Blocked: graceBlocked, Reason: graceReason, Priority: 3})

	holdBlocked, holdReason, holdOverridden, holdErr := o.checkHolding(req, regimeCtx)
	results = append(results, types.SystemResult{System: "holding_period", Blocked: holdBlocked, Reason: holdReason, Priority: 4})

	var whipBlocked, whipErr bool
	whipReason := "whipsaw protection disabled"
	if o.config.EnableWhipsaw {
		whipBlocked, whipReason, whipErr = o.checkWhipsaw(req)
	}
	results = append(results, types.SystemResult{System: "whipsaw_protection", Blocked: whipBlocked, Reason: whipReason, Priority: 5})

	if graceErr || holdErr || whipErr {
		errored := firstErrored(graceErr, "grace_period", holdErr, "holding_period", whipErr, "whipsaw_protection")
		return o.errorDecision(errored, results)
	}

	var remaining []string
	overrideApplied := false
	overrideReason := ""

	if graceBlocked {
		if o.config.EnableRegimeOverrides && o.authorizeGraceOverride(target.Asset, req.Now, regimeCtx) {
			overrideApplied = true
			overrideReason = "regime override: grace period bypassed (" + overrideRegimeDescription(regimeCtx) + ")"
		} else {
			remaining = append(remaining, "grace_period")
		}
	}

	if holdOverridden {
		overrideApplied = true
		if overrideReason == "" {
			overrideReason = "regime override: holding period bypassed (" + overrideRegimeDescription(regimeCtx) + ")"
		}
	} else if holdBlocked {
		remaining = append(remaining, "holding_period")
	}

	if whipBlocked {
		if o.config.EnableRegimeOverrides && o.authorizeWhipsawOverride(target.Asset, req.Now, regimeCtx, req.Emergency) {
			overrideApplied = true
			if overrideReason == "" {
				overrideReason = "regime override: whipsaw protection bypassed (" + overrideRegimeDescription(regimeCtx) + ")"
			}
		} else {
			remaining = append(remaining, "whipsaw_protection")
		}
	}

	if len(remaining) > 0 {
		return types.ProtectionDecision{
			Approved:          false,
			BlockingSystems:   remaining,
			OverrideApplied:   false,
			PerSystemResults:  results,
		}
	}

	return types.ProtectionDecision{
		Approved:          true,
		BlockingSystems:   nil,
		OverrideApplied:   overrideApplied,
		OverrideReason:    overrideReason,
		PerSystemResults:  results,
	}
}

// safeCoreCheck wraps the core-asset check with panic recovery, per
// the protection-check error policy (defaults to deny,
// never open-approves on error).
func (o *Orchestrator) safeCoreCheck(asset types.Asset) (blocked bool, reason string, errored bool) {
	defer func() {
		if r := recover(); r != nil {
			blocked, reason, errored = true, "protection check error: core_asset_immunity panicked", true
		}
	}()
	allowed, denyReason := o.core.CanClose(asset)
	return !allowed, denyReason, false
}

func (o *Orchestrator) checkGrace(target types.RebalancingTarget, now types.Timestamp) (blocked bool, reason string, errored bool) {
	defer func() {
		if r := recover(); r != nil {
			blocked, reason, errored = true, "protection check error: grace_period panicked", true
		}
	}()
	state, active := o.gracePM.State(target.Asset)
	if !active {
		return false, "no active grace period", false
	}
	// A grace-period close only arrives at the manager's own expiry
	// tick; any manually requested close/increase/decrease disturbs the
	// decayed trajectory and is blocked here.
	if target.Action == types.ActionClose && !now.Before(state.EndsAt) {
		return false, "grace period expired: close proceeds", false
	}
	switch target.Action {
	case types.ActionClose, types.ActionIncrease, types.ActionDecrease:
		return true, "grace period active: would disturb decayed trajectory", false
	default:
		return false, "grace period active but action does not disturb decay", false
	}
}

func (o *Orchestrator) checkHolding(req Request, regimeCtx types.RegimeContext) (blocked bool, reason string, overridden bool, errored bool) {
	defer func() {
		if r := recover(); r != nil {
			blocked, reason, overridden, errored = true, "protection check error: holding_period panicked", false, true
		}
	}()
	if req.Target.Action != types.ActionClose {
		return false, "not applicable to this action", false, false
	}
	if req.OpenedAt.IsZero() {
		return false, "no live position to evaluate", false, false
	}
	allowed, holdReason := o.holdPM.CanClose(req.Target.Asset, req.OpenedAt, req.Now, regimeCtx)
	if allowed {
		return false, holdReason, holdReason == "holding period overridden by regime transition", false
	}
	return true, holdReason, false, false
}

func (o *Orchestrator) checkWhipsaw(req Request) (blocked bool, reason string, errored bool) {
	defer func() {
		if r := recover(); r != nil {
			blocked, reason, errored = true, "protection check error: whipsaw_protection panicked", true
		}
	}()
	switch req.Target.Action {
	case types.ActionOpen:
		allowed, denyReason := o.whipPM.CanOpen(req.Target.Asset, req.Now)
		return !allowed, denyReason, false
	case types.ActionClose:
		if req.OpenedAt.IsZero() {
			return false, "no live position to evaluate", false
		}
		allowed, denyReason := o.whipPM.CanClose(req.Target.Asset, req.OpenedAt, req.Now)
		return !allowed, denyReason, false
	default:
		return false, "not applicable to this action", false
	}
}

// authorizeGraceOverride applies the grace-period authority row:
// severity >= high OR regime confidence < configured threshold, subject
// to the shared 24h per-asset/system override cooldown.
func (o *Orchestrator) authorizeGraceOverride(asset types.Asset, at types.Timestamp, regimeCtx types.RegimeContext) bool {
	authorized := false
	if regimeCtx.Transition != nil && regimeCtx.Transition.Severity.Compare(types.SeverityHigh) {
		authorized = true
	}
	if regimeCtx.State.Confidence > 0 && regimeCtx.State.Confidence < o.config.GraceConfidenceOverride {
		authorized = true
	}
	if !authorized {
		return false
	}
	return o.grantOverride(asset, "grace_period", at, overrideRegimeDescription(regimeCtx))
}

// authorizeWhipsawOverride applies the whipsaw authority row: severity
// critical OR caller-signaled emergency, subject to the shared cooldown.
func (o *Orchestrator) authorizeWhipsawOverride(asset types.Asset, at types.Timestamp, regimeCtx types.RegimeContext, emergency bool) bool {
	authorized := emergency
	if regimeCtx.Transition != nil && regimeCtx.Transition.Severity == types.SeverityCritical {
		authorized = true
	}
	if !authorized {
		return false
	}
	return o.grantOverride(asset, "whipsaw_protection", at, overrideRegimeDescription(regimeCtx))
}

// grantOverride enforces the shared per-asset/system 24h cooldown and
// records the grant if not already cooling down.
func (o *Orchestrator) grantOverride(asset types.Asset, system string, at types.Timestamp, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := overrideKey{asset: asset, system: system}
	if last, ok := o.lastOverride[key]; ok && at.Sub(last) < o.config.OverrideCooldown {
		return false
	}
	o.lastOverride[key] = at
	o.overrideLog = append(o.overrideLog, types.OverrideRecord{
		Asset: asset, System: system, GrantedAt: at, ExpiresAt: at.Add(o.config.OverrideCooldown), Reason: reason,
	})
	return true
}

func (o *Orchestrator) errorDecision(system string, results []types.SystemResult) types.ProtectionDecision {
	o.emit(types.Event{
		Category: types.CategoryError,
		Type:     "protection_check_error",
		Reason:   "protection check error defaulted to deny: " + system,
	})
	return types.ProtectionDecision{
		Approved:          false,
		BlockingSystems:   []string{"error"},
		PerSystemResults:  results,
	}
}

func (o *Orchestrator) recordStats(asset types.Asset, decision types.ProtectionDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisionCount++
	if decision.Approved {
		o.approvedCount++
	} else {
		o.deniedCount++
		o.perAssetDenies[asset]++
	}
	if decision.OverrideApplied {
		o.overrideCount++
	}
}

func (o *Orchestrator) emit(event types.Event) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Append(event); err != nil {
		o.logger.Error("event log append failed", zap.Error(err))
	}
}

func reasonSummary(decision types.ProtectionDecision) string {
	if decision.Approved {
		if decision.OverrideApplied {
			return "approved via regime override"
		}
		return "approved"
	}
	summary := "denied"
	for i, system := range decision.BlockingSystems {
		if i == 0 {
			summary += ": " + system
		} else {
			summary += ", " + system
		}
	}
	return summary
}

func overrideRegimeDescription(ctx types.RegimeContext) string {
	if ctx.Transition == nil {
		return "caller-signaled emergency"
	}
	return string(ctx.Transition.Severity.String()) + " regime transition"
}

func firstErrored(a bool, an string, b bool, bn string, c bool, cn string) string {
	if a {
		return an
	}
	if b {
		return bn
	}
	if c {
		return cn
	}
	return ""
}

// EffectivenessReport summarizes protection decisions over the
// orchestrator's lifetime, grounded on
// BasicWhipsawMetrics.get_protection_effectiveness /
// get_top_protected_assets from the original.
type EffectivenessReport struct {
	DecisionsProcessed int
	Approved           int
	Denied             int
	OverrodeCount      int
	ProtectionRate     float64 // denied / processed
	OverrideRate       float64 // overridden / processed
	TopProtectedAssets []AssetDenialCount
}

// AssetDenialCount pairs an asset with its denial count for the
// effectiveness report's leaderboard.
type AssetDenialCount struct {
	Asset types.Asset
	Count int
}

// Effectiveness returns the current protection-effectiveness snapshot.
// It takes no window: the orchestrator keeps only lifetime counters
// in-process; a bounded window is available from the event log.
func (o *Orchestrator) Effectiveness() EffectivenessReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := EffectivenessReport{
		DecisionsProcessed: o.decisionCount,
		Approved:           o.approvedCount,
		Denied:             o.deniedCount,
		OverrodeCount:      o.overrideCount,
	}
	if o.decisionCount > 0 {
		report.ProtectionRate = float64(o.deniedCount) / float64(o.decisionCount)
		report.OverrideRate = float64(o.overrideCount) / float64(o.decisionCount)
	}

	for asset, count := range o.perAssetDenies {
		report.TopProtectedAssets = append(report.TopProtectedAssets, AssetDenialCount{Asset: asset, Count: count})
	}
	sort.Slice(report.TopProtectedAssets, func(i, j int) bool {
		return report.TopProtectedAssets[i].Count > report.TopProtectedAssets[j].Count
	})
	return report
}

// Overrides returns a copy of the granted-override audit trail, per
// SPEC_FULL.md D.1.
func (o *Orchestrator) Overrides() []types.OverrideRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.OverrideRecord, len(o.overrideLog))
	copy(out, o.overrideLog)
	return out
}
