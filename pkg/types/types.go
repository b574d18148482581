// Package types provides the shared data model for the rebalancing core:
// the vocabulary every component (event log, ledger, protection
// subsystems, rebalancer) speaks, plus the collaborator interfaces the
// core consumes at its boundary (scorer, regime detector, data provider,
// clock). Nothing in this package depends on any other internal package.
package types

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Timestamp is the single monotonic time type used everywhere inside the
// core. Conversions to/from wall-clock strings or dates happen only at
// interface boundaries (collaborator responses, API responses).
type Timestamp = time.Time

// Asset is an opaque, string-keyed tradable instrument identifier.
type Asset string

// Bucket is a category label grouping assets for diversification limits.
// An asset may belong to more than one bucket.
type Bucket string

// Score is produced by the external Scorer collaborator. CombinedScore is
// authoritative; Technical/Fundamental are informational only.
type Score struct {
	Asset         Asset
	CombinedScore float64 // [0,1]
	Technical     float64 // [0,1]
	Fundamental   float64 // [0,1]
	AsOf          Timestamp
}

// Position is a live holding owned exclusively by the Position Ledger.
type Position struct {
	Asset          Asset
	SizePct        decimal.Decimal // fraction of total portfolio value
	OpenedAt       Timestamp
	LastAdjustedAt Timestamp
	BucketTags     []Bucket
	IsCore         bool
}

// EventKind enumerates the lifecycle transitions a position can undergo.
type EventKind string

const (
	EventOpen   EventKind = "open"
	EventClose  EventKind = "close"
	EventAdjust EventKind = "adjust"
)

// PositionEvent is an append-only record in a per-asset, time-ordered
// sequence. EventID is unique and lexicographically sortable.
type PositionEvent struct {
	Asset     Asset
	Kind      EventKind
	At        Timestamp
	SizeAfter decimal.Decimal
	EventID   string
	Metadata  map[string]any
}

// Cycle pairs an open event with the next chronologically later close
// event for the same asset. Created implicitly, never mutated.
type Cycle struct {
	Asset    Asset
	Open     PositionEvent
	Close    PositionEvent
	Duration time.Duration
}

// GraceState tracks a single position through its decayed-closure
// schedule. At most one active GraceState exists per asset.
type GraceState struct {
	Asset        Asset
	StartedAt    Timestamp
	OriginalSize decimal.Decimal
	CurrentSize  decimal.Decimal
	DecayFactor  float64 // cumulative, in [min_decay, 1]
	EndsAt       Timestamp
	Reason       string
}

// CoreDesignation marks an asset as exempt from routine closure.
type CoreDesignation struct {
	Asset               Asset
	DesignatedAt        Timestamp
	ExpiresAt           Timestamp
	ExtensionsUsed      int
	PerformanceBaseline float64
	Health              int // remaining underperformance strikes before extension/drop
	LastCheckedAt       Timestamp
}

// Regime is a discrete macro-market label.
type Regime string

const (
	RegimeGoldilocks Regime = "goldilocks"
	RegimeReflation  Regime = "reflation"
	RegimeInflation  Regime = "inflation"
	RegimeDeflation  Regime = "deflation"
	RegimeUnknown    Regime = "unknown"
)

// Severity is a totally ordered classification of a regime transition.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Compare reports whether s meets or exceeds threshold.
func (s Severity) Compare(threshold Severity) bool {
	return s >= threshold
}

// ParseSeverity parses the configuration-facing string form used by
// Config.RegimeSeverityThreshold ("normal", "high", "critical").
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	default:
		return SeverityNormal
	}
}

// RegimeState is the current aggregated market regime.
type RegimeState struct {
	Regime             Regime
	Confidence         float64 // [0,1]
	Stability          float64 // [0,1]
	DetectedAt         Timestamp
	Duration           time.Duration
	PerTimeframeScores map[string]float64
}

// RegimeTransition is emitted when consecutive validated RegimeStates
// differ and pass confidence validation.
type RegimeTransition struct {
	From              Regime
	To                Regime
	At                Timestamp
	Severity          Severity
	Confidence        float64
	TriggerIndicators []string
}

// RegimeContext is the point-in-time view the Regime Context Provider
// hands to C5/C7: the last validated state plus the most recent
// validated transition, if any. A transition does not expire; it stays
// in place until a later validated transition replaces it.
type RegimeContext struct {
	State      RegimeState
	Transition *RegimeTransition
}

// Priority labels the origin of a rebalancing decision.
type Priority string

const (
	PriorityCore      Priority = "core"
	PriorityRegime    Priority = "regime"
	PriorityTrending  Priority = "trending"
	PriorityPortfolio Priority = "portfolio"
)

// rank returns a lower number for higher priority, for deterministic
// ordering and truncation.
func (p Priority) rank() int {
	switch p {
	case PriorityCore:
		return 0
	case PriorityRegime:
		return 1
	case PriorityTrending:
		return 2
	default:
		return 3
	}
}

// Less reports whether p outranks other (p should be kept before other
// when budget-truncating).
func (p Priority) Less(other Priority) bool {
	return p.rank() < other.rank()
}

// Action is the instruction a rebalancing target carries.
type Action string

const (
	ActionOpen     Action = "open"
	ActionClose    Action = "close"
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionHold     Action = "hold"
)

// RebalancingTarget is a per-asset instruction produced by the
// rebalancer, not yet validated by the protection orchestrator.
type RebalancingTarget struct {
	Asset      Asset
	Action     Action
	TargetPct  decimal.Decimal
	CurrentPct decimal.Decimal
	Score      float64
	Priority   Priority
	Reason     string
}

// SystemResult is one protection subsystem's verdict on a target.
type SystemResult struct {
	System   string
	Blocked  bool
	Reason   string
	Priority int
}

// ProtectionDecision is the Protection Orchestrator's verdict on a
// single RebalancingTarget.
type ProtectionDecision struct {
	Approved         bool
	BlockingSystems  []string
	OverrideApplied  bool
	OverrideReason   string
	PerSystemResults []SystemResult
	DecidedInMS      float64
}

// OverrideRecord is a granted regime-override entry: a typed,
// per-asset/system audit record rather than a loosely nested dict.
type OverrideRecord struct {
	Asset     Asset
	System    string
	GrantedAt Timestamp
	ExpiresAt Timestamp
	Reason    string
}

// EventCategory partitions the append-only event stream for indexing.
type EventCategory string

const (
	CategoryPortfolio  EventCategory = "portfolio"
	CategoryProtection EventCategory = "protection"
	CategoryRegime     EventCategory = "regime"
	CategoryRebalance  EventCategory = "rebalance"
	CategoryError      EventCategory = "error"
)

// Event is a single append-only record observed by C1. Asset and Action
// are pointers because many event types (regime, rebalance-complete) are
// not scoped to a single asset or action.
type Event struct {
	ID        string
	Category  EventCategory
	Type      string
	At        Timestamp
	Asset     *Asset
	SessionID string
	TraceID   string
	Action    *Action
	Reason    string
	Payload   map[string]any
}

// Bar is an OHLCV observation, used by performance checks on core assets.
type Bar struct {
	At     Timestamp
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Scorer produces a normalized score for an asset. Pure; holds no state
// the core can observe.
type Scorer interface {
	Score(ctx context.Context, asset Asset, at Timestamp) (Score, error)
}

// DataProvider supplies historical price series, used by core-asset
// performance checks. May fail; a failure skips the check with a
// warning event rather than aborting the rebalance.
type DataProvider interface {
	Prices(ctx context.Context, asset Asset, timeframe string, from, to Timestamp) ([]Bar, error)
}

// RegimeDetector classifies the current macro regime. Required;
// unavailability is fatal for the current rebalance.
type RegimeDetector interface {
	Current(ctx context.Context, at Timestamp) (RegimeState, error)
}

// Clock supplies the current time, injectable for deterministic tests.
type Clock interface {
	Now() Timestamp
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() Timestamp { return time.Now() }
