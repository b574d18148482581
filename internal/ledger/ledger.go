// Package ledger implements the Position Ledger (C2): the canonical,
// exclusively-owned store of live positions and their event histories.
// C3-C6 derive their lifecycle state from this package's event stream
// but must never mutate it directly.
//
// Grounded on internal/execution/risk_manager.go:
// a mutex-guarded struct whose derived state (there: symbolExposure,
// correlatedExposure) is recomputed incrementally as events arrive,
// rather than recomputed from scratch on every read.
package ledger

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Config configures ledger-wide invariants.
type Config struct {
	TargetTotalAllocation decimal.Decimal // default 0.95
}

// DefaultConfig returns the documented default.
func DefaultConfig() Config {
	return Config{TargetTotalAllocation: decimal.NewFromFloat(0.95)}
}

// TimeRange bounds a history/cycle query. Either bound may be zero to
// mean unbounded.
type TimeRange struct {
	From types.Timestamp
	To   types.Timestamp
}

func (r TimeRange) includes(at types.Timestamp) bool {
	if !r.From.IsZero() && at.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && at.After(r.To) {
		return false
	}
	return true
}

// Ledger is the exclusive owner of Positions and PositionEvents.
type Ledger struct {
	logger *zap.Logger
	config Config

	mu     sync.RWMutex
	events map[types.Asset][]types.PositionEvent
	live   map[types.Asset]types.Position
}

// New creates an empty Ledger.
func New(logger *zap.Logger, config Config) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger: logger.Named("ledger"),
		config: config,
		events: make(map[types.Asset][]types.PositionEvent),
		live:   make(map[types.Asset]types.Position),
	}
}

// RecordEvent appends a PositionEvent and updates the derived live
// position map. It fails if the event violates per-asset time ordering,
// creates an overlapping live position, or would breach the hard
// allocation cap.
func (l *Ledger) RecordEvent(event types.PositionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.events[event.Asset]
	if len(history) > 0 {
		last := history[len(history)-1]
		if !event.At.After(last.At) {
			return types.NewCoreError(types.ErrLedgerInvariantViolation,
				"event timestamp must be strictly after the asset's last event", nil)
		}
	}

	pos, isLive := l.live[event.Asset]

	switch event.Kind {
	case types.EventOpen:
		if isLive {
			return types.NewCoreError(types.ErrLedgerInvariantViolation,
				"cannot open "+string(event.Asset)+": a live position already exists", nil)
		}
		if err := l.checkAllocationCap(event.Asset, event.SizeAfter); err != nil {
			return err
		}
		l.live[event.Asset] = types.Position{
			Asset:          event.Asset,
			SizePct:        event.SizeAfter,
			OpenedAt:       event.At,
			LastAdjustedAt: event.At,
		}

	case types.EventAdjust:
		if !isLive {
			return types.NewCoreError(types.ErrLedgerInvariantViolation,
				"cannot adjust "+string(event.Asset)+": no live position", nil)
		}
		if err := l.checkAllocationCap(event.Asset, event.SizeAfter); err != nil {
			return err
		}
		pos.SizePct = event.SizeAfter
		pos.LastAdjustedAt = event.At
		l.live[event.Asset] = pos

	case types.EventClose:
		if !isLive {
			return types.NewCoreError(types.ErrLedgerInvariantViolation,
				"cannot close "+string(event.Asset)+": no live position", nil)
		}
		delete(l.live, event.Asset)
	}

	l.events[event.Asset] = append(history, event)
	return nil
}

// checkAllocationCap reports a LedgerInvariantViolation if setting
// asset's size to newSize would push total live allocation over the
// configured target (a hard cap). Must be called
// while l.mu is held.
func (l *Ledger) checkAllocationCap(asset types.Asset, newSize decimal.Decimal) error {
	total := decimal.Zero
	for a, p := range l.live {
		if a == asset {
			continue
		}
		total = total.Add(p.SizePct)
	}
	total = total.Add(newSize)

	eps := decimal.NewFromFloat(1e-9)
	if total.GreaterThan(l.config.TargetTotalAllocation.Add(eps)) {
		return types.NewCoreError(types.ErrLedgerInvariantViolation,
			"total live allocation would exceed target_total_allocation", nil)
	}
	return nil
}

// LivePositions returns a snapshot copy of every currently-live Position.
func (l *Ledger) LivePositions() map[types.Asset]types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.Asset]types.Position, len(l.live))
	for k, v := range l.live {
		out[k] = v
	}
	return out
}

// IsLive reports whether asset currently has a live position.
func (l *Ledger) IsLive(asset types.Asset) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.live[asset]
	return ok
}

// Position returns asset's live position, if any.
func (l *Ledger) Position(asset types.Asset) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.live[asset]
	return p, ok
}

// History returns asset's PositionEvents within window (zero-value
// TimeRange means unbounded), strictly time-ordered as stored.
func (l *Ledger) History(asset types.Asset, window TimeRange) []types.PositionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.events[asset]
	out := make([]types.PositionEvent, 0, len(src))
	for _, e := range src {
		if window.includes(e.At) {
			out = append(out, e)
		}
	}
	return out
}

// Cycles pairs open/close events for asset within window. An unmatched
// open (no subsequent close) is never counted as a cycle. A cycle is
// counted in window if its close event falls within window, inclusive
// of both ends.
func (l *Ledger) Cycles(asset types.Asset, window TimeRange) []types.Cycle {
	l.mu.RLock()
	history := append([]types.PositionEvent(nil), l.events[asset]...)
	l.mu.RUnlock()

	sort.Slice(history, func(i, j int) bool { return history[i].At.Before(history[j].At) })

	var cycles []types.Cycle
	var pendingOpen *types.PositionEvent
	for i := range history {
		e := history[i]
		switch e.Kind {
		case types.EventOpen:
			open := e
			pendingOpen = &open
		case types.EventClose:
			if pendingOpen == nil {
				continue // no matching open; not a cycle
			}
			if window.includes(e.At) {
				cycles = append(cycles, types.Cycle{
					Asset:    asset,
					Open:     *pendingOpen,
					Close:    e,
					Duration: e.At.Sub(pendingOpen.At),
				})
			}
			pendingOpen = nil
		}
	}
	return cycles
}

// TotalLiveAllocation returns the sum of size_pct across all live
// positions, for invariant checks by callers (testable property 4).
func (l *Ledger) TotalLiveAllocation() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, p := range l.live {
		total = total.Add(p.SizePct)
	}
	return total
}
