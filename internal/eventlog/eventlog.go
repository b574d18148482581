// Package eventlog implements the append-only, indexed event log (C1).
// Every decision and state transition the core makes is recorded here
// before the component that produced it returns to its caller, so a
// reader tailing the log can always reconstruct what happened.
//
// Grounded on internal/events/event_bus.go, but restructured: its
// pub/sub worker pool fans events out to
// async subscriber goroutines, which cannot give the synchronous
// durability-before-return contract this component needs, so Append
// writes synchronously under a mutex instead of enqueueing to workers.
package eventlog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Sink is the durable backing store Append writes through. The default
// is an in-memory slice; a persistent sink can be substituted without
// touching any caller, and a failing sink can be injected in tests to
// exercise the EventLogUnavailable error path.
type Sink interface {
	Store(events []types.Event) error
}

// Filter selects which events Query returns. Zero-valued fields are not
// applied as constraints. Ordering is always ascending by At.
type Filter struct {
	Category *types.EventCategory
	Type     string
	Asset    *types.Asset
	Session  string
	Trace    string
	From     *types.Timestamp
	To       *types.Timestamp
}

func (f Filter) matches(e types.Event) bool {
	if f.Category != nil && e.Category != *f.Category {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Asset != nil {
		if e.Asset == nil || *e.Asset != *f.Asset {
			return false
		}
	}
	if f.Session != "" && e.SessionID != f.Session {
		return false
	}
	if f.Trace != "" && e.TraceID != f.Trace {
		return false
	}
	if f.From != nil && e.At.Before(*f.From) {
		return false
	}
	if f.To != nil && e.At.After(*f.To) {
		return false
	}
	return true
}

// Statistics summarizes log activity over a trailing window.
type Statistics struct {
	CountsByCategory map[types.EventCategory]int
	ErrorCount       int
	P50LatencyMS     float64
	P99LatencyMS     float64
}

type inMemorySink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *inMemorySink) Store(events []types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Config configures the Log's retention and metrics namespace.
type Config struct {
	Retention      time.Duration // default >= 1 year
	MetricsNamespace string
}

// DefaultConfig returns the documented default retention.
func DefaultConfig() Config {
	return Config{
		Retention:        365 * 24 * time.Hour,
		MetricsNamespace: "rebalance_core",
	}
}

// Log is the append-only, indexed event log.
type Log struct {
	logger *zap.Logger
	config Config
	sink   Sink

	mu         sync.RWMutex
	events     []types.Event // ascending by append order
	byCategory map[types.EventCategory][]int
	byAsset    map[types.Asset][]int
	byTrace    map[string][]int

	appendLatency prometheus.Histogram
	errorCounter  prometheus.Counter
}

// New creates an event log backed by an in-memory sink.
func New(logger *zap.Logger, config Config) *Log {
	return NewWithSink(logger, config, &inMemorySink{})
}

// NewWithSink creates an event log backed by the given durable sink,
// useful in tests to inject failure.
func NewWithSink(logger *zap.Logger, config Config, sink Sink) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		logger:     logger.Named("eventlog"),
		config:     config,
		sink:       sink,
		byCategory: make(map[types.EventCategory][]int),
		byAsset:    make(map[types.Asset][]int),
		byTrace:    make(map[string][]int),
	}
	l.appendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.MetricsNamespace,
		Subsystem: "eventlog",
		Name:      "append_latency_ms",
		Help:      "Latency of Append calls in milliseconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
	})
	l.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.MetricsNamespace,
		Subsystem: "eventlog",
		Name:      "error_events_total",
		Help:      "Number of category=error events appended.",
	})
	return l
}

// Collectors exposes the log's Prometheus collectors for registration.
func (l *Log) Collectors() []prometheus.Collector {
	return []prometheus.Collector{l.appendLatency, l.errorCounter}
}

// nextID produces a lexicographically sortable event ID: a sortable
// timestamp prefix followed by a UUID suffix for uniqueness.
func nextID(at types.Timestamp) string {
	return fmt.Sprintf("%s-%s", at.UTC().Format("20060102T150405.000000000"), uuid.NewString())
}

// Append writes a single event synchronously and returns its ID. The
// caller must not consider its own operation complete until Append
// returns successfully.
func (l *Log) Append(event types.Event) (string, error) {
	start := time.Now()
	if event.At.IsZero() {
		event.At = start
	}
	if event.ID == "" {
		event.ID = nextID(event.At)
	}

	if err := l.sink.Store([]types.Event{event}); err != nil {
		return "", types.NewCoreError(types.ErrEventLogUnavailable, "append failed", err)
	}

	l.mu.Lock()
	idx := len(l.events)
	l.events = append(l.events, event)
	l.byCategory[event.Category] = append(l.byCategory[event.Category], idx)
	if event.Asset != nil {
		l.byAsset[*event.Asset] = append(l.byAsset[*event.Asset], idx)
	}
	if event.TraceID != "" {
		l.byTrace[event.TraceID] = append(l.byTrace[event.TraceID], idx)
	}
	l.mu.Unlock()

	l.appendLatency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	if event.Category == types.CategoryError {
		l.errorCounter.Inc()
	}
	return event.ID, nil
}

// AppendBatch writes every event in events atomically: either all commit
// or none do, satisfying the requirement that "all events of one decision are
// committed atomically".
func (l *Log) AppendBatch(events []types.Event) ([]string, error) {
	now := time.Now()
	ids := make([]string, len(events))
	for i := range events {
		if events[i].At.IsZero() {
			events[i].At = now
		}
		if events[i].ID == "" {
			events[i].ID = nextID(events[i].At)
		}
		ids[i] = events[i].ID
	}

	if err := l.sink.Store(events); err != nil {
		return nil, types.NewCoreError(types.ErrEventLogUnavailable, "batch append failed", err)
	}

	l.mu.Lock()
	for _, event := range events {
		idx := len(l.events)
		l.events = append(l.events, event)
		l.byCategory[event.Category] = append(l.byCategory[event.Category], idx)
		if event.Asset != nil {
			l.byAsset[*event.Asset] = append(l.byAsset[*event.Asset], idx)
		}
		if event.TraceID != "" {
			l.byTrace[event.TraceID] = append(l.byTrace[event.TraceID], idx)
		}
		if event.Category == types.CategoryError {
			l.errorCounter.Inc()
		}
	}
	l.mu.Unlock()

	return ids, nil
}

// candidateIndices narrows the search space using whichever index
// applies, preferring the most selective single-key filter available.
func (l *Log) candidateIndices(f Filter) []int {
	switch {
	case f.Trace != "":
		return l.byTrace[f.Trace]
	case f.Asset != nil:
		return l.byAsset[*f.Asset]
	case f.Category != nil:
		return l.byCategory[*f.Category]
	default:
		all := make([]int, len(l.events))
		for i := range all {
			all[i] = i
		}
		return all
	}
}

// Query returns events matching filter in ascending `at` order, capped
// at limit (0 means unlimited).
func (l *Log) Query(f Filter, limit int) []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	candidates := l.candidateIndices(f)
	out := make([]types.Event, 0, len(candidates))
	for _, idx := range candidates {
		e := l.events[idx]
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Statistics computes counts-by-category, error count, and p50/p99 of
// the decided_in_ms payload values over the trailing window.
func (l *Log) Statistics(window time.Duration) Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	stats := Statistics{CountsByCategory: make(map[types.EventCategory]int)}
	var latenciesMS []float64

	for _, e := range l.events {
		if e.At.Before(cutoff) {
			continue
		}
		stats.CountsByCategory[e.Category]++
		if e.Category == types.CategoryError {
			stats.ErrorCount++
		}
		if v, ok := e.Payload["decided_in_ms"]; ok {
			if f, ok := v.(float64); ok {
				latenciesMS = append(latenciesMS, f)
			}
		}
	}

	sort.Float64s(latenciesMS)
	stats.P50LatencyMS = percentile(latenciesMS, 0.50)
	stats.P99LatencyMS = percentile(latenciesMS, 0.99)
	return stats
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Len returns the total number of events currently retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Prune removes events older than the configured retention window. It is
// the caller's responsibility to invoke this periodically; it is never
// called implicitly from Append so append-path latency stays bounded.
func (l *Log) Prune(now types.Timestamp) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.config.Retention)
	kept := l.events[:0:0]
	for _, e := range l.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(l.events) - len(kept)
	l.events = kept

	l.byCategory = make(map[types.EventCategory][]int)
	l.byAsset = make(map[types.Asset][]int)
	l.byTrace = make(map[string][]int)
	for idx, e := range l.events {
		l.byCategory[e.Category] = append(l.byCategory[e.Category], idx)
		if e.Asset != nil {
			l.byAsset[*e.Asset] = append(l.byAsset[*e.Asset], idx)
		}
		if e.TraceID != "" {
			l.byTrace[e.TraceID] = append(l.byTrace[e.TraceID], idx)
		}
	}

	if removed > 0 {
		l.logger.Debug("pruned retention-expired events", zap.Int("removed", removed))
	}
	return removed
}
