package observerapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/internal/eventlog"
	"github.com/regimeguard/rebalance-core/internal/ledger"
	"github.com/regimeguard/rebalance-core/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	events := eventlog.New(zap.NewNop(), eventlog.DefaultConfig())
	led := ledger.New(zap.NewNop(), ledger.DefaultConfig())
	return New(zap.NewNop(), DefaultConfig(), events, led)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleLivePositions(t *testing.T) {
	s := newTestServer(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.led.RecordEvent(types.PositionEvent{
		Asset: "AAA", Kind: types.EventOpen, At: at,
		SizeAfter: decimal.NewFromFloat(0.1), EventID: "e1",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ledger/positions", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]types.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if _, ok := out["AAA"]; !ok {
		t.Fatalf("expected AAA in live positions response, got %v", out)
	}
}

func TestAppendForwardsToEventLogAndBroadcasts(t *testing.T) {
	s := newTestServer(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.Append(types.Event{Category: types.CategoryPortfolio, Type: "test_event", At: at}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results := s.events.Query(eventlog.Filter{Type: "test_event"}, 10)
	if len(results) != 1 {
		t.Fatalf("expected the event to be durably appended, got %d", len(results))
	}
}

func TestHandleQueryEventsFiltersByCategory(t *testing.T) {
	s := newTestServer(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _ = s.Append(types.Event{Category: types.CategoryPortfolio, Type: "a", At: at})
	_, _ = s.Append(types.Event{Category: types.CategoryRegime, Type: "b", At: at})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?category=regime", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var out []types.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(out) != 1 || out[0].Type != "b" {
		t.Fatalf("expected only the regime-category event, got %+v", out)
	}
}
