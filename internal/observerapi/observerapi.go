// Package observerapi exposes a read-only HTTP and WebSocket surface
// over the Event Log and Position Ledger for external observers:
// dashboards, audit tooling, and the backtesting harness that drives
// the core. The core itself never depends on this package; observerapi
// only reads.
//
// Grounded on internal/api/server.go: a mux.Router wrapped in
// cors.Handler, a map of WebSocket clients each
// with a buffered Send channel drained by its own writePump goroutine,
// and a broadcast loop fanning messages out to every connected client.
package observerapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/regimeguard/rebalance-core/internal/eventlog"
	"github.com/regimeguard/rebalance-core/internal/ledger"
	"github.com/regimeguard/rebalance-core/pkg/types"
)

// Config configures the server's bind address and timeouts.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns conservative development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:8090",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// client is one connected WebSocket observer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the read-only observer-facing HTTP/WebSocket surface.
type Server struct {
	logger *zap.Logger
	config Config
	router *mux.Router
	http   *http.Server

	events *eventlog.Log
	led    *ledger.Ledger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// New constructs a Server over an existing event log and ledger. Its
// Append method doubles as an EventSink: pass the Server itself (or a
// thin adapter) as the session/protection EventSink to tee every
// appended event to connected observers.
func New(logger *zap.Logger, config Config, events *eventlog.Log, led *ledger.Ledger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:  logger.Named("observerapi"),
		config:  config,
		router:  mux.NewRouter(),
		events:  events,
		led:     led,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/events", s.handleQueryEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/ledger/positions", s.handleLivePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/ledger/positions/{asset}/history", s.handlePositionHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the underlying mux.Router, for tests and for embedding
// alongside other handlers.
func (s *Server) Router() *mux.Router { return s.router }

// Start runs the HTTP server until Stop is called. Blocks like
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         s.config.Addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting observer API", zap.String("addr", s.config.Addr))
	return s.http.ListenAndServe()
}

// Stop closes every WebSocket connection and closes the HTTP server
// immediately, without waiting for in-flight requests to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

// Append implements the session/protection EventSink interface: it
// forwards the event to the underlying event log, then fans it out to
// every connected WebSocket observer. A broadcast failure never blocks
// or fails the append.
func (s *Server) Append(event types.Event) (string, error) {
	id, err := s.events.Append(event)
	if err != nil {
		return id, err
	}
	s.broadcast(event)
	return id, nil
}

func (s *Server) broadcast(event types.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event for broadcast", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- payload:
		default:
			s.logger.Warn("observer send buffer full, dropping event", zap.String("client", c.id))
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := eventlog.Filter{
		Type:    q.Get("type"),
		Session: q.Get("session"),
		Trace:   q.Get("trace"),
	}
	if cat := q.Get("category"); cat != "" {
		c := types.EventCategory(cat)
		f.Category = &c
	}
	if asset := q.Get("asset"); asset != "" {
		a := types.Asset(asset)
		f.Asset = &a
	}

	limit := 100
	if lstr := q.Get("limit"); lstr != "" {
		if parsed, err := strconv.Atoi(lstr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events := s.events.Query(f, limit)
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLivePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.led.LivePositions())
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset := types.Asset(vars["asset"])
	history := s.led.History(asset, ledger.TimeRange{})
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("observer connected", zap.String("id", c.id))

	go s.readPump(c)
	go s.writePump(c)
}

// readPump drains and discards inbound frames: this surface is
// read-only, but the connection still needs draining to notice a
// client-initiated close.
func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
		s.logger.Info("observer disconnected", zap.String("id", c.id))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("observer read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
