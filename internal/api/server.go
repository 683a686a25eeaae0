// Package api is the engine's control surface: REST endpoints for
// state and tuning, a websocket stream of engine events, and the
// Prometheus scrape handler.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/data"
	"github.com/kestrel-markets/prediction-engine/internal/engine"
	"github.com/kestrel-markets/prediction-engine/internal/events"
	"github.com/kestrel-markets/prediction-engine/internal/execution"
	"github.com/kestrel-markets/prediction-engine/internal/learning"
	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Deps are the components the API reads from and steers.
type Deps struct {
	Engine   *engine.Engine
	Manager  *execution.Manager
	Gate     *risk.Gate
	Tracker  *learning.Tracker
	Analyzer *learning.Analyzer
	Registry *strategy.Registry
	Candles  *data.Store
	Bus      *events.Bus

	// Metrics serves the Prometheus scrape endpoint. Nil disables it.
	Metrics http.Handler
}

// Server is the HTTP and websocket server.
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	hubCancel  context.CancelFunc
	startedAt  time.Time
}

// NewServer wires the routes, starts the websocket hub and bridges
// engine events onto it.
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		deps:      deps,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		startedAt: time.Now().UTC(),
	}
	s.setupRoutes()

	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	if deps.Bus != nil {
		deps.Bus.SubscribeAll(func(ev events.Event) error {
			s.hub.Relay(ev)
			return nil
		})
	}
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/positions", s.handlePositions).Methods("GET")
	v1.HandleFunc("/trades", s.handleTrades).Methods("GET")
	v1.HandleFunc("/signals", s.handleSignals).Methods("GET")
	v1.HandleFunc("/decisions", s.handleDecisions).Methods("GET")
	v1.HandleFunc("/learning", s.handleLearning).Methods("GET")
	v1.HandleFunc("/performance", s.handlePerformance).Methods("GET")
	v1.HandleFunc("/risk", s.handleGetRisk).Methods("GET")
	v1.HandleFunc("/risk", s.handleUpdateRisk).Methods("PUT")
	v1.HandleFunc("/strategies", s.handleStrategies).Methods("GET")
	v1.HandleFunc("/strategies/{name}", s.handleToggleStrategy).Methods("PUT")
	v1.HandleFunc("/candles/{symbol}", s.handleCandles).Methods("GET")
	v1.HandleFunc("/config", s.handleConfig).Methods("GET")
	v1.HandleFunc("/pause", s.handlePause).Methods("POST")
	v1.HandleFunc("/resume", s.handleResume).Methods("POST")

	if s.config.WebSocketPath != "" {
		s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	}
	if s.deps.Metrics != nil && s.config.EnableMetrics {
		s.router.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}
}

// Start runs the HTTP listener. It blocks until the listener stops.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("API server starting", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the listener down and disconnects websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"error": detail})
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"paused":        s.deps.Engine.Paused(),
		"balance":       s.deps.Engine.Balance(),
		"openPositions": s.deps.Manager.OpenCount(),
		"exposure":      s.deps.Manager.Exposure(),
		"cycles":        s.deps.Engine.LastResults(),
		"wsClients":     s.hub.Clients(),
		"startedAt":     s.startedAt,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.deps.Manager.Positions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.deps.Engine.TradeHistory(limitParam(r, 100))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals := s.deps.Engine.SignalHistory(limitParam(r, 100))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"count":   len(signals),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions := s.deps.Gate.Decisions(limitParam(r, 100))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Tracker.Snapshot())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "all"
	}
	report := s.deps.Analyzer.Analyze(s.deps.Engine.TradeHistory(0), period)
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Gate.Config())
}

// handleUpdateRisk replaces the gate's tunables. The gate clamps the
// payload to its hard limits, so the response echoes what actually
// took effect.
func (s *Server) handleUpdateRisk(w http.ResponseWriter, r *http.Request) {
	var config risk.GateConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid risk config")
		return
	}
	s.deps.Gate.UpdateConfig(config)
	s.writeJSON(w, http.StatusOK, s.deps.Gate.Config())
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleToggleStrategy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Registry.List()[name]; !ok {
		s.writeError(w, http.StatusNotFound, "unknown strategy "+name)
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.deps.Registry.SetEnabled(name, body.Enabled)
	s.writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	candles := s.deps.Candles.Candles(symbol, limitParam(r, 240))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"candles": candles,
		"count":   len(candles),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Engine.ConfigSnapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Pause()
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.Resume()
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}
