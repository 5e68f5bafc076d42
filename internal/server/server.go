// Package server exposes the scrubbing engine over HTTP.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/config"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/events"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/logger"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/store"
	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/web"
)

// Server wraps the scrubbing engine for concurrent HTTP clients. The
// engine itself is single-threaded, so every call that touches it runs
// under one mutex; requests queue rather than interleave.
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	scrubber *scrub.Scrubber
	state    store.Store
	hub      *events.Hub
	router   *mux.Router
	server   *http.Server

	// mu serializes all scrubber access
	mu sync.Mutex

	stats serverStats

	limiters   map[string]*visitorLimiter
	limitersMu sync.Mutex

	started time.Time
	stop    chan struct{}
}

type serverStats struct {
	requests atomic.Int64
	records  atomic.Int64
	warnings atomic.Int64
}

// New creates a new server around an already configured engine. The
// state store may be nil when no persistence is configured.
func New(cfg *config.Config, scrubber *scrub.Scrubber, state store.Store, log *logger.Logger) (*Server, error) {
	if scrubber == nil {
		return nil, fmt.Errorf("server requires a scrubbing engine")
	}

	hub := events.NewHub(&events.HubConfig{
		BroadcastRecords:     cfg.WebSocket.Events.BroadcastRecords,
		BroadcastWarnings:    cfg.WebSocket.Events.BroadcastWarnings,
		BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
		BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
		AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
	}, log.WithComponent("events").Logger)

	s := &Server{
		config:   cfg,
		logger:   log.WithComponent("server"),
		scrubber: scrubber,
		state:    state,
		hub:      hub,
		router:   mux.NewRouter(),
		limiters: make(map[string]*visitorLimiter),
		stop:     make(chan struct{}),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Info endpoint
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	// Dashboard endpoint - embedded HTML
	s.router.HandleFunc("/", web.ServeDashboard).Methods("GET")
	s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods("GET")

	// WebSocket endpoint for dashboard
	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.handleWebSocket).Methods("GET")
	}

	// Scrubbing API
	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/scrub", s.handleScrub).Methods("POST")
	api.HandleFunc("/scrub/batch", s.handleScrubBatch).Methods("POST")
	api.HandleFunc("/crosswalk", s.handleCrosswalkSummary).Methods("GET")
	api.HandleFunc("/crosswalk/save", s.handleCrosswalkSave).Methods("POST")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.started = time.Now()

	s.logger.Info("Starting lessidentify server",
		zap.Int("port", s.config.Server.Port),
		zap.String("person_id_key", s.config.Scrub.PersonIDKey),
		zap.Bool("websocket_enabled", s.config.WebSocket.Enabled),
	)

	// Start WebSocket hub in a separate goroutine
	go s.hub.Run()
	go s.broadcastStatus()

	if s.config.Server.RateLimit.Enabled {
		go s.cleanupLimiters()
	}

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server, then saves the crosswalk so a
// restart resumes with the same mappings.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping lessidentify server")

	close(s.stop)

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	return s.saveState(ctx)
}

// ReloadRules swaps in new classification rules without disturbing
// crosswalk state. Invalid rules leave the engine as it was.
func (s *Server) ReloadRules(cfg *config.Config) error {
	sc := cfg.ToScrubConfig()

	s.mu.Lock()
	err := s.scrubber.ReloadRules(&sc)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Rule reload rejected", zap.Error(err))
		return err
	}

	s.logger.Info("Scrubbing rules reloaded",
		zap.String("profile", cfg.Scrub.Profile),
		zap.Int("redact_patterns", len(sc.Redact)),
		zap.Int("preserve_patterns", len(sc.Preserve)))
	return nil
}

// saveState persists the crosswalk to the configured store.
func (s *Server) saveState(ctx context.Context) error {
	if s.state == nil {
		return nil
	}

	s.mu.Lock()
	var buf bytes.Buffer
	err := s.scrubber.SaveState(&buf)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to serialize crosswalk: %w", err)
	}

	if err := s.state.Save(ctx, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to persist crosswalk: %w", err)
	}

	s.logger.Info("Crosswalk state saved", zap.Int("bytes", buf.Len()))
	return nil
}

// broadcastStatus pushes a status event to dashboard clients every 30s.
func (s *Server) broadcastStatus() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			persons := s.scrubber.Summary().Persons
			s.mu.Unlock()

			hubStats := s.hub.GetStats()

			s.hub.BroadcastEvent(events.Event{
				Type:      events.EventTypeSystemStatus,
				Timestamp: time.Now(),
				Data: events.SystemStatusEvent{
					Status:           "healthy",
					Uptime:           time.Since(s.started).Round(time.Second).String(),
					TotalRequests:    s.stats.requests.Load(),
					TotalRecords:     s.stats.records.Load(),
					TotalWarnings:    s.stats.warnings.Load(),
					Persons:          persons,
					ConnectedClients: int(hubStats.ActiveConnections),
				},
			})
		}
	}
}

// handleWebSocket handles WebSocket connections for the dashboard
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}

// Hub returns the WebSocket hub for broadcasting events
func (s *Server) Hub() *events.Hub {
	return s.hub
}

// Handler exposes the route tree.
func (s *Server) Handler() http.Handler {
	return s.router
}
