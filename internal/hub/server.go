// server.go exposes the hub over HTTP: the /ws subscription endpoint, the
// health probe, a recent-outcomes view, and Prometheus metrics.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/ledger"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// HealthProvider reports current chain-client health for the probe.
type HealthProvider interface {
	Health() types.HealthSnapshot
}

// Server is the subscriber-facing HTTP/WebSocket server.
type Server struct {
	cfg      config.HubConfig
	hub      *Hub
	health   HealthProvider
	ledger   *ledger.Ledger
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the hub and its HTTP surface. ledger may be nil in tests.
func NewServer(cfg config.HubConfig, h *Hub, health HealthProvider, led *ledger.Ledger, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    h,
		health: health,
		ledger: led,
		logger: logger.With("component", "hub_server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/outcomes", s.handleOutcomes)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("hub server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("hub server: %w", err)
	}
	return nil
}

// Stop drains the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	NewSubscriber(s.hub, conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Health()
	status := http.StatusOK
	if !snap.Connected {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"chain":       snap,
		"subscribers": s.hub.SubscriberCount(),
	}
	if s.ledger != nil {
		if stats, err := s.ledger.Stats(); err == nil {
			body["outcomes"] = stats
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := s.ledger.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}
