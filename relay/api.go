package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// HTTPConfig represents the config of the query server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Plain Read/Write timeouts would also arm deadlines on hijacked WebSocket
// connections, so the server only bounds header reads and idle keep-alives.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server exposes the query endpoints, the metrics endpoint and the WebSocket
// subscription endpoint
type Server struct {
	addr        string
	store       *StateStore
	alarm       *Alarm
	broadcaster *Broadcaster
	metrics     *Metrics
	queryLimit  int
	started     time.Time
	logger      *zap.SugaredLogger

	// httpServer is built once in NewServer; Start and Stop may run from
	// different goroutines.
	httpServer *http.Server
}

// NewServer creates a new Server
func NewServer(config HTTPConfig, store *StateStore, alarm *Alarm, broadcaster *Broadcaster, metrics *Metrics, queryLimit int, logger *zap.SugaredLogger) *Server {
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}

	s := &Server{
		addr:        config.Addr,
		store:       store,
		alarm:       alarm,
		broadcaster: broadcaster,
		metrics:     metrics,
		queryLimit:  queryLimit,
		started:     time.Now(),
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	return s
}

// Handler returns the route handler without starting a listener
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	return mux
}

// RegisterRoutes registers all endpoints on the given mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/readings/latest", s.handleLatest)
	mux.HandleFunc("/api/v1/readings/history", s.handleHistory)
	mux.HandleFunc("/api/v1/alert", s.handleAlert)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", WSHandler(s.broadcaster, s.logger))
}

// Start starts the HTTP server and blocks until it is shut down
func (s *Server) Start() error {
	s.logger.Infow("Server: listening", "addr", s.addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("Server: %v", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server. Stopping before Start marks the
// server as shut down, so a Start racing the stop returns right away.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("Server: shutdown: %v", err)
	}

	return nil
}

type healthStatus struct {
	Status      string `json:"status"`
	Time        string `json:"time"`
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"subscribers"`
}

type alertStatus struct {
	Active    bool     `json:"active"`
	Threshold float64  `json:"threshold"`
	Reading   *Reading `json:"reading,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}

	writeJSON(w, http.StatusOK, healthStatus{
		Status:      "ok",
		Time:        time.Now().UTC().Format(time.RFC3339),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Subscribers: s.broadcaster.Count(),
	})
}

// handleLatest handles GET /api/v1/readings/latest
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}

	writeJSON(w, http.StatusOK, s.store.Current())
}

// handleHistory handles GET /api/v1/readings/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}

	readings := s.store.Recent(s.queryLimit)
	if readings == nil {
		readings = []Reading{}
	}

	writeJSON(w, http.StatusOK, readings)
}

// handleAlert handles GET /api/v1/alert
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}

	active, last := s.alarm.Status()
	status := alertStatus{
		Active:    active,
		Threshold: s.alarm.Threshold(),
	}
	if active {
		status.Reading = &last
	}

	writeJSON(w, http.StatusOK, status)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
