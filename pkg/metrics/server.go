package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

// StatusFunc returns the current watcher status for the /status endpoint.
type StatusFunc func() interface{}

// Server exposes /metrics and /status on the configured listen address.
type Server struct {
	cfg      *config.MetricsConfig
	recorder Recorder
	status   StatusFunc
	logger   zerolog.Logger
	srv      *http.Server
}

// NewServer creates the metrics HTTP server.
func NewServer(cfg *config.MetricsConfig, recorder Recorder, status StatusFunc, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		recorder: recorder,
		status:   status,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}
}

// Start runs the server. It blocks, so callers normally run it in a
// goroutine; ListenAndServe errors other than graceful close are logged.
func (s *Server) Start() {
	if !s.cfg.Enabled || s.cfg.Listen == "" {
		s.logger.Info().Msg("Metrics server disabled")
		return
	}

	r := mux.NewRouter()
	if h := s.recorder.Handler(); h != nil {
		r.Handle("/metrics", h)
	}
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("listen", s.cfg.Listen).Msg("Metrics server started")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error().Err(err).Msg("Metrics server failed")
	}
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var body interface{}
	if s.status != nil {
		body = s.status()
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status response")
	}
}
