// Package monitor serves the read-only HTTP status API of a protopt
// process: health, metrics, trials, progress summary and worker statistics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/experiment"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/bouthilx/protopt/internal/worker"
)

// Experiment is the part of an experiment the server reads.
type Experiment interface {
	Name() string
	ListTrials(ctx context.Context, statuses ...models.TrialStatus) ([]*trial.Trial, error)
	GetTrial(ctx context.Context, id string) (*trial.Trial, error)
	Decisions(ctx context.Context, id string) ([]models.PDREntry, error)
	Summary(ctx context.Context) (experiment.Summary, error)
}

// Pinger checks the database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports worker statistics.
type StatsSource interface {
	Stats() worker.Stats
}

// Server provides the HTTP status API.
type Server struct {
	exp     Experiment
	db      Pinger
	stats   StatsSource
	metrics http.Handler
	version string
	logger  *slog.Logger

	addr   string
	server *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithStats exposes the statistics of a running worker on /stats.
func WithStats(src StatsSource) Option {
	return func(s *Server) { s.stats = src }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new HTTP server.
func NewServer(exp Experiment, db Pinger, addr string, opts ...Option) *Server {
	s := &Server{
		exp:     exp,
		db:      db,
		addr:    addr,
		version: "dev",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/trials", s.handleTrials)
	mux.HandleFunc("/trials/", s.handleTrialByID)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start serves until Shutdown is called. It returns at once when Shutdown
// was called first.
func (s *Server) Start() error {
	s.logger.Info("starting monitor", "addr", s.addr, "experiment", s.exp.Name())
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK         bool   `json:"ok"`
	DB         string `json:"db"`
	Experiment string `json:"experiment"`
	Version    string `json:"version"`
	Time       string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:         true,
		DB:         "ok",
		Experiment: s.exp.Name(),
		Version:    s.version,
		Time:       time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleTrials handles GET /trials?status=QUEUED,RUNNING
func (s *Server) handleTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var statuses []models.TrialStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, ok := models.ParseStatus(strings.ToUpper(strings.TrimSpace(name)))
			if !ok {
				http.Error(w, "unknown status "+name, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, st)
		}
	}

	trials, err := s.exp.ListTrials(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("list trials", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	docs := make([]models.Trial, 0, len(trials))
	for _, tr := range trials {
		docs = append(docs, tr.Doc())
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleTrialByID handles /trials/{id} and /trials/{id}/decisions
func (s *Server) handleTrialByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/trials/"), "/")
	if parts[0] == "" {
		http.Error(w, "trial id required", http.StatusBadRequest)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		tr, err := s.exp.GetTrial(r.Context(), id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, experiment.ErrTrialNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, tr.Doc())
	case "decisions":
		entries, err := s.exp.Decisions(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []models.PDREntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.exp.Summary(r.Context())
	if err != nil {
		s.logger.Error("summary", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		http.Error(w, "no worker running", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
