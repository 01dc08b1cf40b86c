package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/termingeist/internal/buildinfo"
	"github.com/nugget/termingeist/internal/config"
	"github.com/nugget/termingeist/internal/pipeline"
)

// statusServer is the read-only admin HTTP surface of spec.md §6's
// supplemented operational surface: process health for the collaborators
// this core depends on, plus the one write endpoint an external ingest
// service needs to hand this core a message. Its
// Start/Shutdown/withLogging/writeJSON shape is carried over from
// internal/api.Server, trimmed from that server's 30-odd
// agent/router/checkpoint routes down to the handful this core actually
// needs — this core has no chat loop or router to introspect.
type statusServer struct {
	cfg    *config.Config
	deps   *coreDeps
	proc   *pipeline.Pipeline
	logger *slog.Logger
	server *http.Server
}

func newStatusServer(cfg *config.Config, deps *coreDeps, proc *pipeline.Pipeline, logger *slog.Logger) *statusServer {
	return &statusServer{cfg: cfg, deps: deps, proc: proc, logger: logger.With("component", "status_server")}
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *statusServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/messages/process", s.handleProcessMessage)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting status server", "address", s.cfg.Listen.Address, "port", s.cfg.Listen.Port)
	return s.server.ListenAndServe()
}

func (s *statusServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *statusServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *statusServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "termingeist",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *statusServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// statusReport is the /v1/status body: the dependency health a household
// operator needs to tell "extraction is degraded" from "extraction is
// down" without reading logs.
type statusReport struct {
	ChatID              string            `json:"chat_id"`
	LLMProviders        []providerHealth  `json:"llm_providers"`
	Memory              *memoryHealth     `json:"memory,omitempty"`
	CalendarConfigured  bool              `json:"calendar_configured"`
	PendingCalendarSync int               `json:"pending_calendar_sync"`
	Build               map[string]string `json:"build"`
}

type providerHealth struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Reachable bool   `json:"reachable"`
}

type memoryHealth struct {
	Connected bool  `json:"connected"`
	LatencyMS int64 `json:"latency_ms"`
	Dropped   int64 `json:"memorize_dropped"`
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := statusReport{
		ChatID:             s.deps.cfg.Extraction.ChatID,
		CalendarConfigured: s.deps.calendar != nil,
		Build:              buildinfo.RuntimeInfo(),
	}

	if s.deps.cascade != nil {
		for _, h := range s.deps.cascade.Health(ctx) {
			report.LLMProviders = append(report.LLMProviders, providerHealth{
				Name: h.Name, Model: h.Model, Reachable: h.Reachable,
			})
		}
	}

	if s.deps.memory != nil {
		health := s.deps.memory.HealthCheck(ctx)
		stats := s.deps.memory.Stats()
		report.Memory = &memoryHealth{
			Connected: health.Connected,
			LatencyMS: health.LatencyMS,
			Dropped:   stats.Dropped,
		}
	}

	if n, err := s.deps.appointments.PendingCalendarSync(s.deps.cfg.Extraction.ChatID); err == nil {
		report.PendingCalendarSync = n
	} else {
		s.logger.Warn("pending calendar sync count failed", "error", err)
	}

	writeJSON(w, report, s.logger)
}

// processMessageRequest is the payload an external ingest collaborator
// posts for every inbound chat message. This core never persists
// messages itself (internal/store's ConversationWindow is written by
// that collaborator) — it only runs the extraction pipeline against
// them, per spec.md §6's ingest/dedup non-goal.
type processMessageRequest struct {
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type processMessageResponse struct {
	Gated        bool     `json:"gated"`
	DecisionKind []string `json:"decisions,omitempty"`
}

func (s *statusServer) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	var req processMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" || req.Sender == "" {
		http.Error(w, "sender and text are required", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" {
		req.ChatID = s.deps.cfg.Extraction.ChatID
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	preceding, err := s.deps.messages.Since(req.ChatID, req.Timestamp.Add(-24*time.Hour), s.deps.cfg.Extraction.ConversationWindowSize)
	if err != nil {
		s.logger.Warn("failed to load preceding window", "error", err)
	}
	precedingText := make([]string, 0, len(preceding))
	for _, m := range preceding {
		precedingText = append(precedingText, m.Text)
	}

	result, err := s.proc.Process(r.Context(), req.ChatID, req.Sender, req.Text, req.Timestamp, precedingText)
	if err != nil {
		s.logger.Error("pipeline process failed", "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	resp := processMessageResponse{Gated: result.Gated}
	for _, d := range result.Decisions {
		resp.DecisionKind = append(resp.DecisionKind, string(d.Kind))
	}
	writeJSON(w, resp, s.logger)
}
