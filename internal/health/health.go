// Package health implements Pulse's HTTP surface (spec component C10):
// /health, /state, /config, /feedback, /trigger, /metrics, /mutations.
//
// Grounded on internal/operator/server.go's request-dispatch-by-command
// shape, ported from a Unix-socket protocol onto net/http handlers, and on
// internal/observability/metrics.go's server lifecycle (read/write
// timeouts, context-cancel shutdown).
//
// GET handlers read a Snapshot the Daemon publishes once per loop
// iteration (spec §5: "GET requests are served from a read-only snapshot
// produced at the end of each loop iteration (double-buffered): readers
// never block the main loop, writers do"). POST /config goes through the
// Mutator directly, which serializes it against the file-queue drain under
// its own mutex; POST /feedback and POST /trigger go through the Daemon.
// No POST handler touches the Snapshot.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pulseagent/pulse/internal/audit"
	"github.com/pulseagent/pulse/internal/drive"
	"github.com/pulseagent/pulse/internal/mutation"
	"github.com/pulseagent/pulse/internal/mutator"
	"github.com/pulseagent/pulse/internal/observability"
)

// Snapshot is the read-only state the Daemon publishes at the end of each
// loop iteration for GET /state and GET /health to serve without touching
// live engine state (spec §5).
type Snapshot struct {
	Status             string
	UptimeSeconds       float64
	Version             string
	Drives               []drive.Drive
	SensorSummary        map[string]interface{}
	EvaluatorMode        string
	Degraded             bool
	TriggerThreshold     float64
	CooldownSeconds      float64
	MaxTurnsPerHour      int
	RateLimitRemaining   int
	LastTriggerTimestamp int64
	LastTriggerReason    string
}

// TriggerRequester is the narrow contract the health server uses to force
// a trigger respecting cooldown/rate-limit, owned by the Daemon (spec
// §4.9: "Cooldown and rate limiting live here... not in the evaluator").
type TriggerRequester interface {
	ManualTrigger(ctx context.Context) ManualTriggerResult
}

// ManualTriggerResult is what the Daemon returns for a forced /trigger.
type ManualTriggerResult struct {
	Dispatched   bool
	RateLimited  bool
	WebhookFailed bool
	Reason       string
}

// FeedbackSubmitter is the narrow contract used by POST /feedback.
type FeedbackSubmitter interface {
	SubmitFeedback(addressed []string, outcome drive.Outcome, summary string) []drive.FeedbackResult
}

// Server is Pulse's health/control HTTP server.
type Server struct {
	log       *zap.Logger
	mutator   *mutator.Mutator
	auditLog  *audit.Log
	metrics   *observability.Metrics
	trigger   TriggerRequester
	feedback  FeedbackSubmitter
	mutatorEnabled func() bool

	snapshot atomicSnapshot

	httpServer *http.Server
}

// New creates a Server. mutatorEnabled reports whether mutation intake is
// currently enabled (spec §4.8: "403 if mutator disabled").
func New(log *zap.Logger, addr string, m *mutator.Mutator, auditLog *audit.Log, metrics *observability.Metrics, trigger TriggerRequester, feedback FeedbackSubmitter, mutatorEnabled func() bool) *Server {
	s := &Server{
		log:            log,
		mutator:        m,
		auditLog:       auditLog,
		metrics:        metrics,
		trigger:        trigger,
		feedback:       feedback,
		mutatorEnabled: mutatorEnabled,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/mutations", s.handleMutations)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Publish swaps in a new read-only Snapshot, called by the Daemon once per
// loop iteration.
func (s *Server) Publish(snap Snapshot) { s.snapshot.store(snap) }

// Serve blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully (spec §4.8, grounded on observability.Metrics.Serve's
// lifecycle).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health: serve %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	snap := s.snapshot.load()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    statusOrDefault(snap.Status),
		"uptime_s":  snap.UptimeSeconds,
		"version":   snap.Version,
		"degraded":  snap.Degraded,
	})
}

func statusOrDefault(s string) string {
	if s == "" {
		return "starting"
	}
	return s
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	snap := s.snapshot.load()

	drivesOut := make([]map[string]interface{}, 0, len(snap.Drives))
	for _, d := range snap.Drives {
		drivesOut = append(drivesOut, map[string]interface{}{
			"name":           d.Name,
			"pressure":       d.Pressure,
			"weight":         d.Weight,
			"last_addressed": d.LastAddressed.Unix(),
			"sources":        d.Sources,
			"protected":      d.Protected,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"drives":  drivesOut,
		"sensors": snap.SensorSummary,
		"config": map[string]interface{}{
			"trigger_threshold":  snap.TriggerThreshold,
			"cooldown_seconds":   snap.CooldownSeconds,
			"max_turns_per_hour": snap.MaxTurnsPerHour,
		},
		"rate_limit_remaining": snap.RateLimitRemaining,
		"evaluator_mode":       snap.EvaluatorMode,
		"last_trigger": map[string]interface{}{
			"timestamp": snap.LastTriggerTimestamp,
			"reason":    snap.LastTriggerReason,
		},
	})
}

// handleConfig serves GET (the mutable config subset from the Snapshot)
// and POST (mutation submission).
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.snapshot.load()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"trigger_threshold":  snap.TriggerThreshold,
			"cooldown_seconds":   snap.CooldownSeconds,
			"max_turns_per_hour": snap.MaxTurnsPerHour,
			"evaluator_mode":     snap.EvaluatorMode,
		})
	case http.MethodPost:
		s.handleConfigPost(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	if s.mutatorEnabled != nil && !s.mutatorEnabled() {
		writeError(w, http.StatusForbidden, "mutator_disabled")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}

	var mut mutation.Mutation
	strict := json.NewDecoder(bytes.NewReader(body))
	strict.DisallowUnknownFields()
	if err := strict.Decode(&mut); err != nil {
		// Unknown fields are policy-ignored with a warning, not rejected
		// wholesale (spec §4.8); retry against an independent reader over
		// the same buffered body, tolerating unknown fields this time.
		var mut2 mutation.Mutation
		if err2 := json.NewDecoder(bytes.NewReader(body)).Decode(&mut2); err2 != nil {
			writeError(w, http.StatusBadRequest, "malformed_body")
			return
		}
		mut = mut2
		s.metrics.InputWarningsTotal.WithLabelValues("/config", "unknown_field").Inc()
	}
	mut.Normalize()

	entry := s.mutator.ApplyNow(mut, time.Now())
	if entry.Outcome != audit.Applied {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"outcome": entry.Outcome,
			"rule":    entry.Rule,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome": entry.Outcome,
		"before":  entry.Before,
		"after":   entry.After,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var body struct {
		DrivesAddressed []string `json:"drives_addressed"`
		Outcome         string   `json:"outcome"`
		Summary         string   `json:"summary,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}

	var outcome drive.Outcome
	switch body.Outcome {
	case string(drive.OutcomeSuccess):
		outcome = drive.OutcomeSuccess
	case string(drive.OutcomePartial):
		outcome = drive.OutcomePartial
	case string(drive.OutcomeFailure):
		outcome = drive.OutcomeFailure
	default:
		writeError(w, http.StatusBadRequest, "invalid_outcome")
		return
	}

	results := s.feedback.SubmitFeedback(body.DrivesAddressed, outcome, body.Summary)
	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]interface{}{
			"name":   res.Name,
			"before": res.Before,
			"after":  res.After,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	result := s.trigger.ManualTrigger(r.Context())
	switch {
	case result.RateLimited:
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"reason": result.Reason})
	case result.WebhookFailed:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"reason": result.Reason})
	case result.Dispatched:
		writeJSON(w, http.StatusOK, map[string]interface{}{"dispatched": true})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"dispatched": false, "reason": result.Reason})
	}
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		var parsed int
		if _, err := fmt.Sscanf(raw, "%d", &parsed); err == nil {
			n = parsed
		}
		// malformed n silently falls back to the default (spec §4.8).
	}
	if n < 1 {
		n = 1
	}
	if n > 1000 {
		n = 1000
	}

	entries, err := s.auditLog.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit_read_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]interface{}{"error": reason})
}
