// Package observability — metrics.go
//
// Prometheus metrics for Pulse.
//
// Endpoint: GET /metrics on a dedicated metrics listener (default
// 127.0.0.1:9720, separate from the health server's port).
// Format: Prometheus text exposition format.
// Bind: loopback only — no external exposure.
//
// Metric naming convention: pulse_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor Pulse exposes.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Drive engine ─────────────────────────────────────────────────────

	// DrivePressure is the current pressure of each drive. Labels: drive.
	DrivePressure *prometheus.GaugeVec

	// DriveWeight is the current weight of each drive. Labels: drive.
	DriveWeight *prometheus.GaugeVec

	// TicksTotal counts drive-engine ticks processed.
	TicksTotal prometheus.Counter

	// SpikesTotal counts pressure spikes applied, by drive.
	SpikesTotal *prometheus.CounterVec

	// ─── Evaluator / triggers ─────────────────────────────────────────────

	// TriggersTotal counts dispatched triggers, by evaluator mode (rule,
	// model, degraded).
	TriggersTotal *prometheus.CounterVec

	// EvaluatorDegraded is 1 when the model evaluator has fallen back to rules.
	EvaluatorDegraded prometheus.Gauge

	// ─── Mutations ─────────────────────────────────────────────────────────

	// MutationsTotal counts mutations processed, by kind and outcome
	// (applied, rejected).
	MutationsTotal *prometheus.CounterVec

	// MutationRateLimitRemaining is the number of mutation slots left in the
	// current rolling hour window.
	MutationRateLimitRemaining prometheus.Gauge

	// ─── Feedback ──────────────────────────────────────────────────────────

	// FeedbackTotal counts feedback reports ingested, by outcome
	// (success, partial, failure).
	FeedbackTotal *prometheus.CounterVec

	// ─── Webhook ───────────────────────────────────────────────────────────

	// WebhookCallsTotal counts webhook dispatch attempts, by status
	// (ok, timeout, 4xx, 5xx, error).
	WebhookCallsTotal *prometheus.CounterVec

	// WebhookLatency records webhook round-trip latency.
	WebhookLatency prometheus.Histogram

	// ─── HTTP input validation ─────────────────────────────────────────────

	// InputWarningsTotal counts HTTP request bodies accepted despite a
	// policy-ignored problem (e.g. unknown fields in a POST body, spec
	// §4.8), by route and reason. These are not rejections.
	InputWarningsTotal *prometheus.CounterVec

	// ─── Daemon ────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// LoopIterationsTotal counts main-loop iterations completed.
	LoopIterationsTotal prometheus.Counter

	startTime time.Time
}

// NewMetrics creates and registers every Pulse Prometheus metric on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		DrivePressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "pressure",
			Help:      "Current accumulated pressure of each drive.",
		}, []string{"drive"}),

		DriveWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "weight",
			Help:      "Current weight of each drive.",
		}, []string{"drive"}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "ticks_total",
			Help:      "Total number of drive-engine ticks processed.",
		}),

		SpikesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "spikes_total",
			Help:      "Total pressure spikes applied, by drive.",
		}, []string{"drive"}),

		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "triggers_total",
			Help:      "Total triggers dispatched, by evaluator mode.",
		}, []string{"mode"}),

		EvaluatorDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "degraded",
			Help:      "1 when the model evaluator has fallen back to the rule evaluator.",
		}),

		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "mutator",
			Name:      "mutations_total",
			Help:      "Total mutations processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		MutationRateLimitRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "mutator",
			Name:      "rate_limit_remaining",
			Help:      "Mutation slots remaining in the current rolling hour window.",
		}),

		FeedbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "feedback",
			Name:      "reports_total",
			Help:      "Total feedback reports ingested, by outcome.",
		}, []string{"outcome"}),

		WebhookCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "webhook",
			Name:      "calls_total",
			Help:      "Total webhook dispatch attempts, by resulting status.",
		}, []string{"status"}),

		WebhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulse",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Webhook round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		InputWarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "http",
			Name:      "input_warnings_total",
			Help:      "Total HTTP request bodies accepted with a policy-ignored problem, by route and reason.",
		}, []string{"route", "reason"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Seconds since the daemon started.",
		}),

		LoopIterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "daemon",
			Name:      "loop_iterations_total",
			Help:      "Total main-loop iterations completed.",
		}),
	}

	reg.MustRegister(
		m.DrivePressure,
		m.DriveWeight,
		m.TicksTotal,
		m.SpikesTotal,
		m.TriggersTotal,
		m.EvaluatorDegraded,
		m.MutationsTotal,
		m.MutationRateLimitRemaining,
		m.FeedbackTotal,
		m.WebhookCallsTotal,
		m.WebhookLatency,
		m.InputWarningsTotal,
		m.UptimeSeconds,
		m.LoopIterationsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the promhttp handler for this registry, for mounting into
// a caller-owned mux (the health server's /metrics route).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Serve starts a standalone metrics HTTP server on addr, blocking until ctx
// is cancelled. Used when the metrics port is configured separately from
// the health server's port (spec default: health on 9719, metrics on 9720).
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
