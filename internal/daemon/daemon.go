// Package daemon implements Pulse's main loop (spec component C11): the
// sense -> tick -> drain mutations -> decide -> webhook -> ingest feedback
// -> persist -> sleep cycle, plus startup/shutdown and the narrow methods
// the health server calls into for /trigger and /feedback.
//
// Grounded on cmd/octoreflex/main.go's startup/shutdown sequence (flags ->
// config -> logger -> store -> sensors/metrics -> workers -> SIGHUP ->
// SIGINT/TERM drain) and runWorker's event-loop shape, restructured from a
// per-PID worker pool into the spec's single cooperative loop plus bounded
// sensor/webhook concurrency (spec §5).
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulseagent/pulse/internal/audit"
	"github.com/pulseagent/pulse/internal/clock"
	"github.com/pulseagent/pulse/internal/config"
	"github.com/pulseagent/pulse/internal/drive"
	"github.com/pulseagent/pulse/internal/evaluator"
	"github.com/pulseagent/pulse/internal/guardrails"
	"github.com/pulseagent/pulse/internal/health"
	"github.com/pulseagent/pulse/internal/mutator"
	"github.com/pulseagent/pulse/internal/observability"
	"github.com/pulseagent/pulse/internal/sensors"
	"github.com/pulseagent/pulse/internal/statestore"
	"github.com/pulseagent/pulse/internal/webhook"
)

// feedbackRequest carries a /feedback submission from an HTTP-handler
// goroutine into the main loop, which applies it at the "ingest feedback"
// step of whichever iteration drains it next (spec §5: "/feedback that
// arrives during webhook dispatch is applied in the next iteration; this
// avoids reentrant pressure updates").
type feedbackRequest struct {
	addressed []string
	outcome   drive.Outcome
	summary   string
	resultCh  chan []drive.FeedbackResult
}

// Daemon owns every core component and runs the main loop.
type Daemon struct {
	cfg *config.Config
	log *zap.Logger
	clk clock.Clock

	engine        *drive.Engine
	ruleEvaluator *evaluator.RuleEvaluator
	eval          evaluator.Evaluator
	guardrails    *guardrails.Guardrails
	auditLog      *audit.Log
	mutator       *mutator.Mutator
	store         *statestore.Store
	triggerHist   *statestore.TriggerHistory
	processLock   *statestore.ProcessLock
	webhookClient *webhook.Client
	metrics       *observability.Metrics
	healthServer  *health.Server

	fsWatcher    *sensors.FilesystemWatcher
	conversation *sensors.ConversationActivity
	sysHealth    *sensors.SystemHealth
	scrape       *sensors.SourceScrape

	mutationsEnabled func() bool

	lastTick      time.Time
	startedAt     time.Time
	turnLimiter   *turnLimiter
	triggerMu         sync.Mutex
	lastTriggerAt     time.Time
	lastTriggerReason string

	feedbackMu      sync.Mutex
	pendingFeedback []feedbackRequest

	turnCounter uint64

	consecutiveFailures int
	degraded            bool

	perfMu      sync.Mutex
	performance map[string]perfAccumulator
}

// perfAccumulator tracks one drive's running feedback-quality average
// between EvolveWeights cycles.
type perfAccumulator struct {
	sum float64
	n   int
}

// paths within the state directory.
func statePath(dir, name string) string { return filepath.Join(dir, name) }

// New constructs a Daemon from cfg: acquires the process lock, loads
// persisted state, and wires every component (spec §4.9 steps 1-4).
func New(cfg *config.Config, log *zap.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create state dir %s: %w", cfg.StateDir, err)
	}

	lock := statestore.NewProcessLock(statePath(cfg.StateDir, "pulse.pid"))
	if err := lock.Acquire(); err != nil {
		return nil, fmt.Errorf("daemon: acquire process lock: %w", err)
	}

	store := statestore.Open(statePath(cfg.StateDir, "state.json"))
	persisted, err := store.Load()
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("daemon: load state: %w", err)
	}

	clk := clock.Real{}
	engine := buildEngine(cfg, persisted, clk)

	cfg.RestoreOverrides(persistedOverrides(persisted))

	auditLog := audit.Open(statePath(cfg.StateDir, "audit.jsonl"), cfg.Daemon.AuditMaxBytes)
	triggerHist := statestore.OpenTriggerHistory(statePath(cfg.StateDir, "trigger_history.jsonl"), cfg.Daemon.TriggerHistoryMaxBytes)

	bounds := guardrails.DefaultBounds()
	applyGuardrailsOverrides(&bounds, cfg.Guardrails)
	limits := drive.Limits{PMax: cfg.Engine.MaxPressure, WMin: cfg.Engine.WeightMin, WMax: cfg.Engine.WeightMax, WProtectedMin: cfg.Engine.WeightProtectedMin}
	gr := guardrails.New(bounds, limits)
	if persisted != nil {
		gr.Limiter().Restore(unixToTime(persisted.MutationTimestamps))
	}

	mut := mutator.New(engine, gr, auditLog, cfg, statePath(cfg.StateDir, "mutations.json"))

	ruleEval := &evaluator.RuleEvaluator{
		TriggerThreshold:         cfg.TriggerThreshold(),
		TriggerFloor:             cfg.Evaluator.TriggerFloor,
		HighPressureThreshold:    cfg.Evaluator.HighPressureThreshold,
		IdleWindow:               cfg.Evaluator.IdleWindow,
		ActivityThresholdSeconds: cfg.Evaluator.ActivityThresholdSeconds,
	}

	var eval evaluator.Evaluator = ruleEval
	if cfg.Evaluator.Mode == "model" {
		client := newHTTPModelClient(cfg.Evaluator.Model.Endpoint, os.Getenv(cfg.Evaluator.Model.TokenEnv), cfg.Evaluator.Model.RequestTimeout)
		me := evaluator.NewModelEvaluator(client, ruleEval)
		me.NFail = cfg.Evaluator.Model.NFail
		me.RecoveryInterval = cfg.Evaluator.Model.RecoveryInterval
		me.RequestTimeout = cfg.Evaluator.Model.RequestTimeout
		eval = me
	}

	whCfg := webhook.DefaultConfig(cfg.Webhook.BaseURL, os.Getenv(cfg.Webhook.TokenEnv))
	whCfg.AuthHeaderName = cfg.Webhook.AuthHeaderName
	whCfg.RequestTimeout = cfg.Webhook.RequestTimeout
	whCfg.MaxRetries = cfg.Webhook.MaxRetries
	whCfg.BackoffStart = cfg.Webhook.BackoffStart
	whCfg.BackoffCap = cfg.Webhook.BackoffCap
	whClient := webhook.New(whCfg)
	if whClient.AuthMissing() {
		log.Warn("webhook token not set; calls will be made with auth=missing", zap.String("token_env", cfg.Webhook.TokenEnv))
	}

	metrics := observability.NewMetrics()

	fsWatcher := sensors.NewFilesystemWatcher(cfg.Sensors.FilesystemWatchDir)
	conv := sensors.NewConversationActivity(cfg.Sensors.ConversationDir, cfg.Sensors.ConversationSizeFloor, cfg.Sensors.ConversationActiveWindow)
	sysHealth := sensors.NewSystemHealth(cfg.Sensors.SystemHealthPath, cfg.Sensors.SystemHealthBudget)
	scrape := sensors.NewSourceScrape(cfg.Sensors.SourceScrapeSpikeDelta)

	d := &Daemon{
		cfg:           cfg,
		log:           log,
		clk:           clk,
		engine:        engine,
		ruleEvaluator: ruleEval,
		eval:          eval,
		guardrails:    gr,
		auditLog:      auditLog,
		mutator:       mut,
		store:         store,
		triggerHist:   triggerHist,
		processLock:   lock,
		webhookClient: whClient,
		metrics:       metrics,
		fsWatcher:     fsWatcher,
		conversation:  conv,
		sysHealth:     sysHealth,
		scrape:        scrape,
		turnLimiter:   newTurnLimiter(),
		performance:   make(map[string]perfAccumulator),

		mutationsEnabled: func() bool { return true },
	}
	if persisted != nil {
		d.turnLimiter.restore(unixToTime(persisted.TriggerTimestamps))
		if persisted.LastTrigger != nil {
			d.lastTriggerAt = time.Unix(persisted.LastTrigger.Timestamp, 0)
			d.lastTriggerReason = persisted.LastTrigger.Reason
		}
	}
	d.resyncSourceWatches()

	d.healthServer = health.New(log, cfg.HTTP.HealthAddr, mut, auditLog, metrics, d, d, d.mutationsEnabled)

	return d, nil
}

func persistedOverrides(st *statestore.State) map[string]interface{} {
	if st == nil {
		return nil
	}
	return st.ConfigOverrides
}

func unixToTime(ts []int64) []time.Time {
	out := make([]time.Time, len(ts))
	for i, t := range ts {
		out[i] = time.Unix(t, 0)
	}
	return out
}

func timeToUnix(ts []time.Time) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.Unix()
	}
	return out
}

func applyGuardrailsOverrides(b *guardrails.Bounds, o config.GuardrailsConfig) {
	if o.WeightMaxDelta > 0 {
		b.WeightMaxDelta = o.WeightMaxDelta
	}
	if o.ThresholdMin > 0 {
		b.ThresholdMin = o.ThresholdMin
	}
	if o.ThresholdMax > 0 {
		b.ThresholdMax = o.ThresholdMax
	}
	if o.RateMin > 0 {
		b.RateMin = o.RateMin
	}
	if o.RateMax > 0 {
		b.RateMax = o.RateMax
	}
	if o.CooldownMin > 0 {
		b.CooldownMin = o.CooldownMin
	}
	if o.CooldownMax > 0 {
		b.CooldownMax = o.CooldownMax
	}
	if o.TurnsPerHourMin > 0 {
		b.TurnsPerHourMin = o.TurnsPerHourMin
	}
	if o.TurnsPerHourMax > 0 {
		b.TurnsPerHourMax = o.TurnsPerHourMax
	}
	if o.MaxManualDelta > 0 {
		b.MaxManualDelta = o.MaxManualDelta
	}
	if o.MaxPerHour > 0 {
		b.MaxPerHour = o.MaxPerHour
	}
}

func buildEngine(cfg *config.Config, persisted *statestore.State, clk clock.Clock) *drive.Engine {
	limits := drive.Limits{PMax: cfg.Engine.MaxPressure, WMin: cfg.Engine.WeightMin, WMax: cfg.Engine.WeightMax, WProtectedMin: cfg.Engine.WeightProtectedMin}
	eng := drive.New(clk, limits, cfg.Engine.PressureRate, cfg.Engine.SourceSpikeAmount)

	persistedByName := make(map[string]drive.Drive)
	var persistedOrder []string
	if persisted != nil {
		for _, d := range persisted.Drives {
			persistedByName[d.Name] = d
			persistedOrder = append(persistedOrder, d.Name)
		}
	}

	var final []drive.Drive
	seen := make(map[string]bool)
	for _, dc := range cfg.Drives {
		if pd, ok := persistedByName[dc.Name]; ok {
			final = append(final, pd)
		} else {
			final = append(final, drive.Drive{
				Name: dc.Name, Weight: dc.Weight, Sources: dc.Sources,
				Protected: dc.Protected, CreatedAt: clk.Now(),
			})
		}
		seen[dc.Name] = true
	}
	// Mutation-added drives persisted but absent from config defaults
	// survive a restart too.
	for _, name := range persistedOrder {
		if !seen[name] {
			final = append(final, persistedByName[name])
		}
	}

	var totalTriggers uint64
	if persisted != nil {
		totalTriggers = persisted.TotalTriggers
	}
	eng.Restore(drive.Snapshot{Drives: final, TotalTriggers: totalTriggers})
	return eng
}

// resyncSourceWatches rebuilds the SourceScrape registration from current
// engine state. Cheap at Pulse's drive-count scale; called at startup and
// after every mutation drain since add_drive/remove_drive are the only
// mutation kinds that change a drive's watched sources.
func (d *Daemon) resyncSourceWatches() {
	for _, name := range d.engine.Names() {
		d.scrape.Unwatch(name)
	}
	for _, dr := range d.engine.All() {
		for _, src := range dr.Sources {
			d.scrape.Watch(dr.Name, src)
		}
	}
}

// HealthServer exposes the wired health.Server for cmd/pulsed to Serve.
func (d *Daemon) HealthServer() *health.Server { return d.healthServer }

// Metrics exposes the wired observability.Metrics for cmd/pulsed to serve
// on the standalone metrics listener.
func (d *Daemon) Metrics() *observability.Metrics { return d.metrics }

// Close releases the process lock and performs a final save. Must be
// called exactly once, after Run returns (spec §4.9 step 7: "flush state
// ... release lock").
func (d *Daemon) Close() error {
	if err := d.persist(); err != nil {
		d.log.Error("final state save failed", zap.Error(err))
	}
	return d.processLock.Release()
}

func (d *Daemon) allSensors() []sensors.Sensor {
	return []sensors.Sensor{d.fsWatcher, d.conversation, d.sysHealth, d.scrape}
}

// Run executes the main loop until ctx is cancelled: sense -> tick -> drain
// mutations -> decide -> webhook -> ingest feedback -> persist -> sleep
// (spec §4.9, §5). A single iteration's error or panic is contained;
// max_consecutive_loop_failures consecutive failures is fatal.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = d.clk.Now()
	d.lastTick = d.startedAt

	for _, s := range d.allSensors() {
		if err := s.Initialize(); err != nil {
			d.log.Warn("sensor initialize failed", zap.String("sensor", s.Name()), zap.Error(err))
		}
	}
	defer func() {
		for _, s := range d.allSensors() {
			_ = s.Stop()
		}
	}()

	ticker := time.NewTicker(d.cfg.Daemon.LoopInterval)
	defer ticker.Stop()

	var lastSave time.Time
	var loopsSinceEvolution int

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := d.clk.Now()
			if err := d.runIteration(ctx, &loopsSinceEvolution); err != nil {
				d.consecutiveFailures++
				d.log.Error("loop iteration failed", zap.Error(err), zap.Int("consecutive_failures", d.consecutiveFailures))
				if d.consecutiveFailures >= d.cfg.Daemon.MaxConsecutiveLoopFailures {
					return fmt.Errorf("daemon: %d consecutive loop failures: %w", d.consecutiveFailures, err)
				}
				d.degraded = true
			} else {
				d.consecutiveFailures = 0
			}
			d.metrics.LoopIterationsTotal.Inc()

			if lastSave.IsZero() || now.Sub(lastSave) >= d.cfg.Daemon.SaveInterval {
				if err := d.persist(); err != nil {
					d.log.Error("state save failed", zap.Error(err))
					_ = d.engine.Spike("system", 1.0) // no-op if the "system" drive is absent
				}
				lastSave = now
			}
			d.publishSnapshot()
		}
	}
}

// runIteration runs one pass of the loop body, recovering from panics so a
// single bad tick never crashes the daemon (spec §7).
func (d *Daemon) runIteration(ctx context.Context, loopsSinceEvolution *int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	now := d.clk.Now()
	dt := now.Sub(d.lastTick)
	d.lastTick = now

	var scraped sensors.Reading
	for _, s := range d.allSensors() {
		r := s.Read()
		if s == d.scrape {
			scraped = r
		}
	}
	changedSources := d.fsWatcher.ChangedPaths()
	directives := make([]drive.SpikeDirective, 0, len(scraped.Directives))
	for _, sd := range scraped.Directives {
		directives = append(directives, drive.SpikeDirective{Drive: sd.Drive, Delta: sd.Delta})
	}

	d.engine.Tick(dt, changedSources, directives)
	d.metrics.TicksTotal.Inc()
	for _, dr := range d.engine.All() {
		d.metrics.DrivePressure.WithLabelValues(dr.Name).Set(dr.Pressure)
		d.metrics.DriveWeight.WithLabelValues(dr.Name).Set(dr.Weight)
	}
	for _, sd := range directives {
		d.metrics.SpikesTotal.WithLabelValues(sd.Drive).Inc()
	}

	entries, derr := d.mutator.Drain(now)
	if derr != nil {
		d.log.Error("mutation drain failed", zap.Error(derr))
	}
	for _, e := range entries {
		d.metrics.MutationsTotal.WithLabelValues(string(e.Kind), string(e.Outcome)).Inc()
	}
	d.resyncSourceWatches()
	d.metrics.MutationRateLimitRemaining.Set(float64(d.guardrails.Limiter().Remaining(now)))

	// The rule evaluator's threshold field is owned by this goroutine alone
	// (Decide is only ever called here); re-sync it from config so
	// adjust_threshold mutations applied above take effect this tick.
	d.ruleEvaluator.TriggerThreshold = d.cfg.TriggerThreshold()

	active, secondsSince := d.conversation.Active(now)
	evalCtx := evaluator.Context{
		ConversationActive:      active,
		SecondsSinceLastMessage: secondsSince,
		Summary:                 d.sensorSummaryString(),
	}
	decision := d.eval.Decide(d.engine.All(), evalCtx, now)
	if d.eval.Mode() == "degraded" {
		d.metrics.EvaluatorDegraded.Set(1)
	} else {
		d.metrics.EvaluatorDegraded.Set(0)
	}

	if decision.ShouldTrigger {
		d.dispatchEvaluatorTrigger(ctx, now, decision)
	}

	d.drainFeedback()

	*loopsSinceEvolution++
	if d.cfg.Daemon.EvolutionInterval > 0 && *loopsSinceEvolution >= d.cfg.Daemon.EvolutionInterval {
		*loopsSinceEvolution = 0
		d.evolveWeights()
	}

	return nil
}

// dispatchEvaluatorTrigger gates an evaluator-driven trigger through the
// same cooldown/rate-limit path as a manual /trigger (spec §4.9: "cooldown
// and rate limiting live in the daemon, governing every trigger path
// uniformly").
func (d *Daemon) dispatchEvaluatorTrigger(ctx context.Context, now time.Time, decision evaluator.TriggerDecision) {
	d.triggerMu.Lock()
	if now.Sub(d.lastTriggerAt) < d.cfg.Cooldown() {
		d.triggerMu.Unlock()
		d.log.Debug("trigger suppressed by cooldown", zap.String("reason", decision.Reason))
		return
	}
	if !d.turnLimiter.allow(now, d.cfg.MaxTurnsPerHour()) {
		d.triggerMu.Unlock()
		d.log.Warn("trigger suppressed by max_turns_per_hour")
		return
	}
	d.lastTriggerAt = now
	d.triggerMu.Unlock()

	d.sendTrigger(ctx, now, decision.Reason, decision.TopDrive, decision.TotalPressure)
}

// sendTrigger dispatches the webhook call, records the trigger-history
// entry, and updates metrics. Shared by evaluator-driven and manual
// triggers once cooldown/rate-limit gating has already passed.
func (d *Daemon) sendTrigger(ctx context.Context, now time.Time, reason, topDrive string, totalPressure float64) webhook.Result {
	message := fmt.Sprintf("pulse trigger: %s (top=%s total_pressure=%.2f)", reason, topDrive, totalPressure)
	start := d.clk.Now()
	res := d.webhookClient.Wake(ctx, message, map[string]interface{}{
		"timestamp":      now.Unix(),
		"reason":         reason,
		"top_drive":      topDrive,
		"total_pressure": totalPressure,
	})
	d.metrics.WebhookLatency.Observe(d.clk.Since(start).Seconds())
	d.metrics.WebhookCallsTotal.WithLabelValues(string(res.Status)).Inc()

	_ = d.triggerHist.Append(statestore.TriggerHistoryEntry{
		Timestamp:     now.Unix(),
		Reason:        reason,
		TopDrive:      topDrive,
		TotalPressure: totalPressure,
		WebhookStatus: string(res.Status),
	})

	d.lastTriggerReason = reason
	if res.OK {
		d.engine.IncrementTriggers()
		d.metrics.TriggersTotal.WithLabelValues(d.eval.Mode()).Inc()
	} else {
		d.log.Warn("webhook dispatch failed", zap.String("status", string(res.Status)), zap.String("reason", reason))
	}
	return res
}

// ManualTrigger implements health.TriggerRequester for POST /trigger.
func (d *Daemon) ManualTrigger(ctx context.Context) health.ManualTriggerResult {
	now := d.clk.Now()

	d.triggerMu.Lock()
	if now.Sub(d.lastTriggerAt) < d.cfg.Cooldown() {
		d.triggerMu.Unlock()
		return health.ManualTriggerResult{RateLimited: true, Reason: "cooldown"}
	}
	if !d.turnLimiter.allow(now, d.cfg.MaxTurnsPerHour()) {
		d.triggerMu.Unlock()
		return health.ManualTriggerResult{RateLimited: true, Reason: "max_turns_per_hour"}
	}
	d.lastTriggerAt = now
	d.triggerMu.Unlock()

	topName, _, _ := d.engine.TopDrive()
	total := d.engine.TotalWeightedPressure()
	res := d.sendTrigger(ctx, now, "manual trigger", topName, total)
	if !res.OK {
		return health.ManualTriggerResult{WebhookFailed: true, Reason: string(res.Status)}
	}
	return health.ManualTriggerResult{Dispatched: true}
}

// SubmitFeedback implements health.FeedbackSubmitter for POST /feedback. It
// queues the request and blocks until the main loop's next "ingest
// feedback" step drains it, so feedback arriving mid-iteration is applied
// on the following iteration rather than reentrantly (spec §5).
func (d *Daemon) SubmitFeedback(addressed []string, outcome drive.Outcome, summary string) []drive.FeedbackResult {
	req := feedbackRequest{
		addressed: addressed,
		outcome:   outcome,
		summary:   summary,
		resultCh:  make(chan []drive.FeedbackResult, 1),
	}
	d.feedbackMu.Lock()
	d.pendingFeedback = append(d.pendingFeedback, req)
	d.feedbackMu.Unlock()
	return <-req.resultCh
}

func (d *Daemon) drainFeedback() {
	d.feedbackMu.Lock()
	pending := d.pendingFeedback
	d.pendingFeedback = nil
	d.feedbackMu.Unlock()

	for _, req := range pending {
		results := d.engine.ApplyFeedback(req.addressed, req.outcome, d.cfg.Engine.SuccessDecay, d.cfg.Engine.ProportionalDecayFactor)
		d.recordPerformance(req.addressed, req.outcome)
		d.metrics.FeedbackTotal.WithLabelValues(string(req.outcome)).Inc()
		req.resultCh <- results
	}
}

func (d *Daemon) recordPerformance(addressed []string, outcome drive.Outcome) {
	var score float64
	switch outcome {
	case drive.OutcomeSuccess:
		score = 1
	case drive.OutcomePartial:
		score = 0.3
	case drive.OutcomeFailure:
		score = -1
	}
	d.perfMu.Lock()
	defer d.perfMu.Unlock()
	for _, name := range addressed {
		acc := d.performance[name]
		acc.sum += score
		acc.n++
		d.performance[name] = acc
	}
}

// evolveWeights nudges each drive's weight toward its accumulated feedback
// quality since the last cycle, then resets the accumulator (spec §4.1:
// evolve_weights, called at most every evolution_interval_loops).
func (d *Daemon) evolveWeights() {
	d.perfMu.Lock()
	samples := make([]drive.PerformanceSample, 0, len(d.performance))
	for name, acc := range d.performance {
		if acc.n == 0 {
			continue
		}
		samples = append(samples, drive.PerformanceSample{Drive: name, Quality: acc.sum / float64(acc.n)})
	}
	d.performance = make(map[string]perfAccumulator)
	d.perfMu.Unlock()

	if len(samples) == 0 {
		return
	}
	d.engine.EvolveWeights(samples, d.cfg.Engine.MaxWeightDeltaPerEvolution)
}

func (d *Daemon) sensorSummaryString() string {
	snap := d.sysHealth.Snapshot()
	active, secondsSince := d.conversation.Active(d.clk.Now())
	return fmt.Sprintf("mem=%.0f%% disk=%.0f%% cpu=%.0f%% conv_active=%v last_msg=%.0fs",
		snap.MemUsedPercent, snap.DiskUsedPercent, snap.CPUPercent, active, secondsSince)
}

func (d *Daemon) sensorSummaryMap() map[string]interface{} {
	snap := d.sysHealth.Snapshot()
	active, secondsSince := d.conversation.Active(d.clk.Now())
	return map[string]interface{}{
		"mem_used_percent":           snap.MemUsedPercent,
		"disk_used_percent":          snap.DiskUsedPercent,
		"cpu_percent":                snap.CPUPercent,
		"system_health_degraded":     snap.Degraded,
		"conversation_active":        active,
		"seconds_since_last_message": secondsSince,
	}
}

func (d *Daemon) statusString() string {
	if d.consecutiveFailures > 0 {
		return "degraded"
	}
	return "ok"
}

func (d *Daemon) publishSnapshot() {
	now := d.clk.Now()
	var lastTriggerTS int64
	if !d.lastTriggerAt.IsZero() {
		lastTriggerTS = d.lastTriggerAt.Unix()
	}
	snap := health.Snapshot{
		Status:               d.statusString(),
		UptimeSeconds:        d.clk.Since(d.startedAt).Seconds(),
		Version:              config.Version,
		Drives:               d.engine.All(),
		SensorSummary:        d.sensorSummaryMap(),
		EvaluatorMode:        d.eval.Mode(),
		Degraded:             d.degraded,
		TriggerThreshold:     d.cfg.TriggerThreshold(),
		CooldownSeconds:      d.cfg.CooldownSeconds(),
		MaxTurnsPerHour:      d.cfg.MaxTurnsPerHour(),
		RateLimitRemaining:   d.guardrails.Limiter().Remaining(now),
		LastTriggerTimestamp: lastTriggerTS,
		LastTriggerReason:    d.lastTriggerReason,
	}
	d.healthServer.Publish(snap)
}

// persist writes the full engine/config/rate-limit state atomically (spec
// §4.5), called on the save_interval cadence and unconditionally on
// shutdown via Close.
func (d *Daemon) persist() error {
	snap := d.engine.Snapshot()
	st := statestore.State{
		Drives:             snap.Drives,
		TotalTriggers:      snap.TotalTriggers,
		ConfigOverrides:    d.cfg.Overrides(),
		MutationTimestamps: timeToUnix(d.guardrails.Limiter().Snapshot()),
		TriggerTimestamps:  timeToUnix(d.turnLimiter.snapshot()),
	}
	if !d.lastTriggerAt.IsZero() {
		st.LastTrigger = &statestore.LastTrigger{Timestamp: d.lastTriggerAt.Unix(), Reason: d.lastTriggerReason}
	}
	return d.store.Save(st)
}

// Reload re-reads and re-validates the config file at path, applying only
// the mutable subset (trigger threshold, cooldown, max turns per hour) on
// success. An invalid file is logged and the running config is left
// untouched (spec §4.9 hot-reload; destructive fields such as state_dir or
// HTTP addresses require a restart and are never touched here).
func (d *Daemon) Reload(path string) {
	newCfg, err := config.Load(path)
	if err != nil {
		d.log.Error("config reload failed, retaining previous config", zap.Error(err))
		return
	}
	d.cfg.SetTriggerThreshold(newCfg.TriggerThreshold())
	d.cfg.SetCooldown(newCfg.Cooldown())
	d.cfg.SetMaxTurnsPerHour(newCfg.MaxTurnsPerHour())
	d.ruleEvaluator.TriggerThreshold = newCfg.TriggerThreshold()
	d.log.Info("config reloaded")
}
