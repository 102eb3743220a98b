package health

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseagent/pulse/internal/audit"
	"github.com/pulseagent/pulse/internal/clock"
	"github.com/pulseagent/pulse/internal/drive"
	"github.com/pulseagent/pulse/internal/guardrails"
	"github.com/pulseagent/pulse/internal/mutation"
	"github.com/pulseagent/pulse/internal/mutator"
	"github.com/pulseagent/pulse/internal/observability"
)

type fakeConfig struct {
	threshold    float64
	cooldown     time.Duration
	turnsPerHour int
}

func (f *fakeConfig) TriggerThreshold() float64     { return f.threshold }
func (f *fakeConfig) SetTriggerThreshold(v float64) { f.threshold = v }
func (f *fakeConfig) CooldownSeconds() float64      { return f.cooldown.Seconds() }
func (f *fakeConfig) SetCooldown(d time.Duration)   { f.cooldown = d }
func (f *fakeConfig) MaxTurnsPerHour() int          { return f.turnsPerHour }
func (f *fakeConfig) SetMaxTurnsPerHour(n int)      { f.turnsPerHour = n }

type fakeTrigger struct {
	result ManualTriggerResult
	calls  int
}

func (f *fakeTrigger) ManualTrigger(ctx context.Context) ManualTriggerResult {
	f.calls++
	return f.result
}

type fakeFeedback struct {
	results []drive.FeedbackResult
	got     struct {
		addressed []string
		outcome   drive.Outcome
		summary   string
	}
}

func (f *fakeFeedback) SubmitFeedback(addressed []string, outcome drive.Outcome, summary string) []drive.FeedbackResult {
	f.got.addressed = addressed
	f.got.outcome = outcome
	f.got.summary = summary
	return f.results
}

func newTestServer(t *testing.T, trigger TriggerRequester, feedback FeedbackSubmitter, mutatorEnabled func() bool) (*Server, *mutator.Mutator, *audit.Log) {
	t.Helper()
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	eng := drive.New(c, drive.DefaultLimits(), 1.0, 1.5)
	eng.AddDrive("goals", 1.0, nil)

	auditLog := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	g := guardrails.New(guardrails.DefaultBounds(), drive.DefaultLimits())
	cfg := &fakeConfig{threshold: 5.0, cooldown: 10 * time.Minute, turnsPerHour: 6}
	mut := mutator.New(eng, g, auditLog, cfg, filepath.Join(t.TempDir(), "mutations.json"))
	metrics := observability.NewMetrics()

	if mutatorEnabled == nil {
		mutatorEnabled = func() bool { return true }
	}
	s := New(zap.NewNop(), "127.0.0.1:0", mut, auditLog, metrics, trigger, feedback, mutatorEnabled)
	return s, mut, auditLog
}

func decodeJSON(t *testing.T, b []byte) map[string]interface{} {
	t.Helper()
	require := require.New(t)
	var body map[string]interface{}
	require.NoError(json.Unmarshal(b, &body))
	return body
}

func TestHandleHealthBeforeFirstPublishReportsStarting(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	body := decodeJSON(t, w.Body.Bytes())
	require.Equal("starting", body["status"])
}

func TestHandleHealthReflectsPublishedSnapshot(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	s.Publish(Snapshot{Status: "ok", UptimeSeconds: 12.5, Degraded: false})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	body := decodeJSON(t, w.Body.Bytes())
	require.Equal("ok", body["status"])
	require.Equal(12.5, body["uptime_s"])
}

func TestHandleHealthRejectsNonGet(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleStateIncludesDrivesAndRateLimit(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	s.Publish(Snapshot{
		Drives:             []drive.Drive{{Name: "goals", Pressure: 2.0, Weight: 1.0}},
		RateLimitRemaining: 18,
		EvaluatorMode:      "rule",
	})

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	w := httptest.NewRecorder()
	s.handleState(w, req)

	body := decodeJSON(t, w.Body.Bytes())
	require.Equal(float64(18), body["rate_limit_remaining"])
	drives, ok := body["drives"].([]interface{})
	require.True(ok, "drives field should be a list")
	require.Len(drives, 1)
}

func TestHandleConfigGetReflectsSnapshot(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	s.Publish(Snapshot{TriggerThreshold: 5.0, CooldownSeconds: 600, MaxTurnsPerHour: 6, EvaluatorMode: "rule"})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	body := decodeJSON(t, w.Body.Bytes())
	require.Equal(5.0, body["trigger_threshold"])
}

func TestHandleConfigPostAppliesAcceptedMutation(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	body, _ := json.Marshal(mutation.Mutation{Kind: mutation.AdjustThreshold, Value: 6.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
}

func TestHandleConfigPostRejectsWhenMutatorDisabled(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, func() bool { return false })
	body, _ := json.Marshal(mutation.Mutation{Kind: mutation.AdjustThreshold, Value: 6.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleConfigPostRejectsOutOfRangeValue(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	body, _ := json.Marshal(mutation.Mutation{Kind: mutation.AdjustThreshold, Value: 999.0})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleConfigPostIgnoresUnknownFieldsWithWarning(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)

	payload, _ := json.Marshal(map[string]interface{}{
		"kind":           "adjust_threshold",
		"value":          6.0,
		"unexpected_key": "surprise",
	})
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.handleConfig(w, req)

	require.Equal(http.StatusOK, w.Code, "unknown fields should be ignored, not rejected: %s", w.Body.String())
	require.Equal(float64(1), testutil.ToFloat64(s.metrics.InputWarningsTotal.WithLabelValues("/config", "unknown_field")))
}

func TestHandleFeedbackForwardsToSubmitter(t *testing.T) {
	require := require.New(t)
	fb := &fakeFeedback{results: []drive.FeedbackResult{{Name: "goals", Before: 2.0, After: 0.6}}}
	s, _, _ := newTestServer(t, &fakeTrigger{}, fb, nil)

	payload, _ := json.Marshal(map[string]interface{}{
		"drives_addressed": []string{"goals"},
		"outcome":          "success",
		"summary":          "handled it",
	})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.handleFeedback(w, req)

	require.Equal(http.StatusOK, w.Code)
	require.Equal([]string{"goals"}, fb.got.addressed)
	require.Equal(drive.OutcomeSuccess, fb.got.outcome)
}

func TestHandleFeedbackRejectsInvalidOutcome(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	payload, _ := json.Marshal(map[string]interface{}{"outcome": "maybe"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.handleFeedback(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTriggerDispatched(t *testing.T) {
	trig := &fakeTrigger{result: ManualTriggerResult{Dispatched: true}}
	s, _, _ := newTestServer(t, trig, &fakeFeedback{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	s.handleTrigger(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, trig.calls)
}

func TestHandleTriggerRateLimited(t *testing.T) {
	trig := &fakeTrigger{result: ManualTriggerResult{RateLimited: true, Reason: "cooldown"}}
	s, _, _ := newTestServer(t, trig, &fakeFeedback{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	s.handleTrigger(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandleMutationsReturnsRecentAuditEntries(t *testing.T) {
	require := require.New(t)
	s, mut, _ := newTestServer(t, &fakeTrigger{}, &fakeFeedback{}, nil)
	mut.ApplyNow(mutation.Mutation{Kind: mutation.AdjustThreshold, Value: 6.0}, time.Now())
	mut.ApplyNow(mutation.Mutation{Kind: mutation.AdjustRate, Value: 0.02}, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/mutations?n=1", nil)
	w := httptest.NewRecorder()
	s.handleMutations(w, req)

	body := decodeJSON(t, w.Body.Bytes())
	entries, ok := body["entries"].([]interface{})
	require.True(ok, "entries field should be a list")
	require.Len(entries, 1, "n=1 should cap the result")
}
