package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulseagent/pulse/internal/drive"
)

func drives(weightedPressures ...float64) []drive.Drive {
	out := make([]drive.Drive, 0, len(weightedPressures))
	for i, wp := range weightedPressures {
		name := string(rune('a' + i))
		out = append(out, drive.Drive{Name: name, Weight: 1.0, Pressure: wp})
	}
	return out
}

func TestRuleEvaluatorBelowThreshold(t *testing.T) {
	r := DefaultRuleEvaluator()
	d := TriggerDecision{}
	d = r.Decide(drives(1.0, 1.0), Context{SecondsSinceLastMessage: 1000}, time.Now())
	if d.ShouldTrigger {
		t.Fatalf("expected no trigger below threshold, got %+v", d)
	}
}

func TestRuleEvaluatorThresholdExceeded(t *testing.T) {
	r := DefaultRuleEvaluator()
	d := r.Decide(drives(4.0, 2.0), Context{SecondsSinceLastMessage: 1000}, time.Now())
	if !d.ShouldTrigger || d.Reason != "threshold exceeded" {
		t.Fatalf("expected threshold exceeded trigger, got %+v", d)
	}
}

func TestRuleEvaluatorFloorGuardBlocksManySmallDrives(t *testing.T) {
	r := DefaultRuleEvaluator()
	// total = 6.0 but each drive is well under the 1.5 floor.
	d := r.Decide(drives(1.0, 1.0, 1.0, 1.0, 1.0, 1.0), Context{SecondsSinceLastMessage: 1000}, time.Now())
	if d.ShouldTrigger {
		t.Fatalf("expected floor guard to block trigger, got %+v", d)
	}
}

func TestRuleEvaluatorConversationSuppression(t *testing.T) {
	r := DefaultRuleEvaluator()
	d := r.Decide(drives(4.0, 2.0), Context{ConversationActive: true, SecondsSinceLastMessage: 30}, time.Now())
	if d.ShouldTrigger {
		t.Fatalf("expected conversation suppression, got %+v", d)
	}
	if d.Reason != "conversation suppressed" {
		t.Fatalf("reason = %q, want conversation suppressed", d.Reason)
	}
}

func TestRuleEvaluatorHighPressureOverridesEverything(t *testing.T) {
	r := DefaultRuleEvaluator()
	// total well above HighPressureThreshold, idle well past IdleWindow.
	d := r.Decide(drives(6.0, 6.0), Context{ConversationActive: false, SecondsSinceLastMessage: 3600}, time.Now())
	if !d.ShouldTrigger || d.Reason != "high pressure override" {
		t.Fatalf("expected high pressure override, got %+v", d)
	}
}

type stubClient struct {
	resp ModelResponse
	err  error
	n    int
}

func (s *stubClient) Ask(ctx context.Context, prompt string) (ModelResponse, error) {
	s.n++
	return s.resp, s.err
}

func TestModelEvaluatorDelegatesToModelOnSuccess(t *testing.T) {
	client := &stubClient{resp: ModelResponse{ShouldTrigger: true, Reason: "model says go"}}
	m := NewModelEvaluator(client, DefaultRuleEvaluator())

	d := m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, time.Now())
	if !d.ShouldTrigger || d.Reason != "model says go" {
		t.Fatalf("expected model decision to pass through, got %+v", d)
	}
	if m.Mode() != "model" {
		t.Fatalf("Mode() = %q, want model", m.Mode())
	}
}

func TestModelEvaluatorDegradesAfterNFailures(t *testing.T) {
	client := &stubClient{err: errors.New("boom")}
	m := NewModelEvaluator(client, DefaultRuleEvaluator())
	m.NFail = 2

	now := time.Now()
	m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now)
	if m.Mode() != "model" {
		t.Fatalf("Mode() after 1 failure = %q, want still model", m.Mode())
	}
	m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now)
	if m.Mode() != "degraded" {
		t.Fatalf("Mode() after N_fail failures = %q, want degraded", m.Mode())
	}
	if client.n != 2 {
		t.Fatalf("client called %d times, want 2", client.n)
	}
}

func TestModelEvaluatorFallsBackWhileDegraded(t *testing.T) {
	client := &stubClient{err: errors.New("boom")}
	m := NewModelEvaluator(client, DefaultRuleEvaluator())
	m.NFail = 1

	now := time.Now()
	m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now) // fails, degrades
	if m.Mode() != "degraded" {
		t.Fatalf("expected degraded after first failure with NFail=1")
	}
	calls := client.n
	// Within RecoveryInterval: should not call the model again.
	d := m.Decide(drives(4.0, 2.0), Context{SecondsSinceLastMessage: 1000}, now.Add(time.Second))
	if client.n != calls {
		t.Fatalf("model called again before recovery interval elapsed")
	}
	if !d.ShouldTrigger || d.Reason != "threshold exceeded" {
		t.Fatalf("expected rule-evaluator fallback decision, got %+v", d)
	}
}

func TestModelEvaluatorRecoversAfterInterval(t *testing.T) {
	client := &stubClient{err: errors.New("boom")}
	m := NewModelEvaluator(client, DefaultRuleEvaluator())
	m.NFail = 1
	m.RecoveryInterval = time.Minute

	now := time.Now()
	m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now)
	if m.Mode() != "degraded" {
		t.Fatalf("expected degraded")
	}

	client.err = nil
	client.resp = ModelResponse{ShouldTrigger: true, Reason: "recovered"}

	d := m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now.Add(2*time.Minute))
	if m.Mode() != "model" {
		t.Fatalf("expected recovery back to model mode, got %q", m.Mode())
	}
	if !d.ShouldTrigger || d.Reason != "recovered" {
		t.Fatalf("expected recovery probe result to be used, got %+v", d)
	}
}

func TestModelEvaluatorSuppressMinutesHonored(t *testing.T) {
	client := &stubClient{resp: ModelResponse{ShouldTrigger: false, Reason: "not yet", SuppressMinutes: 10}}
	m := NewModelEvaluator(client, DefaultRuleEvaluator())

	now := time.Now()
	m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now)

	client.resp = ModelResponse{ShouldTrigger: true, Reason: "should not be seen"}
	d := m.Decide(drives(1.0), Context{SecondsSinceLastMessage: 1000}, now.Add(5*time.Minute))
	if d.ShouldTrigger || d.Reason != "suppressed by evaluator" {
		t.Fatalf("expected suppression to hold, got %+v", d)
	}
	if client.n != 1 {
		t.Fatalf("model should not have been called while suppressed, n=%d", client.n)
	}
}
