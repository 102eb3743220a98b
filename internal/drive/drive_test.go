package drive

import (
	"testing"
	"time"

	"github.com/pulseagent/pulse/internal/clock"
)

func newTestEngine(rate float64) *Engine {
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(c, DefaultLimits(), rate, 1.5)
}

func TestTickRateFormula(t *testing.T) {
	e := newTestEngine(6.0) // 6 units/minute
	e.AddDrive("goals", 1.0, nil)

	e.Tick(30*time.Second, nil, nil) // dt=30s -> 0.5 min -> +3.0
	d, _ := e.Get("goals")
	if got, want := d.Pressure, 3.0; got != want {
		t.Fatalf("pressure = %v, want %v", got, want)
	}
}

func TestTickClampsToMax(t *testing.T) {
	e := newTestEngine(1000.0)
	e.AddDrive("goals", 1.0, nil)
	e.Tick(600*time.Second, nil, nil)
	d, _ := e.Get("goals")
	if d.Pressure != DefaultLimits().PMax {
		t.Fatalf("pressure = %v, want clamped to %v", d.Pressure, DefaultLimits().PMax)
	}
}

func TestSpikeThenDecayIsIdentity(t *testing.T) {
	e := newTestEngine(0)
	e.AddDrive("curiosity", 1.0, nil)
	e.Spike("curiosity", 2.0)
	e.Decay("curiosity", 2.0)
	d, _ := e.Get("curiosity")
	if d.Pressure != 0 {
		t.Fatalf("pressure = %v, want 0", d.Pressure)
	}
}

func TestDecayAllZeroIsIdentity(t *testing.T) {
	e := newTestEngine(0)
	e.AddDrive("goals", 1.0, nil)
	e.Spike("goals", 4.0)
	before, _ := e.Get("goals")
	e.ApplyFeedback(nil, OutcomeFailure, 0.7, 2.0)
	after, _ := e.Get("goals")
	if before.Pressure != after.Pressure {
		t.Fatalf("decay_all(failure) changed pressure: %v -> %v", before.Pressure, after.Pressure)
	}
}

func TestAddDriveAlreadyExists(t *testing.T) {
	e := newTestEngine(0)
	if err := e.AddDrive("goals", 1.0, nil); err != nil {
		t.Fatalf("first AddDrive: %v", err)
	}
	if err := e.AddDrive("goals", 1.0, nil); err != ErrAlreadyExists {
		t.Fatalf("second AddDrive err = %v, want ErrAlreadyExists", err)
	}
}

func TestRemoveProtectedDriveBlocked(t *testing.T) {
	e := newTestEngine(0)
	e.LoadDrive(Drive{Name: "goals", Weight: 1.0, Protected: true})
	if err := e.RemoveDrive("goals"); err != ErrProtected {
		t.Fatalf("RemoveDrive err = %v, want ErrProtected", err)
	}
}

// TestScenario1 mirrors spec §8 scenario 1: trigger + success feedback
// decays the top drive fully, leaves the untouched drive alone.
func TestScenario1TriggerAndSuccessFeedback(t *testing.T) {
	e := newTestEngine(0)
	e.LoadDrive(Drive{Name: "goals", Weight: 1.0, Pressure: 6.0})
	e.LoadDrive(Drive{Name: "curiosity", Weight: 1.0, Pressure: 0.0})

	e.ApplyFeedback([]string{"goals"}, OutcomeSuccess, 0.7, 2.0)

	goals, _ := e.Get("goals")
	curiosity, _ := e.Get("curiosity")
	if got, want := goals.Pressure, 1.8; !almostEqual(got, want) {
		t.Fatalf("goals.pressure = %v, want %v", got, want)
	}
	if curiosity.Pressure != 0 {
		t.Fatalf("curiosity.pressure = %v, want unchanged 0", curiosity.Pressure)
	}
}

// TestScenario2 mirrors spec §8 scenario 2: proportional decay on a
// combined trigger where only one of two equally-weighted drives is named
// in the feedback.
func TestScenario2ProportionalDecay(t *testing.T) {
	e := newTestEngine(0)
	e.LoadDrive(Drive{Name: "goals", Weight: 1.0, Pressure: 3.0})
	e.LoadDrive(Drive{Name: "curiosity", Weight: 1.0, Pressure: 3.0})

	e.ApplyFeedback([]string{"goals"}, OutcomeSuccess, 0.7, 2.0)

	goals, _ := e.Get("goals")
	curiosity, _ := e.Get("curiosity")
	if !almostEqual(goals.Pressure, 0.9) {
		t.Fatalf("goals.pressure = %v, want ~0.9", goals.Pressure)
	}
	if !almostEqual(curiosity.Pressure, 0.9) {
		t.Fatalf("curiosity.pressure = %v, want ~0.9", curiosity.Pressure)
	}
	if got := e.TotalWeightedPressure(); got > 5.0 {
		t.Fatalf("total weighted pressure = %v, should be well under prior threshold of 5.0", got)
	}
}

func TestTopDriveTieBreaksByInsertionOrder(t *testing.T) {
	e := newTestEngine(0)
	e.LoadDrive(Drive{Name: "first", Weight: 1.0, Pressure: 2.0})
	e.LoadDrive(Drive{Name: "second", Weight: 1.0, Pressure: 2.0})

	name, _, ok := e.TopDrive()
	if !ok || name != "first" {
		t.Fatalf("TopDrive = %q, want %q (insertion order tie-break)", name, "first")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(2.0)
	e.LoadDrive(Drive{Name: "goals", Weight: 1.2, Pressure: 4.0, Protected: true})
	e.LoadDrive(Drive{Name: "curiosity", Weight: 0.8, Pressure: 1.0})
	e.IncrementTriggers()

	snap := e.Snapshot()

	restored := newTestEngine(2.0)
	restored.Restore(snap)

	if restored.TotalTriggers() != e.TotalTriggers() {
		t.Fatalf("TotalTriggers mismatch after restore")
	}
	for _, name := range e.Names() {
		want, _ := e.Get(name)
		got, ok := restored.Get(name)
		if !ok {
			t.Fatalf("drive %q missing after restore", name)
		}
		if !almostEqual(got.Pressure, want.Pressure) || !almostEqual(got.Weight, want.Weight) {
			t.Fatalf("drive %q mismatch after restore: got %+v want %+v", name, got, want)
		}
	}
}

func almostEqual(a, b float64) bool {
	const eps = 1e-9
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}
