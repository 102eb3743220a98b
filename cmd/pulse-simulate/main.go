// Package main — cmd/pulse-simulate/main.go
//
// Pulse tuning simulator.
//
// Purpose: replay the Drive Engine's tick/spike/feedback formulas (spec
// §4.1) over a synthetic timeline, outside a live daemon, so config
// authors can pick pressure_rate, success_decay, and
// proportional_decay_factor before deploying them.
//
// Model (mirrors internal/drive.Engine.Tick/ApplyFeedback exactly):
//
//	pressure += pressure_rate * (dt/60s) * weight          (every step)
//	pressure += spike_delta                                (every -spike-every steps)
//	pressure *= (1 - success_decay)                         (on trigger, simulated success feedback)
//
// A run "suppresses" correctly if, after every trigger, pressure stays
// below trigger_threshold for at least -cooldown-steps before rising to
// threshold again — i.e. the configured decay is strong enough that the
// cooldown window isn't wasted on an already-resolved drive.
//
// Output: per-step CSV to stdout (step, elapsed_s, pressure, triggered).
// Summary: suppression result to stderr.
//
// Usage:
//
//	pulse-simulate -steps 2000 -pressure-rate 0.05 -weight 1.0 \
//	  -trigger-threshold 5.0 -success-decay 0.6 -cooldown-steps 30
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"
)

func main() {
	steps := flag.Int("steps", 2000, "Number of simulated loop iterations")
	intervalSeconds := flag.Float64("interval-seconds", 10, "Seconds per simulated loop iteration (loop_interval)")
	pressureRate := flag.Float64("pressure-rate", 0.05, "Per-minute pressure accumulation rate, pre-weight")
	weight := flag.Float64("weight", 1.0, "Drive weight")
	pMax := flag.Float64("p-max", 20.0, "Pressure ceiling")
	spikeDelta := flag.Float64("spike-delta", 0.0, "Source-change spike amount applied every -spike-every steps (0 disables)")
	spikeEvery := flag.Int("spike-every", 0, "Steps between source-change spikes (0 disables)")
	triggerThreshold := flag.Float64("trigger-threshold", 5.0, "Weighted pressure that fires a trigger")
	successDecay := flag.Float64("success-decay", 0.6, "Fractional pressure decay applied on a simulated success-feedback response to each trigger")
	cooldownSteps := flag.Int("cooldown-steps", 30, "Steps a trigger's cooldown should hold pressure below threshold")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed (jittered step duration, if -jitter > 0)")
	jitter := flag.Float64("jitter", 0, "Fractional per-step duration jitter, e.g. 0.1 for ±10%")
	flag.Parse()

	if *pMax <= 0 {
		fmt.Fprintln(os.Stderr, "ERROR: p-max must be > 0")
		os.Exit(1)
	}
	if *successDecay < 0 || *successDecay > 1 {
		fmt.Fprintln(os.Stderr, "ERROR: success-decay must be in [0, 1]")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	sim := &simulator{
		intervalSeconds:  *intervalSeconds,
		pressureRate:     *pressureRate,
		weight:           *weight,
		pMax:             *pMax,
		spikeDelta:       *spikeDelta,
		spikeEvery:       *spikeEvery,
		triggerThreshold: *triggerThreshold,
		successDecay:     *successDecay,
		jitter:           *jitter,
		rng:              rng,
	}
	results := sim.run(*steps)

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "elapsed_s", "pressure", "triggered"})
	for _, r := range results {
		_ = w.Write([]string{
			strconv.Itoa(r.Step),
			strconv.FormatFloat(r.ElapsedSeconds, 'f', 2, 64),
			strconv.FormatFloat(r.Pressure, 'f', 6, 64),
			strconv.FormatBool(r.Triggered),
		})
	}
	w.Flush()

	summary := evaluateSuppression(results, *cooldownSteps, *triggerThreshold)
	fmt.Fprintf(os.Stderr, "\n=== SUPPRESSION RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Total triggers:              %d\n", summary.TotalTriggers)
	fmt.Fprintf(os.Stderr, "Triggers with held cooldown:  %d / %d\n", summary.HeldCooldowns, summary.TotalTriggers)
	fmt.Fprintf(os.Stderr, "Final pressure:               %.4f\n", summary.FinalPressure)
	fmt.Fprintf(os.Stderr, "Suppression holds (100%%):     %v\n", summary.Holds)

	if summary.TotalTriggers == 0 {
		fmt.Fprintln(os.Stderr, "RESULT: INCONCLUSIVE — threshold never reached, widen -steps or -pressure-rate")
		os.Exit(2)
	}
	if summary.Holds {
		fmt.Fprintln(os.Stderr, "RESULT: PASS — decay keeps pressure below threshold through every cooldown window")
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "RESULT: FAIL — pressure re-crosses threshold before a cooldown window elapses")
	fmt.Fprintln(os.Stderr, "  Raise -success-decay or lower -pressure-rate/-weight.")
	os.Exit(3)
}

// stepResult holds the output of a single simulated loop iteration.
type stepResult struct {
	Step           int
	ElapsedSeconds float64
	Pressure       float64
	Triggered      bool
}

// simulator replays internal/drive.Engine's tick/spike/feedback formulas
// for a single drive over a synthetic timeline.
type simulator struct {
	intervalSeconds  float64
	pressureRate     float64
	weight           float64
	pMax             float64
	spikeDelta       float64
	spikeEvery       int
	triggerThreshold float64
	successDecay     float64
	jitter           float64
	rng              *rand.Rand
}

func (s *simulator) clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > s.pMax {
		return s.pMax
	}
	return p
}

// run advances the simulated drive for n steps, applying success-feedback
// decay immediately after any step that crosses trigger_threshold — the
// same "decay on reported success" path internal/drive.Engine.ApplyFeedback
// takes, run eagerly here since there's no real agent to report feedback.
func (s *simulator) run(n int) []stepResult {
	results := make([]stepResult, n)
	pressure := 0.0
	elapsed := 0.0

	for t := 0; t < n; t++ {
		dt := s.intervalSeconds
		if s.jitter > 0 {
			dt *= 1 + s.jitter*(2*s.rng.Float64()-1)
		}
		elapsed += dt

		pressure = s.clamp(pressure + s.pressureRate*(dt/60.0)*s.weight)
		if s.spikeEvery > 0 && t%s.spikeEvery == 0 {
			pressure = s.clamp(pressure + s.spikeDelta)
		}

		triggered := pressure*s.weight >= s.triggerThreshold
		if triggered && s.successDecay > 0 {
			pressure = s.clamp(pressure * (1 - s.successDecay))
		}

		results[t] = stepResult{Step: t, ElapsedSeconds: elapsed, Pressure: pressure, Triggered: triggered}
	}
	return results
}

// suppressionSummary reports whether decay keeps a drive quiet for the
// configured cooldown window after every trigger.
type suppressionSummary struct {
	TotalTriggers int
	HeldCooldowns int
	FinalPressure float64
	Holds         bool
}

func evaluateSuppression(results []stepResult, cooldownSteps int, threshold float64) suppressionSummary {
	var summary suppressionSummary
	if len(results) > 0 {
		summary.FinalPressure = results[len(results)-1].Pressure
	}

	for i, r := range results {
		if !r.Triggered {
			continue
		}
		summary.TotalTriggers++

		held := true
		end := i + cooldownSteps
		if end > len(results) {
			end = len(results)
		}
		for j := i + 1; j < end; j++ {
			// Pressure is recorded after decay, so a step that re-triggered
			// is caught by its Triggered flag rather than its pressure.
			if results[j].Triggered || results[j].Pressure >= threshold {
				held = false
				break
			}
		}
		if held {
			summary.HeldCooldowns++
		}
	}

	summary.Holds = summary.TotalTriggers > 0 && summary.HeldCooldowns == summary.TotalTriggers
	return summary
}
