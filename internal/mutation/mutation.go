// Package mutation defines the wire shape of agent-submitted mutation
// commands (spec §3, "Mutation"), shared by the file queue, the HTTP
// intake, Guardrails, and the Mutator.
package mutation

import "time"

// Kind enumerates the closed set of mutation kinds Pulse accepts. Anything
// else is rejected with an audit entry (spec §7, "dynamic/duck-typed
// configuration" redesign flag) rather than silently ignored.
type Kind string

const (
	AdjustWeight        Kind = "adjust_weight"
	AdjustThreshold     Kind = "adjust_threshold"
	AdjustRate          Kind = "adjust_rate"
	AdjustCooldown      Kind = "adjust_cooldown"
	AdjustTurnsPerHour  Kind = "adjust_turns_per_hour"
	AddDrive            Kind = "add_drive"
	RemoveDrive         Kind = "remove_drive"
	SpikeDrive          Kind = "spike_drive"
	DecayDrive          Kind = "decay_drive"
)

// Mutation is a single agent-submitted command. Only the fields relevant to
// Kind are populated; Guardrails validates required-fields-present before
// value-range checks (spec §4.4, "validation precedes effect").
type Mutation struct {
	Kind Kind `json:"kind,omitempty"`

	// Type is a wire-format alias for Kind: spec §3 calls this field "kind"
	// but spec §6 describes the queue-file shape as "{type, ...}". The spec
	// is inconsistent on the field name, so both JSON keys are accepted;
	// Normalize folds Type into Kind after decoding (see DESIGN.md).
	Type Kind `json:"type,omitempty"`

	// Drive is the target drive name for per-drive kinds
	// (adjust_weight, add_drive, remove_drive, spike_drive, decay_drive).
	Drive string `json:"drive,omitempty"`

	// Value is the new absolute value for adjust_threshold, adjust_rate,
	// adjust_cooldown, adjust_turns_per_hour, or the initial weight for
	// add_drive.
	Value float64 `json:"value,omitempty"`

	// Delta is the signed adjustment for adjust_weight, spike_drive, and
	// decay_drive (decay_drive deltas are applied as a pressure decrease).
	Delta float64 `json:"delta,omitempty"`

	// Sources is the sensor source list for add_drive.
	Sources []string `json:"sources,omitempty"`

	// Reason is agent-supplied and recorded verbatim in the audit entry.
	Reason string `json:"reason,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Normalize folds the "type" wire alias into Kind when Kind itself wasn't
// set, and clears Type so callers only ever read Kind. Every decode site
// (file queue, HTTP /config) calls this right after unmarshaling, before
// Guardrails or the Mutator look at Kind.
func (m *Mutation) Normalize() {
	if m.Kind == "" && m.Type != "" {
		m.Kind = m.Type
	}
	m.Type = ""
}
