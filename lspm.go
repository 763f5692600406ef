package lspm

import (
	"fmt"
	"time"
)

// PlugState is the last known power state of the smart plug outlet.
// Unknown means the plug has not been successfully queried yet (or the last
// command failed in a way that leaves the physical state undetermined); it is
// never equivalent to Off and callers must re-query instead of assuming.
type PlugState string

const (
	PlugOn      PlugState = "ON"
	PlugOff     PlugState = "OFF"
	PlugUnknown PlugState = "UNKNOWN"
)

// ControlDecision is the per-cycle outcome of the charge policy.
type ControlDecision string

const (
	DecisionEnergize   ControlDecision = "ENERGIZE"
	DecisionDeEnergize ControlDecision = "DE_ENERGIZE"
	DecisionHold       ControlDecision = "HOLD"
)

// BatteryReading is a point-in-time sample of the host battery. It is a
// value, never mutated and never persisted.
type BatteryReading struct {
	Percentage int       `json:"percentage"`   // 0..100
	IsCharging bool      `json:"is_charging"`  // AC power cable connected
	SampledAt  time.Time `json:"sampled_at"`
}

// Thresholds are the battery watermarks the control loop evaluates against.
// They are read-only for the lifetime of a running loop.
type Thresholds struct {
	LowWatermark  int `json:"low_watermark" mapstructure:"low_watermark"`
	HighWatermark int `json:"high_watermark" mapstructure:"high_watermark"`
}

// DefaultThresholds resumes charging at 20% and cuts power at 100%.
func DefaultThresholds() Thresholds {
	return Thresholds{LowWatermark: 20, HighWatermark: 100}
}

// Validate enforces 0 <= low < high <= 100.
func (t Thresholds) Validate() error {
	if t.LowWatermark < 0 {
		return fmt.Errorf("low watermark %d is negative", t.LowWatermark)
	}
	if t.HighWatermark > 100 {
		return fmt.Errorf("high watermark %d exceeds 100", t.HighWatermark)
	}
	if t.LowWatermark >= t.HighWatermark {
		return fmt.Errorf("low watermark %d must be below high watermark %d", t.LowWatermark, t.HighWatermark)
	}
	return nil
}

// Event types emitted by the control loop.
const (
	EventStarted     = "STARTED"
	EventEnergized   = "ENERGIZED"
	EventDeEnergized = "DE_ENERGIZED"
	EventFaulted     = "FAULTED"
	EventStopped     = "STOPPED"
)

// SwitchEvent is a single entry in the power manager's event stream.
type SwitchEvent struct {
	EventID     string          `json:"event_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Type        string          `json:"type"` // STARTED | ENERGIZED | DE_ENERGIZED | FAULTED | STOPPED
	Description string          `json:"description"`
	Battery     *BatteryReading `json:"battery,omitempty"`
}
