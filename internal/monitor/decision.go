package monitor

import "lspm"

// Decide computes the per-cycle control decision from a battery sample, the
// last successfully commanded plug state and the configured watermarks.
//
// The watermarks form a hysteresis band: once the outlet has been commanded
// ON it is not commanded ON again until a DE_ENERGIZE has been committed, and
// vice versa. That keeps the loop from chattering when the battery level
// jitters around a watermark, and from re-sending commands the plug has
// already applied. An Unknown last state blocks nothing: the physical outlet
// state is undetermined, so the decision must be commanded, not assumed.
func Decide(reading lspm.BatteryReading, lastCommanded lspm.PlugState, th lspm.Thresholds) lspm.ControlDecision {
	// Cutting power wins when both watermarks would fire: over-charging is
	// the more safety-critical risk. Unreachable while low < high holds,
	// but guarded anyway.
	if reading.Percentage >= th.HighWatermark && lastCommanded != lspm.PlugOff {
		return lspm.DecisionDeEnergize
	}
	if reading.Percentage <= th.LowWatermark && lastCommanded != lspm.PlugOn {
		return lspm.DecisionEnergize
	}
	return lspm.DecisionHold
}

// commandedState maps a non-HOLD decision onto the plug state it commands.
func commandedState(d lspm.ControlDecision) lspm.PlugState {
	if d == lspm.DecisionEnergize {
		return lspm.PlugOn
	}
	return lspm.PlugOff
}
