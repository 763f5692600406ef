// Package battery reads the host battery charge level and AC state.
package battery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lspm"
)

// Sensor produces a fresh battery sample on every call. Implementations must
// be side-effect free and safe to call at high frequency; the control loop
// owns the pacing.
type Sensor interface {
	Read() (lspm.BatteryReading, error)
}

const defaultSysfsRoot = "/sys/class/power_supply"

// SysfsSensor reads battery telemetry from the Linux power_supply class
// (capacity, status and AC online attributes).
type SysfsSensor struct {
	root string
}

// NewSysfsSensor reads from /sys/class/power_supply.
func NewSysfsSensor() *SysfsSensor {
	return &SysfsSensor{root: defaultSysfsRoot}
}

// NewSysfsSensorAt reads from an alternate power_supply tree. Used in tests.
func NewSysfsSensorAt(root string) *SysfsSensor {
	return &SysfsSensor{root: root}
}

// Read samples the first battery supply found. A missing battery, an
// unreadable attribute or an out-of-range percentage all surface as
// lspm.ErrSensorUnavailable so the caller skips the cycle instead of acting
// on garbage.
func (s *SysfsSensor) Read() (lspm.BatteryReading, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return lspm.BatteryReading{}, fmt.Errorf("%w: %v", lspm.ErrSensorUnavailable, err)
	}

	var battery string
	acOnline := false
	for _, e := range entries {
		supply := filepath.Join(s.root, e.Name())
		switch s.supplyType(supply) {
		case "Battery":
			if battery == "" {
				battery = supply
			}
		case "Mains", "USB":
			if s.attr(supply, "online") == "1" {
				acOnline = true
			}
		}
	}
	if battery == "" {
		return lspm.BatteryReading{}, fmt.Errorf("%w: no battery supply under %s", lspm.ErrSensorUnavailable, s.root)
	}

	capacityRaw := s.attr(battery, "capacity")
	pct, err := strconv.Atoi(capacityRaw)
	if err != nil {
		return lspm.BatteryReading{}, fmt.Errorf("%w: bad capacity %q", lspm.ErrSensorUnavailable, capacityRaw)
	}
	if pct < 0 || pct > 100 {
		// Sensor glitch; do not guess intent from an impossible value.
		return lspm.BatteryReading{}, fmt.Errorf("%w: capacity %d out of range", lspm.ErrSensorUnavailable, pct)
	}

	status := s.attr(battery, "status")
	charging := acOnline || status == "Charging" || status == "Full"

	return lspm.BatteryReading{
		Percentage: pct,
		IsCharging: charging,
		SampledAt:  time.Now().UTC(),
	}, nil
}

// supplyType returns the content of the supply's "type" attribute,
// falling back to a name heuristic for trees that lack it.
func (s *SysfsSensor) supplyType(supply string) string {
	if t := s.attr(supply, "type"); t != "" {
		return t
	}
	name := filepath.Base(supply)
	switch {
	case strings.HasPrefix(name, "BAT"):
		return "Battery"
	case strings.HasPrefix(name, "AC"):
		return "Mains"
	}
	return ""
}

// attr reads a single sysfs attribute, trimmed; empty on any error.
func (s *SysfsSensor) attr(supply, name string) string {
	b, err := os.ReadFile(filepath.Join(supply, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
