package battery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lspm"
)

// writeSupply lays out one power_supply entry under root.
func writeSupply(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for attr, value := range attrs {
		if err := os.WriteFile(filepath.Join(dir, attr), []byte(value+"\n"), 0o644); err != nil {
			t.Fatalf("write %s/%s: %v", name, attr, err)
		}
	}
}

func TestSysfsSensorRead(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		supplies map[string]map[string]string
		wantPct  int
		wantAC   bool
		wantErr  bool
	}{
		{
			name: "discharging battery",
			supplies: map[string]map[string]string{
				"BAT0": {"type": "Battery", "capacity": "57", "status": "Discharging"},
				"AC":   {"type": "Mains", "online": "0"},
			},
			wantPct: 57,
			wantAC:  false,
		},
		{
			name: "charging on mains",
			supplies: map[string]map[string]string{
				"BAT0": {"type": "Battery", "capacity": "31", "status": "Charging"},
				"AC":   {"type": "Mains", "online": "1"},
			},
			wantPct: 31,
			wantAC:  true,
		},
		{
			name: "full battery counts as plugged",
			supplies: map[string]map[string]string{
				"BAT0": {"type": "Battery", "capacity": "100", "status": "Full"},
			},
			wantPct: 100,
			wantAC:  true,
		},
		{
			name: "type attribute missing falls back to name",
			supplies: map[string]map[string]string{
				"BAT1": {"capacity": "12", "status": "Discharging"},
			},
			wantPct: 12,
			wantAC:  false,
		},
		{
			name: "no battery present",
			supplies: map[string]map[string]string{
				"AC": {"type": "Mains", "online": "1"},
			},
			wantErr: true,
		},
		{
			name: "garbled capacity",
			supplies: map[string]map[string]string{
				"BAT0": {"type": "Battery", "capacity": "nan", "status": "Discharging"},
			},
			wantErr: true,
		},
		{
			name: "out of range capacity is a sensor fault",
			supplies: map[string]map[string]string{
				"BAT0": {"type": "Battery", "capacity": "143", "status": "Discharging"},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			for name, attrs := range tc.supplies {
				writeSupply(t, root, name, attrs)
			}

			reading, err := NewSysfsSensorAt(root).Read()
			if tc.wantErr {
				if !errors.Is(err, lspm.ErrSensorUnavailable) {
					t.Fatalf("want ErrSensorUnavailable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reading.Percentage != tc.wantPct {
				t.Errorf("percentage: want %d, got %d", tc.wantPct, reading.Percentage)
			}
			if reading.IsCharging != tc.wantAC {
				t.Errorf("is_charging: want %v, got %v", tc.wantAC, reading.IsCharging)
			}
			if reading.SampledAt.IsZero() {
				t.Error("sampled_at must be set")
			}
		})
	}
}

func TestSysfsSensorMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := NewSysfsSensorAt(filepath.Join(t.TempDir(), "nope")).Read()
	if !errors.Is(err, lspm.ErrSensorUnavailable) {
		t.Fatalf("want ErrSensorUnavailable, got %v", err)
	}
}
