package config

import (
	"errors"
	"testing"
	"time"

	"lspm"
)

func validConfig() Config {
	cfg := Default()
	cfg.Plug.Address = "192.168.1.50"
	cfg.Plug.Username = "user@example.com"
	cfg.Plug.Password = "secret"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid tapo config", func(c *Config) {}, false},
		{"missing model", func(c *Config) { c.Plug.Model = "" }, true},
		{"missing address", func(c *Config) { c.Plug.Address = "" }, true},
		{"hostname instead of IPv4", func(c *Config) { c.Plug.Address = "plug.local" }, true},
		{"out of range octet", func(c *Config) { c.Plug.Address = "256.1.1.1" }, true},
		{"inverted thresholds", func(c *Config) { c.Thresholds = lspm.Thresholds{LowWatermark: 90, HighWatermark: 30} }, true},
		{"low watermark negative", func(c *Config) { c.Thresholds.LowWatermark = -1 }, true},
		{"high watermark above 100", func(c *Config) { c.Thresholds.HighWatermark = 101 }, true},
		{"zero poll interval", func(c *Config) { c.Monitor.PollInterval = 0 }, true},
		{"negative retry ceiling", func(c *Config) { c.Monitor.RetryCeiling = -1 }, true},
		{"zero command timeout", func(c *Config) { c.Monitor.CommandTimeout = 0 }, true},
		{
			"tasmota needs no address",
			func(c *Config) {
				c.Plug = Plug{Model: "tasmota", Broker: "tcp://broker:1883", Topic: "tasmota_ABC", Username: "u", Password: "p"}
			},
			false,
		},
		{
			"tasmota without broker",
			func(c *Config) { c.Plug = Plug{Model: "tasmota", Topic: "tasmota_ABC"} },
			true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	if store.Exists() {
		t.Fatal("fresh store must not report an existing config")
	}
	if _, err := store.Load(); !errors.Is(err, lspm.ErrNotConfigured) {
		t.Fatalf("Load on empty store: want ErrNotConfigured, got %v", err)
	}

	want := validConfig()
	want.Thresholds = lspm.Thresholds{LowWatermark: 25, HighWatermark: 85}
	want.Monitor.PollInterval = 10 * time.Second
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Exists() {
		t.Fatal("store must report an existing config after Save")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Plug != want.Plug {
		t.Errorf("plug: want %+v, got %+v", want.Plug, got.Plug)
	}
	if got.Thresholds != want.Thresholds {
		t.Errorf("thresholds: want %+v, got %+v", want.Thresholds, got.Thresholds)
	}
	if got.Monitor != want.Monitor {
		t.Errorf("monitor: want %+v, got %+v", want.Monitor, got.Monitor)
	}
}

func TestStoreSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	cfg := validConfig()
	cfg.Plug.Address = "not-an-ip"
	if err := store.Save(cfg); err == nil {
		t.Fatal("Save must reject an invalid config")
	}
	if store.Exists() {
		t.Fatal("rejected Save must not leave a file behind")
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	if err := store.Clear(); !errors.Is(err, lspm.ErrNotConfigured) {
		t.Fatalf("Clear on empty store: want ErrNotConfigured, got %v", err)
	}

	if err := store.Save(validConfig()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if store.Exists() {
		t.Fatal("config must be gone after Clear")
	}
	if _, err := store.Load(); !errors.Is(err, lspm.ErrNotConfigured) {
		t.Fatalf("Load after Clear: want ErrNotConfigured, got %v", err)
	}
}
