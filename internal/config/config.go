package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"lspm"
)

const (
	configName = "config"
	configType = "yml"

	// DefaultPollInterval is the pause between battery checks.
	DefaultPollInterval = 30 * time.Second
	// DefaultRetryCeiling is how many consecutive recoverable plug failures
	// the loop tolerates before declaring itself faulted.
	DefaultRetryCeiling = 3
	// DefaultCommandTimeout bounds a single plug query or command.
	DefaultCommandTimeout = 10 * time.Second
)

// Plug holds everything needed to construct a vendor plug client.
type Plug struct {
	Model    string `mapstructure:"model"`
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Broker and Topic are only used by MQTT-attached plugs (model "tasmota").
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

// Monitor holds the control loop tuning knobs.
type Monitor struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RetryCeiling   int           `mapstructure:"retry_ceiling"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Config is the full persisted configuration of the power manager.
type Config struct {
	LogLevel   string          `mapstructure:"log_level"`
	Plug       Plug            `mapstructure:"plug"`
	Thresholds lspm.Thresholds `mapstructure:"thresholds"`
	Monitor    Monitor         `mapstructure:"monitor"`
}

// Default returns a configuration with every tuning knob at its default and
// the plug connection fields left for the user to fill in.
func Default() Config {
	return Config{
		LogLevel:   "info",
		Plug:       Plug{Model: "tapo"},
		Thresholds: lspm.DefaultThresholds(),
		Monitor: Monitor{
			PollInterval:   DefaultPollInterval,
			RetryCeiling:   DefaultRetryCeiling,
			CommandTimeout: DefaultCommandTimeout,
		},
	}
}

// Validate checks the fields the control loop depends on.
func (c Config) Validate() error {
	if c.Plug.Model == "" {
		return errors.New("plug model is not set")
	}
	if c.Plug.Model == "tasmota" {
		if c.Plug.Broker == "" || c.Plug.Topic == "" {
			return errors.New("tasmota plugs require broker and topic")
		}
	} else {
		if c.Plug.Address == "" {
			return errors.New("plug address is not set")
		}
		if ip := net.ParseIP(c.Plug.Address); ip == nil || ip.To4() == nil {
			return fmt.Errorf("plug address %q is not a valid IPv4 address", c.Plug.Address)
		}
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if c.Monitor.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Monitor.RetryCeiling < 0 {
		return errors.New("retry ceiling must not be negative")
	}
	if c.Monitor.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	return nil
}

// Store reads and writes the configuration file under a single directory.
type Store struct {
	dir string
}

// DefaultDir is ~/.lspm, created on demand by Save.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".lspm"), nil
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the configuration file location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, configName+"."+configType)
}

// LogPath returns the daemon log file location, next to the configuration.
func (s *Store) LogPath() string {
	return filepath.Join(s.dir, "lspm.log")
}

// Exists reports whether a configuration file has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads and validates the stored configuration.
// Returns lspm.ErrNotConfigured when no file has been written yet.
func (s *Store) Load() (Config, error) {
	if !s.Exists() {
		return Config{}, lspm.ErrNotConfigured
	}
	v := newViper(s.dir)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", s.Path(), err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", s.Path(), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", s.Path(), err)
	}
	return cfg, nil
}

// Save validates and persists cfg, creating the directory if needed.
func (s *Store) Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create config directory %s: %w", s.dir, err)
	}
	v := newViper(s.dir)
	v.Set("log_level", cfg.LogLevel)
	v.Set("plug.model", cfg.Plug.Model)
	v.Set("plug.address", cfg.Plug.Address)
	v.Set("plug.username", cfg.Plug.Username)
	v.Set("plug.password", cfg.Plug.Password)
	v.Set("plug.broker", cfg.Plug.Broker)
	v.Set("plug.topic", cfg.Plug.Topic)
	v.Set("thresholds.low_watermark", cfg.Thresholds.LowWatermark)
	v.Set("thresholds.high_watermark", cfg.Thresholds.HighWatermark)
	v.Set("monitor.poll_interval", cfg.Monitor.PollInterval.String())
	v.Set("monitor.retry_ceiling", cfg.Monitor.RetryCeiling)
	v.Set("monitor.command_timeout", cfg.Monitor.CommandTimeout.String())
	if err := v.WriteConfigAs(s.Path()); err != nil {
		return fmt.Errorf("write config %s: %w", s.Path(), err)
	}
	// The file carries the plug password.
	return os.Chmod(s.Path(), 0o600)
}

// Clear deletes the stored configuration.
// Returns lspm.ErrNotConfigured when there is nothing to delete.
func (s *Store) Clear() error {
	err := os.Remove(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return lspm.ErrNotConfigured
	}
	return err
}

// newViper builds a viper instance with the store defaults applied.
func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)
	defaults := lspm.DefaultThresholds()
	v.SetDefault("log_level", "info")
	v.SetDefault("plug.model", "tapo")
	v.SetDefault("thresholds.low_watermark", defaults.LowWatermark)
	v.SetDefault("thresholds.high_watermark", defaults.HighWatermark)
	v.SetDefault("monitor.poll_interval", DefaultPollInterval.String())
	v.SetDefault("monitor.retry_ceiling", DefaultRetryCeiling)
	v.SetDefault("monitor.command_timeout", DefaultCommandTimeout.String())
	return v
}
