// Package config loads termijack's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. TERMIJACK_GDB_PATH.
const Prefix = "TERMIJACK"

// Config holds the settings that are not exposed as command-line flags.
type Config struct {
	// Absolute or relative path to the gdb binary. Relative names are
	// resolved on $PATH.
	GDBPath string `envconfig:"GDB_PATH" default:"gdb"`

	// Upper bound for a single read from the debugger.
	ReadTimeout time.Duration `envconfig:"READ_TIMEOUT" default:"5s"`

	// Relay loop tick.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"10ms"`

	// Parent directory for the per-run FIFO directory. Empty means os.TempDir().
	TempDir string `envconfig:"TMPDIR" default:""`

	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`

	// Attach attempts made when restoring the target on shutdown.
	RestoreAttempts uint `envconfig:"RESTORE_ATTEMPTS" default:"5"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process(Prefix, &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Level converts LogLevel into a slog level. Load has already validated it.
func (c *Config) Level() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func validate(config *Config) error {
	if config.GDBPath == "" {
		return fmt.Errorf("%s_GDB_PATH is required", Prefix)
	}
	if config.ReadTimeout <= 0 {
		return fmt.Errorf("%s_READ_TIMEOUT must be greater than 0", Prefix)
	}
	if config.PollInterval <= 0 {
		return fmt.Errorf("%s_POLL_INTERVAL must be greater than 0", Prefix)
	}
	if config.PollInterval > time.Second {
		return fmt.Errorf("%s_POLL_INTERVAL must be at most 1s", Prefix)
	}
	if config.RestoreAttempts == 0 {
		return fmt.Errorf("%s_RESTORE_ATTEMPTS must be greater than 0", Prefix)
	}
	if _, err := parseLevel(config.LogLevel); err != nil {
		return err
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s_LOG_LEVEL %q is not one of debug, info, warn, error", Prefix, s)
	}
}
