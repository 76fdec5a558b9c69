package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "NETDEPLOY"

// Settings holds the operator-tunable configuration of the orchestrator.
// Values can be provided via a YAML settings file, overridden by
// NETDEPLOY_* environment variables.
type Settings struct {
	// StateDir is the directory holding the progress record, lock files and
	// the supervisor scratch file.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	// ToolchainConfigPath is the shared toolchain configuration file
	// (e.g. foundry.toml) mutated by the environment switcher for groups
	// whose toolchain has no per-invocation profile override.
	ToolchainConfigPath string `mapstructure:"toolchain_config_path" yaml:"toolchain_config_path"`

	// MaxConcurrency caps the number of targets executing at once within a
	// parallel group. Zero means unbounded (one task per target).
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`

	// TargetTimeout bounds a single action invocation. Zero disables the
	// per-target deadline.
	TargetTimeout time.Duration `mapstructure:"target_timeout" yaml:"target_timeout"`

	// LockTimeout bounds the wall-clock wait for the progress store lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// SettleTimeout bounds the post-group wait for lingering in_progress
	// entries to flush.
	SettleTimeout time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
}

// DefaultSettings returns the settings used when no file or environment
// overrides are present.
func DefaultSettings() Settings {
	return Settings{
		StateDir:            ".netdeploy",
		ToolchainConfigPath: "foundry.toml",
		MaxConcurrency:      0,
		TargetTimeout:       0,
		LockTimeout:         120 * time.Second,
		SettleTimeout:       60 * time.Second,
	}
}

// Validate ensures the settings are usable.
func (s *Settings) Validate() error {
	if s.StateDir == "" {
		return errors.New("state_dir is required")
	}

	if s.MaxConcurrency < 0 {
		return errors.New("max_concurrency must be >= 0")
	}

	if s.LockTimeout <= 0 {
		return errors.New("lock_timeout must be positive")
	}

	if s.SettleTimeout <= 0 {
		return errors.New("settle_timeout must be positive")
	}

	return nil
}

// LoadSettings loads Settings from the file at filePath if it exists,
// falling back to defaults, with NETDEPLOY_* environment variables taking
// precedence over both.
func LoadSettings(filePath string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettings()
	v.SetDefault("state_dir", defaults.StateDir)
	v.SetDefault("toolchain_config_path", defaults.ToolchainConfigPath)
	v.SetDefault("max_concurrency", defaults.MaxConcurrency)
	v.SetDefault("target_timeout", defaults.TargetTimeout)
	v.SetDefault("lock_timeout", defaults.LockTimeout)
	v.SetDefault("settle_timeout", defaults.SettleTimeout)

	// If the settings file exists we read it, otherwise we fall back to
	// defaults and environment variables.
	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read settings file %s: %w", filePath, err)
		}
	}

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}

	return cfg, nil
}
