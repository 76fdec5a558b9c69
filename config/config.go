// Package config loads the configuration consumed by the orchestrator: the
// network manifest describing every execution target, and the operator
// settings controlling concurrency, timeouts and filesystem paths.
package config

import (
	"fmt"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

// Config aggregates all configuration required for an orchestrator run. It
// combines the network manifest with operator settings to provide a complete
// runtime configuration.
type Config struct {
	// Networks contains the network configurations loaded from the YAML
	// manifest file.
	Networks *Networks

	// Settings contains the operator-tunable runtime settings.
	Settings Settings
}

// Load loads and consolidates all configuration for a run from the given
// manifest and settings file paths.
func Load(networksPath, settingsPath string, lggr logger.Logger) (*Config, error) {
	networks, err := LoadNetworks(networksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load networks: %w", err)
	}

	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	lggr.Debugw("Loaded configuration",
		"networks", len(networks.All()), "stateDir", settings.StateDir,
	)

	return &Config{
		Networks: networks,
		Settings: settings,
	}, nil
}
