package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// NetworkType represents the type of network, which can either be mainnet or
// testnet.
type NetworkType string

const (
	NetworkTypeMainnet NetworkType = "mainnet"
	NetworkTypeTestnet NetworkType = "testnet"
)

// CompatClass identifies the build/toolchain compatibility requirement of a
// network. It is the input to execution-group classification: networks of
// the same class can share a build profile, and some classes require a
// toolchain that cannot run concurrently.
type CompatClass string

const (
	// CompatClassCancun covers networks on a current EVM version. They run
	// on the default build profile.
	CompatClassCancun CompatClass = "cancun"

	// CompatClassLondon covers networks whose VM predates newer opcodes and
	// therefore needs a downgraded compiler target.
	CompatClassLondon CompatClass = "london"

	// CompatClassZKVM covers zk-rollup networks that require a dedicated
	// toolchain which cannot share concurrent state.
	CompatClassZKVM CompatClass = "zkvm"
)

// Network represents one execution target: a named network plus the
// attributes required to reach it and to select its build profile.
type Network struct {
	Name          string        `yaml:"name"`
	Type          NetworkType   `yaml:"type"`
	ChainID       uint64        `yaml:"chain_id"`
	CompatClass   CompatClass   `yaml:"compat_class"`
	RPCs          []RPC         `yaml:"rpcs"`
	BlockExplorer BlockExplorer `yaml:"block_explorer"`
	Metadata      any           `yaml:"metadata,omitempty"`
}

// Validate validates the network configuration to ensure that all required
// fields are set and the name is usable as a progress-record key.
func (n *Network) Validate() error {
	if n.Name == "" {
		return errors.New("name is required")
	}

	if strings.ContainsFunc(n.Name, unicode.IsSpace) {
		return fmt.Errorf("name %q must not contain whitespace", n.Name)
	}

	if n.Type != NetworkTypeMainnet && n.Type != NetworkTypeTestnet {
		return fmt.Errorf("type must be %q or %q", NetworkTypeMainnet, NetworkTypeTestnet)
	}

	if n.ChainID == 0 {
		return errors.New("chain id is required")
	}

	if n.CompatClass == "" {
		return errors.New("compat class is required")
	}

	if len(n.RPCs) == 0 {
		return errors.New("at least one RPC is required")
	}

	return nil
}

// RPC represents an RPC endpoint of a network.
type RPC struct {
	RPCName            string `yaml:"rpc_name"`
	PreferredURLScheme string `yaml:"preferred_url_scheme"`
	HTTPURL            string `yaml:"http_url"`
	WSURL              string `yaml:"ws_url"`
}

// PreferredEndpoint returns the correct endpoint based on the preferred URL
// scheme. By default, it returns the HTTP URL.
func (rpc *RPC) PreferredEndpoint() string {
	if rpc.PreferredURLScheme == "ws" {
		return rpc.WSURL
	}

	return rpc.HTTPURL
}

// BlockExplorer represents a block explorer configuration for a network.
type BlockExplorer struct {
	Type   string `yaml:"type"`
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}
