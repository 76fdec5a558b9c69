package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML representation of the network configuration file.
type Manifest struct {
	// A YAML array of networks.
	Networks []Network `yaml:"networks"`
}

// Networks represents the configuration of a collection of networks loaded
// from the YAML manifest file/s.
type Networks struct {
	// networks is a map of networks by name. This differs from the manifest
	// representation so that we can ensure uniqueness and quickly look up a
	// network by its name.
	networks map[string]Network
}

// NewNetworks creates a new Networks config from a slice of networks. Any
// duplicate names will be overwritten.
func NewNetworks(networks []Network) *Networks {
	nmap := make(map[string]Network, len(networks))

	for _, network := range networks {
		nmap[network.Name] = network
	}

	return &Networks{
		networks: nmap,
	}
}

// LoadNetworks loads a Networks config from the YAML manifest at path.
func LoadNetworks(path string) (*Networks, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks manifest: %w", err)
	}

	var cfg Networks
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse networks manifest %s: %w", path, err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid networks manifest %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate ensures that all networks are valid.
func (c *Networks) Validate() error {
	for _, network := range c.All() {
		if err := network.Validate(); err != nil {
			return fmt.Errorf("network %s: %w", network.Name, err)
		}
	}

	return nil
}

// All returns a slice of all networks in the config, sorted by name so that
// sequential execution order is deterministic.
func (c *Networks) All() []Network {
	networks := slices.Collect(maps.Values(c.networks))
	slices.SortFunc(networks, func(a, b Network) int {
		return strings.Compare(a.Name, b.Name)
	})

	return networks
}

// Names returns the sorted names of all networks in the config.
func (c *Networks) Names() []string {
	names := slices.Collect(maps.Keys(c.networks))
	slices.Sort(names)

	return names
}

// ByName retrieves a network by name. If the network is not found, an error
// is returned so callers can surface the resolution failure.
func (c *Networks) ByName(name string) (Network, error) {
	network, ok := c.networks[name]
	if !ok {
		return Network{}, fmt.Errorf("network %s: could not resolve target parameters", name)
	}

	return network, nil
}

// Merge merges another config into the current config. It overwrites any
// networks with the same name.
func (c *Networks) Merge(other *Networks) {
	maps.Copy(c.networks, other.networks)
}

// MarshalYAML implements the yaml.Marshaler interface for the Networks
// struct. It converts the internal map structure to a YAML format with a
// top-level "networks" key.
func (c *Networks) MarshalYAML() (any, error) {
	return Manifest{Networks: c.All()}, nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Networks
// struct.
func (c *Networks) UnmarshalYAML(value *yaml.Node) error {
	node := Manifest{}

	if err := value.Decode(&node); err != nil {
		return err
	}

	*c = *NewNetworks(node.Networks)

	return nil
}

// NetworkFilter defines a function type that filters networks based on
// certain criteria.
type NetworkFilter func(Network) bool

// FilterWith returns a new Networks config containing only networks that
// pass all provided filter functions. Filters are applied in sequence (AND
// logic).
func (c *Networks) FilterWith(filters ...NetworkFilter) *Networks {
	networks := c.All()

	for _, filter := range filters {
		networks = slices.DeleteFunc(networks, func(network Network) bool {
			return !filter(network)
		})
	}

	return NewNetworks(networks)
}

// TypesFilter returns a filter function that matches networks with the
// specified network types.
func TypesFilter(networkTypes ...NetworkType) NetworkFilter {
	return func(network Network) bool {
		return slices.Contains(networkTypes, network.Type)
	}
}

// CompatClassFilter returns a filter function that matches networks with the
// specified compatibility class.
func CompatClassFilter(class CompatClass) NetworkFilter {
	return func(network Network) bool {
		return network.CompatClass == class
	}
}

// NamesFilter returns a filter function that matches networks whose name is
// in the given allow-list.
func NamesFilter(names ...string) NetworkFilter {
	return func(network Network) bool {
		return slices.Contains(names, network.Name)
	}
}

// ExcludeNamesFilter returns a filter function that rejects networks whose
// name is in the given deny-list.
func ExcludeNamesFilter(names ...string) NetworkFilter {
	return func(network Network) bool {
		return !slices.Contains(names, network.Name)
	}
}
