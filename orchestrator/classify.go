package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bridgeops/deployments-orchestrator/config"
)

// Group is an execution group: the set of targets sharing a build
// compatibility requirement. Groups are the unit of sequencing and toolchain
// mutation; targets only ever run concurrently with members of their own
// group.
type Group string

const (
	// GroupDefault holds networks on the current EVM version. It runs on
	// the default build profile and its members execute in parallel.
	GroupDefault Group = "default"

	// GroupLegacy holds networks requiring a downgraded compiler target.
	// Members execute in parallel, but the group needs a profile switch.
	GroupLegacy Group = "legacy"

	// GroupZKVM holds zk-rollup networks. Their toolchain cannot share
	// concurrent state, so the group is forced sequential regardless of the
	// global policy.
	GroupZKVM Group = "zkvm"
)

// GroupOrder is the fixed execution order: groups sharing the cheap default
// profile first, groups requiring a full toolchain switch last, minimizing
// the total rebuild count.
func GroupOrder() []Group {
	return []Group{GroupDefault, GroupLegacy, GroupZKVM}
}

// Sequential reports whether the group's members must run one at a time.
func (g Group) Sequential() bool {
	return g == GroupZKVM
}

// ErrUnknownCompatClass is returned when a target's compatibility class
// cannot be resolved to an execution group.
var ErrUnknownCompatClass = errors.New("unknown compatibility class")

// Classify maps one network to its execution group. It is a pure function
// of the network's compatibility class.
func Classify(n config.Network) (Group, error) {
	switch n.CompatClass {
	case config.CompatClassCancun:
		return GroupDefault, nil
	case config.CompatClassLondon:
		return GroupLegacy, nil
	case config.CompatClassZKVM:
		return GroupZKVM, nil
	default:
		return "", fmt.Errorf("%w: %q for network %s", ErrUnknownCompatClass, n.CompatClass, n.Name)
	}
}

// Partition splits the full target set into disjoint execution groups. Any
// unclassifiable target makes the whole partition fail: this is a
// configuration error and must abort the run before any side effect occurs.
func Partition(networks []config.Network) (map[Group][]config.Network, error) {
	groups := make(map[Group][]config.Network)

	var invalid []string
	for _, n := range networks {
		group, err := Classify(n)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", n.Name, n.CompatClass))
			continue
		}

		groups[group] = append(groups[group], n)
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: cannot classify targets: %s",
			ErrUnknownCompatClass, strings.Join(invalid, ", "))
	}

	return groups, nil
}
