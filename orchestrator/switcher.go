package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"

	"github.com/bridgeops/deployments-orchestrator/internal/fileutils"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

// BuildProfile is the build/runtime compatibility configuration a group
// requires. It is passed by value in the RunContext so actions read their
// profile from the context instead of from shared mutable toolchain state.
type BuildProfile struct {
	// Name is the toolchain profile name.
	Name string

	// SolcVersion is the compiler version the profile pins.
	SolcVersion *semver.Version

	// EVMVersion is the target VM version.
	EVMVersion string

	// ZKToolchain marks profiles that require the dedicated zk compiler,
	// which cannot share concurrent state.
	ZKToolchain bool
}

// Equal reports whether two profiles select the same toolchain
// configuration.
func (p BuildProfile) Equal(other BuildProfile) bool {
	if p.Name != other.Name || p.EVMVersion != other.EVMVersion || p.ZKToolchain != other.ZKToolchain {
		return false
	}
	switch {
	case p.SolcVersion == nil && other.SolcVersion == nil:
		return true
	case p.SolcVersion == nil || other.SolcVersion == nil:
		return false
	default:
		return p.SolcVersion.Equal(other.SolcVersion)
	}
}

var groupProfiles = map[Group]BuildProfile{
	GroupDefault: {
		Name:        "default",
		SolcVersion: semver.MustParse("0.8.29"),
		EVMVersion:  "cancun",
	},
	GroupLegacy: {
		Name:        "legacy",
		SolcVersion: semver.MustParse("0.8.17"),
		EVMVersion:  "london",
	},
	GroupZKVM: {
		Name:        "zkvm",
		SolcVersion: semver.MustParse("0.8.17"),
		EVMVersion:  "london",
		ZKToolchain: true,
	},
}

// Profile returns the build profile the group requires.
func (g Group) Profile() BuildProfile {
	return groupProfiles[g]
}

// Switcher mutates and restores the shared toolchain configuration file for
// groups whose toolchain offers no per-invocation profile override. The
// sequencer guarantees only one group's switcher is active at a time within
// this process, and serializes cross-process mutation via the lock manager.
type Switcher struct {
	path   string
	lggr   logger.Logger
	backup []byte

	// rebuild is invoked when the active profile changed and the toolchain
	// must recompile. Nil means the rebuild is left to the next action
	// invocation (the toolchain detects the config change itself).
	rebuild func(profile BuildProfile) error
}

// SwitcherOption configures a Switcher.
type SwitcherOption func(*Switcher)

// WithRebuildHook sets the function invoked after the profile changed.
func WithRebuildHook(fn func(profile BuildProfile) error) SwitcherOption {
	return func(s *Switcher) { s.rebuild = fn }
}

// NewSwitcher creates a switcher for the toolchain configuration at path.
func NewSwitcher(path string, lggr logger.Logger, opts ...SwitcherOption) *Switcher {
	s := &Switcher{
		path: path,
		lggr: lggr.Named("switcher"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Apply activates the group's build profile. For the default group this is
// a no-op: the toolchain already runs the default profile. For all other
// groups the current configuration file is backed up, the default profile
// section is rewritten to the group's requirements, and a rebuild is
// triggered.
func (s *Switcher) Apply(group Group) error {
	profile := group.Profile()
	if group == GroupDefault {
		s.lggr.Debugw("Group runs on default profile, no toolchain switch", "group", group)
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read toolchain config: %w", err)
	}

	cfg := map[string]any{}
	if len(raw) > 0 {
		if err = toml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("failed to parse toolchain config %s: %w", s.path, err)
		}
	}

	// Backup taken before the first mutation; Restore reinstates it
	// verbatim.
	s.backup = raw

	profiles, _ := cfg["profile"].(map[string]any)
	if profiles == nil {
		profiles = map[string]any{}
	}
	active, _ := profiles["default"].(map[string]any)
	if active == nil {
		active = map[string]any{}
	}

	active["solc_version"] = profile.SolcVersion.String()
	active["evm_version"] = profile.EVMVersion
	if profile.ZKToolchain {
		active["zksync"] = true
	} else {
		delete(active, "zksync")
	}

	profiles["default"] = active
	cfg["profile"] = profiles

	out, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode toolchain config: %w", err)
	}

	if err = fileutils.WriteFileAtomic(s.path, out, 0o644); err != nil {
		s.backup = nil
		return fmt.Errorf("failed to write toolchain config: %w", err)
	}

	s.lggr.Infow("Switched toolchain profile",
		"group", group, "profile", profile.Name,
		"solcVersion", profile.SolcVersion.String(), "evmVersion", profile.EVMVersion,
		"zkToolchain", profile.ZKToolchain,
	)

	if s.rebuild != nil {
		if err = s.rebuild(profile); err != nil {
			return fmt.Errorf("rebuild for profile %s failed: %w", profile.Name, err)
		}
	}

	return nil
}

// Restore reinstates the configuration captured by the last Apply. It is a
// no-op when no mutation is active, and runs on success and failure alike.
func (s *Switcher) Restore() error {
	if s.backup == nil {
		return nil
	}

	backup := s.backup
	s.backup = nil

	if len(backup) == 0 {
		// The config file did not exist before Apply created it.
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove toolchain config: %w", err)
		}

		s.lggr.Infow("Restored toolchain configuration", "path", s.path)

		return nil
	}

	if err := fileutils.WriteFileAtomic(s.path, backup, 0o644); err != nil {
		return fmt.Errorf("failed to restore toolchain config: %w", err)
	}

	s.lggr.Infow("Restored toolchain configuration", "path", s.path)

	return nil
}
