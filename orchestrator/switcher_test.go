package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

const toolchainFixture = `[profile.default]
solc_version = "0.8.29"
evm_version = "cancun"
optimizer = true
optimizer_runs = 200

[rpc_endpoints]
alpha = "https://rpc.alpha.example.com"
`

func newTestSwitcher(t *testing.T, contents string, opts ...SwitcherOption) (*Switcher, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "foundry.toml")
	if contents != "" {
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}

	return NewSwitcher(path, logger.Test(t), opts...), path
}

func readProfile(t *testing.T, path string) map[string]any {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, toml.Unmarshal(raw, &cfg))

	profiles, ok := cfg["profile"].(map[string]any)
	require.True(t, ok)
	active, ok := profiles["default"].(map[string]any)
	require.True(t, ok)

	return active
}

func Test_Switcher_Apply(t *testing.T) {
	t.Parallel()

	t.Run("default group leaves the config untouched", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, toolchainFixture)

		require.NoError(t, s.Apply(GroupDefault))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, toolchainFixture, string(raw))
	})

	t.Run("legacy group downgrades the default profile", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, toolchainFixture)

		require.NoError(t, s.Apply(GroupLegacy))

		active := readProfile(t, path)
		assert.Equal(t, "0.8.17", active["solc_version"])
		assert.Equal(t, "london", active["evm_version"])
		assert.NotContains(t, active, "zksync")

		// Unrelated keys survive the rewrite.
		assert.Equal(t, true, active["optimizer"])
	})

	t.Run("zkvm group enables the zk toolchain", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, toolchainFixture)

		require.NoError(t, s.Apply(GroupZKVM))

		active := readProfile(t, path)
		assert.Equal(t, true, active["zksync"])
		assert.Equal(t, "london", active["evm_version"])
	})

	t.Run("missing config file is created", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, "")

		require.NoError(t, s.Apply(GroupLegacy))

		active := readProfile(t, path)
		assert.Equal(t, "0.8.17", active["solc_version"])
	})

	t.Run("rebuild hook receives the new profile", func(t *testing.T) {
		t.Parallel()

		var got BuildProfile
		s, _ := newTestSwitcher(t, toolchainFixture, WithRebuildHook(func(p BuildProfile) error {
			got = p
			return nil
		}))

		require.NoError(t, s.Apply(GroupZKVM))
		assert.True(t, got.Equal(GroupZKVM.Profile()))
	})
}

func Test_Switcher_Restore(t *testing.T) {
	t.Parallel()

	t.Run("reinstates the original contents verbatim", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, toolchainFixture)

		require.NoError(t, s.Apply(GroupLegacy))
		require.NoError(t, s.Restore())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, toolchainFixture, string(raw))
	})

	t.Run("removes a file apply created", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, "")

		require.NoError(t, s.Apply(GroupLegacy))
		require.NoError(t, s.Restore())

		_, err := os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("idempotent without a prior apply", func(t *testing.T) {
		t.Parallel()

		s, path := newTestSwitcher(t, toolchainFixture)

		require.NoError(t, s.Restore())
		require.NoError(t, s.Restore())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, toolchainFixture, string(raw))
	})
}
