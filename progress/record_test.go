package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

func Test_Status_Valid(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusPending, StatusInProgress, StatusSuccess, StatusFailed} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("done").Valid())
	assert.False(t, Status("").Valid())
}

func Test_Identity_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		give    Identity
		wantErr string
	}{
		{
			name: "valid",
			give: Identity{Contract: "BridgeDiamond", Environment: "staging", Action: ActionDeploy},
		},
		{
			name:    "missing contract",
			give:    Identity{Environment: "staging", Action: ActionDeploy},
			wantErr: "contract id is required",
		},
		{
			name:    "missing environment",
			give:    Identity{Contract: "BridgeDiamond", Action: ActionDeploy},
			wantErr: "environment id is required",
		},
		{
			name:    "unknown action",
			give:    Identity{Contract: "BridgeDiamond", Environment: "staging", Action: "destroy"},
			wantErr: `unknown action kind "destroy"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.give.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				require.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func Test_ValidTargetName(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidTargetName("mainnet"))
	assert.True(t, ValidTargetName("polygon-zkevm"))
	assert.False(t, ValidTargetName(""))
	assert.False(t, ValidTargetName("bad name"))
	assert.False(t, ValidTargetName("tab\tname"))
	assert.False(t, ValidTargetName("newline\nname"))
}

func Test_NewRecord_dropsInvalidNames(t *testing.T) {
	t.Parallel()

	id := Identity{Contract: "BridgeDiamond", Environment: "staging", Action: ActionDeploy}
	rec := NewRecord(id, []string{"alpha", "bad name", "beta"}, logger.Test(t))

	assert.Len(t, rec.Networks, 2)
	assert.Contains(t, rec.Networks, "alpha")
	assert.Contains(t, rec.Networks, "beta")
	assert.NotContains(t, rec.Networks, "bad name")
	assert.NotEmpty(t, rec.ID)
}

func Test_Record_Merge(t *testing.T) {
	t.Parallel()

	id := Identity{Contract: "BridgeDiamond", Environment: "staging", Action: ActionDeploy}
	rec := NewRecord(id, []string{"alpha", "beta"}, logger.Test(t))

	rec.Networks["alpha"] = NetworkStatus{Status: StatusSuccess, Attempts: 2}
	rec.Networks["beta"] = NetworkStatus{Status: StatusFailed, Attempts: 3, Error: "rpc timeout"}

	rec.Merge([]string{"alpha", "beta", "gamma", "bad name"}, logger.Test(t))

	// Prior success untouched.
	assert.Equal(t, NetworkStatus{Status: StatusSuccess, Attempts: 2}, rec.Networks["alpha"])

	// Failed reset to pending with attempts zeroed and error cleared.
	assert.Equal(t, NetworkStatus{Status: StatusPending}, rec.Networks["beta"])

	// New target starts pending; invalid name dropped.
	assert.Equal(t, NetworkStatus{Status: StatusPending}, rec.Networks["gamma"])
	assert.NotContains(t, rec.Networks, "bad name")
}

func Test_Record_Complete(t *testing.T) {
	t.Parallel()

	id := Identity{Contract: "BridgeDiamond", Environment: "staging", Action: ActionDeploy}
	rec := NewRecord(id, []string{"alpha", "beta"}, logger.Test(t))

	assert.False(t, rec.Complete())

	rec.Networks["alpha"] = NetworkStatus{Status: StatusSuccess}
	rec.Networks["beta"] = NetworkStatus{Status: StatusSuccess}
	assert.True(t, rec.Complete())

	rec.Networks["beta"] = NetworkStatus{Status: StatusFailed}
	assert.False(t, rec.Complete())
}

func Test_Record_Repair(t *testing.T) {
	t.Parallel()

	t.Run("salvages valid entries", func(t *testing.T) {
		t.Parallel()

		rec := &Record{
			Identity: Identity{Contract: "BridgeDiamond", Environment: "staging", Action: ActionDeploy},
			Networks: map[string]NetworkStatus{
				"alpha":    {Status: StatusSuccess, Attempts: 1},
				"bad name": {Status: StatusSuccess},
				"beta":     {Status: "finished?"},
			},
		}

		require.NoError(t, rec.Repair(logger.Test(t)))

		assert.NotContains(t, rec.Networks, "bad name")
		assert.Equal(t, StatusSuccess, rec.Networks["alpha"].Status)
		assert.Equal(t, StatusPending, rec.Networks["beta"].Status)
		assert.NotEmpty(t, rec.ID)
	})

	t.Run("unsalvageable identity", func(t *testing.T) {
		t.Parallel()

		rec := &Record{Networks: map[string]NetworkStatus{}}

		err := rec.Repair(logger.Test(t))
		require.Error(t, err)
		require.ErrorContains(t, err, "unsalvageable")
	})
}

func Test_Record_Summarize(t *testing.T) {
	t.Parallel()

	id := Identity{Contract: "BridgeDiamond", Environment: "staging", Action: ActionDeploy}
	rec := NewRecord(id, []string{"a", "b", "c", "d"}, logger.Test(t))
	rec.Networks["a"] = NetworkStatus{Status: StatusSuccess}
	rec.Networks["b"] = NetworkStatus{Status: StatusFailed, Error: "boom"}
	rec.Networks["c"] = NetworkStatus{Status: StatusInProgress}

	got := rec.Summarize()

	assert.Equal(t, 4, got.Total)
	assert.Equal(t, []string{"a"}, got.Success)
	assert.Equal(t, []string{"b"}, got.Failed)
	assert.Equal(t, []string{"c"}, got.InProgress)
	assert.Equal(t, []string{"d"}, got.Pending)
	assert.False(t, got.AllSuccessful())

	rec.Networks["b"] = NetworkStatus{Status: StatusSuccess}
	rec.Networks["c"] = NetworkStatus{Status: StatusSuccess}
	rec.Networks["d"] = NetworkStatus{Status: StatusSuccess}
	assert.True(t, rec.Summarize().AllSuccessful())
}
