package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/orchestrator"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

// execAction runs an operator-supplied command once per target. Target
// attributes are passed through the environment so the same argv works for
// every network. The command's exit code and combined output feed the
// orchestrator's failure classification.
type execAction struct {
	kind progress.ActionKind
	argv []string
}

func newExecAction(kind progress.ActionKind, argv []string) (*execAction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command given; pass it after --")
	}

	return &execAction{kind: kind, argv: argv}, nil
}

// Kind returns the declared action kind.
func (a *execAction) Kind() progress.ActionKind { return a.kind }

// Execute runs the command against one target, registering the spawned
// process with the supervisor and capturing combined output.
func (a *execAction) Execute(ctx context.Context, target config.Network, rc orchestrator.RunContext) (orchestrator.ExecResult, error) {
	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)

	env := append(os.Environ(),
		"NETDEPLOY_RUN_ID="+rc.RunID,
		"NETDEPLOY_CONTRACT="+rc.Contract,
		"NETDEPLOY_ENVIRONMENT="+rc.Environment,
		"NETDEPLOY_NETWORK="+target.Name,
		"NETDEPLOY_CHAIN_ID="+strconv.FormatUint(target.ChainID, 10),
		"NETDEPLOY_EVM_VERSION="+rc.Profile.EVMVersion,
	)
	if len(target.RPCs) > 0 {
		env = append(env, "NETDEPLOY_RPC_URL="+target.RPCs[0].PreferredEndpoint())
	}
	if target.BlockExplorer.URL != "" {
		env = append(env, "NETDEPLOY_EXPLORER_URL="+target.BlockExplorer.URL)
	}
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		// Start failures are local (binary missing, permissions): retrying
		// against other attempts will not help.
		return orchestrator.ExecResult{}, orchestrator.NewExecError(
			orchestrator.ErrorKindConfig, "failed to start command: %s", err)
	}

	if rc.RegisterProcess != nil {
		rc.RegisterProcess(cmd.Process.Pid)
	}

	err := cmd.Wait()
	res := orchestrator.ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Log:      out.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is conveyed through ExitCode; the log carries the
			// diagnostics.
			return res, nil
		}

		return res, err
	}

	return res, nil
}
