// Package cli wires the cobra operator surface of the orchestrator: the run,
// status and reset commands sharing the manifest and settings flags.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

// Commands provides the set of commands exposed by the netdeploy binary.
type Commands struct {
	lggr logger.Logger
}

// NewCommands creates a new instance of Commands.
func NewCommands(lggr logger.Logger) *Commands {
	return &Commands{lggr: lggr}
}

// NewRootCmd assembles the root command with all subcommands attached.
func (c *Commands) NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "netdeploy",
		Short:         "Multi-network execution orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().
		String("manifest", "networks.yaml", "Path to the network manifest")
	rootCmd.PersistentFlags().
		String("config", "netdeploy.yaml", "Path to the settings file")

	rootCmd.AddCommand(
		c.NewRunCmd(),
		c.NewStatusCmd(),
		c.NewResetCmd(),
	)

	return rootCmd
}

// ExitError carries a specific process exit code up to main. Commands return
// it instead of calling os.Exit so deferred cleanup still runs.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}

	return e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by command execution to the process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return 1
}
