package main

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"

	"github.com/bridgeops/deployments-orchestrator/internal/cli"
)

func main() {
	level := zapcore.InfoLevel
	if raw := os.Getenv("NETDEPLOY_LOG_LEVEL"); raw != "" {
		if err := level.Set(raw); err != nil {
			fmt.Fprintf(os.Stderr, "invalid NETDEPLOY_LOG_LEVEL %q: %s\n", raw, err)
			os.Exit(1)
		}
	}

	lggr, err := cli.NewCLILogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %s\n", err)
		os.Exit(1)
	}
	defer func() { _ = lggr.Sync() }()

	rootCmd := cli.NewCommands(lggr).NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
