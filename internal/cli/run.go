package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/lockfile"
	"github.com/bridgeops/deployments-orchestrator/orchestrator"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

var (
	runLong = LongDesc(`
		Executes a command against every selected network, grouped by build
		compatibility, with durable per-network progress. Interrupted or
		partially failed runs resume from persisted state when the same
		command is rerun.
`)

	runExample = Examples(`
  		# Deploy to every network in the manifest
  		netdeploy run --contract TokenBridge -e staging --all -- forge script script/Deploy.s.sol --broadcast

  		# Retry two specific networks, one at a time
  		netdeploy run --contract TokenBridge -e staging --networks alpha,beta --sequential -- forge script script/Deploy.s.sol --broadcast
`)
)

// targetSelection holds the target-set flags of the run and reset commands.
type targetSelection struct {
	networks []string
	all      bool
	compat   string
	only     []string
	skip     []string
}

// resolve narrows the manifest down to the selected targets. Exactly one of
// --networks, --all or --compat picks the base set; --only and --skip then
// narrow it.
func (sel targetSelection) resolve(networks *config.Networks) ([]config.Network, error) {
	picked := 0
	for _, on := range []bool{len(sel.networks) > 0, sel.all, sel.compat != ""} {
		if on {
			picked++
		}
	}
	if picked != 1 {
		return nil, errors.New("exactly one of --networks, --all or --compat is required")
	}

	base := networks
	switch {
	case len(sel.networks) > 0:
		// Unknown names must fail loudly rather than silently shrink the set.
		for _, name := range sel.networks {
			if _, err := networks.ByName(name); err != nil {
				return nil, err
			}
		}
		base = networks.FilterWith(config.NamesFilter(sel.networks...))
	case sel.compat != "":
		base = networks.FilterWith(config.CompatClassFilter(config.CompatClass(sel.compat)))
	}

	var filters []config.NetworkFilter
	if len(sel.only) > 0 {
		filters = append(filters, config.NamesFilter(sel.only...))
	}
	if len(sel.skip) > 0 {
		filters = append(filters, config.ExcludeNamesFilter(sel.skip...))
	}

	targets := base.FilterWith(filters...).All()
	if len(targets) == 0 {
		return nil, errors.New("target selection matched no networks")
	}

	return targets, nil
}

func addSelectionFlags(cmd *cobra.Command, sel *targetSelection) {
	cmd.Flags().StringSliceVar(&sel.networks, "networks", nil, "Comma-separated network names to target")
	cmd.Flags().BoolVar(&sel.all, "all", false, "Target every network in the manifest")
	cmd.Flags().StringVar(&sel.compat, "compat", "", "Target every network of one compatibility class")
	cmd.Flags().StringSliceVar(&sel.only, "only", nil, "Allowlist applied after base selection")
	cmd.Flags().StringSliceVar(&sel.skip, "skip", nil, "Denylist applied after base selection")
}

// NewRunCmd creates the "run" command.
func (c *Commands) NewRunCmd() *cobra.Command {
	var (
		sel            targetSelection
		contract       string
		environment    string
		actionKind     string
		sequential     bool
		maxConcurrency int
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:     "run -- <command> [args...]",
		Short:   "Runs a command against the selected networks",
		Long:    runLong,
		Example: runExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 0 {
				return errors.New("the command to execute must follow --")
			}

			action, err := newExecAction(progress.ActionKind(actionKind), args)
			if err != nil {
				return err
			}

			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}

			// Command-line policy flags win over the settings file.
			if cmd.Flags().Changed("max-concurrency") {
				cfg.Settings.MaxConcurrency = maxConcurrency
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Settings.TargetTimeout = timeout
			}

			targets, err := sel.resolve(cfg.Networks)
			if err != nil {
				return err
			}

			seq, store, err := c.buildStack(cfg)
			if err != nil {
				return err
			}

			code, runErr := seq.Run(cmd.Context(), action, orchestrator.RunOptions{
				Contract:    contract,
				Environment: environment,
				Targets:     targets,
				Sequential:  sequential,
			})

			printSummary(cmd, store)

			if code != orchestrator.ExitOK {
				return &ExitError{Code: code, Err: runErr}
			}

			return nil
		},
	}

	addSelectionFlags(cmd, &sel)
	cmd.Flags().StringVar(&contract, "contract", "", "Contract the run operates on (required)")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "Deployment environment (required)")
	cmd.Flags().StringVar(&actionKind, "action", string(progress.ActionDeploy), "Action kind (deploy, verify, propose, update, generic)")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "Force one-at-a-time execution in every group")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Cap on concurrent targets within a group (0 = unbounded)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-target execution deadline (0 = none)")

	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("environment")

	return cmd
}

// loadConfig reads the manifest and settings named by the persistent flags.
func (c *Commands) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	manifest, _ := cmd.Flags().GetString("manifest")
	settingsPath, _ := cmd.Flags().GetString("config")

	return config.Load(manifest, settingsPath, c.lggr)
}

// buildStack assembles the orchestration stack from settings.
func (c *Commands) buildStack(cfg *config.Config) (*orchestrator.Sequencer, *progress.Store, error) {
	if err := os.MkdirAll(cfg.Settings.StateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	locks := lockfile.NewManager(cfg.Settings.StateDir, c.lggr,
		lockfile.WithTimeout(cfg.Settings.LockTimeout),
	)
	store := progress.NewStore(cfg.Settings.StateDir, locks, c.lggr)
	supervisor := orchestrator.NewSupervisor(cfg.Settings.StateDir, c.lggr)
	runner := orchestrator.NewRunner(store, c.lggr,
		orchestrator.WithTargetTimeout(cfg.Settings.TargetTimeout),
	)
	coordinator := orchestrator.NewCoordinator(runner, store, supervisor, c.lggr,
		orchestrator.WithMaxConcurrency(cfg.Settings.MaxConcurrency),
		orchestrator.WithSettleTimeout(cfg.Settings.SettleTimeout),
	)
	switcher := orchestrator.NewSwitcher(cfg.Settings.ToolchainConfigPath, c.lggr)

	return orchestrator.NewSequencer(store, locks, switcher, coordinator, supervisor, c.lggr), store, nil
}

// printSummary renders the per-bucket end-of-run report.
func printSummary(cmd *cobra.Command, store *progress.Store) {
	summary, err := store.Summary(cmd.Context())
	if err != nil || summary.Total == 0 {
		return
	}

	cmd.Println()
	printBucket(cmd, store, "success", summary.Success)
	printBucket(cmd, store, "failed", summary.Failed)
	printBucket(cmd, store, "in_progress", summary.InProgress)
	printBucket(cmd, store, "pending", summary.Pending)
}

func printBucket(cmd *cobra.Command, store *progress.Store, label string, names []string) {
	if len(names) == 0 {
		return
	}

	cmd.Printf("%s (%d):\n", label, len(names))
	for _, name := range names {
		ns, err := store.Get(cmd.Context(), name)
		if err != nil {
			cmd.Printf("  %s\n", name)
			continue
		}

		if ns.Error != "" {
			cmd.Printf("  %s (attempts: %d): %s\n", name, ns.Attempts, ns.Error)
		} else {
			cmd.Printf("  %s (attempts: %d)\n", name, ns.Attempts)
		}
	}
}
