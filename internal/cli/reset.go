package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	resetLong = LongDesc(`
		Resets the persisted status of the given networks back to pending with
		zeroed attempts, so the next run re-executes them regardless of their
		previous outcome.
`)

	resetExample = Examples(`
  		# Re-run alpha and beta on the next invocation
  		netdeploy reset --networks alpha,beta
`)
)

// NewResetCmd creates the "reset" command.
func (c *Commands) NewResetCmd() *cobra.Command {
	var networks []string

	cmd := &cobra.Command{
		Use:     "reset",
		Short:   "Resets persisted network statuses to pending",
		Long:    resetLong,
		Example: resetExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(networks) == 0 {
				return errors.New("--networks is required")
			}

			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}

			_, store, err := c.buildStack(cfg)
			if err != nil {
				return err
			}

			if err := store.ForceReset(cmd.Context(), networks); err != nil {
				return err
			}

			printSummary(cmd, store)

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&networks, "networks", nil, "Comma-separated network names to reset")

	return cmd
}
