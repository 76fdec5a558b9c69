package cli

import (
	"github.com/spf13/cobra"
)

var statusLong = LongDesc(`
	Prints the persisted progress of the current run: every tracked network
	bucketed by status, with attempt counts and captured error text.
`)

// NewStatusCmd creates the "status" command.
func (c *Commands) NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows persisted run progress",
		Long:  statusLong,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}

			_, store, err := c.buildStack(cfg)
			if err != nil {
				return err
			}

			summary, err := store.Summary(cmd.Context())
			if err != nil {
				return err
			}

			if summary.Total == 0 {
				cmd.Println("No run in progress.")
				return nil
			}

			printSummary(cmd, store)

			return nil
		},
	}
}
