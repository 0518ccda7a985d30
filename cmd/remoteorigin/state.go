package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yarkm13/remoteorigin/internal/progress"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "state",
		Short:         "Print the persisted progress marker for the configured endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			target, err := cfg.Target()
			if err != nil {
				return err
			}
			tracker, err := progress.Open(cfg.State.Dir, target.Endpoint())
			if err != nil {
				return fmt.Errorf("failed to open progress state: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", tracker.Path())
			state := tracker.Current()
			if state.Empty() {
				fmt.Fprintln(out, "# no file completed yet")
				return nil
			}
			enc := yaml.NewEncoder(out)
			defer enc.Close()
			return enc.Encode(state)
		},
	}
}
