package main

import (
	"github.com/spf13/cobra"

	"github.com/yarkm13/remoteorigin/internal/config"
	"github.com/yarkm13/remoteorigin/internal/logger"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remoteorigin",
		Short: "Ingest files from an SFTP or FTP endpoint in chronological order, exactly once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to config file (.yaml or .toml)")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newStateCmd())

	return cmd
}

// Execute runs the root command with provided args.
func Execute(args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, configError{err}
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *logger.Logger {
	log := logger.New(cmd.ErrOrStderr())
	log.SetLevel(logger.ParseLevel(cfg.Log.Level))
	for _, w := range cfg.Warnings() {
		log.Warn(w, nil)
	}
	return log
}
