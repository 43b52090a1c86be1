package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"extlogin/internal/config"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the credential store schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				// Opening the store applies migrations.
				st, _, err := openStore(cfg, newLogger(cfg))
				if err != nil {
					return err
				}
				if err := st.Close(); err != nil {
					return err
				}
				return printStatus(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				return printStatus(cmd, cfg)
			},
		},
	)
	return cmd
}

func printStatus(cmd *cobra.Command, cfg *config.Config) error {
	var (
		status string
		err    error
	)
	switch cfg.Storage.Backend {
	case "sqlite":
		status, err = sqliteStatus(cfg.Storage.DSN)
	case "postgres":
		status, err = postgresStatus(cfg.Storage.DSN)
	default:
		status = "memory backend has no schema"
	}
	if err != nil {
		return fmt.Errorf("migrations status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return nil
}
