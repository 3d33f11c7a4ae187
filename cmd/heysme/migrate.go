package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing database tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			repo, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := repo.Close(); closeErr != nil {
					slog.Error("Failed to close repository", "error", closeErr)
				}
			}()
			slog.Info("Database migrated", "driver", repo.Dialect())
			return nil
		},
	}
}
