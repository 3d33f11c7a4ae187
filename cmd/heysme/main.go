// HeysMe - conversational personal page builder server
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/heysme/heysme-server/internal/config"
	"github.com/heysme/heysme-server/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("heysme command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "heysme",
		Short:         "HeysMe personal page builder backend",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil {
				slog.Info("No .env file found, using environment variables")
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		setLogLevel(cfg.LogLevel)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newMigrateCmd(load))
	root.AddCommand(newInviteCmd(load))
	return root
}

type configLoader func() (*config.Config, error)

func setLogLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		slog.Warn("Unknown log level, keeping info", "log_level", level)
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openStore connects to the configured database and applies migrations.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	repo, err := store.Open(ctx, store.Options{
		Driver:         cfg.DB.Driver,
		URL:            cfg.DB.URL,
		SQLitePath:     cfg.DB.SQLitePath,
		MaxRetries:     cfg.Retry.DatabaseMaxRetries,
		RetryBaseDelay: cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}
