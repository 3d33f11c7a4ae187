package main

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/heysme/heysme-server/internal/store"
)

func newInviteCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage invite codes",
	}
	cmd.AddCommand(newInviteCreateCmd(load))
	cmd.AddCommand(newInviteListCmd(load))
	return cmd
}

func newInviteCreateCmd(load configLoader) *cobra.Command {
	var (
		count   int
		maxUses int
		expires time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate invite codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > 1000 {
				return errors.New("--count must be between 1 and 1000")
			}
			if maxUses < 1 {
				return errors.New("--max-uses must be positive")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			repo, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			var expiresAt *time.Time
			if expires > 0 {
				at := time.Now().Add(expires).UTC()
				expiresAt = &at
			}
			codes, err := store.CreateInviteCodes(cmd.Context(), repo, count, maxUses, expiresAt, "cli")
			if err != nil {
				return err
			}
			for _, c := range codes {
				fmt.Fprintln(cmd.OutOrStdout(), c.Code)
			}
			slog.Info("Invite codes created", "count", len(codes), "max_uses", maxUses)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of codes to generate")
	cmd.Flags().IntVar(&maxUses, "max-uses", 1, "redemptions allowed per code")
	cmd.Flags().DurationVar(&expires, "expires", 0, "lifetime of the codes, e.g. 168h (0 never expires)")
	return cmd
}

func newInviteListCmd(load configLoader) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest invite codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			repo, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			codes, err := repo.ListInviteCodes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tUSED\tMAX\tEXPIRES\tDISABLED")
			for _, c := range codes {
				expiresAt := "-"
				if c.ExpiresAt != nil {
					expiresAt = c.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%t\n", c.Code, c.UsedCount, c.MaxUses, expiresAt, c.Disabled)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum codes to show")
	return cmd
}
