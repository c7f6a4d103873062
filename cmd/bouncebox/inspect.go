package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/bouncebox/internal/storage/sqlstore"
)

func openStore(configPath string) (*sqlstore.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	store, err := sqlstore.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

func newActivityCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the most recent activity events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.RecentEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tMESSAGE\tDETAILS")
			for _, ev := range events {
				details := ""
				if len(ev.Details) > 0 {
					b, err := json.Marshal(ev.Details)
					if err != nil {
						return err
					}
					details = string(b)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message, details)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	return cmd
}

func newBouncesCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "bounces",
		Short: "Show the most recent bounce records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.RecentBounces(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tLABEL\tPROCESSED\tFROM\tTO\tSUBJECT")
			for _, r := range records {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\t%s\n",
					r.ID, r.CreatedAt.Format(time.RFC3339), r.Label, r.Processed, r.From, r.To, r.Subject)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}
