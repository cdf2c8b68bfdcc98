package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchyard/internal/history"
	"github.com/mattjoyce/switchyard/internal/inspect"
	"github.com/mattjoyce/switchyard/internal/storage"
)

func historyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read the orchestration log",
	}
	cmd.AddCommand(historyListCmd(opts), historyShowCmd(opts))
	return cmd
}

// openHistory opens the configured history database.
func openHistory(cmd *cobra.Command, opts *options) (*history.Store, func(), error) {
	_, cfg, err := opts.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return history.NewStore(db), func() { _ = db.Close() }, nil
}

func historyListCmd(opts *options) *cobra.Command {
	var f history.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recently processed triggers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := openHistory(cmd, opts)
			if err != nil {
				return err
			}
			defer closeDB()

			entries, err := store.Recent(cmd.Context(), f)
			if err != nil {
				return err
			}
			return inspect.WriteTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", history.DefaultLimit, "maximum entries")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "only this trigger kind")
	cmd.Flags().BoolVar(&f.FailedOnly, "failed", false, "only failed triggers")
	return cmd
}

func historyShowCmd(opts *options) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show routing and per-server outcomes of one trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openHistory(cmd, opts)
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := inspect.Build(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				js, err := report.JSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), js)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Text())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the report as JSON")
	return cmd
}
