// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors_cmd.go - Error history inspection.

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/errlog"
	"github.com/jeranaias/aihub/internal/util"
)

// errNoErrorStore is returned when errors.persist is off.
var errNoErrorStore = errors.New("error history is not persisted (set errors.persist = true)")

func newErrorsCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recent errors",
		Long: `Show recent errors recorded by the event bus, the fetch client and the
backends, newest first. Filter by type with --type, e.g. --type NetworkError.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				if app.ErrorStore == nil {
					return errNoErrorStore
				}
				entries, err := app.ErrorStore.Recent(cmd.Context(), limit, errlog.Kind(kind))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				total, err := app.ErrorStore.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), TitleStyle.Render(fmt.Sprintf("Errors (%d of %d)", len(entries), total)))
				printEntries(cmd.OutOrStdout(), entries, app.Width)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().StringVarP(&kind, "type", "t", "", "only entries of this type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	cmd.AddCommand(newErrorsPruneCommand(opts))
	return cmd
}

func newErrorsPruneCommand(opts *globalOptions) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				if app.ErrorStore == nil {
					return errNoErrorStore
				}
				n, err := app.ErrorStore.Prune(cmd.Context(), keep)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(fmt.Sprintf("Removed %d entries", n)))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 100, "number of entries to keep")
	return cmd
}

func printEntries(w io.Writer, entries []errlog.Entry, width int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No errors"))
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			DimStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05")),
			SeverityStyle(e.Severity).Render(util.PadRight(string(e.Severity), 8)),
			util.PadRight(string(e.Kind), 17),
			e.Message)
		if d := e.Detail(); d != "" && d != e.Message {
			fmt.Fprintln(w, "    "+DimStyle.Render(util.TruncateWidth(util.OneLine(d), width-4)))
		}
	}
}
