// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// events_cmd.go - Event catalogue and bus history.

package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/event"
	"github.com/jeranaias/aihub/internal/event/events"
	"github.com/jeranaias/aihub/internal/util"
)

func newEventsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the application events and their subscribers",
		Long: `List the application events and how many subscribers the hub registers
for each. Use /events inside the chat REPL to see the session's event history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				printEventTable(cmd.OutOrStdout(), app.Bus)
				return nil
			})
		},
	}
}

// printEventTable lists catalogued events first, then any other event
// with subscribers.
func printEventTable(w io.Writer, bus *event.Bus) {
	names := events.Names()
	for _, n := range bus.EventNames() {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}

	fmt.Fprintln(w, TitleStyle.Render("Events"))
	for _, n := range names {
		count := bus.ListenerCount(n)
		status := DimStyle.Render("no subscribers")
		if count > 0 {
			status = SuccessStyle.Render(fmt.Sprintf("%d subscriber(s)", count))
		}
		fmt.Fprintf(w, "  %s %s\n", util.PadRight(n, 16), status)
	}

	st := bus.Stats()
	fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("%d emitted · %d delivered · %d failed · %d subscriptions",
		st.Emitted, st.Delivered, st.Failed, st.Subscriptions)))
}

// printEventHistory lists recorded emissions, newest first.
func printEventHistory(w io.Writer, records []event.Record, width int) {
	if len(records) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No events recorded"))
		return
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %s  %+v",
			r.Timestamp.Local().Format("15:04:05.000"),
			util.PadRight(r.Name, 16),
			r.Payload)
		fmt.Fprintln(w, util.TruncateWidth(line, width))
	}
}
