// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/hub"
	"github.com/jeranaias/aihub/internal/ratelimit"
	"github.com/jeranaias/aihub/internal/util"
)

func newLimitsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the configured rate limits",
		Long: `Show the rate limit applied to each backend. Requests are keyed by backend
name; any other key gets the default policy. Limits are edited under
[rate_limits] in the config file and picked up by a running chat session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				printLimits(cmd.OutOrStdout(), app.Limiter)
				d := ratelimit.DefaultPolicy()
				fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("default: "+describePolicy(d)))
				return nil
			})
		},
	}
}

func describePolicy(p ratelimit.Policy) string {
	window := "unlimited"
	if p.MaxRequests > 0 && p.Window > 0 {
		window = fmt.Sprintf("%d per %s", p.MaxRequests, p.Window)
	}
	interval := "none"
	if p.MinInterval > 0 {
		interval = p.MinInterval.String()
	}
	return fmt.Sprintf("%s, min interval %s", window, interval)
}

func printLimits(w io.Writer, l *ratelimit.Limiter) {
	fmt.Fprintln(w, SectionStyle.Render("Rate limits"))
	keys := l.Keys()
	if len(keys) == 0 {
		fmt.Fprintln(w, DimStyle.Render("  none configured"))
		return
	}
	for _, key := range keys {
		st := l.Status(key)
		usage := fmt.Sprintf("%d used", st.Used)
		if st.Remaining >= 0 {
			usage += fmt.Sprintf(", %d left", st.Remaining)
		}
		line := fmt.Sprintf("  %s %s  %s", util.PadRight(key, 12), describePolicy(st.Policy), DimStyle.Render(usage))
		if st.RetryAfter > 0 {
			line += "  " + WarningStyle.Render("wait "+st.RetryAfter.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)
	}
}

func printCounters(w io.Writer, c hub.Counters) {
	fmt.Fprintln(w, SectionStyle.Render("Session"))
	fmt.Fprintln(w, RenderField("Messages sent", c.Sent))
	fmt.Fprintln(w, RenderField("Replies", c.Replies))
	fmt.Fprintln(w, RenderField("Code generated", c.CodeGenerations))
	fmt.Fprintln(w, RenderField("Images", c.Images))
	fmt.Fprintln(w, RenderField("Saves", c.Saves))
	fmt.Fprintln(w, RenderField("Tokens", c.Tokens))
	fmt.Fprintln(w, RenderField("Mode changes", c.ModeChanges))
	fmt.Fprintln(w, RenderField("Errors", c.Errors))
	if !c.LastActivity.IsZero() {
		fmt.Fprintln(w, RenderField("Last activity", c.LastActivity.Local().Format("15:04:05")))
	}
}
