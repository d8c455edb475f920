// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history.go - Saved conversation and artifact commands.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/render"
	"github.com/jeranaias/aihub/internal/storage"
	"github.com/jeranaias/aihub/internal/util"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		search string
		limit  int
		asJSON bool
	)
	list := func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, opts, func(app *App) error {
			var (
				metas []storage.Meta
				err   error
			)
			if search != "" {
				metas, err = app.Conversations.Search(search)
			} else {
				metas, err = app.Conversations.List()
			}
			if err != nil {
				return err
			}
			if limit > 0 && len(metas) > limit {
				metas = metas[:limit]
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), metas)
			}
			printConversationList(cmd.OutOrStdout(), metas, app.Width)
			return nil
		})
	}

	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"conversations"},
		Short:   "List and manage saved conversations",
		RunE:    list,
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "only conversations whose title or preview matches")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of conversations (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	cmd.AddCommand(
		newHistoryShowCommand(opts),
		newHistoryExportCommand(opts),
		newHistoryDeleteCommand(opts),
		newHistoryClearCommand(opts),
		newArtifactsCommand(opts),
	)
	return cmd
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				conv, err := app.Conversations.Load(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(app.Renderer.Render(conv.Markdown()), "\n"))
				return nil
			})
		},
	}
}

func newHistoryExportCommand(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a conversation as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				conv, err := app.Conversations.Load(args[0])
				if err != nil {
					return err
				}
				md := conv.Markdown()
				if output == "" || output == "-" {
					_, err := io.WriteString(cmd.OutOrStdout(), md)
					return err
				}
				if err := util.AtomicWriteFile(output, []byte(md), 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Exported to "+output))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newHistoryDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				if err := app.Conversations.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted "+args[0]))
				return nil
			})
		},
	}
}

func newHistoryClearCommand(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every saved conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Delete all saved conversations?") {
				fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("Cancelled"))
				return nil
			}
			return withApp(cmd, opts, func(app *App) error {
				if err := app.Conversations.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("All conversations deleted"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newArtifactsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "artifacts [code|images]",
		Short:     "List saved code and images",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(storage.ArtifactCode), string(storage.ArtifactImage)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := []storage.ArtifactKind{storage.ArtifactCode, storage.ArtifactImage}
			if len(args) == 1 {
				kind := storage.ArtifactKind(args[0])
				if kind != storage.ArtifactCode && kind != storage.ArtifactImage {
					return fmt.Errorf("unknown artifact kind %q", args[0])
				}
				kinds = []storage.ArtifactKind{kind}
			}
			return withApp(cmd, opts, func(app *App) error {
				w := cmd.OutOrStdout()
				for _, kind := range kinds {
					items, err := app.Artifacts.List(kind)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, SectionStyle.Render(fmt.Sprintf("%s (%d)", kind, len(items))))
					for _, it := range items {
						fmt.Fprintf(w, "  %s  %s  %s\n",
							it.ModTime.Format("2006-01-02 15:04"),
							util.PadRight(formatBytes(it.Size), 9),
							it.Path)
					}
				}
				return nil
			})
		},
	}
}

// =============================================================================
// OUTPUT
// =============================================================================

func printConversationList(w io.Writer, metas []storage.Meta, width int) {
	if len(metas) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No saved conversations"))
		return
	}
	for _, m := range metas {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			TitleStyle.Render(m.ID),
			DimStyle.Render(m.UpdatedAt.Format("2006-01-02 15:04")),
			util.PadRight(m.Mode, 9),
			util.TruncateWidth(m.Title, 40))
		if m.Preview != "" {
			fmt.Fprintln(w, "    "+DimStyle.Render(render.Preview(m.Preview, width-4)))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

