// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/hub"
)

func newImageCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "image <prompt>",
		Short:   "Generate an image from a text prompt",
		Example: `  aihub image "a lighthouse at dusk, watercolor"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(app *App) error {
				res, err := app.Hub.GenerateImage(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				printImage(cmd.OutOrStdout(), app, res)
				return nil
			})
		},
	}
}

func printImage(w io.Writer, app *App, res *hub.ImageResult) {
	switch {
	case res.Path != "":
		fmt.Fprintln(w, SuccessStyle.Render("Image saved:"), res.Path)
	case res.Image.URL != "":
		fmt.Fprintln(w, SuccessStyle.Render("Image:"), res.Image.URL)
	}
	if res.Image.RevisedPrompt != "" {
		fmt.Fprintln(w, DimStyle.Render("prompt: "+res.Image.RevisedPrompt))
	}
	if app.Config.UI.ShowTimings {
		fmt.Fprintln(w, DimStyle.Render(res.Duration.Round(time.Millisecond).String()))
	}
}
