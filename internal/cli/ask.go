// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/hub"
	"github.com/jeranaias/aihub/internal/render"
)

type askOptions struct {
	raw    bool
	asJSON bool
}

func newAskCommand(opts *globalOptions) *cobra.Command {
	ao := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the reply",
		Long: `Ask a single question and print the reply.

The question is read from the arguments, or from stdin when none are given.
In code mode the first code block of the reply is saved as an artifact.`,
		Example: `  aihub ask "What is a goroutine?"
  aihub ask -m code "Write a Go function that reverses a slice"
  git diff | aihub ask -m code`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := questionFrom(cmd, args)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(app *App) error {
				res, err := app.Hub.Send(cmd.Context(), question)
				if err != nil {
					return err
				}
				if ao.asJSON {
					return writeResultJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), app, res, ao.raw)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ao.raw, "raw", false, "print the sanitized reply without markdown rendering")
	cmd.Flags().BoolVar(&ao.asJSON, "json", false, "print the result as JSON")
	return cmd
}

// questionFrom joins args, or reads stdin when there are none.
func questionFrom(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if isTerminalReader(cmd.InOrStdin()) {
		return "", fmt.Errorf("%w: pass a question as an argument", hub.ErrEmptyInput)
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

// printResult writes a reply the way the REPL shows it.
func printResult(w io.Writer, app *App, res *hub.Result, raw bool) {
	if raw {
		fmt.Fprintln(w, render.Sanitize(res.Reply.Content))
	} else {
		fmt.Fprintln(w, strings.TrimRight(app.Renderer.Render(res.Reply.Content), "\n"))
	}
	if res.ArtifactPath != "" {
		fmt.Fprintln(w, DimStyle.Render("saved "+res.ArtifactPath))
	}
	if app.Config.UI.ShowTimings {
		fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("%s · %s · %d tokens",
			res.Backend, res.Duration.Round(time.Millisecond), res.Reply.TotalTokens())))
	}
}

type resultJSON struct {
	ConversationID string   `json:"conversation_id"`
	Mode           string   `json:"mode"`
	Backend        string   `json:"backend"`
	Model          string   `json:"model,omitempty"`
	Reply          string   `json:"reply"`
	DurationMs     int64    `json:"duration_ms"`
	Tokens         int      `json:"tokens"`
	Languages      []string `json:"code_languages,omitempty"`
	ArtifactPath   string   `json:"artifact_path,omitempty"`
}

func writeResultJSON(w io.Writer, res *hub.Result) error {
	out := resultJSON{
		ConversationID: res.ConversationID,
		Mode:           string(res.Mode),
		Backend:        res.Backend,
		Model:          res.Reply.Model,
		Reply:          render.Sanitize(res.Reply.Content),
		DurationMs:     res.Duration.Milliseconds(),
		Tokens:         res.Reply.TotalTokens(),
		ArtifactPath:   res.ArtifactPath,
	}
	for _, b := range res.Blocks {
		out.Languages = append(out.Languages, b.Language)
	}
	return writeJSON(w, out)
}
