// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the aihub command line: the interactive chat REPL,
// one-shot ask and image commands, and inspection commands for errors,
// events, rate limits, configuration and stored conversations.
package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	mode       string
	noColor    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "aihub",
		Short: "Terminal hub for chat, code and image generation models",
		Long: `aihub talks to OpenAI-compatible chat and image endpoints from the terminal.

Requests are rate limited per backend and retried on transient failures.
Conversations, generated code and images are saved under the data directory.`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		// Bare "aihub" starts the chat REPL.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, "")
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default is ~/.aihub/config.toml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVarP(&opts.mode, "mode", "m", "", "mode: assistant or code")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newChatCommand(opts),
		newAskCommand(opts),
		newImageCommand(opts),
		newHistoryCommand(opts),
		newErrorsCommand(opts),
		newEventsCommand(opts),
		newLimitsCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

func versionString() string {
	return fmt.Sprintf("aihub %s (commit %s, built %s, %s/%s)",
		Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
}
