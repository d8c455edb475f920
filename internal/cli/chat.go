// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL.
//
// Provides line editing and input history via liner when stdin is a
// terminal; piped input is read line by line. Ctrl+C cancels the request
// in flight, Ctrl+D or /quit leaves.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/atotto/clipboard"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/event/events"
	"github.com/jeranaias/aihub/internal/render"
)

func newChatCommand(opts *globalOptions) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Type a message and press Enter. Lines starting with / are commands;
type /help to list them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, resume)
		},
	}
	cmd.Flags().StringVarP(&resume, "resume", "r", "", "resume a saved conversation by ID")
	return cmd
}

func runChat(cmd *cobra.Command, opts *globalOptions, resume string) error {
	return withApp(cmd, opts, func(app *App) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		app.Watch(ctx)

		s := &chatSession{
			app:     app,
			out:     cmd.OutOrStdout(),
			errOut:  cmd.ErrOrStderr(),
			copy:    clipboard.WriteAll,
			started: time.Now(),
		}
		if resume != "" {
			if err := app.Hub.Resume(ctx, resume); err != nil {
				return fmt.Errorf("failed to resume %s: %w", resume, err)
			}
		}

		in := newLineReader(cmd.InOrStdin(), filepath.Join(app.Config.DataDir, "chat_history"))
		defer in.Close()

		app.Hub.Ready(ctx)
		s.printBanner()
		return s.loop(ctx, in)
	})
}

// =============================================================================
// INPUT
// =============================================================================

// lineReader is the REPL's source of input lines.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// newLineReader uses liner on a terminal and a plain scanner otherwise.
func newLineReader(in io.Reader, historyFile string) lineReader {
	if isTerminalReader(in) {
		return newLinerReader(historyFile)
	}
	return &scanReader{scanner: bufio.NewScanner(in)}
}

// linerReader provides input history and line editing.
type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader(historyFile string) *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	r := &linerReader{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the
// terminal.
func (r *linerReader) Close() error {
	if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		r.line.WriteHistory(f)
		f.Close()
	}
	return r.line.Close()
}

// scanReader reads piped input. Prompts are not echoed.
type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// SESSION
// =============================================================================

type chatSession struct {
	app     *App
	out     io.Writer
	errOut  io.Writer
	copy    func(string) error
	started time.Time

	lastReply string
	lastCode  string
}

func (s *chatSession) printBanner() {
	fmt.Fprintln(s.out, TitleStyle.Render("aihub "+Version))
	fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("mode %s · /help for commands · Ctrl+D to quit", s.app.Hub.Mode())))
	if id := s.app.Hub.ConversationID(); id != "" {
		fmt.Fprintln(s.out, DimStyle.Render("resumed "+id))
	}
}

func (s *chatSession) prompt() string {
	return PromptStyle.Render(string(s.app.Hub.Mode()) + "> ")
}

func (s *chatSession) loop(ctx context.Context, in lineReader) error {
	for {
		input, err := in.Prompt(s.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				s.printSummary()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := s.handleSlash(ctx, input)
			if err != nil {
				s.printError(err)
			}
			if !keepGoing {
				s.printSummary()
				return nil
			}
			continue
		}

		if err := s.send(ctx, input); err != nil {
			s.printError(err)
		}
	}
}

// send runs one request. Ctrl+C cancels it without leaving the REPL.
func (s *chatSession) send(ctx context.Context, input string) error {
	reqCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res, err := s.app.Hub.Send(reqCtx, input)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			fmt.Fprintln(s.errOut, WarningStyle.Render("[Cancelled]"))
			return nil
		}
		return err
	}

	s.lastReply = render.Sanitize(res.Reply.Content)
	s.lastCode = ""
	if len(res.Blocks) > 0 {
		s.lastCode = res.Blocks[0].Code
	}
	fmt.Fprintln(s.out)
	printResult(s.out, s.app, res, false)
	fmt.Fprintln(s.out)
	return nil
}

func (s *chatSession) printError(err error) {
	fmt.Fprintf(s.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
}

func (s *chatSession) printSummary() {
	c := s.app.Hub.Dashboard().Snapshot()
	fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("%d sent · %d replies · %d tokens · %s",
		c.Sent, c.Replies+c.CodeGenerations, c.Tokens, time.Since(s.started).Round(time.Second))))
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const chatHelp = `Commands:
  /mode [assistant|code]  show or switch the mode
  /new                    start a new conversation
  /resume <id>            continue a saved conversation
  /history                list recent conversations
  /image <prompt>         generate an image
  /copy [code]            copy the last reply (or its first code block)
  /stats                  session counters and rate limits
  /errors                 recent errors
  /events [name]          events emitted this session
  /quit                   leave`

// handleSlash runs a slash command and reports whether the REPL goes on.
func (s *chatSession) handleSlash(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return false, nil

	case "help", "?":
		fmt.Fprintln(s.out, chatHelp)

	case "mode":
		if arg == "" {
			fmt.Fprintln(s.out, RenderField("Mode", s.app.Hub.Mode()))
			return true, nil
		}
		if err := s.app.Hub.SetMode(ctx, events.Mode(strings.ToLower(arg))); err != nil {
			return true, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("Switched to "+string(s.app.Hub.Mode())))

	case "new":
		s.app.Hub.NewConversation()
		s.lastReply, s.lastCode = "", ""
		fmt.Fprintln(s.out, SuccessStyle.Render("New conversation"))

	case "resume":
		if arg == "" {
			return true, errors.New("usage: /resume <id>")
		}
		if err := s.app.Hub.Resume(ctx, arg); err != nil {
			return true, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render(fmt.Sprintf("Resumed %s in %s mode", arg, s.app.Hub.Mode())))

	case "history":
		metas, err := s.app.Conversations.List()
		if err != nil {
			return true, err
		}
		printConversationList(s.out, metas[:min(len(metas), 10)], s.app.Width)

	case "image":
		reqCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		res, err := s.app.Hub.GenerateImage(reqCtx, arg)
		if err != nil {
			return true, err
		}
		printImage(s.out, s.app, res)

	case "copy":
		text := s.lastReply
		if strings.EqualFold(arg, "code") {
			text = s.lastCode
		}
		if text == "" {
			return true, errors.New("nothing to copy")
		}
		if err := s.copy(text); err != nil {
			return true, fmt.Errorf("clipboard unavailable: %w", err)
		}
		fmt.Fprintln(s.out, SuccessStyle.Render(fmt.Sprintf("Copied %d characters", utf8.RuneCountInString(text))))

	case "stats":
		printCounters(s.out, s.app.Hub.Dashboard().Snapshot())
		printLimits(s.out, s.app.Limiter)

	case "errors":
		printEntries(s.out, s.app.Errors.Recent(5), s.app.Width)

	case "events":
		printEventHistory(s.out, s.app.Bus.History(arg, 20), s.app.Width)

	default:
		return true, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return true, nil
}
