// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Builds the runtime from configuration.
//
// Construction order matters: the announcer exists before the error log
// so the log can notify it, and is attached to the bus once the bus that
// reports into the log exists.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/backend"
	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/config"
	"github.com/jeranaias/aihub/internal/errlog"
	"github.com/jeranaias/aihub/internal/event"
	"github.com/jeranaias/aihub/internal/event/events"
	"github.com/jeranaias/aihub/internal/fetch"
	"github.com/jeranaias/aihub/internal/hub"
	"github.com/jeranaias/aihub/internal/logging"
	"github.com/jeranaias/aihub/internal/ratelimit"
	"github.com/jeranaias/aihub/internal/render"
	"github.com/jeranaias/aihub/internal/secret"
	"github.com/jeranaias/aihub/internal/storage"
)

// passphraseEnv supplies the passphrase for encrypted API keys
// non-interactively.
const passphraseEnv = "AIHUB_PASSPHRASE"

// errorsDBName is the error history database under the data directory.
const errorsDBName = "errors.db"

// =============================================================================
// CONFIG LOADING
// =============================================================================

// loadConfig reads the config named by --config, or the default one, and
// applies the global flags on top.
func loadConfig(opts *globalOptions) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = opts.configPath
		err  error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		if path, err = config.DefaultPath(); err != nil {
			return nil, "", err
		}
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, "", err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.mode != "" {
		if !events.Mode(opts.mode).Valid() {
			return nil, "", fmt.Errorf("%w: %q", hub.ErrInvalidMode, opts.mode)
		}
		cfg.Mode = opts.mode
	}
	if opts.noColor {
		cfg.UI.Color = "never"
	}
	return cfg, path, nil
}

// saltPath is where the key-derivation salt lives, next to the config.
func saltPath(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), "aihub.salt")
}

// openVault derives the key for encrypted API keys from AIHUB_PASSPHRASE
// or, on a terminal, a prompt.
func openVault(cmd *cobra.Command, cfgPath string) (*secret.Vault, error) {
	pass := os.Getenv(passphraseEnv)
	if pass == "" {
		if !isTerminalReader(cmd.InOrStdin()) {
			return nil, fmt.Errorf("%w: set %s to unlock encrypted API keys", ErrTTYRequired, passphraseEnv)
		}
		var err error
		if pass, err = readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Passphrase: "); err != nil {
			return nil, err
		}
	}
	return secret.Open(pass, saltPath(cfgPath))
}

// unlockKeys decrypts ENC: API keys in place.
func unlockKeys(cmd *cobra.Command, cfg *config.Config, cfgPath string) error {
	if !slices.ContainsFunc([]string{cfg.Assistant.APIKey, cfg.Code.APIKey, cfg.Image.APIKey}, secret.IsEncrypted) {
		return nil
	}
	vault, err := openVault(cmd, cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.RevealKeys(vault.Reveal); err != nil {
		return fmt.Errorf("failed to decrypt API keys: %w", err)
	}
	return nil
}

// =============================================================================
// APP
// =============================================================================

// App is everything a command needs at runtime.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger

	Errors     *errlog.Log
	ErrorStore *errlog.Store // nil unless errors.persist is set

	Bus     *event.Bus
	Limiter *ratelimit.Limiter
	Fetch   *fetch.Client
	Hub     *hub.Hub

	Conversations *storage.ConversationStore
	Artifacts     *storage.ArtifactStore

	Renderer *render.Renderer
	Width    int

	closers []io.Closer
}

// newApp loads configuration and builds an App.
func newApp(cmd *cobra.Command, opts *globalOptions) (*App, error) {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := unlockKeys(cmd, cfg, path); err != nil {
		return nil, err
	}
	return buildApp(cmd, cfg, path)
}

func buildApp(cmd *cobra.Command, cfg *config.Config, cfgPath string) (*App, error) {
	a := &App{Config: cfg, ConfigPath: cfgPath}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	a.Logger = logger
	a.closers = append(a.closers, closer)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Errors
	logOpts := []errlog.Option{
		errlog.WithLogger(logger),
		errlog.WithCapacity(cfg.Errors.Capacity),
	}
	if cfg.Errors.Persist {
		store, err := errlog.OpenStore(filepath.Join(cfg.DataDir, errorsDBName))
		if err != nil {
			logger.Warn("error history unavailable", "error", err)
		} else {
			a.ErrorStore = store
			a.closers = append(a.closers, store)
			logOpts = append(logOpts, errlog.WithStore(store))
		}
	}
	announcer := hub.NewAnnouncer()
	if n := cfg.Errors.NotifyPerMinute; n > 0 {
		logOpts = append(logOpts, errlog.WithNotify(
			announcer.Announce,
			errlog.Severity(cfg.Errors.NotifySeverity),
			time.Minute/time.Duration(n),
			n,
		))
	}
	a.Errors = errlog.NewLog(logOpts...)

	// Events
	a.Bus = event.New(
		event.WithSink(a.Errors),
		event.WithLogger(logger),
		event.WithHistorySize(cfg.Events.HistorySize),
	)
	announcer.Attach(a.Bus)

	// Transport
	a.Limiter = ratelimit.New()
	transport := fetch.NewHTTPTransport().
		WithUserAgent(cfg.Fetch.UserAgent).
		WithLogger(logger)
	a.Fetch = fetch.New(
		fetch.WithTransport(transport),
		fetch.WithLimiter(a.Limiter),
		fetch.WithSink(a.Errors),
		fetch.WithLogger(logger),
		fetch.WithDefaultTimeout(cfg.Fetch.Timeout()),
		fetch.WithDefaultRetries(cfg.Fetch.Retries),
		fetch.WithBaseDelay(cfg.Fetch.BaseDelay()),
	)
	a.applyPolicies(cfg)

	// Storage
	if a.Conversations, err = storage.NewConversationStore(filepath.Join(cfg.DataDir, "conversations"), clock.Real); err != nil {
		a.Close()
		return nil, err
	}
	if a.Artifacts, err = storage.NewArtifactStore(filepath.Join(cfg.DataDir, "artifacts"), clock.Real); err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = hub.New(a.Bus,
		hub.WithAssistant(chatBackend(a.Fetch, cfg.Assistant)),
		hub.WithCode(chatBackend(a.Fetch, cfg.Code)),
		hub.WithImage(imageBackend(a.Fetch, cfg.Image)),
		hub.WithConversations(a.Conversations),
		hub.WithArtifacts(a.Artifacts),
		hub.WithSink(a.Errors),
		hub.WithLogger(logger),
		hub.WithVersion(Version),
		hub.WithMode(events.Mode(cfg.Mode)),
	)

	// Output
	profile := ColorProfile(cfg.UI.Color)
	applyColorProfile(profile)
	a.Width = TerminalWidth(cfg.UI.Width)
	a.Renderer = render.NewRenderer(profile, a.Width)
	return a, nil
}

func chatBackend(client *fetch.Client, c config.BackendConfig) backend.ChatBackend {
	return backend.NewOpenAIChat(client, backend.ChatConfig{
		Name:         c.Name,
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Temperature:  c.Temperature,
		MaxTokens:    c.MaxTokens,
		Timeout:      c.Timeout(),
	})
}

func imageBackend(client *fetch.Client, c config.ImageConfig) backend.ImageBackend {
	if c.Provider == config.ImageProviderOpenAI {
		return backend.NewOpenAIImage(client, backend.ImageConfig{
			Name:    c.Name,
			BaseURL: c.BaseURL,
			APIKey:  c.APIKey,
			Model:   c.Model,
			Size:    c.Size,
			Timeout: c.Timeout(),
		})
	}
	return backend.NewPromptURLImage(client, c.Name, c.URLTemplate, c.Timeout())
}

// applyPolicies registers the configured rate limits. Keys whose policy
// is unchanged keep their request history.
func (a *App) applyPolicies(cfg *config.Config) {
	for key, p := range cfg.Policies() {
		if a.Limiter.Policy(key) == p {
			continue
		}
		a.Fetch.SetRateLimit(key, p)
		a.Logger.Debug("rate limit applied", "key", key,
			"min_interval", p.MinInterval, "max_requests", p.MaxRequests, "window", p.Window)
	}
}

// limiterPruneInterval is how often a long-running session drops expired
// limiter timestamps.
const limiterPruneInterval = time.Minute

// Watch reloads rate limits when the config file changes and prunes the
// limiter periodically, until ctx is done. A missing config file is not
// watched.
func (a *App) Watch(ctx context.Context) {
	go func() {
		t := time.NewTicker(limiterPruneInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := a.Limiter.Prune(); n > 0 {
					a.Logger.Debug("pruned rate limit history", "removed", n)
				}
			}
		}
	}()

	if _, err := os.Stat(a.ConfigPath); err != nil {
		return
	}
	w, err := config.NewWatcher(a.ConfigPath, func(cfg *config.Config) {
		a.applyPolicies(cfg)
		a.Logger.Info("config reloaded", "path", a.ConfigPath)
	}, a.Logger)
	if err != nil {
		a.Logger.Warn("config watch unavailable", "error", err)
		return
	}
	go w.Run(ctx)
}

// Close releases the hub subscribers, the error store and the log file.
func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp builds an App for the duration of fn.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(*App) error) error {
	app, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
