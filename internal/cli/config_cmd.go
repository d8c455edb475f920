// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration commands.
//
// Commands that edit the file read it without environment overrides so
// values from AIHUB_* variables are never written back.

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/aihub/internal/config"
	"github.com/jeranaias/aihub/internal/secret"
)

// keyTargets maps encrypt-key targets to config keys.
var keyTargets = map[string]string{
	"assistant": "assistant.api_key",
	"code":      "code.api_key",
	"image":     "image.api_key",
}

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit configuration",
		Long: `Show and edit configuration.

Settings are read from ~/.aihub/config.toml (or .yaml/.json) and may be
overridden by AIHUB_* environment variables. Keys use dot notation, for
example fetch.retries or assistant.model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, opts)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with API keys redacted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file and data directory",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, path, err := loadConfig(opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderField("Config file", path))
				fmt.Fprintln(cmd.OutOrStdout(), RenderField("Data directory", cfg.DataDir))
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List settable keys",
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, k := range config.Keys() {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			},
		},
		newConfigGetCommand(opts),
		newConfigSetCommand(opts),
		newConfigInitCommand(opts),
		newConfigEncryptKeyCommand(opts),
	)
	return cmd
}

func runConfigShow(cmd *cobra.Command, opts *globalOptions) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}

func newConfigGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			if isAPIKey(args[0]) {
				v = secret.Mask(fmt.Sprint(v))
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newConfigSetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Change one setting in the config file",
		Example: "  aihub config set fetch.retries 5\n  aihub config set code.model qwen/qwen-2.5-coder-32b-instruct",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(opts)
			if err != nil {
				return err
			}
			cfg, err := config.ReadFile(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			cfg.SetDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			if isAPIKey(args[0]) {
				fmt.Fprintln(cmd.OutOrStdout(), WarningStyle.Render("Stored in plain text; use 'aihub config encrypt-key' to encrypt it"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(fmt.Sprintf("Set %s", args[0])))
			return nil
		},
	}
}

func newConfigInitCommand(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(opts)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Wrote "+path))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigEncryptKeyCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-key <assistant|code|image>",
		Short: "Store an API key encrypted with a passphrase",
		Long: `Store an API key encrypted with a passphrase.

The key is read from the terminal without echo (or from stdin) and saved as
an ENC: value. The passphrase is prompted for, or taken from AIHUB_PASSPHRASE,
whenever the key is needed.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"assistant", "code", "image"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := keyTargets[args[0]]
			if !ok {
				return fmt.Errorf("unknown backend %q (want assistant, code or image)", args[0])
			}
			path, err := configPath(opts)
			if err != nil {
				return err
			}
			cfg, err := config.ReadFile(path)
			if err != nil {
				return err
			}

			plain, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "API key: ")
			if err != nil {
				return err
			}
			if plain == "" {
				return errors.New("empty API key")
			}
			vault, err := openVault(cmd, path)
			if err != nil {
				return err
			}
			enc, err := vault.EncryptString(plain)
			if err != nil {
				return err
			}
			if err := cfg.Set(key, enc); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(fmt.Sprintf("Encrypted %s (key %s)", key, vault.Fingerprint())))
			return nil
		},
	}
}

// configPath is --config or the default config file.
func configPath(opts *globalOptions) (string, error) {
	if opts.configPath != "" {
		return opts.configPath, nil
	}
	return config.DefaultPath()
}

func isAPIKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), "api_key")
}
