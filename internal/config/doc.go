// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the aihub configuration.
//
// # Configuration Precedence
//
//   - Environment variables (AIHUB_*)
//   - ~/.aihub/config.toml, config.yaml, config.yml or config.json
//   - Built-in defaults
//
// API keys may be stored encrypted as ENC: values; RevealKeys decrypts them
// after load. Watch reloads the file when it changes so rate-limit
// policies can be tuned without a restart.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for key, p := range cfg.Policies() {
//	    client.SetRateLimit(key, p)
//	}
package config
