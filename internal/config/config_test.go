// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/aihub/internal/ratelimit"
)

// isolate points HOME at a temp dir and clears AIHUB_* overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, "AIHUB_") {
			t.Setenv(name, "")
		}
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		t.Setenv("NO_COLOR", "")
		os.Unsetenv("NO_COLOR")
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "assistant", cfg.Mode)
	require.Equal(t, 3, cfg.Fetch.Retries)
	require.Equal(t, 30*time.Second, cfg.Fetch.Timeout())
	require.Equal(t, time.Second, cfg.Fetch.BaseDelay())
}

func TestLoad_NoFile(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".aihub"), cfg.DataDir)
	require.Equal(t, Default().Assistant.Model, cfg.Assistant.Model)
}

// =============================================================================
// FILE FORMATS
// =============================================================================

func TestLoadFromPath_Formats(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	files := map[string]string{
		"config.toml": `
mode = "code"

[fetch]
retries = 0

[code]
model = "custom-coder"

[rate_limits.code]
min_interval_ms = 250
max_requests = 3
window_secs = 1
`,
		"config.yaml": `
mode: code
fetch:
  retries: 0
code:
  model: custom-coder
rate_limits:
  code:
    min_interval_ms: 250
    max_requests: 3
    window_secs: 1
`,
		"config.json": `{
  "mode": "code",
  "fetch": {"retries": 0},
  "code": {"model": "custom-coder"},
  "rate_limits": {"code": {"min_interval_ms": 250, "max_requests": 3, "window_secs": 1}}
}`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeFile(t, path, content)

			cfg, err := LoadFromPath(path)
			require.NoError(t, err)
			require.Equal(t, "code", cfg.Mode)
			require.Equal(t, 0, cfg.Fetch.Retries, "explicit zero retries must survive")
			require.Equal(t, "custom-coder", cfg.Code.Model)
			require.Equal(t, Default().Code.BaseURL, cfg.Code.BaseURL, "unset fields keep defaults")

			require.Equal(t, map[string]ratelimit.Policy{
				"code": {MinInterval: 250 * time.Millisecond, MaxRequests: 3, Window: time.Second},
			}, cfg.Policies())

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions should be tightened")
		})
	}
}

func TestLoadFromPath_DefaultRateLimitsWhenAbsent(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `mode = "assistant"`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, Default().RateLimits, cfg.RateLimits)
}

func TestLoadFromPath_Errors(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	_, err := LoadFromPath(filepath.Join(dir, "config.ini"))
	require.Error(t, err)

	path := filepath.Join(dir, "config.ini")
	writeFile(t, path, "x=1")
	_, err = LoadFromPath(path)
	require.ErrorIs(t, err, ErrUnknownFormat)

	path = filepath.Join(dir, "bad.toml")
	writeFile(t, path, "mode = ")
	_, err = LoadFromPath(path)
	require.Error(t, err)

	path = filepath.Join(dir, "invalid.toml")
	writeFile(t, path, `mode = "poetry"`)
	_, err = LoadFromPath(path)
	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	require.Equal(t, "mode", verrs[0].Field)
}

func TestReadFile_IgnoresEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("AIHUB_API_KEY", "sk-env")
	dir := t.TempDir()

	cfg, err := ReadFile(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default().Assistant.Model, cfg.Assistant.Model)
	require.Empty(t, cfg.Assistant.APIKey)

	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "mode = \"poetry\"\n")
	cfg, err = ReadFile(path)
	require.NoError(t, err, "ReadFile does not validate")
	require.Equal(t, "poetry", cfg.Mode)
	require.Empty(t, cfg.Assistant.APIKey)
}

func TestSave_RoundTrip(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	orig := Default()
	orig.SetDefaults()
	orig.Mode = "code"
	orig.Fetch.Retries = 5
	orig.RateLimits["custom"] = RateLimitConfig{MinIntervalMs: 10, MaxRequests: 2, WindowSecs: 5}

	for _, name := range []string{"out.toml", "out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			require.NoError(t, Save(orig, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := LoadFromPath(path)
			require.NoError(t, err)
			require.Equal(t, orig.Mode, loaded.Mode)
			require.Equal(t, orig.Fetch, loaded.Fetch)
			require.Equal(t, orig.RateLimits, loaded.RateLimits)
		})
	}

	require.ErrorIs(t, Save(orig, filepath.Join(dir, "out.xml")), ErrUnknownFormat)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	cfg.Mode = "poetry"
	cfg.Assistant.BaseURL = "ftp://example.com"
	cfg.Assistant.Temperature = 3
	cfg.Code.Name = cfg.Assistant.Name
	cfg.Image.URLTemplate = "https://example.com/no-placeholder"
	cfg.Fetch.Retries = 11
	cfg.RateLimits["bad"] = RateLimitConfig{MaxRequests: 5}
	cfg.Logging.Format = "xml"
	cfg.UI.Width = 5

	err := cfg.Validate()
	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"mode", "assistant.base_url", "assistant.temperature", "code.name",
		"image.url_template", "fetch.retries", "rate_limits.bad.window_secs",
		"logging.format", "ui.width",
	} {
		require.True(t, fields[want], "missing validation error for %s in %v", want, verrs)
	}
	require.Contains(t, err.Error(), "mode: must be one of")
}

func TestDefault_RateLimitsAllowRetries(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	for key, r := range cfg.RateLimits {
		require.LessOrEqual(t, r.MinIntervalMs, cfg.Fetch.BaseDelayMs,
			"rate_limits.%s would reject the first retry", key)
	}
}

func TestValidate_MinIntervalLongerThanRetryDelay(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	cfg.RateLimits["image"] = RateLimitConfig{MinIntervalMs: 5000, MaxRequests: 5, WindowSecs: 60}

	var verrs ValidateErrors
	require.ErrorAs(t, cfg.Validate(), &verrs)
	require.Len(t, verrs, 1)
	require.Equal(t, "rate_limits.image.min_interval_ms", verrs[0].Field)

	// Without retries the interval only spaces out separate requests.
	cfg.Fetch.Retries = 0
	require.NoError(t, cfg.Validate())
}

func TestValidate_OpenAIImageNeedsBaseURL(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	cfg.Image.Provider = ImageProviderOpenAI
	cfg.Image.BaseURL = ""

	var verrs ValidateErrors
	require.ErrorAs(t, cfg.Validate(), &verrs)
	require.Equal(t, "image.base_url", verrs[0].Field)
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("AIHUB_API_KEY", "sk-shared")
	t.Setenv("AIHUB_CODE_API_KEY", "sk-code")
	t.Setenv("AIHUB_MODE", "code")
	t.Setenv("AIHUB_RETRIES", "1")
	t.Setenv("AIHUB_BASE_URL", "http://localhost:8080/v1")
	t.Setenv("NO_COLOR", "1")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	require.Equal(t, "sk-shared", cfg.Assistant.APIKey)
	require.Equal(t, "sk-code", cfg.Code.APIKey)
	require.Equal(t, "code", cfg.Mode)
	require.Equal(t, 1, cfg.Fetch.Retries)
	require.Equal(t, "http://localhost:8080/v1", cfg.Assistant.BaseURL)
	require.Equal(t, "never", cfg.UI.Color)
}

// =============================================================================
// GET / SET
// =============================================================================

func TestGetSet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("fetch.retries")
	require.NoError(t, err)
	require.Equal(t, 3, v)

	require.NoError(t, cfg.Set("fetch.retries", "7"))
	require.Equal(t, 7, cfg.Fetch.Retries)

	require.NoError(t, cfg.Set("assistant.base_url", "http://localhost:1234"))
	require.Equal(t, "http://localhost:1234", cfg.Assistant.BaseURL)

	require.NoError(t, cfg.Set("assistant.temperature", "0.3"))
	require.InDelta(t, 0.3, cfg.Assistant.Temperature, 1e-9)

	require.NoError(t, cfg.Set("ui.show_timings", "true"))
	require.True(t, cfg.UI.ShowTimings)

	require.NoError(t, cfg.Set("events.history_size", 10))
	require.Equal(t, 10, cfg.Events.HistorySize)

	_, err = cfg.Get("nope.field")
	require.Error(t, err)
	require.Error(t, cfg.Set("fetch.retries", "many"))
	require.Error(t, cfg.Set("mode.sub", "x"))
	require.Error(t, cfg.Set("", "x"))
}

func TestKeys(t *testing.T) {
	keys := Keys()
	require.Contains(t, keys, "fetch.retries")
	require.Contains(t, keys, "assistant.api_key")
	require.Contains(t, keys, "image.url_template")
	require.NotContains(t, keys, "rate_limits")

	cfg := Default()
	for _, k := range keys {
		_, err := cfg.Get(k)
		require.NoError(t, err, "key %s", k)
	}
}

// =============================================================================
// SECRETS
// =============================================================================

func TestString_RedactsKeys(t *testing.T) {
	cfg := Default()
	cfg.Assistant.APIKey = "sk-very-secret"
	cfg.Image.APIKey = "img-secret"

	s := cfg.String()
	require.NotContains(t, s, "sk-very-secret")
	require.NotContains(t, s, "img-secret")
	require.Contains(t, s, "[REDACTED]")
	require.Equal(t, "sk-very-secret", cfg.Assistant.APIKey, "String must not mutate the config")
}

func TestClone_Deep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.RateLimits["extra"] = RateLimitConfig{}
	_, ok := cfg.RateLimits["extra"]
	require.False(t, ok)
}

func TestRevealKeys(t *testing.T) {
	cfg := Default()
	cfg.Assistant.APIKey = "ENC:a"
	cfg.Code.APIKey = "plain"

	err := cfg.RevealKeys(func(s string) (string, error) {
		if strings.HasPrefix(s, "ENC:") {
			return "decrypted", nil
		}
		return s, nil
	})
	require.NoError(t, err)
	require.Equal(t, "decrypted", cfg.Assistant.APIKey)
	require.Equal(t, "plain", cfg.Code.APIKey)

	boom := errors.New("boom")
	err = cfg.RevealKeys(func(string) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)
}

// =============================================================================
// WATCHER
// =============================================================================

func TestWatcher_ReloadsOnChange(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `mode = "assistant"`)

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})

	// An invalid file is skipped.
	writeFile(t, path, `mode = "poetry"`)
	select {
	case c := <-changes:
		t.Fatalf("invalid config delivered: %+v", c.Mode)
	case <-time.After(3 * DefaultWatchDebounce):
	}

	writeFile(t, path, `mode = "code"`)
	select {
	case c := <-changes:
		require.Equal(t, "code", c.Mode)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}
