// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/aihub/internal/ratelimit"
	"github.com/jeranaias/aihub/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete aihub configuration.
type Config struct {
	Version string `toml:"version" json:"version" yaml:"version"`

	// DataDir holds conversations, artifacts and the error database.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// Mode is the assistant mode selected at startup.
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	Assistant BackendConfig `toml:"assistant" json:"assistant" yaml:"assistant"`
	Code      BackendConfig `toml:"code" json:"code" yaml:"code"`
	Image     ImageConfig   `toml:"image" json:"image" yaml:"image"`
	Fetch     FetchConfig   `toml:"fetch" json:"fetch" yaml:"fetch"`

	// RateLimits pre-registers limiter policies by key. Backend requests
	// use the backend name as key.
	RateLimits map[string]RateLimitConfig `toml:"rate_limits" json:"rate_limits" yaml:"rate_limits"`

	Events  EventsConfig  `toml:"events" json:"events" yaml:"events"`
	Errors  ErrorsConfig  `toml:"errors" json:"errors" yaml:"errors"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	UI      UIConfig      `toml:"ui" json:"ui" yaml:"ui"`
}

// BackendConfig configures an OpenAI-compatible chat backend.
type BackendConfig struct {
	Name         string  `toml:"name" json:"name" yaml:"name"`
	BaseURL      string  `toml:"base_url" json:"base_url" yaml:"base_url"`
	APIKey       string  `toml:"api_key" json:"api_key" yaml:"api_key"` // may be an ENC: value
	Model        string  `toml:"model" json:"model" yaml:"model"`
	SystemPrompt string  `toml:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
	Temperature  float64 `toml:"temperature" json:"temperature" yaml:"temperature"`
	MaxTokens    int     `toml:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	TimeoutSecs  int     `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// Timeout returns TimeoutSecs as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSecs) * time.Second
}

// Image providers.
const (
	ImageProviderOpenAI = "openai"
	ImageProviderURL    = "url"
)

// ImageConfig configures the text-to-image backend.
type ImageConfig struct {
	// Provider is "openai" for an images API or "url" for an endpoint
	// that returns an image for a GET on URLTemplate.
	Provider    string `toml:"provider" json:"provider" yaml:"provider"`
	Name        string `toml:"name" json:"name" yaml:"name"`
	BaseURL     string `toml:"base_url" json:"base_url" yaml:"base_url"`
	APIKey      string `toml:"api_key" json:"api_key" yaml:"api_key"`
	Model       string `toml:"model" json:"model" yaml:"model"`
	Size        string `toml:"size" json:"size" yaml:"size"`
	URLTemplate string `toml:"url_template" json:"url_template" yaml:"url_template"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// Timeout returns TimeoutSecs as a duration.
func (i ImageConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSecs) * time.Second
}

// FetchConfig holds the request defaults for every outbound call.
type FetchConfig struct {
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
	Retries     int    `toml:"retries" json:"retries" yaml:"retries"`
	BaseDelayMs int    `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	UserAgent   string `toml:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// Timeout returns TimeoutSecs as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// BaseDelay returns BaseDelayMs as a duration.
func (f FetchConfig) BaseDelay() time.Duration {
	return time.Duration(f.BaseDelayMs) * time.Millisecond
}

// RateLimitConfig is a limiter policy in config units.
type RateLimitConfig struct {
	MinIntervalMs int `toml:"min_interval_ms" json:"min_interval_ms" yaml:"min_interval_ms"`
	MaxRequests   int `toml:"max_requests" json:"max_requests" yaml:"max_requests"`
	WindowSecs    int `toml:"window_secs" json:"window_secs" yaml:"window_secs"`
}

// Policy converts r to a limiter policy.
func (r RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		MinInterval: time.Duration(r.MinIntervalMs) * time.Millisecond,
		MaxRequests: r.MaxRequests,
		Window:      time.Duration(r.WindowSecs) * time.Second,
	}
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	HistorySize int `toml:"history_size" json:"history_size" yaml:"history_size"`
}

// ErrorsConfig configures the error log.
type ErrorsConfig struct {
	Capacity int `toml:"capacity" json:"capacity" yaml:"capacity"`

	// Persist keeps errors in a SQLite database under DataDir.
	Persist bool `toml:"persist" json:"persist" yaml:"persist"`

	// NotifySeverity is the lowest severity announced as error:occurred.
	NotifySeverity string `toml:"notify_severity" json:"notify_severity" yaml:"notify_severity"`

	// NotifyPerMinute bounds error:occurred announcements.
	NotifyPerMinute int `toml:"notify_per_minute" json:"notify_per_minute" yaml:"notify_per_minute"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"` // "text" or "json"
	File   string `toml:"file" json:"file" yaml:"file"`
}

// UIConfig configures terminal output.
type UIConfig struct {
	Color       string `toml:"color" json:"color" yaml:"color"` // "auto", "always", "never"
	Width       int    `toml:"width" json:"width" yaml:"width"`
	ShowTimings bool   `toml:"show_timings" json:"show_timings" yaml:"show_timings"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1",
		Mode:    "assistant",

		Assistant: BackendConfig{
			Name:         "assistant",
			BaseURL:      "https://openrouter.ai/api/v1",
			Model:        "openai/gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant.",
			Temperature:  0.7,
			MaxTokens:    2048,
			TimeoutSecs:  60,
		},

		Code: BackendConfig{
			Name:         "code",
			BaseURL:      "https://openrouter.ai/api/v1",
			Model:        "qwen/qwen-2.5-coder-32b-instruct",
			SystemPrompt: "You are an expert programmer. Answer with complete code in fenced blocks.",
			Temperature:  0.2,
			MaxTokens:    4096,
			TimeoutSecs:  120,
		},

		Image: ImageConfig{
			Provider:    ImageProviderURL,
			Name:        "image",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "dall-e-3",
			Size:        "1024x1024",
			URLTemplate: "https://image.pollinations.ai/prompt/{prompt}",
			TimeoutSecs: 120,
		},

		Fetch: FetchConfig{
			TimeoutSecs: 30,
			Retries:     3,
			BaseDelayMs: 1000,
			UserAgent:   "aihub/0.1",
		},

		RateLimits: map[string]RateLimitConfig{
			"assistant": {MinIntervalMs: 1000, MaxRequests: 20, WindowSecs: 60},
			"code":      {MinIntervalMs: 1000, MaxRequests: 20, WindowSecs: 60},
			"image":     {MinIntervalMs: 1000, MaxRequests: 5, WindowSecs: 60},
		},

		Events: EventsConfig{HistorySize: 100},

		Errors: ErrorsConfig{
			Capacity:        50,
			Persist:         true,
			NotifySeverity:  "high",
			NotifyPerMinute: 6,
		},

		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},

		UI: UIConfig{
			Color: "auto",
			Width: 80,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the aihub configuration directory (~/.aihub).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".aihub"), nil
}

// candidateNames are tried in order by Load.
var candidateNames = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// DefaultPath returns the first existing config file in ConfigDir, or the
// TOML path when none exists.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	for _, name := range candidateNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600; it may hold API
// keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// ErrUnknownFormat is returned for config files with an unsupported
// extension.
var ErrUnknownFormat = errors.New("unknown config format")

// Load reads the default config file when one exists and falls back to
// defaults otherwise. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config file at path over the defaults. The format
// follows the extension: .toml, .yaml/.yml or .json.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ReadFile reads the config file at path over the defaults without
// environment overrides or validation, for editing the file itself. A
// missing file yields the defaults.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config from %s: %w", path, err)
	}
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// File-provided limits replace the defaults rather than merging key by
	// key, so a file can drop a default policy.
	if len(data) > 0 {
		cfg.RateLimits = nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = Default().RateLimits
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path with mode 0600. The format follows the
// extension.
func Save(cfg *Config, path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var sb strings.Builder
		sb.WriteString("# aihub configuration file\n\n")
		if err = toml.NewEncoder(&sb).Encode(cfg); err == nil {
			data = []byte(sb.String())
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validModes      = []string{"assistant", "code"}
	validProviders  = []string{ImageProviderOpenAI, ImageProviderURL}
	validLevels     = []string{"debug", "info", "warn", "error"}
	validFormats    = []string{"text", "json"}
	validColors     = []string{"auto", "always", "never"}
	validSeverities = []string{"low", "medium", "high", "critical"}
)

// Validate checks the configuration and returns ValidateErrors listing
// every problem.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(field, value string, allowed []string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		add(field, "must be one of %s, got %q", strings.Join(allowed, ", "), value)
	}

	oneOf("mode", c.Mode, validModes)

	for _, nb := range []struct {
		prefix string
		b      BackendConfig
	}{{"assistant", c.Assistant}, {"code", c.Code}} {
		prefix, b := nb.prefix, nb.b
		if b.Name == "" {
			add(prefix+".name", "must not be empty")
		}
		if err := validateURL(b.BaseURL); err != nil {
			add(prefix+".base_url", "%v", err)
		}
		if b.Model == "" {
			add(prefix+".model", "must not be empty")
		}
		if b.Temperature < 0 || b.Temperature > 2 {
			add(prefix+".temperature", "must be between 0 and 2, got %g", b.Temperature)
		}
		if b.MaxTokens < 0 {
			add(prefix+".max_tokens", "must not be negative")
		}
		if b.TimeoutSecs < 0 {
			add(prefix+".timeout_secs", "must not be negative")
		}
	}
	if c.Assistant.Name == c.Code.Name && c.Assistant.Name != "" {
		add("code.name", "must differ from assistant.name")
	}

	oneOf("image.provider", c.Image.Provider, validProviders)
	switch c.Image.Provider {
	case ImageProviderOpenAI:
		if err := validateURL(c.Image.BaseURL); err != nil {
			add("image.base_url", "%v", err)
		}
	case ImageProviderURL:
		if !strings.Contains(c.Image.URLTemplate, "{prompt}") {
			add("image.url_template", "must contain {prompt}")
		} else if err := validateURL(strings.ReplaceAll(c.Image.URLTemplate, "{prompt}", "x")); err != nil {
			add("image.url_template", "%v", err)
		}
	}

	if c.Fetch.TimeoutSecs < 0 || c.Fetch.TimeoutSecs > 600 {
		add("fetch.timeout_secs", "must be between 0 and 600, got %d", c.Fetch.TimeoutSecs)
	}
	if c.Fetch.Retries < 0 || c.Fetch.Retries > 10 {
		add("fetch.retries", "must be between 0 and 10, got %d", c.Fetch.Retries)
	}
	if c.Fetch.BaseDelayMs < 0 {
		add("fetch.base_delay_ms", "must not be negative")
	}

	for _, key := range sortedKeys(c.RateLimits) {
		r := c.RateLimits[key]
		if r.MinIntervalMs < 0 || r.MaxRequests < 0 || r.WindowSecs < 0 {
			add("rate_limits."+key, "values must not be negative")
		}
		if r.MaxRequests > 0 && r.WindowSecs == 0 {
			add("rate_limits."+key+".window_secs", "required when max_requests is set")
		}
		// A retry waits base_delay_ms at least, and the limiter rejects
		// it outright if the interval has not passed by then.
		if c.Fetch.Retries > 0 && r.MinIntervalMs > c.Fetch.BaseDelayMs {
			add("rate_limits."+key+".min_interval_ms", "must not exceed fetch.base_delay_ms (%d) when retries are enabled, got %d",
				c.Fetch.BaseDelayMs, r.MinIntervalMs)
		}
	}

	if c.Events.HistorySize < 0 {
		add("events.history_size", "must not be negative")
	}
	if c.Errors.Capacity < 1 {
		add("errors.capacity", "must be at least 1")
	}
	oneOf("errors.notify_severity", c.Errors.NotifySeverity, validSeverities)
	if c.Errors.NotifyPerMinute < 0 {
		add("errors.notify_per_minute", "must not be negative")
	}

	oneOf("logging.level", strings.ToLower(c.Logging.Level), validLevels)
	oneOf("logging.format", c.Logging.Format, validFormats)
	oneOf("ui.color", c.UI.Color, validColors)
	if c.UI.Width < 20 {
		add("ui.width", "must be at least 20, got %d", c.UI.Width)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host: %q", raw)
	}
	return nil
}

// SetDefaults fills empty settings with their default values.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.DataDir = dir
		}
	}
	fillBackend(&c.Assistant, d.Assistant)
	fillBackend(&c.Code, d.Code)

	if c.Image.Provider == "" {
		c.Image.Provider = d.Image.Provider
	}
	if c.Image.Name == "" {
		c.Image.Name = d.Image.Name
	}
	if c.Image.Size == "" {
		c.Image.Size = d.Image.Size
	}
	if c.Image.TimeoutSecs == 0 {
		c.Image.TimeoutSecs = d.Image.TimeoutSecs
	}

	if c.Fetch.TimeoutSecs == 0 {
		c.Fetch.TimeoutSecs = d.Fetch.TimeoutSecs
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = d.Fetch.UserAgent
	}
	if c.RateLimits == nil {
		c.RateLimits = map[string]RateLimitConfig{}
	}
	if c.Errors.Capacity == 0 {
		c.Errors.Capacity = d.Errors.Capacity
	}
	if c.Errors.NotifySeverity == "" {
		c.Errors.NotifySeverity = d.Errors.NotifySeverity
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.UI.Color == "" {
		c.UI.Color = d.UI.Color
	}
	if c.UI.Width == 0 {
		c.UI.Width = d.UI.Width
	}
}

func fillBackend(b *BackendConfig, d BackendConfig) {
	if b.Name == "" {
		b.Name = d.Name
	}
	if b.BaseURL == "" {
		b.BaseURL = d.BaseURL
	}
	if b.Model == "" {
		b.Model = d.Model
	}
	if b.TimeoutSecs == 0 {
		b.TimeoutSecs = d.TimeoutSecs
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - AIHUB_API_KEY: api key for both chat backends
//   - AIHUB_ASSISTANT_API_KEY, AIHUB_CODE_API_KEY, AIHUB_IMAGE_API_KEY
//   - AIHUB_ASSISTANT_MODEL, AIHUB_CODE_MODEL
//   - AIHUB_BASE_URL: base URL for both chat backends
//   - AIHUB_MODE: startup mode
//   - AIHUB_DATA_DIR
//   - AIHUB_LOG_LEVEL
//   - AIHUB_RETRIES
//   - NO_COLOR: forces ui.color = never
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("AIHUB_API_KEY"); key != "" {
		c.Assistant.APIKey = key
		c.Code.APIKey = key
	}
	if key := os.Getenv("AIHUB_ASSISTANT_API_KEY"); key != "" {
		c.Assistant.APIKey = key
	}
	if key := os.Getenv("AIHUB_CODE_API_KEY"); key != "" {
		c.Code.APIKey = key
	}
	if key := os.Getenv("AIHUB_IMAGE_API_KEY"); key != "" {
		c.Image.APIKey = key
	}
	if model := os.Getenv("AIHUB_ASSISTANT_MODEL"); model != "" {
		c.Assistant.Model = model
	}
	if model := os.Getenv("AIHUB_CODE_MODEL"); model != "" {
		c.Code.Model = model
	}
	if base := os.Getenv("AIHUB_BASE_URL"); base != "" {
		c.Assistant.BaseURL = base
		c.Code.BaseURL = base
	}
	if mode := os.Getenv("AIHUB_MODE"); mode != "" {
		c.Mode = mode
	}
	if dir := os.Getenv("AIHUB_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if level := os.Getenv("AIHUB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if retries := os.Getenv("AIHUB_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			c.Fetch.Retries = n
		}
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		c.UI.Color = "never"
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value using dot notation (e.g. "fetch.retries").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a value using dot notation. String values are converted to
// the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts snake_case or kebab-case to a Go field name.
// "api_key" becomes "ApiKey", which matches APIKey case-insensitively.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

func setFieldValue(field reflect.Value, value any) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(f)
			return nil
		case reflect.Bool:
			b, err := strconv.ParseBool(s)
			if err != nil {
				b = strings.EqualFold(s, "yes")
			}
			field.SetBool(b)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every settable key in dot notation, sorted.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("toml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			switch f.Type.Kind() {
			case reflect.Struct:
				walk(f.Type, prefix+name+".")
			case reflect.Map:
				// Maps are edited in the file, not by key.
			default:
				keys = append(keys, prefix+name)
			}
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	sort.Strings(keys)
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Policies converts RateLimits to limiter policies.
func (c *Config) Policies() map[string]ratelimit.Policy {
	out := make(map[string]ratelimit.Policy, len(c.RateLimits))
	for k, v := range c.RateLimits {
		out[k] = v.Policy()
	}
	return out
}

// RevealKeys replaces every API key with reveal(key). It is used to decrypt
// ENC: values after load.
func (c *Config) RevealKeys(reveal func(string) (string, error)) error {
	for name, key := range map[string]*string{
		"assistant.api_key": &c.Assistant.APIKey,
		"code.api_key":      &c.Code.APIKey,
		"image.api_key":     &c.Image.APIKey,
	} {
		plain, err := reveal(*key)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*key = plain
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.RateLimits = maps.Clone(c.RateLimits)
	return &clone
}

// String renders the config as JSON with API keys redacted.
func (c *Config) String() string {
	safe := c.Clone()
	for _, key := range []*string{&safe.Assistant.APIKey, &safe.Code.APIKey, &safe.Image.APIKey} {
		if *key != "" {
			*key = "[REDACTED]"
		}
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
