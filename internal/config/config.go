// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/astrobro/internal/cloud"
	"github.com/jeranaias/astrobro/internal/prompt"
	"github.com/jeranaias/astrobro/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete astrobro configuration.
type Config struct {
	Chat    ChatConfig    `toml:"chat" json:"chat"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Session SessionConfig `toml:"session" json:"session"`
	Archive ArchiveConfig `toml:"archive" json:"archive"`
}

// ChatConfig controls the completion endpoint and the candidate models.
type ChatConfig struct {
	// Models are tried in order; the first is the default.
	Models []string `toml:"models" json:"models"`

	BaseURL            string `toml:"base_url" json:"base_url"`
	APIKey             string `toml:"api_key" json:"api_key"`
	SiteURL            string `toml:"site_url" json:"site_url"`
	SiteName           string `toml:"site_name" json:"site_name"`
	SystemRole         string `toml:"system_role" json:"system_role"` // "system" or "developer"
	RequestTimeoutSecs int    `toml:"request_timeout_secs" json:"request_timeout_secs"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr           string   `toml:"addr" json:"addr"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps" json:"rate_limit_rps"` // 0 disables
	RateLimitBurst int      `toml:"rate_limit_burst" json:"rate_limit_burst"`

	// TrustedHeader carries the authenticated user's email, set by the
	// reverse proxy in front of the server.
	TrustedHeader string `toml:"trusted_header" json:"trusted_header"`
}

// SessionConfig controls the in-memory session registry and transcript store.
type SessionConfig struct {
	IdleTimeoutMins int    `toml:"idle_timeout_mins" json:"idle_timeout_mins"`
	MaxSessions     int    `toml:"max_sessions" json:"max_sessions"` // 0 = unlimited
	StorePath       string `toml:"store_path" json:"store_path"`
	RetentionDays   int    `toml:"retention_days" json:"retention_days"` // 0 keeps forever
}

// ArchiveConfig controls the chart and user database.
type ArchiveConfig struct {
	DatabasePath string `toml:"database_path" json:"database_path"`

	// Secret seals stored API keys. Empty stores them in plaintext.
	Secret string `toml:"secret" json:"secret"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".astrobro"
	}
	return &Config{
		Chat: ChatConfig{
			Models:             prompt.DefaultModelIDs(),
			BaseURL:            cloud.DefaultOpenRouterURL,
			SiteURL:            "https://astrobro.app",
			SiteName:           "AstroBro",
			SystemRole:         "developer",
			RequestTimeoutSecs: int(cloud.DefaultTimeout / time.Second),
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			AllowedOrigins: []string{"http://localhost:8501"},
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			TrustedHeader:  "X-User-Email",
		},
		Session: SessionConfig{
			IdleTimeoutMins: 60,
			MaxSessions:     1000,
			StorePath:       filepath.Join(dir, "conversations.db"),
			RetentionDays:   30,
		},
		Archive: ArchiveConfig{
			DatabasePath: filepath.Join(dir, "astrobro.db"),
		},
	}
}

// IdleTimeout returns the session idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMins) * time.Minute
}

// RequestTimeout returns the per-request completion timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Chat.RequestTimeoutSecs) * time.Second
}

// Retention returns how long idle transcripts are kept, or 0 for forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Session.RetentionDays) * 24 * time.Hour
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the astrobro configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".astrobro"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens config files to 0600 since they may
// hold API keys.
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

// Load loads configuration from path, or from ~/.astrobro/config.toml when
// path is empty. A missing file yields the defaults. .env files are read
// before environment overrides are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPathTOML()
		if err != nil {
			return nil, err
		}
		path = p
	}

	LoadDotEnv(filepath.Dir(path))

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a file that must exist.
func LoadFromPath(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return Load(path)
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

// LoadDotEnv reads .env from the working directory and then from dir.
// Variables already set in the environment win.
func LoadDotEnv(dir string) {
	for _, p := range []string{".env", filepath.Join(dir, ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not read %s: %v\n", p, err)
		}
	}
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	d := Default()

	if len(c.Chat.Models) == 0 {
		c.Chat.Models = d.Chat.Models
	}
	if c.Chat.BaseURL == "" {
		c.Chat.BaseURL = d.Chat.BaseURL
	}
	if c.Chat.SiteURL == "" {
		c.Chat.SiteURL = d.Chat.SiteURL
	}
	if c.Chat.SiteName == "" {
		c.Chat.SiteName = d.Chat.SiteName
	}
	if c.Chat.SystemRole == "" {
		c.Chat.SystemRole = d.Chat.SystemRole
	}
	if c.Chat.RequestTimeoutSecs == 0 {
		c.Chat.RequestTimeoutSecs = d.Chat.RequestTimeoutSecs
	}

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = d.Server.RateLimitBurst
	}
	if c.Server.TrustedHeader == "" {
		c.Server.TrustedHeader = d.Server.TrustedHeader
	}

	if c.Session.IdleTimeoutMins == 0 {
		c.Session.IdleTimeoutMins = d.Session.IdleTimeoutMins
	}
	if c.Session.StorePath == "" {
		c.Session.StorePath = d.Session.StorePath
	}

	if c.Archive.DatabasePath == "" {
		c.Archive.DatabasePath = d.Archive.DatabasePath
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# astrobro configuration file\n")
	buf.WriteString("# Generated by astrobro - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Chat
	if len(c.Chat.Models) == 0 {
		add("chat.models", "at least one model is required")
	}
	seen := make(map[string]bool, len(c.Chat.Models))
	for i, m := range c.Chat.Models {
		m = strings.TrimSpace(m)
		switch {
		case m == "":
			add("chat.models", "entry %d is empty", i)
		case seen[m]:
			add("chat.models", "duplicate model %q", m)
		}
		seen[m] = true
	}
	if err := validateHTTPURL(c.Chat.BaseURL); err != nil {
		add("chat.base_url", "%v", err)
	}
	if c.Chat.SystemRole != "system" && c.Chat.SystemRole != "developer" {
		add("chat.system_role", "must be \"system\" or \"developer\", got %q", c.Chat.SystemRole)
	}
	if c.Chat.RequestTimeoutSecs < 1 || c.Chat.RequestTimeoutSecs > 3600 {
		add("chat.request_timeout_secs", "must be between 1 and 3600, got %d", c.Chat.RequestTimeoutSecs)
	}
	if c.Chat.APIKey != "" && !cloud.ValidateAPIKey(c.Chat.APIKey) {
		add("chat.api_key", "does not look like an OpenRouter key (sk-or-...)")
	}

	// Server
	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr", "is required")
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if err := validateHTTPURL(origin); err != nil {
			add("server.allowed_origins", "%q: %v", origin, err)
		}
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "must be at least 1 when rate limiting is enabled")
	}
	if strings.TrimSpace(c.Server.TrustedHeader) == "" {
		add("server.trusted_header", "is required")
	}

	// Session
	if c.Session.IdleTimeoutMins < 1 {
		add("session.idle_timeout_mins", "must be at least 1, got %d", c.Session.IdleTimeoutMins)
	}
	if c.Session.MaxSessions < 0 {
		add("session.max_sessions", "must not be negative")
	}
	if c.Session.RetentionDays < 0 {
		add("session.retention_days", "must not be negative")
	}

	// Archive
	if strings.TrimSpace(c.Archive.DatabasePath) == "" {
		add("archive.database_path", "is required")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OPENROUTER_API_KEY: overrides chat.api_key
//   - ASTROBRO_MODELS: comma-separated chat.models
//   - ASTROBRO_BASE_URL: overrides chat.base_url
//   - ASTROBRO_ADDR: overrides server.addr
//   - ASTROBRO_DB: overrides archive.database_path
//   - ASTROBRO_SECRET: overrides archive.secret
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Chat.APIKey = key
	}
	if models := os.Getenv("ASTROBRO_MODELS"); models != "" {
		c.Chat.Models = splitList(models)
	}
	if base := os.Getenv("ASTROBRO_BASE_URL"); base != "" {
		c.Chat.BaseURL = base
	}
	if addr := os.Getenv("ASTROBRO_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if db := os.Getenv("ASTROBRO_DB"); db != "" {
		c.Archive.DatabasePath = db
	}
	if secret := os.Getenv("ASTROBRO_SECRET"); secret != "" {
		c.Archive.Secret = secret
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "chat.models").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "server.addr").
// String values are converted to the field's type; lists are comma-separated.
func (c *Config) Set(key string, value interface{}) error {
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

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal := strVal == "1" || strings.ToLower(strVal) == "true" || strings.ToLower(strVal) == "yes"
			field.SetBool(boolVal)
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				field.Set(reflect.ValueOf(splitList(strVal)))
				return nil
			}
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
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		prefix := section.Tag.Get("toml")
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, prefix+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Chat.Models = append([]string(nil), c.Chat.Models...)
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Chat.APIKey != "" {
		safe.Chat.APIKey = "[REDACTED]"
	}
	if safe.Archive.Secret != "" {
		safe.Archive.Secret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
