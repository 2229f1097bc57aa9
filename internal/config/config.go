// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete zeno configuration.
type Config struct {
	// General settings
	Version      string `toml:"version" json:"version"`
	DefaultModel string `toml:"default_model" json:"default_model"`

	// Relay server
	Server ServerConfig `toml:"server" json:"server"`

	// Chat provider
	OpenRouter OpenRouterConfig `toml:"openrouter" json:"openrouter"`

	// Image provider
	HuggingFace HuggingFaceConfig `toml:"huggingface" json:"huggingface"`

	// Chat client
	Client ClientConfig `toml:"client" json:"client"`

	// Local and remote persistence
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Logs and telemetry
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`

	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string `toml:"auth_token" json:"auth_token"`

	// AllowedIPs restricts /api routes to these addresses or CIDR ranges.
	// It is matched against the connecting peer, never forwarding headers.
	AllowedIPs []string `toml:"allowed_ips" json:"allowed_ips"`

	// TrustedProxies are peers whose X-Forwarded-For and X-Real-IP headers
	// name the client for rate limiting and logs. Empty trusts no one.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"`

	// RateLimit is requests per second per client IP. 0 disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`
}

// OpenRouterConfig holds the chat provider credentials.
type OpenRouterConfig struct {
	APIKey   string `toml:"api_key" json:"api_key"`
	BaseURL  string `toml:"base_url" json:"base_url"`
	SiteURL  string `toml:"site_url" json:"site_url"`
	SiteName string `toml:"site_name" json:"site_name"`
}

// HuggingFaceConfig holds the image provider credentials.
type HuggingFaceConfig struct {
	APIKey  string `toml:"api_key" json:"api_key"`
	BaseURL string `toml:"base_url" json:"base_url"`
}

// ClientConfig configures `zeno chat` and `zeno image`.
type ClientConfig struct {
	RelayURL     string   `toml:"relay_url" json:"relay_url"`
	UserID       string   `toml:"user_id" json:"user_id"`
	UserName     string   `toml:"user_name" json:"user_name"`
	CustomPrompt string   `toml:"custom_prompt" json:"custom_prompt"`
	Memories     []string `toml:"memories" json:"memories"`
	ImageModel   string   `toml:"image_model" json:"image_model"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	// DataDir holds the snapshot, the document database and logs.
	// Default: ~/.zeno
	DataDir string `toml:"data_dir" json:"data_dir"`

	// RemoteSync mirrors conversations to the document store when a user id
	// is configured.
	RemoteSync bool `toml:"remote_sync" json:"remote_sync"`
}

// LoggingConfig configures the rotating log and telemetry files.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level"`
	File       string `toml:"file" json:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress"`
	Telemetry  bool   `toml:"telemetry" json:"telemetry"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:      "1",
		DefaultModel: "openai/gpt-4o-mini",
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			RateLimit:      5,
			RateBurst:      20,
			MaxBodyBytes:   32 << 20,
			TrustedProxies: []string{"127.0.0.0/8", "::1"},
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:  "https://openrouter.ai/api/v1",
			SiteURL:  "https://zeno.local",
			SiteName: "Zeno",
		},
		HuggingFace: HuggingFaceConfig{
			BaseURL: "https://api-inference.huggingface.co/models",
		},
		Client: ClientConfig{
			RelayURL:   "http://127.0.0.1:8787",
			ImageModel: "flux-schnell",
		},
		Storage: StorageConfig{
			RemoteSync: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			Telemetry:  true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the zeno configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".zeno"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: Config files hold API keys.
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

// DataDir returns the configured data directory, defaulting to ConfigDir.
func (c *Config) DataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	if dir, err := ConfigDir(); err == nil {
		return dir
	}
	return ".zeno"
}

// LogFile returns the configured log file path.
func (c *Config) LogFile() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.DataDir(), "logs", "zeno.log")
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads ~/.zeno/config.toml if it exists, otherwise the defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %v\n", path, undecoded)
	}
	return nil
}

// SetDefaults fills zero-value fields from Default.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.DefaultModel == "" {
		c.DefaultModel = defaults.DefaultModel
	}

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = defaults.Server.RateBurst
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if c.Server.TrustedProxies == nil {
		c.Server.TrustedProxies = defaults.Server.TrustedProxies
	}

	if c.OpenRouter.BaseURL == "" {
		c.OpenRouter.BaseURL = defaults.OpenRouter.BaseURL
	}
	if c.OpenRouter.SiteURL == "" {
		c.OpenRouter.SiteURL = defaults.OpenRouter.SiteURL
	}
	if c.OpenRouter.SiteName == "" {
		c.OpenRouter.SiteName = defaults.OpenRouter.SiteName
	}
	if c.HuggingFace.BaseURL == "" {
		c.HuggingFace.BaseURL = defaults.HuggingFace.BaseURL
	}

	if c.Client.RelayURL == "" {
		c.Client.RelayURL = defaults.Client.RelayURL
	}
	if c.Client.ImageModel == "" {
		c.Client.ImageModel = defaults.Client.ImageModel
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = defaults.Logging.MaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = defaults.Logging.MaxAgeDays
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// SECURITY: Ensure permissions are correct even if file already existed
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# zeno configuration file")
	fmt.Fprintln(file, "# Generated by zeno - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
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

// Validate validates the configuration and returns all problems found.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit", Message: "cannot be negative"})
	}
	if c.Server.RateBurst < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_burst", Message: "cannot be negative"})
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "cannot be negative"})
	}

	ipLists := []struct {
		field   string
		entries []string
	}{
		{"server.allowed_ips", c.Server.AllowedIPs},
		{"server.trusted_proxies", c.Server.TrustedProxies},
	}
	for _, list := range ipLists {
		for _, entry := range list.entries {
			if !validIPEntry(entry) {
				errs = append(errs, ValidationError{
					Field:   list.field,
					Message: fmt.Sprintf("'%s' is not an IP address or CIDR range", entry),
				})
			}
		}
	}

	urls := []struct {
		field, value string
	}{
		{"openrouter.base_url", c.OpenRouter.BaseURL},
		{"huggingface.base_url", c.HuggingFace.BaseURL},
		{"client.relay_url", c.Client.RelayURL},
	}
	for _, u := range urls {
		if u.value == "" {
			continue
		}
		parsed, err := url.Parse(u.value)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, ValidationError{
				Field:   u.field,
				Message: fmt.Sprintf("invalid URL '%s', must be http(s)://host", u.value),
			})
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging", Message: "rotation limits cannot be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validIPEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OPENROUTER_API_KEY: overrides openrouter.api_key
//   - HUGGINGFACE_API_KEY: overrides huggingface.api_key
//   - ZENO_PORT: overrides server.port
//   - ZENO_MODEL: overrides default_model
//   - ZENO_DATA_DIR: overrides storage.data_dir
//   - ZENO_RELAY_URL: overrides client.relay_url
//   - ZENO_USER_ID: overrides client.user_id
//   - ZENO_AUTH_TOKEN: overrides server.auth_token
//   - ZENO_LOG_LEVEL: overrides logging.level
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.OpenRouter.APIKey = key
	}
	if key := os.Getenv("HUGGINGFACE_API_KEY"); key != "" {
		c.HuggingFace.APIKey = key
	}
	if port := os.Getenv("ZENO_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if model := os.Getenv("ZENO_MODEL"); model != "" {
		c.DefaultModel = model
	}
	if dir := os.Getenv("ZENO_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if relay := os.Getenv("ZENO_RELAY_URL"); relay != "" {
		c.Client.RelayURL = relay
	}
	if user := os.Getenv("ZENO_USER_ID"); user != "" {
		c.Client.UserID = user
	}
	if token := os.Getenv("ZENO_AUTH_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}
	if level := os.Getenv("ZENO_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "server.port").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "server.port").
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
		field, ok := fieldByTag(v, part)
		if !ok {
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

// fieldByTag finds the struct field whose toml tag is name.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
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
			lower := strings.ToLower(strVal)
			field.SetBool(strVal == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, item := range strings.Split(strVal, ",") {
					if item = strings.TrimSpace(item); item != "" {
						items = append(items, item)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
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
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if tag == "" || tag == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "auth_token")
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	clone.Server.AllowedIPs = append([]string(nil), c.Server.AllowedIPs...)
	if c.Server.TrustedProxies != nil {
		clone.Server.TrustedProxies = append([]string{}, c.Server.TrustedProxies...)
	}
	clone.Client.Memories = append([]string(nil), c.Client.Memories...)
	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts credentials so the config can be logged.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.OpenRouter.APIKey != "" {
		safe.OpenRouter.APIKey = "[REDACTED]"
	}
	if safe.HuggingFace.APIKey != "" {
		safe.HuggingFace.APIKey = "[REDACTED]"
	}
	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
