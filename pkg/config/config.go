package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const EnvPrefix = "KLEVER_"

type Config struct {
	Server ServerConfig `koanf:"server" yaml:"server"`
	Store  StoreConfig  `koanf:"store" yaml:"store"`
	Auth   AuthConfig   `koanf:"auth" yaml:"auth"`
	Model  ModelConfig  `koanf:"model" yaml:"model"`
	Tools  ToolsConfig  `koanf:"tools" yaml:"tools"`
}

type ServerConfig struct {
	Addr            string   `koanf:"addr" yaml:"addr"`
	LogLevel        string   `koanf:"log_level" yaml:"log_level"`
	ReadTimeout     string   `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string   `koanf:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string   `koanf:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string   `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string `koanf:"allowed_origins" yaml:"allowed_origins"`
	AuthRateLimit   int      `koanf:"auth_rate_limit" yaml:"auth_rate_limit"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" yaml:"driver"`
	DSN    string `koanf:"dsn" yaml:"dsn"`
}

type AuthConfig struct {
	Secret        string `koanf:"secret" yaml:"secret"`
	SessionMaxAge string `koanf:"session_max_age" yaml:"session_max_age"`
	BcryptCost    int    `koanf:"bcrypt_cost" yaml:"bcrypt_cost"`
	SecureCookie  bool   `koanf:"secure_cookie" yaml:"secure_cookie"`
}

type ModelConfig struct {
	Provider     string `koanf:"provider" yaml:"provider"`
	Name         string `koanf:"name" yaml:"name"`
	APIKey       string `koanf:"api_key" yaml:"api_key"`
	BaseURL      string `koanf:"base_url" yaml:"base_url"`
	MaxSteps     int    `koanf:"max_steps" yaml:"max_steps"`
	SystemPrompt string `koanf:"system_prompt" yaml:"system_prompt"`
}

type ToolsConfig struct {
	Weather WeatherToolConfig `koanf:"weather" yaml:"weather"`
}

type WeatherToolConfig struct {
	BaseURL string `koanf:"base_url" yaml:"base_url"`
	Timeout string `koanf:"timeout" yaml:"timeout"`
}

const (
	DefaultServerAddr            = ":8080"
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "5m"
	DefaultServerIdleTimeout     = "60s"
	DefaultServerShutdownTimeout = "10s"
	DefaultServerAuthRateLimit   = 10
	DefaultStoreDriver           = "sqlite3"
	DefaultAuthSessionMaxAge     = "720h"
	DefaultAuthBcryptCost        = 10
	DefaultModelProvider         = "gemini"
	DefaultModelMaxSteps         = 5
	DefaultWeatherToolBaseURL    = "https://api.open-meteo.com"
	DefaultWeatherToolTimeout    = "10s"
	DefaultSystemPrompt          = "You are an artificial intelligence chatbot named Klever, designed to help seniors with day-to-day queries in a friendly, succinct, simplified, plain-spoken manner. " +
		"Keep answers high-level and focused on the main point, as a short summary rather than several paragraphs. " +
		"Acknowledge the user's challenge with empathy, be patient and supportive, and include relevant links only when necessary. " +
		"If you do not know the answer, kindly say so and suggest a simple next step the user can take to find help."
)

// DefaultModelNames maps each provider to the model used when model.name is unset.
var DefaultModelNames = map[string]string{
	"gemini":    "gemini-2.0-flash",
	"openai":    "gpt-4o",
	"anthropic": "claude-3-5-sonnet-latest",
}

// providerKeyEnv lists the conventional API key variables per provider.
var providerKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Dir returns the directory holding the default config file and database.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klever"
	}
	return filepath.Join(home, ".klever")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Defaults returns the built-in configuration as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":             DefaultServerAddr,
		"server.log_level":        DefaultServerLogLevel,
		"server.read_timeout":     DefaultServerReadTimeout,
		"server.write_timeout":    DefaultServerWriteTimeout,
		"server.idle_timeout":     DefaultServerIdleTimeout,
		"server.shutdown_timeout": DefaultServerShutdownTimeout,
		"server.allowed_origins":  []string{},
		"server.auth_rate_limit":  DefaultServerAuthRateLimit,
		"store.driver":            DefaultStoreDriver,
		"store.dsn":               filepath.Join(Dir(), "klever.db"),
		"auth.secret":             "",
		"auth.session_max_age":    DefaultAuthSessionMaxAge,
		"auth.bcrypt_cost":        DefaultAuthBcryptCost,
		"auth.secure_cookie":      false,
		"model.provider":          DefaultModelProvider,
		"model.name":              "",
		"model.api_key":           "",
		"model.base_url":          "",
		"model.max_steps":         DefaultModelMaxSteps,
		"model.system_prompt":     DefaultSystemPrompt,
		"tools.weather.base_url":  DefaultWeatherToolBaseURL,
		"tools.weather.timeout":   DefaultWeatherToolTimeout,
	}
}

// Default returns the built-in configuration, as written by "config init".
func Default() (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		k.Set(key, value)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.Model.Name = DefaultModelNames[cfg.Model.Provider]
	return &cfg, nil
}

// Load resolves configuration from defaults, the config file, KLEVER_*
// environment variables and command flags, in increasing precedence.
// cmd may be nil.
func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	} else if err := k.Load(file.Provider(DefaultPath()), yaml.Parser()); err != nil {
		slog.Debug("Default config not found or invalid", "path", DefaultPath(), "error", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey(defaults)), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if cmd != nil {
		if err := k.Load(posflag.ProviderWithFlag(cmd.Flags(), ".", k, flagKey(cmd.Flags())), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModelNames[cfg.Model.Provider]
	}
	if cfg.Model.APIKey == "" {
		if name, ok := providerKeyEnv[cfg.Model.Provider]; ok {
			cfg.Model.APIKey = os.Getenv(name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KLEVER_SERVER_LOG_LEVEL to server.log_level. Underscores are
// ambiguous, so variables are matched against the known keys; unknown
// variables fall back to treating every underscore as a separator.
func envKey(defaults map[string]any) func(string) string {
	known := make(map[string]string, len(defaults))
	for key := range defaults {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	return func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := known[name]; ok {
			return key
		}
		return strings.ReplaceAll(name, "_", ".")
	}
}

// FlagKeys maps command flag names to config keys.
var FlagKeys = map[string]string{
	"addr":        "server.addr",
	"log-level":   "server.log_level",
	"store":       "store.driver",
	"dsn":         "store.dsn",
	"provider":    "model.provider",
	"model":       "model.name",
	"max-steps":   "model.max_steps",
	"secret":      "auth.secret",
	"bcrypt-cost": "auth.bcrypt_cost",
}

// flagKey skips flags that are not config values and flags the user did not
// set, so they do not shadow file or env values with their zero defaults.
func flagKey(fs *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		key, ok := FlagKeys[f.Name]
		if !ok || !f.Changed {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, ok := DefaultModelNames[c.Model.Provider]; !ok {
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.MaxSteps < 1 {
		return fmt.Errorf("model.max_steps must be at least 1, got %d", c.Model.MaxSteps)
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	for name, value := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.idle_timeout":     c.Server.IdleTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"auth.session_max_age":    c.Auth.SessionMaxAge,
		"tools.weather.timeout":   c.Tools.Weather.Timeout,
	} {
		if _, err := DurationOrDefault(value, ""); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Auth.Secret = maskSecret(out.Auth.Secret)
	out.Model.APIKey = maskSecret(out.Model.APIKey)
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
