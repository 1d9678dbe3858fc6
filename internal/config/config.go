// Package config loads and persists the switchboard configuration. Viper
// provides file plus environment layering (SWITCHBOARD_ prefix); the file
// itself lives at ~/.switchboard/config.yaml unless overridden.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/route"
	"github.com/normanking/switchboard/internal/service"
)

// DefaultDirName is the data directory under the user's home.
const DefaultDirName = ".switchboard"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// LoggingConfig holds the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// RoutingConfig holds routing rules and execution budgets.
type RoutingConfig struct {
	// Assignments maps a task category to a preferred service name.
	Assignments map[string]string `mapstructure:"assignments" yaml:"assignments,omitempty"`

	// MaxAttempts caps fallback-chain attempts per task.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// DefaultTimeoutSec is the per-attempt budget.
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec" yaml:"default_timeout_sec"`

	// AnalysisTimeoutSec is the budget for codebase-analysis tasks.
	AnalysisTimeoutSec int `mapstructure:"analysis_timeout_sec" yaml:"analysis_timeout_sec"`

	// BroadcastTimeoutSec bounds each broadcast unit independently.
	BroadcastTimeoutSec int `mapstructure:"broadcast_timeout_sec" yaml:"broadcast_timeout_sec"`
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Routing  RoutingConfig    `mapstructure:"routing" yaml:"routing"`
	Services []service.Config `mapstructure:"services" yaml:"services"`
}

// Default returns the built-in configuration, including a starter service
// set a new install can edit in place.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info"},
		Routing: RoutingConfig{
			MaxAttempts:         3,
			DefaultTimeoutSec:   120,
			AnalysisTimeoutSec:  300,
			BroadcastTimeoutSec: 120,
		},
		Services: []service.Config{
			{
				Name:        "local",
				Kind:        service.KindHTTP,
				Enabled:     true,
				Endpoint:    "http://localhost:11434",
				Model:       "llama3.1",
				Description: "Local model server",
				Strengths:   []string{"quick_query", "summarization"},
			},
		},
	}
}

// DataDir resolves the switchboard data directory, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, DefaultDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}

// Load reads the configuration. An empty path uses the default location;
// a missing file yields the defaults (and is not an error). Environment
// variables prefixed SWITCHBOARD_ override file values, with dots mapped
// to underscores (SWITCHBOARD_SERVER_PORT, SWITCHBOARD_LOGGING_LEVEL).
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	if path == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SWITCHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("routing.max_attempts", defaults.Routing.MaxAttempts)
	v.SetDefault("routing.default_timeout_sec", defaults.Routing.DefaultTimeoutSec)
	v.SetDefault("routing.analysis_timeout_sec", defaults.Routing.AnalysisTimeoutSec)
	v.SetDefault("routing.broadcast_timeout_sec", defaults.Routing.BroadcastTimeoutSec)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("no config file, using defaults")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Services) == 0 {
		cfg.Services = defaults.Services
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate checks cross-field constraints that tag-level decoding cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	seen := make(map[string]bool)
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	for category := range c.Routing.Assignments {
		if !classify.Category(category).IsValid() {
			return fmt.Errorf("unknown category %q in routing assignments", category)
		}
	}
	return nil
}

// RouteConfig converts the routing section to the router's config type.
func (c *Config) RouteConfig() route.Config {
	assignments := make(map[classify.Category]string, len(c.Routing.Assignments))
	for category, name := range c.Routing.Assignments {
		assignments[classify.Category(category)] = name
	}
	return route.Config{
		Assignments:        assignments,
		DefaultTimeoutSec:  c.Routing.DefaultTimeoutSec,
		AnalysisTimeoutSec: c.Routing.AnalysisTimeoutSec,
	}
}

// Save writes the configuration as YAML to the given path.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Watch re-reads the file on change and reports the services' enabled
// flags to the callback. Only the enabled flags are hot-reloadable;
// endpoint or adapter changes still require a restart.
func Watch(v *viper.Viper, onReload func(enabled map[string]bool)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Warn().Err(err).Msg("config reload failed, keeping previous")
			return
		}
		enabled := make(map[string]bool, len(cfg.Services))
		for _, svc := range cfg.Services {
			enabled[svc.Name] = svc.Enabled
		}
		log.Info().Str("file", e.Name).Msg("config reloaded")
		onReload(enabled)
	})
	v.WatchConfig()
}
