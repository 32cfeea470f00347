package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/spf13/pflag"

	"github.com/rendis/flowgraph/internal/api"
	"github.com/rendis/flowgraph/internal/engine"
	"github.com/rendis/flowgraph/internal/scheduler"
	"github.com/rendis/flowgraph/internal/settings"
)

const envPrefix = "FLOWGRAPH_"

// Config holds all flowgraph configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath     string           `koanf:"db_path"`
	LogLevel   string           `koanf:"log_level"`
	LogFormat  string           `koanf:"log_format"`
	SecretKey  string           `koanf:"secret_key"`
	SecretSalt string           `koanf:"secret_salt"`
	MCPHTTP    bool             `koanf:"mcp_http"`
	Engine     engine.Config    `koanf:"engine"`
	API        api.Config       `koanf:"api"`
	Scheduler  scheduler.Config `koanf:"scheduler"`
	Settings   settings.Config  `koanf:"settings"`
	LLM        LLMConfig        `koanf:"llm"`
}

// LLMConfig tunes the outbound provider client.
type LLMConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	MaxRetries        int           `koanf:"max_retries"`
}

func defaults() map[string]any {
	return map[string]any{
		"db_path":                 filepath.Join(flowgraphDir(), "flowgraph.db"),
		"log_level":               "info",
		"log_format":              "text",
		"secret_salt":             "flowgraph",
		"mcp_http":                true,
		"engine.max_concurrency":  16,
		"engine.persist_timeout":  "30s",
		"api.addr":                ":8000",
		"api.heartbeat":           "15s",
		"scheduler.enabled":       true,
		"scheduler.interval":      "60s",
		"settings.cache_size":     1024,
		"settings.cache_ttl":      "5m",
		"llm.timeout":             "300s",
		"llm.requests_per_second": 0,
		"llm.burst":               1,
		"llm.max_retries":         3,
	}
}

func flowgraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowgraph"
	}
	return filepath.Join(home, ".flowgraph")
}

func settingsPath() string {
	return filepath.Join(flowgraphDir(), "settings.json")
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"db-path":    "db_path",
	"log-level":  "log_level",
	"log-format": "log_format",
	"addr":       "api.addr",
}

// envKey turns FLOWGRAPH_API__ADDR into api.addr.
func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, envPrefix)), "__", ".")
}

// loadConfig layers defaults, the settings file (if present), FLOWGRAPH_*
// env vars and changed flags. flags may be nil.
func loadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), json.Parser()); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if flags != nil {
		overrides := map[string]any{}
		flags.Visit(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				overrides[key] = f.Value.String()
			}
		})
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// watchConfig calls onChange with the reloaded config whenever the settings
// file changes.
func watchConfig(path string, flags *pflag.FlagSet, onChange func(Config, error)) error {
	return file.Provider(path).Watch(func(_ interface{}, err error) {
		if err != nil {
			onChange(Config{}, err)
			return
		}
		onChange(loadConfig(path, flags))
	})
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	HandlerChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	if !slices.Equal(old.API.AllowedOrigins, new.API.AllowedOrigins) ||
		old.API.Heartbeat != new.API.Heartbeat ||
		old.MCPHTTP != new.MCPHTTP {
		d.HandlerChanged = true
	}
	if old.API.Addr != new.API.Addr {
		d.RestartNeeded = append(d.RestartNeeded, "api.addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	if old.SecretKey != new.SecretKey || old.SecretSalt != new.SecretSalt {
		d.RestartNeeded = append(d.RestartNeeded, "secret_key")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	return d
}
