// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package config loads runtime configuration with layered precedence:
// built-in defaults, then config files in the order given (later files
// win), then PLUGFORGE_* environment variables, then command-line
// flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// envPrefix namespaces environment overrides. Nesting uses a double
// underscore: PLUGFORGE_LOG__FORMAT sets log.format.
const envPrefix = "PLUGFORGE_"

// Log configures the structured logger.
type Log struct {
	Format string `koanf:"format"` // json or text
	Level  string `koanf:"level"`
}

// Hub sizes the communication fabric.
type Hub struct {
	Workers        int           `koanf:"workers"`
	QueueHint      int           `koanf:"queue_hint"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Security tunes the analysis and sandbox policy.
type Security struct {
	ExecTimeout        time.Duration `koanf:"exec_timeout"`
	AllowedModules     []string      `koanf:"allowed_modules"`
	DeniedModules      []string      `koanf:"denied_modules"`
	AllowedPermissions []string      `koanf:"allowed_permissions"`
	ViolationCap       int           `koanf:"violation_cap"`
}

// Hotswap configures live code replacement.
type Hotswap struct {
	Enabled    bool          `koanf:"enabled"`
	BackupsDir string        `koanf:"backups_dir"`
	Retain     int           `koanf:"retain"`
	Debounce   time.Duration `koanf:"debounce"`
	QueueSize  int           `koanf:"queue_size"`
	Timeout    time.Duration `koanf:"timeout"`
	Strategy   string        `koanf:"strategy"` // graceful or immediate
}

// Metrics controls the Prometheus endpoint. Empty Addr disables it.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Config is the full runtime configuration.
type Config struct {
	PluginsDir string   `koanf:"plugins_dir"`
	APIVersion string   `koanf:"api_version"`
	Log        Log      `koanf:"log"`
	Hub        Hub      `koanf:"hub"`
	Security   Security `koanf:"security"`
	Hotswap    Hotswap  `koanf:"hotswap"`
	Metrics    Metrics  `koanf:"metrics"`
}

// defaults is the bottom configuration layer.
func defaults() map[string]any {
	return map[string]any{
		"plugins_dir":            "plugins",
		"api_version":            "1.0.0",
		"log.format":             "json",
		"log.level":              "info",
		"hub.workers":            4,
		"hub.queue_hint":         64,
		"hub.request_timeout":    "5s",
		"security.exec_timeout":  "5s",
		"security.violation_cap": 1000,
		"hotswap.enabled":        false,
		"hotswap.backups_dir":    "backups",
		"hotswap.retain":         3,
		"hotswap.debounce":       "1s",
		"hotswap.queue_size":     16,
		"hotswap.timeout":        "30s",
		"hotswap.strategy":       "graceful",
	}
}

// Load reads configuration from the given files (missing files are
// skipped), environment, and optional flags.
func Load(paths []string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, oops.In("config").Code("IO_FAILED").Wrap(err)
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").
				Code("VALIDATION_FAILED").
				With("path", path).
				Hint("failed to parse config file").
				Wrap(err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, oops.In("config").Code("IO_FAILED").Wrap(err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.In("config").Code("IO_FAILED").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Code("VALIDATION_FAILED").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runtime cannot operate with.
func (c *Config) Validate() error {
	errb := oops.In("config").Code("VALIDATION_FAILED")

	if c.PluginsDir == "" {
		return errb.New("plugins_dir cannot be empty")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errb.With("log.format", c.Log.Format).New("log.format must be json or text")
	}
	switch c.Hotswap.Strategy {
	case "graceful", "immediate":
	default:
		return errb.With("hotswap.strategy", c.Hotswap.Strategy).New("hotswap.strategy must be graceful or immediate")
	}
	if c.Hub.Workers < 0 || c.Hub.QueueHint < 0 {
		return errb.New("hub sizes cannot be negative")
	}
	if c.Security.ExecTimeout <= 0 {
		return errb.New("security.exec_timeout must be positive")
	}
	return nil
}
