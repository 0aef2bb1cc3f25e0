// Package config defines the server's configuration, loadable from a
// file, environment and flags via viper.
package config

import (
	"time"

	"github.com/tangramdotdev/tangram/sync"
)

// Config is the top-level server configuration.
type Config struct {
	// DataDir holds the sqlite database and everything else the server
	// persists.
	DataDir string `mapstructure:"data-dir"`
	// Listen is the address of the sync API server.
	Listen string `mapstructure:"listen"`
	// MetricsPort exposes prometheus metrics when nonzero.
	MetricsPort int `mapstructure:"metrics-port"`
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `mapstructure:"log-level"`
	// Connections sizes the sqlite connection pool.
	Connections int `mapstructure:"connections"`
	// Remotes maps remote names to base URLs for forwarded sessions.
	Remotes map[string]string `mapstructure:"remotes"`
	// CleanGrace is how long an untouched item survives a clean.
	CleanGrace time.Duration `mapstructure:"clean-grace"`
	// CleanInterval schedules background cleans; zero disables them.
	CleanInterval time.Duration `mapstructure:"clean-interval"`
	// SessionRate caps accepted sync sessions per second; zero means
	// unlimited.
	SessionRate float64 `mapstructure:"session-rate"`

	Sync sync.Config `mapstructure:"sync"`
}

// DefaultConfig returns the config used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		DataDir:       "~/.tangram",
		Listen:        "127.0.0.1:8476",
		LogLevel:      "info",
		Connections:   16,
		Remotes:       map[string]string{},
		CleanGrace:    7 * 24 * time.Hour,
		CleanInterval: 0,
		Sync:          sync.DefaultConfig(),
	}
}
