// Package core holds process-wide configuration shared by all components.
package core

import (
	"log/slog"
	"strings"
)

type Config struct {
	// StrictMode disables development conveniences, keep enabled in production.
	StrictMode bool   `koanf:"strictmode"`
	LogLevel   string `koanf:"loglevel"`
}

func DefaultConfig() Config {
	return Config{
		StrictMode: true,
		LogLevel:   "info",
	}
}

// SlogLevel maps the configured log level, unknown values fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
