package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML configuration of the watchdog binary. It carries the
// ambient settings; the session itself always comes from the environment.
type File struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	State struct {
		Dir string `yaml:"dir"`
	} `yaml:"state"`

	Recovery struct {
		MaxAttempts      int           `yaml:"max_attempts"`
		Window           time.Duration `yaml:"window"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"recovery"`
}

// DefaultFile returns the configuration used when no file is present.
func DefaultFile() *File {
	f := &File{}
	f.Log.Level = "info"
	f.Metrics.Port = 9090
	return f
}

// LoadFile reads a YAML config. A missing file yields the defaults, since the
// watchdog is usually spawned without one.
func LoadFile(path string) (*File, error) {
	cfg := DefaultFile()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (f *File) SlogLevel() slog.Level {
	switch strings.ToLower(f.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsAddr returns the listen address, or "" when metrics are disabled.
func (f *File) MetricsAddr() string {
	if !f.Metrics.Enabled || f.Metrics.Port <= 0 {
		return ""
	}
	return fmt.Sprintf(":%d", f.Metrics.Port)
}

// Apply fills session fields the environment left unset.
func (f *File) Apply(s Session) Session {
	if s.StateDir == "" {
		s.StateDir = f.State.Dir
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = f.MetricsAddr()
	}
	if s.MaxRecoveries <= 0 {
		s.MaxRecoveries = f.Recovery.MaxAttempts
	}
	if s.RecoveryWindow <= 0 {
		s.RecoveryWindow = f.Recovery.Window
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = f.Recovery.HandshakeTimeout
	}
	return s.WithDefaults()
}
