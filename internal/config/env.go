// ============================================================================
// Beaver-Watchdog Config - Session Handoff via Environment
// ============================================================================
//
// Package: internal/config
// File: env.go
// Purpose: Publish the supervision session from the application process so
//          the spawned watchdog (and every respawned peer) can read it back
//
// Variables:
//   WATCHDOG_ON                 marker: a session is already active
//   APP                         application argv (JSON array)
//   WATCH_DOG_ENV               watchdog executable path
//   INTERVALS                   heartbeat interval (Go duration or seconds)
//   THRESHOLD                   missed heartbeats tolerated before recovery
//   WATCHDOG_SESSION            session id, names the handshake semaphores
//   WATCHDOG_HANDSHAKE_TIMEOUT  bound on every handshake wait
//   WATCHDOG_MAX_RECOVERIES     recoveries allowed per window
//   WATCHDOG_RECOVERY_WINDOW    crash-loop window
//   WATCHDOG_IPC_DIR            directory holding the semaphores
//   WATCHDOG_STATE_DIR          directory holding session snapshots
//   WATCHDOG_METRICS_ADDR       optional /metrics listen address
//   WATCHDOG_OWNER              pid of the application process holding the
//                               session; a respawned application sees a
//                               different pid and knows it inherited it
//
// Environment variables are inherited across fork+exec, which is exactly the
// propagation we need: app -> watchdog -> respawned app -> ...
//
// ============================================================================

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names
const (
	EnvActive           = "WATCHDOG_ON"
	EnvApp              = "APP"
	EnvWatchdog         = "WATCH_DOG_ENV"
	EnvInterval         = "INTERVALS"
	EnvThreshold        = "THRESHOLD"
	EnvSession          = "WATCHDOG_SESSION"
	EnvHandshakeTimeout = "WATCHDOG_HANDSHAKE_TIMEOUT"
	EnvMaxRecoveries    = "WATCHDOG_MAX_RECOVERIES"
	EnvRecoveryWindow   = "WATCHDOG_RECOVERY_WINDOW"
	EnvIPCDir           = "WATCHDOG_IPC_DIR"
	EnvStateDir         = "WATCHDOG_STATE_DIR"
	EnvMetricsAddr      = "WATCHDOG_METRICS_ADDR"
	EnvOwner            = "WATCHDOG_OWNER"
)

var allEnv = []string{
	EnvActive, EnvApp, EnvWatchdog, EnvInterval, EnvThreshold, EnvSession,
	EnvHandshakeTimeout, EnvMaxRecoveries, EnvRecoveryWindow, EnvIPCDir,
	EnvStateDir, EnvMetricsAddr, EnvOwner,
}

// WatchCommand is the watchdog binary subcommand that runs the watchdog side.
const WatchCommand = "watch"

// Defaults for the optional session settings
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxRecoveries    = 5
	DefaultRecoveryWindow   = time.Minute
)

var (
	// ErrNoSession is returned by Load when no session has been published
	ErrNoSession = errors.New("no active watchdog session")
	// ErrInvalidSession is returned when a session fails validation
	ErrInvalidSession = errors.New("invalid watchdog session")
)

// Session is everything both sides need to supervise each other.
type Session struct {
	ID               string
	AppArgs          []string // argv of the application, AppArgs[0] is the executable
	WatchdogPath     string
	Interval         time.Duration
	Threshold        int
	HandshakeTimeout time.Duration
	MaxRecoveries    int
	RecoveryWindow   time.Duration
	IPCDir           string
	StateDir         string
	MetricsAddr      string
}

// WithDefaults fills unset optional fields.
func (s Session) WithDefaults() Session {
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.MaxRecoveries <= 0 {
		s.MaxRecoveries = DefaultMaxRecoveries
	}
	if s.RecoveryWindow <= 0 {
		s.RecoveryWindow = DefaultRecoveryWindow
	}
	if s.IPCDir == "" {
		s.IPCDir = os.TempDir()
	}
	return s
}

// Validate checks the required fields.
func (s Session) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty session id", ErrInvalidSession)
	case len(s.AppArgs) == 0 || s.AppArgs[0] == "":
		return fmt.Errorf("%w: application executable is missing", ErrInvalidSession)
	case s.WatchdogPath == "":
		return fmt.Errorf("%w: watchdog executable is missing", ErrInvalidSession)
	case s.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSession, s.Interval)
	case s.Threshold < 0:
		return fmt.Errorf("%w: threshold must not be negative, got %d", ErrInvalidSession, s.Threshold)
	}
	return nil
}

// Active reports whether a session marker is present in our environment.
func Active() bool {
	_, ok := os.LookupEnv(EnvActive)
	return ok
}

// OwnedHere reports whether the active session is held by this process,
// as opposed to inherited from a process that has since been replaced.
func OwnedHere() bool {
	return Active() && os.Getenv(EnvOwner) == strconv.Itoa(os.Getpid())
}

// Claim records this process as the holder of an inherited session.
func Claim() error {
	if err := os.Setenv(EnvOwner, strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("failed to set %s: %w", EnvOwner, err)
	}
	return nil
}

// Publish writes the session into the process environment.
func Publish(s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}

	argv, err := json.Marshal(s.AppArgs)
	if err != nil {
		return fmt.Errorf("failed to encode application argv: %w", err)
	}

	vars := map[string]string{
		EnvApp:              string(argv),
		EnvWatchdog:         s.WatchdogPath,
		EnvInterval:         s.Interval.String(),
		EnvThreshold:        strconv.Itoa(s.Threshold),
		EnvSession:          s.ID,
		EnvHandshakeTimeout: s.HandshakeTimeout.String(),
		EnvMaxRecoveries:    strconv.Itoa(s.MaxRecoveries),
		EnvRecoveryWindow:   s.RecoveryWindow.String(),
		EnvIPCDir:           s.IPCDir,
		EnvStateDir:         s.StateDir,
		EnvMetricsAddr:      s.MetricsAddr,
		EnvOwner:            strconv.Itoa(os.Getpid()),
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	// 標記最後設定，Active() 為 true 時其他變數一定已就緒
	if err := os.Setenv(EnvActive, "1"); err != nil {
		return fmt.Errorf("failed to set %s: %w", EnvActive, err)
	}
	return nil
}

// Load reads the session back from the environment. Optional fields left
// unset stay zero; callers apply WithDefaults or File.Apply.
func Load() (Session, error) {
	if !Active() {
		return Session{}, ErrNoSession
	}

	var s Session
	if err := json.Unmarshal([]byte(os.Getenv(EnvApp)), &s.AppArgs); err != nil {
		return Session{}, fmt.Errorf("%w: %s: %v", ErrInvalidSession, EnvApp, err)
	}

	s.ID = os.Getenv(EnvSession)
	s.WatchdogPath = os.Getenv(EnvWatchdog)
	s.IPCDir = os.Getenv(EnvIPCDir)
	s.StateDir = os.Getenv(EnvStateDir)
	s.MetricsAddr = os.Getenv(EnvMetricsAddr)

	var err error
	if s.Interval, err = parseDuration(EnvInterval, true); err != nil {
		return Session{}, err
	}
	if s.HandshakeTimeout, err = parseDuration(EnvHandshakeTimeout, false); err != nil {
		return Session{}, err
	}
	if s.RecoveryWindow, err = parseDuration(EnvRecoveryWindow, false); err != nil {
		return Session{}, err
	}
	if s.Threshold, err = parseInt(EnvThreshold, true); err != nil {
		return Session{}, err
	}
	if s.MaxRecoveries, err = parseInt(EnvMaxRecoveries, false); err != nil {
		return Session{}, err
	}

	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Clear removes every session variable from the environment.
func Clear() error {
	var errs []error
	for _, key := range allEnv {
		if err := os.Unsetenv(key); err != nil {
			errs = append(errs, fmt.Errorf("failed to unset %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// parseDuration accepts a Go duration ("1.5s") or a bare number of seconds.
func parseDuration(key string, required bool) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is not set", ErrInvalidSession, key)
		}
		return 0, nil
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidSession, key, raw, err)
	}
	return d, nil
}

func parseInt(key string, required bool) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is not set", ErrInvalidSession, key)
		}
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidSession, key, raw, err)
	}
	return n, nil
}
