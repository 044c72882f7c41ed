// ============================================================================
// Beaver-Watchdog CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the beaver-watchdog binary
//
// Command Structure:
//   beaver-watchdog                # Root command
//   ├── watch                      # Run the watchdog side of a session
//   ├── status [session]           # List supervised sessions, or one session
//   │   └── --state-dir           # Override state.dir from the config
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// watch Command:
//   Started by the application through pkg/watchdog, never by hand. Reads
//   the session from the environment, supervises its parent process and
//   respawns it when heartbeats stop.
//   1. Load config file (a missing file means defaults)
//   2. Install the slog handler at the configured level
//   3. Load the session from the environment, fill gaps from the config
//   4. Start the metrics HTTP server (if enabled)
//   5. Run the watchdog controller until terminated
//
// status Command:
//   Lists the session snapshots in the state directory:
//     ./beaver-watchdog status
//     ./beaver-watchdog status --state-dir /var/run/beaver-watchdog
//     ./beaver-watchdog status 3f2a...   # both sides of one session
//
// Signal Handling:
//   watch stops on SIGINT / SIGTERM in addition to the protocol SIGUSR2.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-watchdog/internal/config"
	"github.com/ChuLiYu/beaver-watchdog/internal/metrics"
	"github.com/ChuLiYu/beaver-watchdog/internal/process"
	"github.com/ChuLiYu/beaver-watchdog/internal/snapshot"
	"github.com/ChuLiYu/beaver-watchdog/internal/supervisor"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// Version of the beaver-watchdog binary
var Version = "1.0.0"

// ErrNoStateDir is returned by status when no state directory is configured
var ErrNoStateDir = errors.New("no state directory configured")

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-watchdog",
		Short: "Beaver-Watchdog: a self-healing process supervisor",
		Long: `Beaver-Watchdog keeps an application and its watchdog alive by
supervising each other:
- Heartbeat signals in both directions
- Forced kill and respawn after missed heartbeats
- Semaphore handshake before supervision starts
- Prometheus metrics`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   config.WatchCommand,
		Short: "Run the watchdog side of a supervision session",
		Long:  "Supervise the parent application. Started by the application through the watchdog API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd)
		},
	}
	return cmd
}

func runWatch(cmd *cobra.Command) error {
	file, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cmd.ErrOrStderr(), file.SlogLevel())

	session, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	session = file.Apply(session)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := supervisor.FromSession(session, types.SideWatchdog, process.Attach(process.ParentPID()), prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to create watchdog: %w", err)
	}

	if session.MetricsAddr != "" {
		go func() {
			slog.Info("Starting metrics server", "addr", session.MetricsAddr)
			if err := metrics.Serve(ctx, session.MetricsAddr, prometheus.DefaultGatherer); err != nil {
				slog.Warn("Metrics server error", "error", err)
			}
		}()
	}

	slog.Info("Watchdog started",
		"session", session.ID,
		"app", session.AppArgs[0],
		"interval", session.Interval,
		"threshold", session.Threshold)

	return ctrl.Run(ctx)
}

// setupLogging installs a text handler at level as the default logger.
func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func buildStatusCommand() *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "status [session]",
		Short: "Show supervised session status",
		Long:  "List the session snapshots written by running watchdogs and applications",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stateDir == "" {
				file, err := config.LoadFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				stateDir = file.State.Dir
			}
			if len(args) == 1 {
				return showSession(cmd.OutOrStdout(), stateDir, args[0])
			}
			return showStatus(cmd.OutOrStdout(), stateDir)
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory holding session snapshots")
	return cmd
}

func showStatus(out io.Writer, stateDir string) error {
	if stateDir == "" {
		return ErrNoStateDir
	}

	snaps, err := snapshot.List(stateDir)
	if err != nil && len(snaps) == 0 {
		return fmt.Errorf("failed to read sessions: %w", err)
	}

	printHeader(out, stateDir)
	if len(snaps) == 0 {
		fmt.Fprintln(out, "No supervised sessions")
		return nil
	}
	for _, s := range snaps {
		printSnapshot(out, s)
	}

	if err != nil {
		fmt.Fprintf(out, "Skipped unreadable snapshots: %v\n", err)
	}
	return nil
}

// showSession prints both sides of one session
func showSession(out io.Writer, stateDir, session string) error {
	if stateDir == "" {
		return ErrNoStateDir
	}

	var snaps []types.SessionSnapshot
	for _, side := range []types.Side{types.SideApplication, types.SideWatchdog} {
		snap, err := snapshot.NewManager(snapshot.PathFor(stateDir, session, side)).Load()
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s snapshot: %w", side, err)
		}
		snaps = append(snaps, snap)
	}
	if len(snaps) == 0 {
		return fmt.Errorf("session %s: %w", session, snapshot.ErrSnapshotNotFound)
	}

	printHeader(out, stateDir)
	for _, s := range snaps {
		printSnapshot(out, s)
	}
	return nil
}

func printHeader(out io.Writer, stateDir string) {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Beaver-Watchdog Session Status                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "State Directory: %s\n\n", stateDir)
}

func printSnapshot(out io.Writer, s types.SessionSnapshot) {
	alive := "running"
	if !process.IsProcessRunning(s.PID) {
		alive = "gone"
	}

	fmt.Fprintf(out, "Session %s (%s)\n", s.SessionID, s.Side)
	fmt.Fprintf(out, "  ├─ PID:        %d (%s)\n", s.PID, alive)
	fmt.Fprintf(out, "  ├─ Peer PID:   %d\n", s.PeerPID)
	fmt.Fprintf(out, "  ├─ Interval:   %s\n", s.Interval)
	fmt.Fprintf(out, "  ├─ Threshold:  %d\n", s.Threshold)
	fmt.Fprintf(out, "  ├─ Recoveries: %d\n", s.Recoveries)
	if s.LastRecovery != nil {
		fmt.Fprintf(out, "  ├─ Last Recovery: %s\n", time.UnixMilli(*s.LastRecovery).Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  └─ Updated:    %s\n", time.UnixMilli(s.UpdatedAt).Format(time.RFC3339))
	fmt.Fprintln(out)
}
