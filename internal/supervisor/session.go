package supervisor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-watchdog/internal/config"
	"github.com/ChuLiYu/beaver-watchdog/internal/ipc"
	"github.com/ChuLiYu/beaver-watchdog/internal/metrics"
	"github.com/ChuLiYu/beaver-watchdog/internal/process"
	"github.com/ChuLiYu/beaver-watchdog/internal/snapshot"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// FromSession wires a Controller for one side of a published session.
//
// The watchdog side respawns the application from its recorded argv; the
// application side respawns the watchdog binary with the watch subcommand.
// Metrics go to reg (nil means the default registerer).
func FromSession(s config.Session, side types.Side, peer Peer, reg prometheus.Registerer) (*Controller, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s = s.WithDefaults()

	hs, err := ipc.OpenHandshake(s.IPCDir, s.ID, side)
	if err != nil {
		return nil, fmt.Errorf("failed to open handshake semaphores: %w", err)
	}

	var sp *process.Spawner
	if side == types.SideWatchdog {
		sp = process.NewSpawner(s.AppArgs[0], s.AppArgs[1:]...)
	} else {
		sp = process.NewSpawner(s.WatchdogPath, config.WatchCommand)
	}

	var snaps *snapshot.Manager
	if s.StateDir != "" {
		snaps = snapshot.NewManager(snapshot.PathFor(s.StateDir, s.ID, side))
	}

	c, err := New(Config{
		Side:             side,
		SessionID:        s.ID,
		Interval:         s.Interval,
		Threshold:        s.Threshold,
		HandshakeTimeout: s.HandshakeTimeout,
		MaxRecoveries:    s.MaxRecoveries,
		RecoveryWindow:   s.RecoveryWindow,
	}, Deps{
		Peer:      peer,
		Spawn:     ProcessSpawner(sp),
		Handshake: hs,
		Metrics:   metrics.NewCollector(reg, side.String()),
		Snapshots: snaps,
	})
	if err != nil {
		hs.Close()
		return nil, err
	}
	return c, nil
}
