package watchdog

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-watchdog/internal/config"
	"github.com/ChuLiYu/beaver-watchdog/internal/process"
	"github.com/ChuLiYu/beaver-watchdog/internal/supervisor"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// silentWatchdogEnv makes the watchdog process start but never handshake.
const silentWatchdogEnv = "BEAVER_WATCHDOG_TEST_SILENT"

// The test binary doubles as the watchdog executable: `<test binary> watch`
// runs the watchdog side instead of the tests.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == config.WatchCommand {
		if os.Getenv(silentWatchdogEnv) != "" {
			os.Exit(runSilentWatchdog())
		}
		os.Exit(runWatchdogSide())
	}
	os.Exit(m.Run())
}

func runSilentWatchdog() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Minute):
	}
	return 0
}

func runWatchdogSide() int {
	session, err := config.Load()
	if err != nil {
		return 2
	}
	ctrl, err := supervisor.FromSession(session, types.SideWatchdog, process.Attach(os.Getppid()), prometheus.NewRegistry())
	if err != nil {
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := ctrl.Run(ctx); err != nil {
		return 1
	}
	return 0
}

var sessionEnv = []string{
	config.EnvActive, config.EnvApp, config.EnvWatchdog, config.EnvInterval,
	config.EnvThreshold, config.EnvSession, config.EnvHandshakeTimeout,
	config.EnvMaxRecoveries, config.EnvRecoveryWindow, config.EnvIPCDir,
	config.EnvStateDir, config.EnvMetricsAddr, config.EnvOwner, silentWatchdogEnv,
}

// isolateEnv starts the test without a session and restores the
// environment afterwards.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range sessionEnv {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func heartbeatsReceived(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "watchdog_heartbeats_received_total" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestStartRequiresTwoArguments(t *testing.T) {
	isolateEnv(t)
	s := New()
	before := os.Environ()

	for _, args := range [][]string{nil, {}, {"/usr/bin/app"}} {
		assert.Equal(t, types.StatusFailStart, s.Start(args, time.Second, 3))
	}

	assert.False(t, s.Running())
	assert.Nil(t, s.ctrl, "no control loop was launched")
	assert.False(t, config.Active())
	assert.ElementsMatch(t, before, os.Environ(), "environment untouched")
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	isolateEnv(t)
	s := New()

	assert.Equal(t, types.StatusFailStart, s.Start([]string{"/usr/bin/app", "/usr/bin/wd"}, 0, 3))
	assert.Equal(t, types.StatusFailStart, s.Start([]string{"/usr/bin/app", "/usr/bin/wd"}, time.Second, -1))
	assert.False(t, config.Active())
}

func TestStartMissingWatchdogExecutable(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TMPDIR", t.TempDir())

	s := New()
	s.Registerer = prometheus.NewRegistry()
	status := s.Start([]string{"/usr/bin/app", filepath.Join(t.TempDir(), "missing-watchdog")}, time.Second, 3)

	assert.Equal(t, types.StatusFailStart, status)
	assert.False(t, s.Running())
	assert.False(t, config.Active(), "published session is withdrawn")
}

func TestStopWithoutStart(t *testing.T) {
	assert.Equal(t, types.StatusFailStop, New().Stop())
}

// startWithWatchdog starts s against a real watchdog process (this test
// binary). Respawning the application must be harmless, so the application
// is `true`.
func startWithWatchdog(t *testing.T, s *Supervisor) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns a watchdog process")
	}

	exe, err := os.Executable()
	require.NoError(t, err)
	app, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true binary not available")
	}

	args := []string{app, exe}
	require.Equal(t, types.StatusSuccess, s.Start(args, 20*time.Millisecond, 100))
	return args
}

func TestStartStopWithWatchdogProcess(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TMPDIR", t.TempDir())

	reg := prometheus.NewRegistry()
	s := New()
	s.Registerer = reg

	args := startWithWatchdog(t, s)
	assert.True(t, config.Active())
	assert.Equal(t, types.StatusFailStart, s.Start(args, 20*time.Millisecond, 100),
		"second Start on a running instance")

	wdPID := s.ctrl.Peer().PID()
	assert.True(t, process.IsProcessRunning(wdPID))

	// Heartbeats from the watchdog process reach us
	require.Eventually(t, func() bool {
		return heartbeatsReceived(t, reg) >= 3
	}, 10*time.Second, 10*time.Millisecond)
	assert.True(t, s.Running())

	require.Equal(t, types.StatusSuccess, s.Stop())
	assert.NoError(t, s.Err())
	assert.False(t, s.Running())
	assert.False(t, config.Active(), "environment cleared on exit")

	// The forwarded termination brings the watchdog down too
	require.Eventually(t, func() bool {
		return !process.IsProcessRunning(wdPID)
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StatusFailStop, s.Stop())
}

func TestSecondInstanceCannotJoinHeldSession(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TMPDIR", t.TempDir())

	regA := prometheus.NewRegistry()
	a := New()
	a.Registerer = regA
	args := startWithWatchdog(t, a)
	defer a.Stop()

	require.Eventually(t, func() bool {
		return heartbeatsReceived(t, regA) >= 1
	}, 10*time.Second, 10*time.Millisecond)
	session := os.Getenv(config.EnvSession)

	b := New()
	b.Registerer = prometheus.NewRegistry()
	assert.Equal(t, types.StatusFailStart, b.Start(args, 20*time.Millisecond, 100))
	assert.False(t, b.Running())
	assert.Nil(t, b.ctrl)

	// The first instance and its published session are untouched
	assert.True(t, a.Running())
	assert.True(t, config.OwnedHere())
	assert.Equal(t, session, os.Getenv(config.EnvSession))

	before := heartbeatsReceived(t, regA)
	require.Eventually(t, func() bool {
		return heartbeatsReceived(t, regA) > before
	}, 10*time.Second, 10*time.Millisecond)

	require.Equal(t, types.StatusSuccess, a.Stop())
	assert.NoError(t, a.Err())
	assert.False(t, config.Active())

	// Once released, the session can be created again
	c := New()
	c.Registerer = prometheus.NewRegistry()
	startWithWatchdog(t, c)
	assert.True(t, config.OwnedHere())
	assert.NotEqual(t, session, os.Getenv(config.EnvSession))
	require.Equal(t, types.StatusSuccess, c.Stop())
}

func TestStartupHandshakeFailureReapsWatchdog(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TMPDIR", t.TempDir())
	t.Setenv(silentWatchdogEnv, "1")

	s := New()
	s.Registerer = prometheus.NewRegistry()
	s.HandshakeTimeout = 200 * time.Millisecond
	startWithWatchdog(t, s)

	wdPID := s.ctrl.Peer().PID()
	assert.True(t, process.IsProcessRunning(wdPID))

	require.Eventually(t, func() bool {
		return !s.Running()
	}, 10*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Err(), supervisor.ErrHandshakeFailed)
	assert.False(t, config.Active())

	require.Eventually(t, func() bool {
		return !process.IsProcessRunning(wdPID)
	}, 10*time.Second, 10*time.Millisecond, "spawned watchdog is not left behind")

	assert.Equal(t, types.StatusSuccess, s.Stop())
}
