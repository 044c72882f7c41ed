package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-watchdog/internal/ipc"
	"github.com/ChuLiYu/beaver-watchdog/internal/metrics"
	"github.com/ChuLiYu/beaver-watchdog/internal/scheduler"
	"github.com/ChuLiYu/beaver-watchdog/internal/snapshot"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

func noSpawn() (Peer, error) {
	return nil, errors.New("spawn not expected")
}

func newTestController(t *testing.T, cfg Config, deps Deps) *Controller {
	t.Helper()
	if deps.Signals == nil {
		deps.Signals = &fakeSignals{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry(), cfg.Side.String())
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	return c
}

// ============================================================================
// 建構
// ============================================================================

func TestNewValidates(t *testing.T) {
	h := newFakeHandshake()
	peer := newSimPeer(10, nil)

	_, err := New(Config{Interval: 0}, Deps{Peer: peer, Spawn: noSpawn, Handshake: h})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Interval: time.Second, Threshold: -1}, Deps{Peer: peer, Spawn: noSpawn, Handshake: h})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Interval: time.Second}, Deps{Spawn: noSpawn, Handshake: h})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRegistersThreeTasks(t *testing.T) {
	c := newTestController(t, Config{Side: types.SideWatchdog, Interval: time.Second, Threshold: 2},
		Deps{Peer: newSimPeer(10, nil), Spawn: noSpawn, Handshake: newFakeHandshake()})

	assert.Equal(t, 3, c.sched.Size())
	assert.Equal(t, int32(3), c.liveTasks.Load())
	assert.Equal(t, DefaultHandshakeTimeout, c.cfg.HandshakeTimeout)
	assert.Equal(t, DefaultMaxRecoveries, c.cfg.MaxRecoveries)
	assert.Equal(t, DefaultRecoveryWindow, c.cfg.RecoveryWindow)
	assert.Equal(t, types.SideWatchdog, c.Side())
}

// ============================================================================
// 週期任務
// ============================================================================

func TestSendHeartbeat(t *testing.T) {
	target := &fakeSignals{}
	ch := make(chan os.Signal, 1)
	target.Notify(ch)

	peer := newSimPeer(10, target)
	c := newTestController(t, Config{Side: types.SideApplication, Interval: time.Second},
		Deps{Peer: peer, Spawn: noSpawn, Handshake: newFakeHandshake()})

	require.NoError(t, c.sendHeartbeat())
	assert.Equal(t, int32(1), peer.heartbeats.Load())
	assert.Equal(t, HeartbeatSignal, <-ch)

	// A vanished peer is reported, never fatal
	peer.killed.Store(true)
	assert.NoError(t, c.sendHeartbeat())
}

func TestThresholdTriggersRecoveryOnce(t *testing.T) {
	h := newFakeHandshake()
	old := newSimPeer(100, nil)
	var spawned []*simPeer
	spawn := func() (Peer, error) {
		p := newSimPeer(200+len(spawned), nil)
		spawned = append(spawned, p)
		h.peerReady()
		return p, nil
	}

	c := newTestController(t, Config{Side: types.SideWatchdog, Interval: time.Second, Threshold: 2},
		Deps{Peer: old, Spawn: spawn, Handshake: h})

	// Three intervals without a heartbeat
	for i := 0; i < 3; i++ {
		require.NoError(t, c.checkThreshold())
	}

	require.Len(t, spawned, 1)
	assert.Equal(t, int32(1), old.kills.Load())
	assert.Equal(t, 0, c.Missed(), "counter resets after recovery")
	assert.Equal(t, 1, c.Recoveries())
	assert.Same(t, spawned[0], c.Peer())
	assert.Len(t, h.own, 1, "our readiness was posted for the new peer")

	// Back under the threshold: no further recovery
	require.NoError(t, c.checkThreshold())
	require.NoError(t, c.checkThreshold())
	assert.Len(t, spawned, 1)
	assert.Equal(t, 2, c.Missed())
}

func TestHeartbeatKeepsPeerAlive(t *testing.T) {
	c := newTestController(t, Config{Side: types.SideWatchdog, Interval: time.Second, Threshold: 1},
		Deps{Peer: newSimPeer(100, nil), Spawn: noSpawn, Handshake: newFakeHandshake()})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.checkThreshold())
		c.state.OnSignal(HeartbeatSignal)
	}
	assert.Equal(t, 0, c.Recoveries())
}

func TestRecoverySpawnFailureRetriesNextTick(t *testing.T) {
	h := newFakeHandshake()
	old := newSimPeer(100, nil)
	attempts := 0
	spawn := func() (Peer, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("fork: resource temporarily unavailable")
		}
		h.peerReady()
		return newSimPeer(300, nil), nil
	}

	c := newTestController(t, Config{Side: types.SideApplication, Interval: time.Second, Threshold: 0},
		Deps{Peer: old, Spawn: spawn, Handshake: h})

	require.NoError(t, c.checkThreshold())
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, c.Recoveries())
	assert.Equal(t, 1, c.Missed(), "counter stays above threshold")
	assert.Same(t, old, c.Peer())

	require.NoError(t, c.checkThreshold())
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, c.Recoveries())
	assert.Equal(t, 0, c.Missed())
	assert.Equal(t, 300, c.Peer().PID())
}

func TestRecoveryHandshakeTimeoutRetriesNextTick(t *testing.T) {
	h := newFakeHandshake()
	attempts := 0
	spawn := func() (Peer, error) {
		attempts++
		if attempts > 1 {
			h.peerReady()
		}
		return newSimPeer(400+attempts, nil), nil
	}

	c := newTestController(t, Config{
		Side:             types.SideWatchdog,
		Interval:         time.Second,
		Threshold:        0,
		HandshakeTimeout: 30 * time.Millisecond,
	}, Deps{Peer: newSimPeer(100, nil), Spawn: spawn, Handshake: h})

	require.NoError(t, c.checkThreshold())
	assert.Equal(t, 0, c.Recoveries())
	assert.Equal(t, 401, c.Peer().PID(), "peer that never became ready is replaced next tick")

	require.NoError(t, c.checkThreshold())
	assert.Equal(t, 1, c.Recoveries())
	assert.Equal(t, 402, c.Peer().PID())
}

func TestRecoveryBudgetExhausted(t *testing.T) {
	h := newFakeHandshake()
	spawn := func() (Peer, error) {
		h.peerReady()
		return newSimPeer(500, nil), nil
	}

	c := newTestController(t, Config{
		Side:           types.SideWatchdog,
		Interval:       time.Second,
		Threshold:      0,
		MaxRecoveries:  1,
		RecoveryWindow: time.Hour,
	}, Deps{Peer: newSimPeer(100, nil), Spawn: spawn, Handshake: h})

	require.NoError(t, c.checkThreshold())
	assert.Equal(t, 1, c.Recoveries())

	err := c.checkThreshold()
	assert.ErrorIs(t, err, ErrRecoveryExhausted)
	assert.Equal(t, 1, c.Recoveries())
}

func TestCheckTerminationApplicationForwards(t *testing.T) {
	peer := newSimPeer(10, nil)
	c := newTestController(t, Config{Side: types.SideApplication, Interval: time.Second},
		Deps{Peer: peer, Spawn: noSpawn, Handshake: newFakeHandshake()})

	require.NoError(t, c.checkTermination())
	assert.Equal(t, int32(0), peer.terms.Load())

	c.RequestTermination()
	require.NoError(t, c.checkTermination())
	assert.Equal(t, int32(1), peer.terms.Load())
}

func TestCheckTerminationWatchdogDoesNotForward(t *testing.T) {
	peer := newSimPeer(10, nil)
	c := newTestController(t, Config{Side: types.SideWatchdog, Interval: time.Second},
		Deps{Peer: peer, Spawn: noSpawn, Handshake: newFakeHandshake()})

	c.state.OnSignal(TerminateSignal)
	require.NoError(t, c.checkTermination())
	assert.Equal(t, int32(0), peer.terms.Load())
}

// ============================================================================
// Run
// ============================================================================

func TestRunStartupHandshakeTimeout(t *testing.T) {
	h := newFakeHandshake()
	c := newTestController(t, Config{
		Side:             types.SideWatchdog,
		Interval:         10 * time.Millisecond,
		HandshakeTimeout: 30 * time.Millisecond,
	}, Deps{Peer: newSimPeer(10, nil), Spawn: noSpawn, Handshake: h})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	// Cleanup still ran
	assert.Equal(t, int32(0), c.liveTasks.Load())
	assert.Equal(t, int32(1), h.closes.Load())
	assert.Equal(t, int32(1), h.unlinks.Load())
	assert.Equal(t, scheduler.StateDestroyed, c.sched.State())

	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyStarted)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newFakeHandshake()
	h.peerReady()
	c := newTestController(t, Config{Side: types.SideApplication, Interval: 10 * time.Millisecond, Threshold: 100},
		Deps{Peer: newSimPeer(10, nil), Spawn: noSpawn, Handshake: h})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))

	assert.Equal(t, int32(0), c.liveTasks.Load())
	assert.Equal(t, int32(0), h.unlinks.Load(), "application side does not own the semaphores")
}

// Heartbeats are suppressed for three intervals; exactly one recovery
// happens and the respawned peer keeps the counter down afterwards.
func TestRunRecoversSilentPeer(t *testing.T) {
	h := newFakeHandshake()
	h.peerReady()
	wdSignals := &fakeSignals{}

	stopBeats := make(chan struct{})
	defer close(stopBeats)

	var spawns atomic.Int32
	spawn := func() (Peer, error) {
		spawns.Add(1)
		h.peerReady()
		go func() {
			ticker := time.NewTicker(2 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					wdSignals.deliver(HeartbeatSignal)
				case <-stopBeats:
					return
				}
			}
		}()
		return newSimPeer(200, wdSignals), nil
	}

	old := newSimPeer(100, nil)
	old.mute.Store(true)
	c := newTestController(t, Config{Side: types.SideWatchdog, Interval: 20 * time.Millisecond, Threshold: 2},
		Deps{Peer: old, Spawn: spawn, Handshake: h, Signals: wdSignals})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return c.Recoveries() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), old.kills.Load())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), spawns.Load())
	assert.Equal(t, 1, c.Recoveries())

	c.RequestTermination()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.Equal(t, 0, c.Missed())
}

// Both sides run against each other over real semaphores; Stop on the
// application side shuts both loops down and destroys every task once.
func TestRunPairStop(t *testing.T) {
	dir := t.TempDir()
	session := uuid.NewString()
	interval := 20 * time.Millisecond

	appSignals, wdSignals := &fakeSignals{}, &fakeSignals{}
	wdPeer := newSimPeer(2, wdSignals)   // what the application sees
	appPeer := newSimPeer(1, appSignals) // what the watchdog sees

	appHS, err := ipc.OpenHandshake(dir, session, types.SideApplication)
	require.NoError(t, err)
	wdHS, err := ipc.OpenHandshake(dir, session, types.SideWatchdog)
	require.NoError(t, err)

	stateDir := t.TempDir()
	appSnap := snapshot.NewManager(snapshot.PathFor(stateDir, session, types.SideApplication))

	var spawns atomic.Int32
	spawn := func() (Peer, error) {
		spawns.Add(1)
		return nil, errors.New("spawn not expected")
	}

	app := newTestController(t, Config{Side: types.SideApplication, SessionID: session, Interval: interval, Threshold: 5},
		Deps{Peer: wdPeer, Spawn: spawn, Handshake: appHS, Signals: appSignals, Snapshots: appSnap})
	wd := newTestController(t, Config{Side: types.SideWatchdog, SessionID: session, Interval: interval, Threshold: 5},
		Deps{Peer: appPeer, Spawn: spawn, Handshake: wdHS, Signals: wdSignals})

	appDone := make(chan error, 1)
	wdDone := make(chan error, 1)
	go func() { appDone <- app.Run(context.Background()) }()
	go func() { wdDone <- wd.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return wdPeer.heartbeats.Load() >= 5 && appPeer.heartbeats.Load() >= 5
	}, 5*time.Second, 5*time.Millisecond)
	assert.FileExists(t, appSnap.GetPath())

	app.RequestTermination()

	for name, done := range map[string]chan error{"application": appDone, "watchdog": wdDone} {
		select {
		case err := <-done:
			assert.NoError(t, err, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s loop did not exit", name)
		}
	}

	assert.Equal(t, int32(0), spawns.Load())
	assert.Equal(t, 0, app.Recoveries())
	assert.Equal(t, 0, wd.Recoveries())
	assert.Equal(t, int32(1), wdPeer.terms.Load(), "application forwards termination once")
	assert.Equal(t, int32(0), app.liveTasks.Load())
	assert.Equal(t, int32(0), wd.liveTasks.Load())
	assert.False(t, appSignals.subscribed())
	assert.False(t, wdSignals.subscribed())
	assert.NoFileExists(t, appSnap.GetPath())

	// The watchdog owns and unlinks both semaphores
	assert.NoFileExists(t, filepath.Join(dir, ipc.SemaphoreName(session, types.SideApplication)))
	assert.NoFileExists(t, filepath.Join(dir, ipc.SemaphoreName(session, types.SideWatchdog)))
}
