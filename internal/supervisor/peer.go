package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ChuLiYu/beaver-watchdog/internal/process"
)

// Peer is the process on the other side of the supervision pair.
// *process.Handle implements it.
type Peer interface {
	PID() int
	Signal(sig syscall.Signal) error
	Kill() error
	Wait(ctx context.Context) error
}

// SpawnFunc starts a replacement peer. The returned peer must eventually
// complete the handshake by signaling its readiness.
type SpawnFunc func() (Peer, error)

// Handshake is the two-phase readiness protocol shared with the peer.
// *ipc.Handshake implements it.
type Handshake interface {
	Ready() error
	AwaitPeer(ctx context.Context) error
	Close() error
	Unlink() error
}

// SignalSource subscribes to process signals.
type SignalSource interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

type osSignals struct{}

// caught keeps the protocol signals caught for the rest of the process
// lifetime, so a heartbeat arriving after Stop is dropped instead of
// triggering the default action (terminate).
var caught sync.Once

func (osSignals) Notify(c chan<- os.Signal, sig ...os.Signal) {
	caught.Do(func() {
		signal.Notify(make(chan os.Signal, 1), HeartbeatSignal, TerminateSignal)
	})
	signal.Notify(c, sig...)
}

func (osSignals) Stop(c chan<- os.Signal) { signal.Stop(c) }

// OSSignals delivers real process signals.
var OSSignals SignalSource = osSignals{}

// ProcessSpawner adapts a process.Spawner to a SpawnFunc.
func ProcessSpawner(sp *process.Spawner) SpawnFunc {
	return func() (Peer, error) {
		h, err := sp.Spawn()
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}
