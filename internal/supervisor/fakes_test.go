package supervisor

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ChuLiYu/beaver-watchdog/internal/process"
)

// fakeSignals routes signals sent by a simulated peer into the controller
// that subscribed, without touching real process signals.
type fakeSignals struct {
	mu sync.Mutex
	ch chan<- os.Signal
}

func (f *fakeSignals) Notify(c chan<- os.Signal, _ ...os.Signal) {
	f.mu.Lock()
	f.ch = c
	f.mu.Unlock()
}

func (f *fakeSignals) Stop(chan<- os.Signal) {
	f.mu.Lock()
	f.ch = nil
	f.mu.Unlock()
}

func (f *fakeSignals) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch != nil
}

func (f *fakeSignals) deliver(sig os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		return
	}
	select {
	case f.ch <- sig:
	default:
	}
}

// simPeer is an in-process stand-in for the peer process.
type simPeer struct {
	pid    int
	target *fakeSignals // controller on the peer side, may be nil
	mute   atomic.Bool  // alive but deaf: signals are accepted and dropped
	killed atomic.Bool

	kills      atomic.Int32
	heartbeats atomic.Int32
	terms      atomic.Int32
}

func newSimPeer(pid int, target *fakeSignals) *simPeer {
	return &simPeer{pid: pid, target: target}
}

func (p *simPeer) PID() int { return p.pid }

func (p *simPeer) Signal(sig syscall.Signal) error {
	if p.killed.Load() {
		return process.ErrProcessNotRunning
	}
	switch sig {
	case HeartbeatSignal:
		p.heartbeats.Add(1)
	case TerminateSignal:
		p.terms.Add(1)
	}
	if !p.mute.Load() && p.target != nil {
		p.target.deliver(sig)
	}
	return nil
}

func (p *simPeer) Kill() error {
	p.kills.Add(1)
	p.killed.Store(true)
	return nil
}

func (p *simPeer) Wait(ctx context.Context) error {
	if p.killed.Load() {
		return nil
	}
	<-ctx.Done()
	return process.ErrWaitTimeout
}

// fakeHandshake is an in-memory semaphore pair.
type fakeHandshake struct {
	own  chan struct{}
	peer chan struct{}

	closes  atomic.Int32
	unlinks atomic.Int32
}

func newFakeHandshake() *fakeHandshake {
	return &fakeHandshake{
		own:  make(chan struct{}, 64),
		peer: make(chan struct{}, 64),
	}
}

// peerReady simulates the peer posting its semaphore.
func (h *fakeHandshake) peerReady() {
	h.peer <- struct{}{}
}

func (h *fakeHandshake) Ready() error {
	h.own <- struct{}{}
	return nil
}

func (h *fakeHandshake) AwaitPeer(ctx context.Context) error {
	select {
	case <-h.peer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeHandshake) Close() error {
	h.closes.Add(1)
	return nil
}

func (h *fakeHandshake) Unlink() error {
	h.unlinks.Add(1)
	return nil
}
