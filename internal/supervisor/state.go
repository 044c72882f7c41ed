package supervisor

import (
	"os"
	"sync/atomic"
	"syscall"
)

// Protocol signals. The supervised workload must not use them.
const (
	HeartbeatSignal = syscall.SIGUSR1
	TerminateSignal = syscall.SIGUSR2
)

// State is the only mutable state shared between the signal dispatcher and
// the scheduler loop. Each field is a single atomic word.
type State struct {
	missed    atomic.Int32
	terminate atomic.Bool
}

// OnSignal applies a protocol signal with exactly one atomic store.
func (s *State) OnSignal(sig os.Signal) {
	switch sig {
	case HeartbeatSignal:
		s.missed.Store(0)
	case TerminateSignal:
		s.terminate.Store(true)
	}
}

// Tick counts one more missed heartbeat and returns the new count.
func (s *State) Tick() int {
	return int(s.missed.Add(1))
}

// Missed returns the consecutive missed heartbeats.
func (s *State) Missed() int {
	return int(s.missed.Load())
}

// ResetMissed zeroes the counter after a successful recovery.
func (s *State) ResetMissed() {
	s.missed.Store(0)
}

// RequestTermination sets the termination flag from inside the process.
func (s *State) RequestTermination() {
	s.terminate.Store(true)
}

// TerminationRequested reports whether the termination flag is set.
func (s *State) TerminationRequested() bool {
	return s.terminate.Load()
}

// Reset clears both words.
func (s *State) Reset() {
	s.missed.Store(0)
	s.terminate.Store(false)
}
