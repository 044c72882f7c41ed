// ============================================================================
// Beaver-Watchdog Process - Peer Process Handles
// ============================================================================
//
// Package: internal/process
// File: process.go
// Purpose: Signal, kill and wait on the supervised peer process
//
// Two kinds of handle:
//   - Child handle (from Spawner.Spawn): we own the process, a reaper
//     goroutine collects its exit status so it never lingers as a zombie.
//   - Attached handle (from Attach): the peer is our parent or an unrelated
//     process; liveness is probed with signal 0.
//
// ============================================================================

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")
	// ErrWaitTimeout is returned when the process doesn't exit in time.
	ErrWaitTimeout = errors.New("process wait timed out")
)

// pollInterval is how often an attached handle probes for exit.
const pollInterval = 50 * time.Millisecond

// Handle refers to a peer process.
type Handle struct {
	pid     int
	exited  chan struct{} // closed by the reaper; nil for attached handles
	exitErr error
}

// Attach returns a handle for a process we did not start.
func Attach(pid int) *Handle {
	return &Handle{pid: pid}
}

// PID returns the process id
func (h *Handle) PID() int { return h.pid }

// Signal delivers sig to the process.
func (h *Handle) Signal(sig syscall.Signal) error {
	if err := unix.Kill(h.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: pid %d", ErrProcessNotRunning, h.pid)
		}
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, h.pid, err)
	}
	return nil
}

// Kill forcibly terminates the process.
func (h *Handle) Kill() error {
	return h.Signal(unix.SIGKILL)
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	if h.exited != nil {
		select {
		case <-h.exited:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d", ErrWaitTimeout, h.pid)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for IsProcessRunning(h.pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d", ErrWaitTimeout, h.pid)
		case <-ticker.C:
		}
	}
	return nil
}

// ExitErr returns the exit error collected by the reaper, if any.
func (h *Handle) ExitErr() error {
	if h.exited == nil {
		return nil
	}
	select {
	case <-h.exited:
		return h.exitErr
	default:
		return nil
	}
}

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs the permission and existence checks only
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ParentPID returns the pid of the process that started us
func ParentPID() int {
	return os.Getppid()
}
