// ============================================================================
// Beaver-Watchdog IPC - Named Counting Semaphores
// ============================================================================
//
// Package: internal/ipc
// File: semaphore.go
// Purpose: Cross-process counting semaphore with a deterministic name, so two
//          independent processes can open the same instance.
//
// Realization:
//   A named FIFO under a shared directory, opened O_RDWR by every user.
//   - Post: write one byte (count + 1)
//   - Wait: read one byte, blocking until one is available (count - 1)
//   - Drain: read every buffered byte without blocking (count = 0)
//   - Initial count is 0 (a fresh FIFO is empty)
//   Opening a FIFO O_RDWR never blocks on Linux, and the bytes stay buffered
//   in the kernel as long as at least one process holds the FIFO open.
//
// Cancellation:
//   The FIFO descriptor is registered with the runtime poller, so Wait honors
//   the context deadline and cancellation through SetReadDeadline.
//
// Ownership:
//   Any side may create the FIFO (EEXIST is fine). Exactly one side, the
//   watchdog, unlinks it during cleanup.
//
// ============================================================================

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrWaitTimeout is returned when Wait gives up before a Post arrives
	ErrWaitTimeout = errors.New("semaphore wait timed out")
	// ErrClosed is returned when the semaphore has been closed
	ErrClosed = errors.New("semaphore closed")
)

// Semaphore is a named counting semaphore shared between processes.
type Semaphore struct {
	name string
	path string
	f    *os.File
}

// OpenSemaphore creates (if needed) and opens the named semaphore in dir.
func OpenSemaphore(dir, name string) (*Semaphore, error) {
	path := filepath.Join(dir, name)

	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("failed to create semaphore %s: %w", name, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open semaphore %s: %w", name, err)
	}

	return &Semaphore{name: name, path: path, f: f}, nil
}

// Post increments the count.
func (s *Semaphore) Post() error {
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to post semaphore %s: %w", s.name, err)
	}
	return nil
}

// Drain resets the count to zero without blocking and returns how many
// posts were discarded.
func (s *Semaphore) Drain() (int, error) {
	f := s.f
	if f == nil {
		return 0, ErrClosed
	}
	// a Wait that timed out leaves an expired deadline behind
	if err := f.SetReadDeadline(time.Time{}); err != nil {
		return 0, fmt.Errorf("failed to reset semaphore %s: %w", s.name, err)
	}

	rc, err := f.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("failed to access semaphore %s: %w", s.name, err)
	}

	drained := 0
	var buf [64]byte
	var readErr error
	err = rc.Read(func(fd uintptr) bool {
		for {
			n, err := unix.Read(int(fd), buf[:])
			if n > 0 {
				drained += n
			}
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return true
			case err != nil:
				readErr = err
				return true
			case n < len(buf):
				return true
			}
		}
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		return drained, fmt.Errorf("failed to drain semaphore %s: %w", s.name, err)
	}
	return drained, nil
}

// Wait blocks until the count is positive, then decrements it.
// It returns ErrWaitTimeout when ctx expires first.
func (s *Semaphore) Wait(ctx context.Context) error {
	f := s.f
	if f == nil {
		return ErrClosed
	}

	deadline, _ := ctx.Deadline()
	if err := f.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to arm semaphore %s: %w", s.name, err)
	}
	stop := context.AfterFunc(ctx, func() {
		// unblock the pending Read
		_ = f.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var buf [1]byte
	_, err := io.ReadFull(f, buf[:])
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return fmt.Errorf("%w: %s: %w", ErrWaitTimeout, s.name, cause)
	case errors.Is(err, os.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("failed to wait on semaphore %s: %w", s.name, err)
	}
}

// Close releases this process's handle. The name stays valid.
func (s *Semaphore) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("failed to close semaphore %s: %w", s.name, err)
	}
	return nil
}

// Unlink removes the name. Already-removed names are not an error.
func (s *Semaphore) Unlink() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to unlink semaphore %s: %w", s.name, err)
	}
	return nil
}
