package ipc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// Handshake is the two-semaphore readiness protocol: each side posts its own
// semaphore and waits on the peer's.
type Handshake struct {
	own  *Semaphore
	peer *Semaphore
}

// SemaphoreName derives the deterministic semaphore name for one side of a
// session. Both processes compute the same pair.
func SemaphoreName(session string, side types.Side) string {
	return fmt.Sprintf("beaver-watchdog-%s-%s.sem", session, side)
}

// OpenHandshake opens the semaphore pair for side in dir.
func OpenHandshake(dir, session string, side types.Side) (*Handshake, error) {
	own, err := OpenSemaphore(dir, SemaphoreName(session, side))
	if err != nil {
		return nil, err
	}

	peer, err := OpenSemaphore(dir, SemaphoreName(session, side.Peer()))
	if err != nil {
		own.Close()
		return nil, err
	}

	return &Handshake{own: own, peer: peer}, nil
}

// Ready signals this side's readiness. Posts left over from an earlier
// attempt that no peer consumed are discarded first, so each Ready is
// worth exactly one AwaitPeer on the other side.
func (h *Handshake) Ready() error {
	if _, err := h.own.Drain(); err != nil {
		return err
	}
	return h.own.Post()
}

// AwaitPeer blocks until the peer signals readiness or ctx expires.
func (h *Handshake) AwaitPeer(ctx context.Context) error {
	return h.peer.Wait(ctx)
}

// Close releases both handles.
func (h *Handshake) Close() error {
	return errors.Join(h.own.Close(), h.peer.Close())
}

// Unlink removes both names.
func (h *Handshake) Unlink() error {
	return errors.Join(h.own.Unlink(), h.peer.Unlink())
}
