// ============================================================================
// Beaver-Watchdog Task - Schedulable Unit
// ============================================================================
//
// Package: internal/task
// File: task.go
// Function: Wraps a user operation, its cleanup routine and opaque data
//           together with the next run time and repeat interval
//
// Execution result:
//   An Operation returns (time.Duration, error):
//   - (0, nil)  success, keep the current interval
//   - (d, nil)  success, replace the interval with d (d > 0)
//   - (_, err)  fatal failure, the owning scheduler stops
//
// Lifecycle:
//   New() -> [Execute() ...] -> Destroy()
//   Destroy runs the cleanup routine exactly once.
//
// ============================================================================

package task

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-watchdog/internal/uid"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// ErrNilOperation is returned when a task is created without an operation
var ErrNilOperation = errors.New("task operation is nil")

// Operation is the callback executed by the scheduler.
type Operation func(data any) (time.Duration, error)

// Cleanup releases whatever the operation data holds. May be nil.
type Cleanup func(data any)

// Task is owned exclusively by the scheduler once submitted.
type Task struct {
	id       types.UID
	op       Operation
	cleanup  Cleanup
	data     any
	runAt    time.Time
	interval time.Duration // 0 means one-shot

	destroyOnce sync.Once
}

// New creates a task with a fresh UID.
func New(op Operation, cleanup Cleanup, data any, runAt time.Time, interval time.Duration) (*Task, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	if interval < 0 {
		interval = 0
	}

	return &Task{
		id:       uid.New(),
		op:       op,
		cleanup:  cleanup,
		data:     data,
		runAt:    runAt,
		interval: interval,
	}, nil
}

// Execute invokes the operation with the stored data.
func (t *Task) Execute() (time.Duration, error) {
	return t.op(t.data)
}

// Destroy invokes the cleanup routine. Subsequent calls are no-ops.
func (t *Task) Destroy() {
	t.destroyOnce.Do(func() {
		if t.cleanup != nil {
			t.cleanup(t.data)
		}
	})
}

// UID returns the task identifier
func (t *Task) UID() types.UID { return t.id }

// Data returns the opaque user data
func (t *Task) Data() any { return t.data }

// RunAt returns the next run time
func (t *Task) RunAt() time.Time { return t.runAt }

// SetRunAt sets the next run time
func (t *Task) SetRunAt(at time.Time) { t.runAt = at }

// Interval returns the repeat interval
func (t *Task) Interval() time.Duration { return t.interval }

// SetInterval replaces the repeat interval
func (t *Task) SetInterval(d time.Duration) { t.interval = d }

// ByRunAt orders tasks by ascending next run time.
func ByRunAt(a, b *Task) int {
	return a.runAt.Compare(b.runAt)
}
