// ============================================================================
// Beaver-Watchdog 排程器 - 依時間排序的任務執行迴圈
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 擁有一個依 runAt 排序的任務優先佇列，單一執行緒依序執行任務
//
// 狀態機:
//   Idle (已有任務，迴圈未執行)
//      ↓ Run()
//   Running (迴圈執行中)
//      ↓ Stop() / ctx 取消 / 佇列清空 / 任務失敗
//   Stopped (迴圈已退出，任務可能仍在佇列)
//      ↓ Destroy()
//   Destroyed
//
// Run 迴圈（每次迭代）:
//   1. 檢查 stop 旗標、ctx、佇列是否為空（先 IsEmpty 再 RemoveTop）
//   2. 取出最早的任務，睡到 runAt（已到期則不睡）
//   3. 執行任務：
//      - 回傳 error → 整個 Run 失敗（ErrTaskFailed）
//      - 回傳 d > 0 → 以 d 取代 interval
//   4. interval != 0 → runAt = now + interval 並重新排入；否則銷毀
//   5. 檢查外部停止條件（ctx），若已觸發則呼叫 Stop()
//
// 取消語意:
//   Stop() 只設定旗標，不會中斷正在進行的 sleep 或任務執行，
//   下一次迭代開始時才生效（cooperative cancellation）。
//
// 並發安全:
//   - 佇列由 mu 保護，Add/Remove/Size 可在其他 goroutine 呼叫
//   - 同一時間最多只有一個任務在執行
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-watchdog/internal/pqueue"
	"github.com/ChuLiYu/beaver-watchdog/internal/task"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// logger 每次呼叫時取得目前的預設 logger，CLI 設定的 handler 與等級才會生效
func logger() *slog.Logger { return slog.Default() }

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTaskFailed 任務執行失敗，Run 迴圈中止
	ErrTaskFailed = errors.New("scheduled task failed")
	// ErrTaskNotFound 佇列中找不到指定 UID 的任務
	ErrTaskNotFound = errors.New("task not found")
	// ErrAlreadyRunning 排程器已在執行
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrDestroyed 排程器已銷毀
	ErrDestroyed = errors.New("scheduler destroyed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 排程器狀態
type State int32

// 定義排程器狀態常數
const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Clock 時間來源，測試時可注入可控制的時鐘
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock 使用系統時間的 Clock
var RealClock Clock = realClock{}

// taskQueue 排程器需要的佇列操作（*pqueue.Queue[*task.Task] 實作此介面）
type taskQueue interface {
	Insert(t *task.Task)
	RemoveTop() (*task.Task, bool)
	RemoveMatching(match func(*task.Task) bool) (*task.Task, bool)
	Clear(release func(*task.Task))
	Size() int
	IsEmpty() bool
}

// Scheduler 任務排程器
type Scheduler struct {
	mu      sync.Mutex   // 保護 queue
	queue   taskQueue    // 依 runAt 排序的任務
	clock   Clock        // 時間來源
	stopped atomic.Bool  // true 表示不允許繼續迭代
	state   atomic.Int32 // State
}

// Option 排程器選項
type Option func(*Scheduler)

// WithClock 注入時間來源
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// withQueue 注入佇列實作（測試用）
func withQueue(q taskQueue) Option {
	return func(s *Scheduler) {
		s.queue = q
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的排程器
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		queue: pqueue.New(task.ByRunAt),
		clock: RealClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(StateIdle))
	return s
}

// Add 建立任務並依 runAt 排入佇列
//
// 參數：
//   - op: 任務執行函式
//   - data: 傳給 op 與 cleanup 的資料
//   - cleanup: 任務銷毀時呼叫（可為 nil）
//   - runAt: 第一次執行時間
//   - interval: 重複間隔，0 表示只執行一次
//
// 返回值：
//   - types.UID: 任務 UID，失敗時為 types.BadUID
func (s *Scheduler) Add(op task.Operation, data any, cleanup task.Cleanup, runAt time.Time, interval time.Duration) types.UID {
	if s.State() == StateDestroyed {
		return types.BadUID
	}

	t, err := task.New(op, cleanup, data, runAt, interval)
	if err != nil {
		logger().Error("Failed to create task", "error", err)
		return types.BadUID
	}

	s.mu.Lock()
	s.queue.Insert(t)
	s.mu.Unlock()

	return t.UID()
}

// Remove 移除並銷毀指定 UID 的任務
//
// 返回值：
//   - error: 找不到時回傳 ErrTaskNotFound
func (s *Scheduler) Remove(id types.UID) error {
	s.mu.Lock()
	t, ok := s.queue.RemoveMatching(func(t *task.Task) bool {
		return t.UID().Equal(id)
	})
	s.mu.Unlock()

	if !ok {
		return ErrTaskNotFound
	}

	t.Destroy()
	return nil
}

// Run 執行排程迴圈直到停止、ctx 取消、佇列清空或任務失敗
//
// 參數：
//   - ctx: 外部停止條件，每次迭代結束時檢查
//
// 返回值：
//   - error: 任務失敗時回傳包裝 ErrTaskFailed 的錯誤
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) &&
		!s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		if s.State() == StateDestroyed {
			return ErrDestroyed
		}
		return ErrAlreadyRunning
	}

	defer func() {
		// 重設為允許執行，排程器可重複使用
		s.stopped.Store(false)
		s.state.Store(int32(StateStopped))
	}()

	for !s.stopped.Load() && ctx.Err() == nil {
		s.mu.Lock()
		if s.queue.IsEmpty() {
			s.mu.Unlock()
			break
		}
		current, _ := s.queue.RemoveTop()
		s.mu.Unlock()

		if wait := current.RunAt().Sub(s.clock.Now()); wait > 0 {
			s.clock.Sleep(wait)
		}

		next, err := current.Execute()
		if err != nil {
			current.Destroy()
			return fmt.Errorf("%w: task %s: %w", ErrTaskFailed, current.UID(), err)
		}

		if next > 0 {
			current.SetInterval(next)
		}

		if current.Interval() != 0 {
			current.SetRunAt(s.clock.Now().Add(current.Interval()))
			s.mu.Lock()
			s.queue.Insert(current)
			s.mu.Unlock()
		} else {
			current.Destroy()
		}

		if ctx.Err() != nil {
			logger().Debug("Stop condition observed", "cause", context.Cause(ctx))
			s.Stop()
		}
	}

	return nil
}

// Stop 設定停止旗標，下一次迭代開始時生效
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Clear 銷毀佇列中的所有任務（不論執行狀態）
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.Clear(func(t *task.Task) {
		t.Destroy()
	})
}

// Destroy 清空任務並將排程器標記為已銷毀
func (s *Scheduler) Destroy() {
	s.Clear()
	s.state.Store(int32(StateDestroyed))
}

// Size 回傳佇列中的任務數量（不含正在執行的任務）
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Size()
}

// State 回傳目前狀態
func (s *Scheduler) State() State {
	return State(s.state.Load())
}
