// ============================================================================
// Beaver-Watchdog 監控控制器 - 心跳協定核心
// ============================================================================
//
// Package: internal/supervisor
// 文件: controller.go
// 功能: 在排程器上實作雙向心跳監控，偵測對方失去回應時強制重啟
//
// 架構設計:
//   應用端 (Application) 與看門狗端 (Watchdog) 各自執行一個 Controller，
//   兩端邏輯對稱，只差在 side 標記與誰負責 fork：
//   - Scheduler: 單一執行緒依序執行三個週期任務
//   - State: 訊號分派與排程迴圈之間唯一的共享狀態（兩個 atomic word）
//   - Handshake: 兩個具名信號量，啟動與復原時互相等待對方就緒
//   - Peer / SpawnFunc: 對方行程的控制與重新啟動
//
// 週期任務 (間隔 = Interval，全部在 now 開始):
//   1. heartbeat          - 送 SIGUSR1 給對方
//   2. threshold-check    - missed++，超過 Threshold 時執行復原
//   3. termination-check  - 終止旗標已設定時停止排程器；
//                           應用端另外送 SIGUSR2 通知看門狗
//
// 訊號處理:
//   SIGUSR1 → missed = 0
//   SIGUSR2 → terminate = true
//   處理函式只做一次 atomic store，所有判斷都在排程任務中進行
//
// 復原流程 (與排程器同步，期間不會執行其他任務):
//   1. rate limiter 檢查（連續崩潰保護，用完則致命）
//   2. Kill 對方並等待退出（有上限）
//   3. Spawn 新的對方（失敗 → 下一次 tick 重試）
//   4. Handshake: Ready + AwaitPeer（逾時 → 下一次 tick 重試）
//   5. missed = 0
//
// 生命週期:
//   New() → Run(ctx) → (Stop / ctx 取消 / 任務失敗) → cleanup
//   Controller 只能執行一次，cleanup 後排程器即被銷毀
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-watchdog/internal/metrics"
	"github.com/ChuLiYu/beaver-watchdog/internal/scheduler"
	"github.com/ChuLiYu/beaver-watchdog/internal/snapshot"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// logger 每次呼叫時取得目前的預設 logger，CLI 設定的 handler 與等級才會生效
func logger() *slog.Logger { return slog.Default() }

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidConfig 設定不合法
	ErrInvalidConfig = errors.New("invalid supervisor config")
	// ErrHandshakeFailed 啟動握手失敗（對方未在期限內就緒）
	ErrHandshakeFailed = errors.New("startup handshake failed")
	// ErrRecoveryExhausted 復原次數超過上限
	ErrRecoveryExhausted = errors.New("recovery budget exhausted")
	// ErrAlreadyStarted Controller 只能執行一次
	ErrAlreadyStarted = errors.New("controller already started")
)

// 預設值
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxRecoveries    = 5
	DefaultRecoveryWindow   = time.Minute
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Side             types.Side    // 本端角色
	SessionID        string        // 監控 session 識別碼
	Interval         time.Duration // 心跳間隔（三個任務共用）
	Threshold        int           // 最大容許遺失心跳數
	HandshakeTimeout time.Duration // 握手與等待對方退出的上限
	MaxRecoveries    int           // RecoveryWindow 內最多復原次數
	RecoveryWindow   time.Duration // 連續崩潰保護視窗
}

// Deps Controller 的外部協作者
type Deps struct {
	Peer      Peer               // 目前監控中的對方（必填）
	Spawn     SpawnFunc          // 重新啟動對方（必填）
	Handshake Handshake          // 握手信號量（必填）
	Signals   SignalSource       // nil 時使用 OSSignals
	Clock     scheduler.Clock    // nil 時使用 scheduler.RealClock
	Metrics   *metrics.Collector // nil 時使用私有 registry
	Snapshots *snapshot.Manager  // nil 時不寫快照
}

// Controller 單一端的監控控制器
type Controller struct {
	cfg       Config
	state     State
	sched     *scheduler.Scheduler
	clock     scheduler.Clock
	spawn     SpawnFunc
	handshake Handshake
	signals   SignalSource
	metrics   *metrics.Collector
	snapshots *snapshot.Manager
	limiter   *rate.Limiter

	mu   sync.Mutex // 保護 peer
	peer Peer

	started      atomic.Bool
	recoveries   atomic.Int32
	liveTasks    atomic.Int32 // 已註冊且尚未銷毀的任務數
	startedAt    time.Time
	lastRecovery *int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller 並註冊三個週期任務
//
// 參數：
//   - cfg: 監控設定，未設定的選填欄位套用預設值
//   - deps: 外部協作者
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 設定不合法或任務註冊失敗
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must not be negative", ErrInvalidConfig)
	}
	if deps.Peer == nil || deps.Spawn == nil || deps.Handshake == nil {
		return nil, fmt.Errorf("%w: peer, spawn and handshake are required", ErrInvalidConfig)
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = DefaultMaxRecoveries
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if deps.Signals == nil {
		deps.Signals = OSSignals
	}
	if deps.Clock == nil {
		deps.Clock = scheduler.RealClock
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry(), cfg.Side.String())
	}

	c := &Controller{
		cfg:       cfg,
		sched:     scheduler.New(scheduler.WithClock(deps.Clock)),
		clock:     deps.Clock,
		spawn:     deps.Spawn,
		handshake: deps.Handshake,
		signals:   deps.Signals,
		metrics:   deps.Metrics,
		snapshots: deps.Snapshots,
		limiter:   rate.NewLimiter(rate.Every(cfg.RecoveryWindow/time.Duration(cfg.MaxRecoveries)), cfg.MaxRecoveries),
		peer:      deps.Peer,
	}

	if err := c.register(); err != nil {
		c.sched.Destroy()
		return nil, err
	}

	c.metrics.SetPeerPID(deps.Peer.PID())
	return c, nil
}

// register 註冊三個週期任務，全部在 now 開始、間隔相同
func (c *Controller) register() error {
	now := c.clock.Now()
	tasks := []struct {
		name string
		op   func() error
	}{
		{"heartbeat", c.sendHeartbeat},
		{"threshold-check", c.checkThreshold},
		{"termination-check", c.checkTermination},
	}

	for _, t := range tasks {
		id := c.sched.Add(c.instrument(t.op), t.name, c.releaseTask, now, c.cfg.Interval)
		if id.IsBad() {
			return fmt.Errorf("failed to register %s task", t.name)
		}
		c.liveTasks.Add(1)
	}
	return nil
}

// instrument 將任務函式包裝為排程器的 Operation 並記錄指標
func (c *Controller) instrument(op func() error) func(any) (time.Duration, error) {
	return func(any) (time.Duration, error) {
		c.metrics.RecordTaskExecuted()
		err := op()
		c.metrics.SetQueueSize(c.sched.Size())
		return 0, err
	}
}

// releaseTask 任務銷毀時的 cleanup
func (c *Controller) releaseTask(data any) {
	c.liveTasks.Add(-1)
	logger().Debug("Task released", "side", c.cfg.Side, "task", data)
}

// Run 執行監控直到終止、ctx 取消或發生致命錯誤
//
// 流程：
//  1. 訂閱 SIGUSR1 / SIGUSR2
//  2. 啟動握手：Ready → AwaitPeer（逾時為致命錯誤）
//  3. 執行排程迴圈
//  4. cleanup（不論成功與否）
//
// 返回值：
//   - error: 握手失敗、復原次數用盡或任務失敗
func (c *Controller) Run(ctx context.Context) (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// 1. 訂閱訊號
	sigs := make(chan os.Signal, 16)
	done := make(chan struct{})
	c.signals.Notify(sigs, HeartbeatSignal, TerminateSignal)
	var dispatch sync.WaitGroup
	dispatch.Add(1)
	go func() {
		defer dispatch.Done()
		c.dispatchSignals(sigs, done)
	}()

	defer func() {
		c.signals.Stop(sigs)
		close(done)
		dispatch.Wait()
		if cerr := c.cleanup(); cerr != nil {
			logger().Warn("Cleanup incomplete", "side", c.cfg.Side, "error", cerr)
		}
	}()

	// 2. 啟動握手
	if err := c.shake(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	c.startedAt = c.clock.Now()
	c.writeSnapshot()
	logger().Info("Supervision started",
		"side", c.cfg.Side,
		"pid", os.Getpid(),
		"peer", c.Peer().PID(),
		"interval", c.cfg.Interval,
		"threshold", c.cfg.Threshold)

	// 3. 排程迴圈
	if err := c.sched.Run(ctx); err != nil {
		logger().Error("Supervision aborted", "side", c.cfg.Side, "error", err)
		return err
	}

	logger().Info("Supervision stopped", "side", c.cfg.Side, "recoveries", c.Recoveries())
	return nil
}

// dispatchSignals 將訊號套用到 State
func (c *Controller) dispatchSignals(sigs <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case sig := <-sigs:
			c.state.OnSignal(sig)
			if sig == HeartbeatSignal {
				c.metrics.RecordHeartbeatReceived()
			}
		case <-done:
			return
		}
	}
}

// shake 執行一次握手：先宣告就緒，再等待對方（有上限）
func (c *Controller) shake(ctx context.Context) error {
	if err := c.handshake.Ready(); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	return c.handshake.AwaitPeer(waitCtx)
}

// cleanup 釋放所有資源，讓 State 回到初始值
func (c *Controller) cleanup() error {
	var errs []error

	c.sched.Destroy()

	if err := c.handshake.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close handshake: %w", err))
	}
	// 看門狗端擁有信號量
	if c.cfg.Side == types.SideWatchdog {
		if err := c.handshake.Unlink(); err != nil {
			errs = append(errs, fmt.Errorf("unlink handshake: %w", err))
		}
	}

	c.state.Reset()
	c.metrics.SetMissedHeartbeats(0)
	c.metrics.SetQueueSize(0)

	if c.snapshots != nil {
		if err := c.snapshots.Remove(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RequestTermination 在本行程內設定終止旗標，下一次 termination-check 生效
func (c *Controller) RequestTermination() {
	c.state.RequestTermination()
}

// Peer 回傳目前監控中的對方
func (c *Controller) Peer() Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Controller) setPeer(p Peer) {
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
	c.metrics.SetPeerPID(p.PID())
}

// Missed 回傳目前連續遺失的心跳數
func (c *Controller) Missed() int {
	return c.state.Missed()
}

// Recoveries 回傳成功復原的次數
func (c *Controller) Recoveries() int {
	return int(c.recoveries.Load())
}

// Side 回傳本端角色
func (c *Controller) Side() types.Side {
	return c.cfg.Side
}

// writeSnapshot 寫入目前狀態；失敗只記錄，不影響監控
func (c *Controller) writeSnapshot() {
	if c.snapshots == nil {
		return
	}

	err := c.snapshots.Write(types.SessionSnapshot{
		SessionID:    c.cfg.SessionID,
		Side:         c.cfg.Side.String(),
		PID:          os.Getpid(),
		PeerPID:      c.Peer().PID(),
		Interval:     c.cfg.Interval,
		Threshold:    c.cfg.Threshold,
		Recoveries:   c.Recoveries(),
		LastRecovery: c.lastRecovery,
		StartedAt:    c.startedAt.UnixMilli(),
		UpdatedAt:    c.clock.Now().UnixMilli(),
	})
	if err != nil {
		logger().Warn("Failed to write session snapshot", "side", c.cfg.Side, "error", err)
	}
}
