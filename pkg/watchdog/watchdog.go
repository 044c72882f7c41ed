// ============================================================================
// Beaver-Watchdog 公開 API - 應用程式端的啟動與停止
// ============================================================================
//
// Package: pkg/watchdog
// 文件: watchdog.go
// 功能: 讓被監控的應用程式用兩個呼叫啟動 / 停止雙向監控
//
// 使用方式:
//
//   func main() {
//       // os.Args[0] = 應用程式本身，os.Args[1] = beaver-watchdog 執行檔
//       if watchdog.Start(os.Args, time.Second, 3) != types.StatusSuccess {
//           os.Exit(1)
//       }
//       defer watchdog.Stop()
//       ... 受保護的工作 ...
//   }
//
// Start 流程:
//   1. len(args) < 2 → FailStart（不 spawn、不啟動 goroutine、不改環境變數）
//   2. 本行程已持有 session（WATCHDOG_OWNER == 本行程 PID）→ FailStart
//   3. 環境中沒有 WATCHDOG_ON:
//        建立新 session（UUID）→ 發佈到環境變數 → spawn `<args[1]> watch`
//        → 開啟握手信號量，對方為子行程
//      環境中已有 WATCHDOG_ON，但持有者是已被取代的行程（本行程是被看門狗重新啟動的）:
//        讀取 session → 開啟握手信號量 → 對方為父行程 → 登記為持有者
//   4. 在背景 goroutine 執行應用端 Controller，結束時清除環境變數
//      啟動握手失敗時，一併終止本實例 spawn 的看門狗
//
// Stop 流程:
//   設定本端終止旗標 → 等待背景 goroutine 結束
//   （應用端的 termination-check 會把 SIGUSR2 轉送給看門狗）
//
// ============================================================================

package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-watchdog/internal/config"
	"github.com/ChuLiYu/beaver-watchdog/internal/process"
	"github.com/ChuLiYu/beaver-watchdog/internal/supervisor"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// logger 每次呼叫時取得目前的預設 logger，CLI 設定的 handler 與等級才會生效
func logger() *slog.Logger { return slog.Default() }

// ErrSessionHeld 本行程已有另一個實例持有監控 session
var ErrSessionHeld = errors.New("watchdog session already held by this process")

// sessionMu 序列化同一行程內所有實例對 session 環境變數的檢查與發佈
var sessionMu sync.Mutex

// reapTimeout 等待被終止的看門狗退出的上限
const reapTimeout = 5 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Supervisor 應用端監控實例
type Supervisor struct {
	mu   sync.Mutex
	ctrl *supervisor.Controller
	done chan struct{}
	err  error

	// Registerer 應用端指標的註冊目標，nil 時使用 prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
	// HandshakeTimeout 新 session 的握手上限，0 時使用預設值
	HandshakeTimeout time.Duration
}

// New 建立獨立的 Supervisor 實例
func New() *Supervisor {
	return &Supervisor{}
}

var std = New()

// Start 使用預設實例啟動監控
func Start(args []string, interval time.Duration, threshold int) types.Status {
	return std.Start(args, interval, threshold)
}

// Stop 使用預設實例停止監控
func Stop() types.Status {
	return std.Stop()
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Start 啟動應用端監控
//
// 參數：
//   - args: 應用程式的 argv；args[0] 為應用程式路徑，args[1] 為看門狗執行檔
//   - interval: 心跳間隔
//   - threshold: 最大容許遺失心跳數
//
// 返回值：
//   - types.Status: StatusSuccess 或 StatusFailStart
func (s *Supervisor) Start(args []string, interval time.Duration, threshold int) types.Status {
	if len(args) < 2 || interval <= 0 || threshold < 0 {
		logger().Error("Invalid watchdog arguments",
			"args", len(args), "interval", interval, "threshold", threshold)
		return types.StatusFailStart
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl != nil {
		logger().Error("Watchdog already started")
		return types.StatusFailStart
	}

	sessionMu.Lock()
	ctrl, spawned, err := s.attach(args, interval, threshold)
	sessionMu.Unlock()
	if err != nil {
		logger().Error("Failed to start watchdog", "error", err)
		return types.StatusFailStart
	}

	s.ctrl = ctrl
	s.err = nil
	s.done = make(chan struct{})
	go s.run(ctrl, spawned, s.done)

	return types.StatusSuccess
}

// attach 建立或加入 session，回傳尚未執行的應用端 Controller
// 與本實例 spawn 的看門狗（加入既有 session 時為 nil）
func (s *Supervisor) attach(args []string, interval time.Duration, threshold int) (*supervisor.Controller, *process.Handle, error) {
	if config.OwnedHere() {
		return nil, nil, ErrSessionHeld
	}

	// 本行程是被看門狗重新啟動的：加入既有 session，對方是父行程
	if config.Active() {
		session, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		ctrl, err := supervisor.FromSession(session, types.SideApplication, process.Attach(os.Getppid()), s.Registerer)
		if err != nil {
			return nil, nil, err
		}
		if err := config.Claim(); err != nil {
			return nil, nil, err
		}
		return ctrl, nil, nil
	}

	session := config.Session{
		ID:               uuid.NewString(),
		AppArgs:          append([]string(nil), args...),
		WatchdogPath:     args[1],
		Interval:         interval,
		Threshold:        threshold,
		HandshakeTimeout: s.HandshakeTimeout,
	}.WithDefaults()

	if err := config.Publish(session); err != nil {
		config.Clear()
		return nil, nil, err
	}

	peer, err := process.NewSpawner(session.WatchdogPath, config.WatchCommand).Spawn()
	if err != nil {
		config.Clear()
		return nil, nil, err
	}

	ctrl, err := supervisor.FromSession(session, types.SideApplication, peer, s.Registerer)
	if err != nil {
		reap(peer)
		config.Clear()
		return nil, nil, err
	}

	logger().Info("Watchdog spawned", "session", session.ID, "pid", peer.PID())
	return ctrl, peer, nil
}

// run 背景執行 Controller 直到停止
func (s *Supervisor) run(ctrl *supervisor.Controller, spawned *process.Handle, done chan struct{}) {
	defer close(done)

	err := ctrl.Run(context.Background())

	// 看門狗未完成啟動握手，不會再有人監控它
	if spawned != nil && errors.Is(err, supervisor.ErrHandshakeFailed) {
		reap(spawned)
	}

	sessionMu.Lock()
	if cerr := config.Clear(); cerr != nil {
		logger().Warn("Failed to clear watchdog environment", "error", cerr)
	}
	sessionMu.Unlock()

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// reap 強制終止本實例 spawn 的看門狗並等待退出
func reap(peer *process.Handle) {
	if err := peer.Kill(); err != nil && !errors.Is(err, process.ErrProcessNotRunning) {
		logger().Warn("Failed to kill watchdog", "pid", peer.PID(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if err := peer.Wait(ctx); err != nil {
		logger().Warn("Watchdog did not exit", "pid", peer.PID(), "error", err)
		return
	}
	logger().Info("Watchdog reaped", "pid", peer.PID(), "exit", peer.ExitErr())
}

// Stop 停止應用端監控並等待背景 goroutine 結束
//
// 返回值：
//   - types.Status: StatusSuccess，或未啟動時回傳 StatusFailStop
func (s *Supervisor) Stop() types.Status {
	s.mu.Lock()
	ctrl, done := s.ctrl, s.done
	s.mu.Unlock()

	if ctrl == nil {
		return types.StatusFailStop
	}

	ctrl.RequestTermination()
	<-done

	s.mu.Lock()
	s.ctrl = nil
	err := s.err
	s.mu.Unlock()

	if err != nil {
		logger().Warn("Watchdog stopped after failure", "error", err)
	}
	return types.StatusSuccess
}

// Err 回傳最近一次監控迴圈結束時的錯誤
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running 回傳監控是否仍在執行
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	ctrl, done := s.ctrl, s.done
	s.mu.Unlock()

	if ctrl == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
