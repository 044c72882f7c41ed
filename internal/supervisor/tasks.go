package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-watchdog/internal/metrics"
	"github.com/ChuLiYu/beaver-watchdog/internal/process"
	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// ============================================================================
// 週期任務
// ============================================================================

// sendHeartbeat 送出存活訊號；對方不存在只記錄，由 threshold-check 處理
func (c *Controller) sendHeartbeat() error {
	peer := c.Peer()
	if err := peer.Signal(HeartbeatSignal); err != nil {
		c.metrics.RecordHeartbeatFailure()
		logger().Warn("Failed to send heartbeat", "side", c.cfg.Side, "peer", peer.PID(), "error", err)
		return nil
	}
	c.metrics.RecordHeartbeatSent()
	return nil
}

// checkThreshold 累加遺失心跳數，超過門檻時執行復原
func (c *Controller) checkThreshold() error {
	missed := c.state.Tick()
	c.metrics.SetMissedHeartbeats(missed)

	if missed <= c.cfg.Threshold {
		return nil
	}

	logger().Warn("Peer unresponsive",
		"side", c.cfg.Side,
		"peer", c.Peer().PID(),
		"missed", missed,
		"threshold", c.cfg.Threshold)
	return c.revive()
}

// checkTermination 終止旗標已設定時停止本端排程器
func (c *Controller) checkTermination() error {
	if !c.state.TerminationRequested() {
		return nil
	}

	logger().Info("Termination requested", "side", c.cfg.Side)
	c.sched.Stop()

	// 停止一律由應用端發起，轉送給看門狗
	if c.cfg.Side == types.SideApplication {
		peer := c.Peer()
		if err := peer.Signal(TerminateSignal); err != nil {
			logger().Warn("Failed to forward termination", "peer", peer.PID(), "error", err)
		}
	}
	return nil
}

// ============================================================================
// 復原流程
// ============================================================================

// revive 強制終止對方並重新啟動
//
// 返回值：
//   - error: 只有復原次數用盡時回傳（致命）；spawn 或握手失敗時
//     回傳 nil，計數器維持在門檻之上，下一次 tick 重試
func (c *Controller) revive() error {
	if !c.limiter.AllowN(c.clock.Now(), 1) {
		c.metrics.RecordRecovery(metrics.RecoveryExhausted, 0)
		return fmt.Errorf("%w: more than %d recoveries within %s",
			ErrRecoveryExhausted, c.cfg.MaxRecoveries, c.cfg.RecoveryWindow)
	}

	start := c.clock.Now()
	old := c.Peer()

	// 1. 強制終止並等待退出
	if err := old.Kill(); err != nil && !errors.Is(err, process.ErrProcessNotRunning) {
		logger().Warn("Failed to kill peer", "side", c.cfg.Side, "peer", old.PID(), "error", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	err := old.Wait(waitCtx)
	cancel()
	if err != nil {
		logger().Warn("Peer did not exit after kill", "side", c.cfg.Side, "peer", old.PID(), "error", err)
	}

	// 2. 啟動新的對方
	next, err := c.spawn()
	if err != nil {
		c.metrics.RecordRecovery(metrics.RecoverySpawnFailed, 0)
		logger().Error("Failed to respawn peer", "side", c.cfg.Side, "error", err)
		return nil
	}
	c.setPeer(next)

	// 3. 重新握手
	if err := c.shake(context.Background()); err != nil {
		c.metrics.RecordRecovery(metrics.RecoveryHandshakeFailed, 0)
		logger().Error("Respawned peer did not complete handshake", "side", c.cfg.Side, "peer", next.PID(), "error", err)
		return nil
	}

	// 4. 歸零
	c.state.ResetMissed()
	c.metrics.SetMissedHeartbeats(0)
	c.recoveries.Add(1)
	now := c.clock.Now()
	ms := now.UnixMilli()
	c.lastRecovery = &ms
	c.metrics.RecordRecovery(metrics.RecoverySuccess, now.Sub(start))
	c.writeSnapshot()

	logger().Info("Peer recovered",
		"side", c.cfg.Side,
		"old", old.PID(),
		"peer", next.PID(),
		"recoveries", c.Recoveries())
	return nil
}
