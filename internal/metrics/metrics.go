// ============================================================================
// Beaver-Watchdog Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露監控雙方的心跳與復原指標
//
// 指標分類（所有指標都帶 side 標籤：application / watchdog）:
//
//   1. 計數器 (Counter):
//      - watchdog_heartbeats_sent_total: 已送出的心跳數
//      - watchdog_heartbeat_send_failures_total: 送出失敗的心跳數（對方已不存在）
//      - watchdog_heartbeats_received_total: 已收到的心跳數
//      - watchdog_recoveries_total{result}: 復原次數（success / spawn_failed /
//        handshake_failed / exhausted）
//      - watchdog_tasks_executed_total: 排程器執行的任務數
//
//   2. 狀態指標 (Gauge):
//      - watchdog_missed_heartbeats: 目前連續遺失的心跳數
//      - watchdog_scheduler_queue_size: 排程佇列中的任務數
//      - watchdog_peer_pid: 目前監控中的對方 PID
//
//   3. 性能指標 (Histogram):
//      - watchdog_recovery_duration_seconds: kill → spawn → handshake 的總耗時
//
// Prometheus 查詢示例:
//
//   # 每小時復原次數
//   increase(watchdog_recoveries_total{result="success"}[1h])
//
//   # 心跳送達率
//   rate(watchdog_heartbeats_received_total[5m])
//     / rate(watchdog_heartbeats_sent_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，預設不啟用
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 復原結果標籤
const (
	RecoverySuccess         = "success"
	RecoverySpawnFailed     = "spawn_failed"
	RecoveryHandshakeFailed = "handshake_failed"
	RecoveryExhausted       = "exhausted"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 心跳相關指標
	heartbeatsSent     prometheus.Counter
	heartbeatFailures  prometheus.Counter
	heartbeatsReceived prometheus.Counter
	tasksExecuted      prometheus.Counter

	// 復原指標
	recoveries       *prometheus.CounterVec
	recoveryDuration prometheus.Histogram

	// 狀態指標
	missedHeartbeats prometheus.Gauge
	queueSize        prometheus.Gauge
	peerPID          prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標，nil 時使用 prometheus.DefaultRegisterer
//   - side: 本端名稱（application / watchdog），作為常數標籤
func NewCollector(reg prometheus.Registerer, side string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"side": side}

	return &Collector{
		heartbeatsSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdog_heartbeats_sent_total",
			Help:        "Total number of heartbeat signals sent to the peer",
			ConstLabels: labels,
		})),
		heartbeatFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdog_heartbeat_send_failures_total",
			Help:        "Total number of heartbeat signals that could not be delivered",
			ConstLabels: labels,
		})),
		heartbeatsReceived: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdog_heartbeats_received_total",
			Help:        "Total number of heartbeat signals received from the peer",
			ConstLabels: labels,
		})),
		tasksExecuted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdog_tasks_executed_total",
			Help:        "Total number of scheduler task executions",
			ConstLabels: labels,
		})),
		recoveries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watchdog_recoveries_total",
			Help:        "Total number of peer recovery attempts by result",
			ConstLabels: labels,
		}, []string{"result"})),
		recoveryDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "watchdog_recovery_duration_seconds",
			Help:        "Time taken to kill, respawn and re-handshake the peer",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		})),
		missedHeartbeats: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "watchdog_missed_heartbeats",
			Help:        "Current number of consecutive missed heartbeats",
			ConstLabels: labels,
		})),
		queueSize: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "watchdog_scheduler_queue_size",
			Help:        "Current number of tasks waiting in the scheduler",
			ConstLabels: labels,
		})),
		peerPID: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "watchdog_peer_pid",
			Help:        "Process id of the supervised peer",
			ConstLabels: labels,
		})),
	}
}

// register 註冊單一指標；同名指標已存在時回傳既有的 collector
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// RecordHeartbeatSent 記錄送出心跳
func (c *Collector) RecordHeartbeatSent() {
	c.heartbeatsSent.Inc()
}

// RecordHeartbeatFailure 記錄心跳送出失敗
func (c *Collector) RecordHeartbeatFailure() {
	c.heartbeatFailures.Inc()
}

// RecordHeartbeatReceived 記錄收到心跳
func (c *Collector) RecordHeartbeatReceived() {
	c.heartbeatsReceived.Inc()
}

// RecordTaskExecuted 記錄排程器執行一次任務
func (c *Collector) RecordTaskExecuted() {
	c.tasksExecuted.Inc()
}

// RecordRecovery 記錄一次復原嘗試
func (c *Collector) RecordRecovery(result string, elapsed time.Duration) {
	c.recoveries.WithLabelValues(result).Inc()
	if result == RecoverySuccess {
		c.recoveryDuration.Observe(elapsed.Seconds())
	}
}

// SetMissedHeartbeats 設置目前遺失的心跳數
func (c *Collector) SetMissedHeartbeats(n int) {
	c.missedHeartbeats.Set(float64(n))
}

// SetQueueSize 設置排程佇列大小
func (c *Collector) SetQueueSize(n int) {
	c.queueSize.Set(float64(n))
}

// SetPeerPID 設置對方 PID
func (c *Collector) SetPeerPID(pid int) {
	c.peerPID.Set(float64(pid))
}

// Serve 在 addr 上提供 /metrics，直到 ctx 取消
//
// 參數：
//   - ctx: 取消時關閉 HTTP 伺服器
//   - addr: 監聽位址，例如 ":9090"
//   - gatherer: 指標來源，nil 時使用 prometheus.DefaultGatherer
//
// 返回值：
//   - error: 監聽失敗的錯誤；正常關閉時為 nil
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
