// Package types 定義了 beaver-watchdog 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// UID 任務唯一識別碼，由計數器、建立時間與建立者 PID 組成
// 三個欄位全部相同才視為同一個 UID
type UID struct {
	Counter uint64 `json:"counter"` // 單調遞增計數器（從 1 開始）
	Time    int64  `json:"time"`    // 建立時間（Unix 奈秒）
	PID     int    `json:"pid"`     // 建立者的 process id
}

// BadUID 代表無效的 UID（零值），成功建立的 UID 永遠不會等於它
var BadUID = UID{}

// Equal 比較兩個 UID 是否相同
func (u UID) Equal(other UID) bool {
	return u.Counter == other.Counter && u.Time == other.Time && u.PID == other.PID
}

// IsBad 檢查是否為無效 UID
func (u UID) IsBad() bool {
	return u.Equal(BadUID)
}

func (u UID) String() string {
	return fmt.Sprintf("%d-%d-%d", u.Counter, u.Time, u.PID)
}

// Side 監控的一方：應用程式端或 watchdog 端
type Side int

// 定義監控端常數
const (
	SideApplication Side = iota // 應用程式端：由使用者程式啟動的監控執行緒
	SideWatchdog                // watchdog 端：被 fork+exec 出來的獨立程序
)

func (s Side) String() string {
	switch s {
	case SideApplication:
		return "application"
	case SideWatchdog:
		return "watchdog"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Peer 回傳對方的 Side
func (s Side) Peer() Side {
	if s == SideWatchdog {
		return SideApplication
	}
	return SideWatchdog
}

// Status 公開 API 的回傳狀態
type Status int

// 定義狀態常數
const (
	StatusSuccess   Status = iota // 成功
	StatusFailStart               // 啟動失敗（參數不足、資源取得失敗、重複啟動）
	StatusFailStop                // 停止失敗（尚未啟動）
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailStart:
		return "fail_start"
	case StatusFailStop:
		return "fail_stop"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SessionSnapshot 監控端狀態快照，寫入 state 目錄供 status 命令讀取
// 只描述目前的監控關係，不保存任務狀態
type SessionSnapshot struct {
	SessionID    string        `json:"session_id"`              // 監控 session 識別碼
	Side         string        `json:"side"`                    // application / watchdog
	PID          int           `json:"pid"`                     // 本端 process id
	PeerPID      int           `json:"peer_pid"`                // 對方 process id
	Interval     time.Duration `json:"interval"`                // 心跳間隔
	Threshold    int           `json:"threshold"`               // 最大容許遺失心跳數
	Recoveries   int           `json:"recoveries"`              // 已執行的復原次數
	LastRecovery *int64        `json:"last_recovery,omitempty"` // 最後一次復原時間（Unix 毫秒）
	StartedAt    int64         `json:"started_at"`              // 啟動時間（Unix 毫秒）
	UpdatedAt    int64         `json:"updated_at"`              // 最後更新時間（Unix 毫秒）
	SchemaVer    int           `json:"schema_ver"`              // 資料結構版本號
}
