package snapshot

// ============================================================================
// 職責說明：
// 1. 將監控 session 的目前狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止 status 讀到半寫入的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 列出 state 目錄下所有 session，供 `beaver-watchdog status` 使用
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

const fileSuffix = ".json"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 單一 session 單一端的快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// PathFor 回傳 session 某一端的快照路徑：<dir>/<session>-<side>.json
func PathFor(dir, session string, side types.Side) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", session, side, fileSuffix))
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: 快照資料
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data types.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return readSnapshot(m.path)
}

// Remove 刪除快照檔，檔案不存在不視為錯誤
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 目錄掃描
// ============================================================================

// List 讀取 dir 下所有快照，依 session、side 排序
//
// 損壞或版本不符的檔案會被跳過並收集到 error 中，其餘快照仍然回傳。
// 目錄不存在時回傳空結果。
func List(dir string) ([]types.SessionSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var (
		out  []types.SessionSnapshot
		errs []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		snap, err := readSnapshot(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Side < out[j].Side
	})

	return out, errors.Join(errs...)
}

func readSnapshot(path string) (types.SessionSnapshot, error) {
	var data types.SessionSnapshot

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	return data, nil
}
