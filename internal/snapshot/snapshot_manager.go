package snapshot

// ============================================================================
// 職責說明：
// 1. 將節點快照序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL 實現快速恢復
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Manager 檔案快照管理器
type Manager struct {
	path        string     // 快照檔案路徑
	keepBackups int        // 保留的舊快照數量，0 表示不保留
	mu          sync.Mutex // 保護檔案操作
}

var _ Store = (*Manager)(nil)

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// WithBackups 每次寫入前把舊快照改名保留，最多保留 keep 份
func (m *Manager) WithBackups(keep int) *Manager {
	m.keepBackups = keep
	return m
}

// Save 原子性寫入快照
//
// 流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Save(ctx context.Context, data Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.CreatedAt == 0 {
		data.CreatedAt = time.Now().UnixMilli()
	}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if m.keepBackups > 0 && m.exists() {
		if err := m.backupLocked(); err != nil {
			return err
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeFileSync(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func writeFileSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空快照（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load(ctx context.Context) (Data, error) {
	if err := ctx.Err(); err != nil {
		return Data{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if err := validate(&data); err != nil {
		return Data{}, err
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists()
}

func (m *Manager) exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// backupLocked 以硬連結保留目前快照為 path.<timestamp>，並清理過舊的備份。
// 原檔不動，寫入失敗時目前快照仍然可讀。
func (m *Manager) backupLocked() error {
	backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000"))
	if err := os.Link(m.path, backupPath); err != nil {
		return fmt.Errorf("failed to backup old snapshot: %w", err)
	}

	backups, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return err
	}
	// 時間戳格式可依字典序排序
	sort.Strings(backups)
	for len(backups) > m.keepBackups {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
