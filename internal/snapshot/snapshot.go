// Package snapshot 持久化節點快照：每個服務的原語與會話狀態加上已套用的日誌索引
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Service 單一服務（原語實例）的快照
type Service struct {
	Name      string              `json:"name"`
	Type      types.PrimitiveType `json:"type"`
	Index     int64               `json:"index"`     // 服務最後套用的日誌索引
	Timestamp int64               `json:"timestamp"` // 最後套用命令的 Unix 毫秒時間
	Data      []byte              `json:"data"`      // 狀態機與會話註冊表的編碼
}

// Time 回傳 Timestamp 對應的時間
func (s Service) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Data 節點快照
type Data struct {
	SchemaVer int       `json:"schema_ver"`
	Index     int64     `json:"index"` // 節點已套用的日誌索引，重放 WAL 時跳過 seq <= Index 的事件
	CreatedAt int64     `json:"created_at"`
	Services  []Service `json:"services"`
}

// Empty 首次啟動時的空快照
func Empty() Data {
	return Data{SchemaVer: SchemaVersion, Services: []Service{}}
}

// Store 快照儲存後端
type Store interface {
	// Save 原子性地取代目前的快照
	Save(ctx context.Context, data Data) error
	// Load 載入快照；沒有快照時回傳 Empty()
	Load(ctx context.Context) (Data, error)
}

// validate 檢查載入的快照
func validate(data *Data) error {
	if data.SchemaVer != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	seen := make(map[string]bool, len(data.Services))
	for _, svc := range data.Services {
		if svc.Name == "" || svc.Type == "" {
			return fmt.Errorf("%w: service without name or type", ErrCorruptedSnapshot)
		}
		if seen[svc.Name] {
			return fmt.Errorf("%w: duplicate service %q", ErrCorruptedSnapshot, svc.Name)
		}
		seen[svc.Name] = true
	}
	if data.Services == nil {
		data.Services = []Service{}
	}
	return nil
}
