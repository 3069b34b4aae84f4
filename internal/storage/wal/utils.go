package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（CLI status 與啟動時使用）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 策略：從頭到尾掃描並驗證，回傳最後一個成功解析的事件。
// 檔案為空時回傳 ErrEmptyWAL；檔尾有寫到一半的事件時回傳最後一個完整事件。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	var corrupt *CorruptionError
	if errors.As(err, &corrupt) && last != nil {
		// 崩潰時最後一筆可能只寫了一半
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（安裝快照後允許跳號）
func ValidateWAL(path string) error {
	return replayFile(path, func(Event) error { return nil })
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] COMMAND {"type":"open_session",...} at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(e Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, e.Data, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
	SizeBytes   int64
}

// GetWALStats 取得 WAL 的統計資訊；檔案不存在時回傳空統計
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	stat, err := os.Stat(path)
	if os.IsNotExist(err) {
		return stats, nil
	}
	if err != nil {
		return nil, err
	}
	stats.SizeBytes = stat.Size()

	err = replayFile(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		return nil
	})
	return stats, err
}
