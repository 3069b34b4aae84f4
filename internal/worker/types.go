package worker

import (
	"context"
	"time"
)

// Task 交給 Worker 執行的工作單元
type Task struct {
	ID      string                          // 任務識別碼（例如原語名稱）
	Run     func(ctx context.Context) error // 實際執行的工作
	Timeout time.Duration                   // 執行超時時間；0 表示只受 Pool 的 context 限制
}

// Result 任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Err      error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 任務是否成功
func (r Result) Success() bool { return r.Err == nil }
