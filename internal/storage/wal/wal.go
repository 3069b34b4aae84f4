package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加已提交的節點命令到日誌檔案（append-only），seq 即日誌索引
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後歸檔為 .gz，seq 繼續遞增）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var log = slog.With("component", "wal")

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 都寫入並 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	var seq uint64
	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		if err := repairTornTail(path); err != nil {
			return nil, err
		}
		lastEvent, err := GetLastEvent(path)
		if err != nil && !errors.Is(err, ErrEmptyWAL) {
			return nil, fmt.Errorf("wal: read last event: %w", err)
		}
		if lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      newEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 1000),
		bufferSize:    1000,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// repairTornTail 截掉崩潰時寫到一半的最後一筆事件
func repairTornTail(path string) error {
	err := ValidateWAL(path)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		// checksum 錯誤或 seq 亂序不是寫一半造成的，交給 Replay 回報
		return nil
	}
	log.Warn("Truncating torn WAL tail", "path", path, "after_seq", corrupt.Seq, "offset", corrupt.Offset, "error", corrupt.Cause)
	return os.Truncate(path, corrupt.Offset)
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	// Data 必須原樣寫回，checksum 才會一致
	enc.SetEscapeHTML(false)
	return enc
}

// Append 追加一個事件到 WAL 並回傳其 seq
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - force 或 syncOnAppend 時立即寫入並同步，否則批次寫入
func (w *WAL) Append(eventType EventType, data []byte, force bool) (uint64, error) {
	payload, err := normalize(data)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, payload, w.seq)
	w.buffer = append(w.buffer, event)

	needFlush := force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// normalize 把資料壓縮成單行 JSON；空資料記為 null
func normalize(data []byte) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("wal: event data is not JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// AdvanceTo 把 seq 推進到至少 seq（安裝外部快照後使用），不會倒退
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先寫出緩衝區，從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum 與 seq 遞增
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

// replayFile 逐一解碼並驗證 path 中的事件
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for decoder.More() {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if event.Seq <= lastSeq {
			return fmt.Errorf("%w: seq=%d after %d", ErrOutOfOrder, event.Seq, lastSeq)
		}
		lastSeq = event.Seq

		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// 舊檔壓縮為 path.<timestamp>.gz；seq 不歸零，新的事件繼續以更大的 seq 記錄，
// 快照中記錄的索引因此仍可用來判斷哪些事件需要重放。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	archivePath := w.path + "." + time.Now().Format("20060102_150405.000") + ".gz"
	if err := compressWALFile(w.path, archivePath); err != nil {
		return fmt.Errorf("wal: archive: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = newEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// compressWALFile 把 srcPath 壓縮到 dstPath 後刪除 srcPath
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		return err
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	return os.Remove(srcPath)
}
