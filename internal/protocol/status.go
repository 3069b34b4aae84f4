// Package protocol 實作主備恢復協定：備份節點向主節點查詢原語名稱（Metadata），
// 再逐一取得原語的快照（Restore）。
//
// 每個回應的第一個欄位都是 Status，呼叫者依狀態分支，不需要處理傳輸錯誤。
package protocol

import "fmt"

// Status 回應狀態
type Status int

const (
	StatusOK            Status = iota
	StatusNotPrimary           // 對方不是主節點
	StatusNotFound             // 對方沒有這個原語
	StatusTimeout              // 請求逾時
	StatusUnavailable          // 無法連線
	StatusProtocolError        // 請求格式錯誤或無法處理
)

// Retry 失敗後的重試策略
type Retry int

const (
	RetryNone Retry = iota // 成功，不需重試
	RetryElsewhere
	RetryLater
	Fatal
)

func (r Retry) String() string {
	switch r {
	case RetryNone:
		return "none"
	case RetryElsewhere:
		return "retry-elsewhere"
	case RetryLater:
		return "retry-later"
	default:
		return "fatal"
	}
}

// OK 是否成功
func (s Status) OK() bool { return s == StatusOK }

// Retry 回傳此狀態對應的重試策略
func (s Status) Retry() Retry {
	switch s {
	case StatusOK:
		return RetryNone
	case StatusNotPrimary, StatusNotFound:
		return RetryElsewhere
	case StatusTimeout, StatusUnavailable:
		return RetryLater
	default:
		return Fatal
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotPrimary:
		return "NOT_PRIMARY"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
