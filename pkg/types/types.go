// Package types 定義了 raft-sessions 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
)

// SessionID 會話唯一識別碼，取自開啟會話命令被提交時的日誌索引
type SessionID int64

// NodeID 節點識別碼
type NodeID string

// PrimitiveType 分散式原語類型（例如 "multiset"）
type PrimitiveType string

// EventType 事件類型
type EventType string

// State 會話生命週期狀態
type State int

// 定義會話狀態常數
const (
	StateOpen       State = iota // 開啟：客戶端在逾時範圍內保持聯繫
	StateSuspicious              // 可疑：超過最小逾時未聯繫，但尚未過期
	StateExpired                 // 過期：超過最大逾時未聯繫（終止狀態）
	StateClosed                  // 關閉：客戶端或管理員主動關閉（終止狀態）
)

// Active 回傳會話是否仍可發佈事件
func (s State) Active() bool {
	return s == StateOpen || s == StateSuspicious
}

// Terminal 回傳是否為終止狀態
func (s State) Terminal() bool {
	return s == StateExpired || s == StateClosed
}

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateSuspicious:
		return "SUSPICIOUS"
	case StateExpired:
		return "EXPIRED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PrimitiveEvent 原語事件：類型加上不透明的位元組負載
type PrimitiveEvent struct {
	Type  EventType `json:"type"`
	Value []byte    `json:"value"`
}

// NewEvent 建立事件；nil 負載會被替換成空切片，負載永遠不會缺席
func NewEvent(eventType EventType, value []byte) *PrimitiveEvent {
	if value == nil {
		value = []byte{}
	}
	return &PrimitiveEvent{Type: eventType, Value: value}
}

// EmptyEvent 建立沒有負載的事件
func EmptyEvent(eventType EventType) *PrimitiveEvent {
	return NewEvent(eventType, nil)
}

// SequencedEvent 已釋放到出站佇列的事件，帶有會話內序號
type SequencedEvent struct {
	SessionID SessionID      `json:"session_id"`
	Seq       uint64         `json:"seq"`   // 會話內序號，從 1 開始
	Index     int64          `json:"index"` // 產生此事件的命令日誌索引
	Event     PrimitiveEvent `json:"event"`
}

// Role 節點在主備架構中的角色
type Role int

const (
	RoleNone Role = iota
	RolePrimary
	RoleBackup
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	default:
		return "none"
	}
}

// ParseRole 解析設定檔中的角色字串
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RoleNone, nil
	case "primary":
		return RolePrimary, nil
	case "backup":
		return RoleBackup, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}
