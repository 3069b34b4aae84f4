// Package primitive 定義節點上託管的複製原語狀態機契約與類型註冊表
package primitive

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/session"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var (
	// ErrUnknownType 未註冊的原語類型
	ErrUnknownType = errors.New("unknown primitive type")
	// ErrUnknownOperation 狀態機不支援的操作
	ErrUnknownOperation = errors.New("unknown operation")
)

// Commit 已提交、準備套用到狀態機的操作
type Commit struct {
	Index     int64
	Timestamp time.Time
	Session   *session.Session  // 發出操作的會話
	Sessions  *session.Registry // 同一服務的所有會話，用於發佈事件
	Operation string
	Value     []byte
}

// Query 唯讀查詢
type Query struct {
	Session   *session.Session
	Operation string
	Value     []byte
}

// StateMachine 複製原語狀態機。Apply 在服務寫鎖下執行，Query 在讀鎖下執行；
// 兩者都必須是決定性的。
type StateMachine interface {
	Apply(c Commit) ([]byte, error)
	Query(q Query) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Factory 以服務名稱建立狀態機
type Factory func(name string) StateMachine

// Registry 原語類型註冊表
type Registry struct {
	mu        sync.RWMutex
	factories map[types.PrimitiveType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.PrimitiveType]Factory)}
}

// Register 註冊原語類型；重複註冊會覆蓋
func (r *Registry) Register(t types.PrimitiveType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New 建立指定類型的狀態機
func (r *Registry) New(t types.PrimitiveType, name string) (StateMachine, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return f(name), nil
}

// Types 已註冊的類型（排序）
func (r *Registry) Types() []types.PrimitiveType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.PrimitiveType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
