package recovery

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var (
	// ErrStaleSnapshot 快照索引沒有比目前已套用的索引新
	ErrStaleSnapshot = errors.New("stale snapshot")
	// ErrUpToDate 快照索引等於已套用的索引，不需安裝
	ErrUpToDate = errors.New("snapshot already applied")
	// ErrRestoreFailed 重試次數用盡仍無法恢復
	ErrRestoreFailed = errors.New("restore failed")
	// ErrNoMembers 沒有可詢問的成員
	ErrNoMembers = errors.New("no members to recover from")
)

// StaleSnapshotError 被拒絕的過舊快照
type StaleSnapshotError struct {
	Name    string
	Index   int64 // 收到的快照索引
	Applied int64 // 本地已套用的索引
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale snapshot for %s: index %d is older than applied index %d", e.Name, e.Index, e.Applied)
}

func (e *StaleSnapshotError) Is(target error) bool {
	return target == ErrStaleSnapshot
}

// StatusError 成員回應了非 OK 狀態
type StatusError struct {
	Member types.NodeID
	Status protocol.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("member %s responded %s", e.Member, e.Status)
}
