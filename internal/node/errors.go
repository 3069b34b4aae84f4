package node

import "errors"

var (
	// ErrNotPrimary 只有主節點（或 raft 領導者）能處理此請求
	ErrNotPrimary = errors.New("node is not primary")
	// ErrNotLeader raft 日誌拒絕提議
	ErrNotLeader = errors.New("not the raft leader")
	// ErrNotStarted 節點尚未啟動
	ErrNotStarted = errors.New("node not started")
	// ErrStopped 節點已停止
	ErrStopped = errors.New("node stopped")
	// ErrBadCommand 日誌項目無法解碼
	ErrBadCommand = errors.New("malformed command")
	// ErrBadSnapshot 服務快照無法解碼
	ErrBadSnapshot = errors.New("malformed service snapshot")
	// ErrTypeMismatch 同名服務已存在但類型不同
	ErrTypeMismatch = errors.New("service exists with a different primitive type")
	// ErrRoleManaged 複製模式下角色由選舉決定，不能手動切換
	ErrRoleManaged = errors.New("role is managed by leader election")
)
