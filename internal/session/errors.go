package session

import (
	"errors"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var (
	// ErrSessionExpired 會話已過期（逾時未聯繫）
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionClosed 會話已被關閉
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownSession 找不到會話
	ErrUnknownSession = errors.New("unknown session")
	// ErrDuplicateSession 同一個 ID 的會話已存在
	ErrDuplicateSession = errors.New("session already exists")
	// ErrNilEvent 發佈了 nil 事件（程式錯誤）
	ErrNilEvent = errors.New("nil event")
	// ErrInvalidTimeout 逾時設定不合法（必須 0 < min <= max）
	ErrInvalidTimeout = errors.New("invalid session timeout")
	// ErrCorruptedSnapshot 會話快照無法解碼
	ErrCorruptedSnapshot = errors.New("corrupted session snapshot")
)

// StateError 把終止狀態轉成對應的錯誤；活躍狀態回傳 nil
func StateError(state types.State) error {
	switch state {
	case types.StateExpired:
		return ErrSessionExpired
	case types.StateClosed:
		return ErrSessionClosed
	default:
		return nil
	}
}
