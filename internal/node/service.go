package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/primitive"
	"github.com/ChuLiYu/raft-sessions/internal/session"
	"github.com/ChuLiYu/raft-sessions/internal/wire"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// service 節點上的一個原語實例與它的會話
type service struct {
	mu        sync.RWMutex // Apply 持有寫鎖，Query 與快照持有讀鎖
	name      string
	typ       types.PrimitiveType
	sm        primitive.StateMachine
	sessions  *session.Registry
	index     int64     // 最後套用的日誌索引
	timestamp time.Time // 最後套用的命令時間
}

// 服務快照格式：1 = type  2 = state machine  3 = session registry
const (
	fieldServiceType     protowire.Number = 1
	fieldServiceState    protowire.Number = 2
	fieldServiceSessions protowire.Number = 3
)

// encode 呼叫者必須持有 s.mu
func (s *service) encode() ([]byte, error) {
	state, err := s.sm.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.name, err)
	}
	var b []byte
	b = wire.AppendString(b, fieldServiceType, string(s.typ))
	b = wire.AppendBytes(b, fieldServiceState, state)
	b = wire.AppendBytes(b, fieldServiceSessions, s.sessions.Snapshot())
	return b, nil
}

// decodeService 完整解碼出新的服務實例；任何錯誤都不會影響現有狀態
func (n *Node) decodeService(name string, t types.PrimitiveType, index int64, ts time.Time, data []byte) (*service, error) {
	var encodedType types.PrimitiveType
	var state, sessions []byte
	err := wire.Range(data, func(f wire.Field) error {
		if err := wire.Expect(f, protowire.BytesType); err != nil {
			return err
		}
		switch f.Num {
		case fieldServiceType:
			encodedType = types.PrimitiveType(f.Bytes)
		case fieldServiceState:
			state = f.Bytes
		case fieldServiceSessions:
			sessions = f.Bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSnapshot, name, err)
	}
	if t == "" {
		t = encodedType
	}
	if encodedType != t {
		return nil, fmt.Errorf("%w: %s is %q, snapshot holds %q", ErrTypeMismatch, name, t, encodedType)
	}

	sm, err := n.primitives.New(t, name)
	if err != nil {
		return nil, err
	}
	if err := sm.Restore(state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSnapshot, name, err)
	}
	reg := n.newRegistry(name, t)
	if err := reg.Restore(sessions); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSnapshot, name, err)
	}
	return &service{
		name:      name,
		typ:       t,
		sm:        sm,
		sessions:  reg,
		index:     index,
		timestamp: ts,
	}, nil
}

// activeSessions 統計仍活躍的會話
// unacked 所有會話尚未確認的出站事件總數
func (s *service) unacked() int {
	n := 0
	for _, sess := range s.sessions.Sessions() {
		n += sess.Unacked()
	}
	return n
}

func (s *service) activeSessions() int {
	n := 0
	for _, sess := range s.sessions.Sessions() {
		if sess.State().Active() {
			n++
		}
	}
	return n
}
