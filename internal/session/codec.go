package session

// 會話快照的二進位格式（protowire）
//
//   Registry:  1 = session (bytes, repeated)   2 = tombstone (bytes, repeated)
//   Session:   1 id  2 service_name  3 service_type  4 node_id
//              5 min_timeout_ns  6 max_timeout_ns  7 last_contact_unix_ns
//              8 state  9 seq  10 ack_seq  11 commit_index  12 event (repeated)
//   Event:     1 seq  2 index  3 type  4 value
//   Tombstone: 1 id  2 state
//
// 監聽器不寫入快照：它們屬於本地行程，還原時由 Registry 重新註冊。
// 快照只在兩個命令之間擷取，因此 pending 永遠為空。

import (
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/wire"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldRegistrySession   protowire.Number = 1
	fieldRegistryTombstone protowire.Number = 2

	fieldSessionID          protowire.Number = 1
	fieldSessionService     protowire.Number = 2
	fieldSessionType        protowire.Number = 3
	fieldSessionNode        protowire.Number = 4
	fieldSessionMinTimeout  protowire.Number = 5
	fieldSessionMaxTimeout  protowire.Number = 6
	fieldSessionLastContact protowire.Number = 7
	fieldSessionState       protowire.Number = 8
	fieldSessionSeq         protowire.Number = 9
	fieldSessionAckSeq      protowire.Number = 10
	fieldSessionCommitIndex protowire.Number = 11
	fieldSessionEvent       protowire.Number = 12

	fieldEventSeq   protowire.Number = 1
	fieldEventIndex protowire.Number = 2
	fieldEventType  protowire.Number = 3
	fieldEventValue protowire.Number = 4

	fieldTombstoneID    protowire.Number = 1
	fieldTombstoneState protowire.Number = 2
)

// AppendSnapshot 把會話狀態附加到 b
func (s *Session) AppendSnapshot(b []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	b = wire.AppendInt64(b, fieldSessionID, int64(s.id))
	b = wire.AppendString(b, fieldSessionService, s.serviceName)
	b = wire.AppendString(b, fieldSessionType, string(s.serviceType))
	b = wire.AppendString(b, fieldSessionNode, string(s.nodeID))
	b = wire.AppendInt64(b, fieldSessionMinTimeout, int64(s.minTimeout))
	b = wire.AppendInt64(b, fieldSessionMaxTimeout, int64(s.maxTimeout))
	b = wire.AppendInt64(b, fieldSessionLastContact, s.lastContact.UnixNano())
	b = wire.AppendVarint(b, fieldSessionState, uint64(s.state))
	b = wire.AppendVarint(b, fieldSessionSeq, s.seq)
	b = wire.AppendVarint(b, fieldSessionAckSeq, s.ackSeq)
	b = wire.AppendInt64(b, fieldSessionCommitIndex, s.commitIndex)
	for _, ev := range s.outbound {
		var e []byte
		e = wire.AppendVarint(e, fieldEventSeq, ev.Seq)
		e = wire.AppendInt64(e, fieldEventIndex, ev.Index)
		e = wire.AppendString(e, fieldEventType, string(ev.Event.Type))
		e = wire.AppendBytes(e, fieldEventValue, ev.Event.Value)
		b = wire.AppendBytes(b, fieldSessionEvent, e)
	}
	return b
}

// UnmarshalSession 從快照還原會話
func UnmarshalSession(data []byte) (*Session, error) {
	s := &Session{handles: make(map[Listener]ListenerID)}
	err := wire.Range(data, func(f wire.Field) error {
		switch f.Num {
		case fieldSessionID:
			s.id = types.SessionID(f.Int64())
		case fieldSessionService:
			s.serviceName = string(f.Bytes)
		case fieldSessionType:
			s.serviceType = types.PrimitiveType(f.Bytes)
		case fieldSessionNode:
			s.nodeID = types.NodeID(f.Bytes)
		case fieldSessionMinTimeout:
			s.minTimeout = time.Duration(f.Int64())
		case fieldSessionMaxTimeout:
			s.maxTimeout = time.Duration(f.Int64())
		case fieldSessionLastContact:
			s.lastContact = time.Unix(0, f.Int64())
		case fieldSessionState:
			s.state = types.State(f.Value)
		case fieldSessionSeq:
			s.seq = f.Value
		case fieldSessionAckSeq:
			s.ackSeq = f.Value
		case fieldSessionCommitIndex:
			s.commitIndex = f.Int64()
		case fieldSessionEvent:
			if err := wire.Expect(f, protowire.BytesType); err != nil {
				return err
			}
			ev, err := unmarshalEvent(f.Bytes)
			if err != nil {
				return err
			}
			ev.SessionID = s.id
			s.outbound = append(s.outbound, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if s.state > types.StateClosed || s.minTimeout <= 0 || s.maxTimeout < s.minTimeout {
		return nil, fmt.Errorf("%w: session %d has invalid state or timeouts", ErrCorruptedSnapshot, s.id)
	}
	return s, nil
}

func unmarshalEvent(data []byte) (types.SequencedEvent, error) {
	var ev types.SequencedEvent
	ev.Event.Value = []byte{}
	err := wire.Range(data, func(f wire.Field) error {
		switch f.Num {
		case fieldEventSeq:
			ev.Seq = f.Value
		case fieldEventIndex:
			ev.Index = f.Int64()
		case fieldEventType:
			ev.Event.Type = types.EventType(f.Bytes)
		case fieldEventValue:
			ev.Event.Value = append([]byte{}, f.Bytes...)
		}
		return nil
	})
	return ev, err
}

// Snapshot 編碼整個會話集合（依 ID 排序，輸出具決定性）
func (r *Registry) Snapshot() []byte {
	var b []byte
	for _, s := range r.Sessions() {
		b = wire.AppendBytes(b, fieldRegistrySession, s.AppendSnapshot(nil))
	}

	r.mu.RLock()
	ids := make([]types.SessionID, 0, len(r.tombstones))
	for id := range r.tombstones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		var t []byte
		t = wire.AppendInt64(t, fieldTombstoneID, int64(id))
		t = wire.AppendVarint(t, fieldTombstoneState, uint64(r.tombstones[id]))
		b = wire.AppendBytes(b, fieldRegistryTombstone, t)
	}
	r.mu.RUnlock()
	return b
}

// Restore 以快照取代整個會話集合。先完整解碼，失敗時原有內容不變。
func (r *Registry) Restore(data []byte) error {
	sessions := make(map[types.SessionID]*Session)
	tombstones := make(map[types.SessionID]types.State)

	err := wire.Range(data, func(f wire.Field) error {
		if err := wire.Expect(f, protowire.BytesType); err != nil {
			return err
		}
		switch f.Num {
		case fieldRegistrySession:
			s, err := UnmarshalSession(f.Bytes)
			if err != nil {
				return err
			}
			sessions[s.id] = s
		case fieldRegistryTombstone:
			var id types.SessionID
			var state types.State
			if err := wire.Range(f.Bytes, func(tf wire.Field) error {
				switch tf.Num {
				case fieldTombstoneID:
					id = types.SessionID(tf.Int64())
				case fieldTombstoneState:
					state = types.State(tf.Value)
				}
				return nil
			}); err != nil {
				return err
			}
			tombstones[id] = state
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[types.SessionID]*Session, len(sessions))
	for _, s := range sessions {
		r.addLocked(s)
	}
	r.tombstones = tombstones
	return nil
}
