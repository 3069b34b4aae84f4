// Package multiset 實作複製多重集合：伺服器端狀態機與客戶端代理
package multiset

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/raft-sessions/internal/primitive"
	"github.com/ChuLiYu/raft-sessions/internal/transcode"
	"github.com/ChuLiYu/raft-sessions/internal/wire"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

var log = slog.With("component", "multiset")

// Type 原語類型名稱
const Type types.PrimitiveType = "multiset"

// 操作名稱
const (
	OpAdd      = "add"
	OpRemove   = "remove"
	OpClear    = "clear"
	OpListen   = "listen"
	OpUnlisten = "unlisten"

	OpCount    = "count"
	OpContains = "contains"
	OpSize     = "size"
	OpElements = "elements"
)

// 發佈給會話的事件類型
const (
	EventAdd    = types.EventType(transcode.SetEventAdd)
	EventRemove = types.EventType(transcode.SetEventRemove)
)

// Register 把多重集合類型註冊到原語註冊表
func Register(r *primitive.Registry) {
	r.Register(Type, func(name string) primitive.StateMachine { return NewService(name) })
}

// Service 多重集合狀態機
type Service struct {
	name      string
	counts    map[string]int
	listeners map[types.SessionID]struct{}
}

// NewService 建立空的多重集合
func NewService(name string) *Service {
	return &Service{
		name:      name,
		counts:    make(map[string]int),
		listeners: make(map[types.SessionID]struct{}),
	}
}

func (s *Service) Apply(c primitive.Commit) ([]byte, error) {
	switch c.Operation {
	case OpAdd:
		s.counts[string(c.Value)]++
		s.publish(c, EventAdd, c.Value)
		return json.Marshal(true)

	case OpRemove:
		key := string(c.Value)
		if s.counts[key] == 0 {
			return json.Marshal(false)
		}
		s.decrement(key)
		s.publish(c, EventRemove, c.Value)
		return json.Marshal(true)

	case OpClear:
		removed := 0
		for _, key := range s.sortedKeys() {
			for s.counts[key] > 0 {
				s.decrement(key)
				s.publish(c, EventRemove, []byte(key))
				removed++
			}
		}
		return json.Marshal(removed)

	case OpListen:
		if c.Session != nil {
			s.listeners[c.Session.ID()] = struct{}{}
		}
		return json.Marshal(true)

	case OpUnlisten:
		if c.Session != nil {
			delete(s.listeners, c.Session.ID())
		}
		return json.Marshal(true)

	default:
		return nil, fmt.Errorf("%w: %s", primitive.ErrUnknownOperation, c.Operation)
	}
}

func (s *Service) Query(q primitive.Query) ([]byte, error) {
	switch q.Operation {
	case OpCount:
		return json.Marshal(s.counts[string(q.Value)])
	case OpContains:
		return json.Marshal(s.counts[string(q.Value)] > 0)
	case OpSize:
		return json.Marshal(s.size())
	case OpElements:
		elements := make([][]byte, 0, s.size())
		for _, key := range s.sortedKeys() {
			for i := 0; i < s.counts[key]; i++ {
				elements = append(elements, []byte(key))
			}
		}
		return json.Marshal(elements)
	default:
		return nil, fmt.Errorf("%w: %s", primitive.ErrUnknownOperation, q.Operation)
	}
}

func (s *Service) decrement(key string) {
	s.counts[key]--
	if s.counts[key] <= 0 {
		delete(s.counts, key)
	}
}

func (s *Service) size() int {
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

func (s *Service) sortedKeys() []string {
	keys := make([]string, 0, len(s.counts))
	for k := range s.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// publish 依會話 ID 順序把事件發佈給所有監聽中的會話；
// 已終止或不存在的會話從監聽集合移除
func (s *Service) publish(c primitive.Commit, eventType types.EventType, value []byte) {
	if c.Sessions == nil {
		return
	}
	ids := make([]types.SessionID, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sess, err := c.Sessions.Active(id)
		if err != nil {
			delete(s.listeners, id)
			continue
		}
		if err := sess.PublishBytes(eventType, value); err != nil {
			log.Warn("Failed to publish event",
				"service", s.name, "session", id, "event", eventType, "index", c.Index, "error", err)
		}
	}
}

// ============================================================================
// 快照
// ============================================================================
//
//   1 = entry (bytes, repeated: 1 element, 2 count)
//   2 = listener session id (varint, repeated)

func (s *Service) Snapshot() ([]byte, error) {
	var b []byte
	for _, key := range s.sortedKeys() {
		var e []byte
		e = wire.AppendBytes(e, 1, []byte(key))
		e = wire.AppendVarint(e, 2, uint64(s.counts[key]))
		b = wire.AppendBytes(b, 1, e)
	}
	ids := make([]types.SessionID, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b = wire.AppendInt64(b, 2, int64(id))
	}
	return b, nil
}

func (s *Service) Restore(data []byte) error {
	counts := make(map[string]int)
	listeners := make(map[types.SessionID]struct{})
	err := wire.Range(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			if err := wire.Expect(f, protowire.BytesType); err != nil {
				return err
			}
			var key string
			var count int
			if err := wire.Range(f.Bytes, func(ef wire.Field) error {
				switch ef.Num {
				case 1:
					key = string(ef.Bytes)
				case 2:
					count = int(ef.Value)
				}
				return nil
			}); err != nil {
				return err
			}
			if count > 0 {
				counts[key] = count
			}
		case 2:
			listeners[types.SessionID(f.Int64())] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore multiset %s: %w", s.name, err)
	}
	s.counts = counts
	s.listeners = listeners
	return nil
}
