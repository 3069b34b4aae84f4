// ============================================================================
// Session - 伺服器端會話狀態機
// ============================================================================
//
// Package: internal/session
// 文件: session.go
// 功能: 追蹤單一客戶端會話的生命週期，並以「恰好一次、依序」的語意
//       把原語事件推送給客戶端
//
// 狀態轉換:
//
//   OPEN ──(超過 minTimeout 未聯繫)──> SUSPICIOUS ──(超過 maxTimeout)──> EXPIRED
//    ^                                   │
//    └──────────────(聯繫)───────────────┘
//   OPEN / SUSPICIOUS ──(Close)──> CLOSED
//
//   EXPIRED 與 CLOSED 為終止狀態：不再轉換，Publish 成為 no-op。
//
// 事件流程:
//   1. 套用命令時呼叫 Publish，事件進入 pending（尚未持久化，不可送出）
//   2. 命令提交完成後節點呼叫 Commit(index)，pending 事件取得序號並進入出站佇列
//   3. 出站佇列的事件交給 Sink，保留到客戶端以 ack 確認為止
//   4. 重新連線時 Attach(sink, ackSeq) 重送所有未確認事件
//
// 時間來源:
//   所有時間都來自已提交命令的時間戳，每個副本計算出相同的狀態轉換。
//
// 並發:
//   mu 保護會話狀態；notifyMu 序列化狀態轉換通知與監聽器集合的變更。
//   監聽器在 mu 釋放後、notifyMu 持有期間被呼叫，因此可以讀取會話狀態
//   或發佈事件，但不可在回呼中註冊或移除監聽器。
//
// ============================================================================

package session

import (
	"reflect"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

// Listener 會話狀態變更監聽器
type Listener interface {
	OnStateChange(s *Session, state types.State)
}

type funcListener struct {
	fn func(*Session, types.State)
}

func (l *funcListener) OnStateChange(s *Session, state types.State) { l.fn(s, state) }

// ListenerFunc 把函式包裝成 Listener，每次呼叫都產生一個獨立身份的監聽器
func ListenerFunc(fn func(*Session, types.State)) Listener {
	return &funcListener{fn: fn}
}

// ListenerID 註冊監聽器時回傳的不透明句柄
type ListenerID uint64

// Sink 出站事件的傳輸端。
// Send 必須是非阻塞的（例如放入緩衝佇列），且不可回呼會話本身；
// Send 回傳錯誤時會話會解除此 sink，未確認的事件保留到下次 Attach。
type Sink interface {
	Send(events []types.SequencedEvent) error
}

// Config 建立會話所需的不可變屬性
type Config struct {
	ID          types.SessionID
	ServiceName string
	ServiceType types.PrimitiveType
	NodeID      types.NodeID // 客戶端所連線的節點
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
}

type listenerEntry struct {
	id       ListenerID
	listener Listener
}

// Session 伺服器端會話
type Session struct {
	// 不可變屬性
	id          types.SessionID
	serviceName string
	serviceType types.PrimitiveType
	nodeID      types.NodeID
	minTimeout  time.Duration
	maxTimeout  time.Duration

	notifyMu sync.Mutex
	mu       sync.Mutex

	state       types.State
	lastContact time.Time

	// 監聽器依註冊順序保存；handles 只記錄可比較的監聽器
	listeners    []listenerEntry
	handles      map[Listener]ListenerID
	nextListener ListenerID

	pending     []types.PrimitiveEvent // 等待提交的事件
	outbound    []types.SequencedEvent // 已釋放、尚未確認的事件
	seq         uint64                 // 最後分配的序號
	ackSeq      uint64                 // 客戶端確認到的序號
	commitIndex int64                  // 最後一次 Commit 的日誌索引
	sink        Sink
}

// New 建立處於 OPEN 狀態的會話，now 為開啟命令的時間戳
func New(cfg Config, now time.Time) (*Session, error) {
	if cfg.MinTimeout <= 0 || cfg.MaxTimeout < cfg.MinTimeout {
		return nil, ErrInvalidTimeout
	}
	return &Session{
		id:          cfg.ID,
		serviceName: cfg.ServiceName,
		serviceType: cfg.ServiceType,
		nodeID:      cfg.NodeID,
		minTimeout:  cfg.MinTimeout,
		maxTimeout:  cfg.MaxTimeout,
		state:       types.StateOpen,
		lastContact: now,
		handles:     make(map[Listener]ListenerID),
	}, nil
}

func (s *Session) ID() types.SessionID { return s.id }

func (s *Session) ServiceName() string { return s.serviceName }

func (s *Session) ServiceType() types.PrimitiveType { return s.serviceType }

func (s *Session) NodeID() types.NodeID { return s.nodeID }

func (s *Session) MinTimeout() time.Duration { return s.minTimeout }

func (s *Session) MaxTimeout() time.Duration { return s.maxTimeout }

// Timeout 回傳最大逾時。
//
// Deprecated: 使用 MaxTimeout。
func (s *Session) Timeout() time.Duration { return s.MaxTimeout() }

// State 回傳目前狀態
func (s *Session) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastContact 最後一次聯繫的命令時間戳
func (s *Session) LastContact() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContact
}

// LastSeq 最後分配的事件序號
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// AckSeq 客戶端確認到的序號
func (s *Session) AckSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackSeq
}

// Unacked 尚未確認的出站事件數量
func (s *Session) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// ============================================================================
// 監聽器
// ============================================================================

// AddListener 註冊狀態監聽器。同一個監聽器重複註冊回傳同一個句柄，只會收到一次通知。
// 只有指標監聽器以自身作為身份；其他型別每次註冊都視為新的監聽器，
// 只能透過 RemoveListenerID 移除。
func (s *Session) AddListener(l Listener) ListenerID {
	if l == nil {
		return 0
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	keyed := keyable(l)
	if keyed {
		if id, ok := s.handles[l]; ok {
			return id
		}
	}
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listenerEntry{id: id, listener: l})
	if keyed {
		s.handles[l] = id
	}
	return id
}

// RemoveListener 移除監聽器；未註冊的監聽器回傳 false
func (s *Session) RemoveListener(l Listener) bool {
	if l == nil || !keyable(l) {
		return false
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.handles[l]
	if !ok {
		return false
	}
	return s.removeLocked(id)
}

// RemoveListenerID 依句柄移除監聽器
func (s *Session) RemoveListenerID(id ListenerID) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Session) removeLocked(id ListenerID) bool {
	for i, e := range s.listeners {
		if e.id != id {
			continue
		}
		s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
		if keyable(e.listener) {
			delete(s.handles, e.listener)
		}
		return true
	}
	return false
}

// keyable 只接受指標：可比較的值型別仍可能在 any 欄位帶著 slice，作為 map 鍵會 panic
func keyable(l Listener) bool {
	return reflect.TypeOf(l).Kind() == reflect.Pointer
}

// notify 依註冊順序通知監聽器；呼叫者持有 notifyMu 且已釋放 mu
func (s *Session) notify(listeners []listenerEntry, states []types.State) {
	for _, state := range states {
		for _, e := range listeners {
			e.listener.OnStateChange(s, state)
		}
	}
}

func (s *Session) listenerSnapshot() []listenerEntry {
	out := make([]listenerEntry, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// ============================================================================
// 狀態轉換
// ============================================================================

// transition 在兩把鎖下執行 fn，fn 回傳發生的狀態序列；
// 釋放 mu 之後通知當下註冊的所有監聽器
func (s *Session) transition(fn func() []types.State) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := fn()
	var listeners []listenerEntry
	if len(changed) > 0 {
		listeners = s.listenerSnapshot()
	}
	s.mu.Unlock()

	s.notify(listeners, changed)
}

// terminateLocked 進入終止狀態並丟棄出站佇列
func (s *Session) terminateLocked(state types.State) {
	s.state = state
	s.pending = nil
	s.outbound = nil
	s.sink = nil
}

// Check 以命令時間戳 now 評估逾時。
// 同一次檢查同時超過兩個界限時，會先經過 SUSPICIOUS 再進入 EXPIRED（兩次通知）。
func (s *Session) Check(now time.Time) types.State {
	var state types.State
	s.transition(func() []types.State {
		var changed []types.State
		if s.state.Active() {
			elapsed := now.Sub(s.lastContact)
			if s.state == types.StateOpen && elapsed >= s.minTimeout {
				s.state = types.StateSuspicious
				changed = append(changed, types.StateSuspicious)
			}
			if elapsed >= s.maxTimeout {
				s.terminateLocked(types.StateExpired)
				changed = append(changed, types.StateExpired)
			}
		}
		state = s.state
		return changed
	})
	return state
}

// KeepAlive 記錄一次聯繫並確認 ackSeq 之前的事件。
// 如果聯繫時已超過 maxTimeout，會話直接過期並回傳 ErrSessionExpired。
func (s *Session) KeepAlive(now time.Time, ackSeq uint64) error {
	var err error
	s.transition(func() []types.State {
		if !s.state.Active() {
			err = StateError(s.state)
			return nil
		}
		if now.Sub(s.lastContact) >= s.maxTimeout {
			var changed []types.State
			if s.state == types.StateOpen {
				s.state = types.StateSuspicious
				changed = append(changed, types.StateSuspicious)
			}
			s.terminateLocked(types.StateExpired)
			err = ErrSessionExpired
			return append(changed, types.StateExpired)
		}
		if now.After(s.lastContact) {
			s.lastContact = now
		}
		s.ackLocked(ackSeq)
		if s.state == types.StateSuspicious {
			s.state = types.StateOpen
			return []types.State{types.StateOpen}
		}
		return nil
	})
	return err
}

// Close 關閉會話；已處於終止狀態時回傳對應錯誤
func (s *Session) Close() error {
	return s.terminate(types.StateClosed)
}

// Expire 強制過期（管理操作）
func (s *Session) Expire() error {
	return s.terminate(types.StateExpired)
}

func (s *Session) terminate(state types.State) error {
	var err error
	s.transition(func() []types.State {
		if !s.state.Active() {
			err = StateError(s.state)
			return nil
		}
		s.terminateLocked(state)
		return []types.State{state}
	})
	return err
}

// ============================================================================
// 事件發佈
// ============================================================================

// Publish 把事件排入待提交批次。終止狀態下為 no-op；不會等待網路。
func (s *Session) Publish(event *types.PrimitiveEvent) error {
	if event == nil {
		return ErrNilEvent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() {
		return nil
	}
	value := make([]byte, len(event.Value))
	copy(value, event.Value)
	s.pending = append(s.pending, types.PrimitiveEvent{Type: event.Type, Value: value})
	return nil
}

// PublishEmpty 發佈沒有負載的事件
func (s *Session) PublishEmpty(eventType types.EventType) error {
	return s.Publish(types.EmptyEvent(eventType))
}

// PublishBytes 發佈已編碼的負載
func (s *Session) PublishBytes(eventType types.EventType, value []byte) error {
	return s.Publish(types.NewEvent(eventType, value))
}

// PublishValue 以 encode 編碼 value 後發佈
func PublishValue[T any](s *Session, eventType types.EventType, encode func(T) ([]byte, error), value T) error {
	b, err := encode(value)
	if err != nil {
		return err
	}
	return s.PublishBytes(eventType, b)
}

// Commit 在 index 的命令提交完成後釋放待提交事件：分配序號、放入出站佇列並交給 sink。
// 回傳釋放的事件數量。
func (s *Session) Commit(index int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index > s.commitIndex {
		s.commitIndex = index
	}
	if !s.state.Active() || len(s.pending) == 0 {
		s.pending = nil
		return 0
	}

	start := len(s.outbound)
	for _, ev := range s.pending {
		s.seq++
		s.outbound = append(s.outbound, types.SequencedEvent{
			SessionID: s.id,
			Seq:       s.seq,
			Index:     index,
			Event:     ev,
		})
	}
	released := len(s.pending)
	s.pending = nil

	s.sendLocked(s.outbound[start:])
	return released
}

// Ack 確認 seq（含）之前的事件，已確認的事件從出站佇列移除
func (s *Session) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackLocked(seq)
}

func (s *Session) ackLocked(seq uint64) {
	if seq > s.seq {
		seq = s.seq
	}
	if seq <= s.ackSeq {
		return
	}
	s.ackSeq = seq
	i := 0
	for i < len(s.outbound) && s.outbound[i].Seq <= seq {
		i++
	}
	s.outbound = append([]types.SequencedEvent(nil), s.outbound[i:]...)
}

// Attach 連接傳輸端，先確認 ackSeq 再依序重送所有未確認事件
func (s *Session) Attach(sink Sink, ackSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() {
		return StateError(s.state)
	}
	s.ackLocked(ackSeq)
	s.sink = sink
	if len(s.outbound) == 0 {
		return nil
	}
	batch := make([]types.SequencedEvent, len(s.outbound))
	copy(batch, s.outbound)
	if err := sink.Send(batch); err != nil {
		s.sink = nil
		return err
	}
	return nil
}

// Detach 解除傳輸端；只有目前連接的 sink 才會被解除
func (s *Session) Detach(sink Sink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil || s.sink != sink {
		return false
	}
	s.sink = nil
	return true
}

func (s *Session) sendLocked(events []types.SequencedEvent) {
	if s.sink == nil || len(events) == 0 {
		return
	}
	batch := make([]types.SequencedEvent, len(events))
	copy(batch, events)
	if err := s.sink.Send(batch); err != nil {
		log.Warn("Detaching session sink after send failure",
			"session", s.id, "service", s.serviceName, "error", err)
		s.sink = nil
	}
}
