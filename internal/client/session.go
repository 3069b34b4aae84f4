// Package client 實作客戶端會話：以序號去重、偵測缺口、追蹤確認點，
// 並在切換節點時從最後確認的序號繼續接收事件。
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var log = slog.With("component", "client")

var (
	// ErrSequenceGap 收到的事件序號不連續，需要重新連線
	ErrSequenceGap = errors.New("event sequence gap")
	// ErrInboxFull 接收佇列已滿
	ErrInboxFull = errors.New("client inbox full")
	// ErrClosed 會話已關閉
	ErrClosed = errors.New("client session closed")
)

// Handler 事件處理函式
type Handler func(event types.PrimitiveEvent)

// Conn 能讓客戶端會話重新附加的連線（本地節點或遠端閘道）
type Conn interface {
	Attach(ctx context.Context, id types.SessionID, ackSeq uint64, sink Sink) error
}

// Sink 與伺服器端 session.Sink 相同的介面
type Sink interface {
	Send(events []types.SequencedEvent) error
}

const defaultInboxSize = 256

// Session 客戶端會話
type Session struct {
	id types.SessionID

	mu       sync.Mutex
	lastSeq  uint64
	handlers map[types.EventType][]Handler
	all      []Handler
	gap      bool

	inbox  chan []types.SequencedEvent
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New 建立客戶端會話並啟動事件派送 goroutine
func New(id types.SessionID) *Session {
	s := &Session{
		id:       id,
		handlers: make(map[types.EventType][]Handler),
		inbox:    make(chan []types.SequencedEvent, defaultInboxSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

func (s *Session) ID() types.SessionID { return s.id }

// On 註冊特定事件類型的處理函式
func (s *Session) On(eventType types.EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

// OnAny 註冊接收所有事件的處理函式
func (s *Session) OnAny(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, h)
}

// LastSeq 最後交付的序號，作為 keep-alive 的確認點與重新連線的起點
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// NeedsResync 是否偵測過缺口而尚未重新連線
func (s *Session) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gap
}

// Deliver 同步處理一批事件：丟棄重複（seq <= lastSeq），
// 遇到缺口時停止並回傳 ErrSequenceGap，其餘依序交給處理函式
func (s *Session) Deliver(batch []types.SequencedEvent) error {
	for _, ev := range batch {
		handlers, ok, err := s.accept(ev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, h := range handlers {
			h(ev.Event)
		}
	}
	return nil
}

// accept 在鎖內推進 lastSeq 並取出處理函式
func (s *Session) accept(ev types.SequencedEvent) ([]Handler, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Seq <= s.lastSeq {
		return nil, false, nil
	}
	if ev.Seq > s.lastSeq+1 {
		s.gap = true
		return nil, false, fmt.Errorf("%w: session %d expected %d, got %d", ErrSequenceGap, s.id, s.lastSeq+1, ev.Seq)
	}
	s.lastSeq = ev.Seq
	handlers := make([]Handler, 0, len(s.handlers[ev.Event.Type])+len(s.all))
	handlers = append(handlers, s.handlers[ev.Event.Type]...)
	handlers = append(handlers, s.all...)
	return handlers, true, nil
}

// Send 實作 Sink：把批次放入接收佇列，由派送 goroutine 依序處理；不會阻塞
func (s *Session) Send(events []types.SequencedEvent) error {
	select {
	case <-s.stopCh:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- events:
		return nil
	default:
		return ErrInboxFull
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case batch := <-s.inbox:
			if err := s.Deliver(batch); err != nil {
				log.Warn("Dropping event batch", "session", s.id, "error", err)
			}
		}
	}
}

// Reconnect 從最後交付的序號重新附加到 conn，伺服器端會重送之後的所有事件
func (s *Session) Reconnect(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	s.gap = false
	ack := s.lastSeq
	s.mu.Unlock()
	if err := conn.Attach(ctx, s.id, ack, s); err != nil {
		return fmt.Errorf("reattach session %d: %w", s.id, err)
	}
	log.Info("Session reattached", "session", s.id, "ack", ack)
	return nil
}

// Resync 偵測過缺口時重新附加到 conn，回傳是否重新連線
func (s *Session) Resync(ctx context.Context, conn Conn) (bool, error) {
	if !s.NeedsResync() {
		return false, nil
	}
	log.Info("Resyncing after sequence gap", "session", s.id, "ack", s.LastSeq())
	return true, s.Reconnect(ctx, conn)
}

// Close 停止派送 goroutine
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}
