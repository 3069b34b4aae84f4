package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	streamBuffer   = 64
	writeTimeout   = 5 * time.Second
	ackTimeout     = 5 * time.Second
	frameAttached  = "attached"
	frameEvents    = "events"
	closeGraceTime = time.Second
)

var (
	errStreamClosed = errors.New("event stream closed")
	errStreamFull   = errors.New("event stream buffer full")
)

// eventFrame 伺服器送出的訊框
type eventFrame struct {
	Type         string                 `json:"type"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	SessionID    types.SessionID        `json:"session_id,omitempty"`
	Events       []types.SequencedEvent `json:"events,omitempty"`
}

// ackFrame 客戶端確認已處理到 Ack 序號
type ackFrame struct {
	Ack uint64 `json:"ack"`
}

// eventStream 一條 WebSocket 連線，作為會話的 Sink。
// Send 只放入緩衝通道，由 writeLoop 寫出；緩衝滿時關閉串流並回傳錯誤讓會話解除此 sink。
type eventStream struct {
	id      string
	session types.SessionID
	conn    *websocket.Conn
	out     chan []types.SequencedEvent
	done    chan struct{}
	once    sync.Once
}

func newEventStream(id string, sid types.SessionID, conn *websocket.Conn) *eventStream {
	return &eventStream{
		id:      id,
		session: sid,
		conn:    conn,
		out:     make(chan []types.SequencedEvent, streamBuffer),
		done:    make(chan struct{}),
	}
}

func (s *eventStream) Send(events []types.SequencedEvent) error {
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	batch := append([]types.SequencedEvent(nil), events...)
	select {
	case s.out <- batch:
		return nil
	default:
		// 客戶端跟不上：關閉串流，writeLoop 送出關閉訊框，客戶端重新連線後從 ack 重送
		s.close()
		return errStreamFull
	}
}

func (s *eventStream) close() {
	s.once.Do(func() { close(s.done) })
}

// writeLoop 唯一的寫入者；結束時關閉連線讓讀取端返回
func (s *eventStream) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case batch := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(eventFrame{Type: frameEvents, SessionID: s.session, Events: batch}); err != nil {
				log.Warn("Event stream write failed", "conn", s.id, "session", s.session, "error", err)
				s.close()
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceTime))
			return
		}
	}
}

func (gw *Gateway) register(s *eventStream) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return false
	}
	gw.streams[s.id] = s
	return true
}

func (gw *Gateway) unregister(s *eventStream) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	delete(gw.streams, s.id)
}

// streamEvents 升級為 WebSocket，從 ack 之後重送未確認事件並持續推送。
// 客戶端送來的 {"ack": N} 以 KeepAlive 提交，同時延長會話。
func (gw *Gateway) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var ack uint64
	if raw := r.URL.Query().Get("ack"); raw != "" {
		ack, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid ack")
			return
		}
	}
	if _, _, err := gw.host.SessionService(id); err != nil {
		respondErr(w, err)
		return
	}

	connID, err := gonanoid.New()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "connection id")
		return
	}
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "session", id, "error", err)
		return
	}

	stream := newEventStream(connID, id, conn)
	if !gw.register(stream) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceTime))
		conn.Close()
		return
	}
	defer gw.unregister(stream)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(eventFrame{Type: frameAttached, ConnectionID: connID, SessionID: id}); err != nil {
		conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		stream.writeLoop()
	}()
	defer func() {
		gw.host.Detach(id, stream)
		stream.close()
		<-writerDone
		log.Info("Event stream closed", "conn", connID, "session", id)
	}()

	if err := gw.host.Attach(r.Context(), id, ack, stream); err != nil {
		log.Warn("Attach failed", "conn", connID, "session", id, "error", err)
		return
	}
	log.Info("Event stream attached", "conn", connID, "session", id, "ack", ack)

	for {
		var frame ackFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Event stream read failed", "conn", connID, "session", id, "error", err)
			}
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), ackTimeout)
		err := gw.host.KeepAlive(ctx, id, frame.Ack)
		cancel()
		if err != nil {
			log.Warn("Ack rejected", "conn", connID, "session", id, "ack", frame.Ack, "error", err)
			return
		}
	}
}
