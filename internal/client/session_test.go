package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/session"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqEvent(seq uint64, value string) types.SequencedEvent {
	return types.SequencedEvent{
		SessionID: 1,
		Seq:       seq,
		Event:     types.PrimitiveEvent{Type: "ADD", Value: []byte(value)},
	}
}

type collector struct {
	mu     sync.Mutex
	values []string
}

func (c *collector) handle(ev types.PrimitiveEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, string(ev.Value))
}

func (c *collector) Values() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.values...)
}

func TestDeliverDropsDuplicates(t *testing.T) {
	s := New(1)
	defer s.Close()
	c := &collector{}
	s.On("ADD", c.handle)

	require.NoError(t, s.Deliver([]types.SequencedEvent{seqEvent(1, "a"), seqEvent(2, "b")}))
	require.NoError(t, s.Deliver([]types.SequencedEvent{seqEvent(2, "b"), seqEvent(3, "c")}))

	assert.Equal(t, []string{"a", "b", "c"}, c.Values())
	assert.Equal(t, uint64(3), s.LastSeq())
}

func TestDeliverDetectsGap(t *testing.T) {
	s := New(1)
	defer s.Close()
	c := &collector{}
	s.OnAny(c.handle)

	err := s.Deliver([]types.SequencedEvent{seqEvent(1, "a"), seqEvent(3, "c")})
	assert.ErrorIs(t, err, ErrSequenceGap)
	assert.True(t, s.NeedsResync())
	assert.Equal(t, []string{"a"}, c.Values())
	assert.Equal(t, uint64(1), s.LastSeq())
}

func TestResyncAfterGapReplaysMissedEvents(t *testing.T) {
	server, err := session.New(session.Config{ID: 1, MinTimeout: time.Minute, MaxTimeout: time.Hour}, time.Unix(0, 0))
	require.NoError(t, err)
	for i, v := range []string{"a", "b", "c"} {
		require.NoError(t, server.PublishBytes("ADD", []byte(v)))
		server.Commit(int64(i + 1))
	}

	s := New(1)
	defer s.Close()
	c := &collector{}
	s.On("ADD", c.handle)
	conn := &sessionConn{server: server}

	resynced, err := s.Resync(context.Background(), conn)
	require.NoError(t, err)
	assert.False(t, resynced, "no gap seen yet")

	require.ErrorIs(t, s.Deliver([]types.SequencedEvent{seqEvent(1, "a"), seqEvent(3, "c")}), ErrSequenceGap)
	require.True(t, s.NeedsResync())

	resynced, err = s.Resync(context.Background(), conn)
	require.NoError(t, err)
	assert.True(t, resynced)
	assert.False(t, s.NeedsResync())
	require.Eventually(t, func() bool { return len(c.Values()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, c.Values())
}

func TestHandlersByEventType(t *testing.T) {
	s := New(1)
	defer s.Close()
	adds, removes := &collector{}, &collector{}
	s.On("ADD", adds.handle)
	s.On("REMOVE", removes.handle)

	require.NoError(t, s.Deliver([]types.SequencedEvent{
		seqEvent(1, "a"),
		{Seq: 2, Event: types.PrimitiveEvent{Type: "REMOVE", Value: []byte("a")}},
	}))
	assert.Equal(t, []string{"a"}, adds.Values())
	assert.Equal(t, []string{"a"}, removes.Values())
}

func TestSendAfterClose(t *testing.T) {
	s := New(1)
	s.Close()
	assert.ErrorIs(t, s.Send([]types.SequencedEvent{seqEvent(1, "a")}), ErrClosed)
}

// sessionConn 把伺服器端會話當作連線
type sessionConn struct {
	server *session.Session
}

func (c *sessionConn) Attach(_ context.Context, _ types.SessionID, ackSeq uint64, sink Sink) error {
	return c.server.Attach(sink, ackSeq)
}

// TestNoDuplicateOrLostDeliveryAcrossReconnects 事件在斷線重連之間恰好交付一次且依序
func TestNoDuplicateOrLostDeliveryAcrossReconnects(t *testing.T) {
	server, err := session.New(session.Config{
		ID:         1,
		MinTimeout: time.Minute,
		MaxTimeout: time.Hour,
	}, time.Unix(0, 0))
	require.NoError(t, err)

	s := New(1)
	defer s.Close()
	c := &collector{}
	s.On("ADD", c.handle)

	conn := &sessionConn{server: server}
	require.NoError(t, s.Reconnect(context.Background(), conn))

	publish := func(index int64, v string) {
		require.NoError(t, server.PublishBytes("ADD", []byte(v)))
		server.Commit(index)
	}

	publish(1, "a")
	publish(2, "b")
	publish(3, "c")
	require.Eventually(t, func() bool { return s.LastSeq() == 3 }, time.Second, 5*time.Millisecond)

	// 只確認到 1 就斷線；斷線期間繼續發佈
	server.Ack(1)
	server.Detach(s)
	publish(4, "d")
	publish(5, "e")

	// 重新連線以 lastSeq=3 為確認點，伺服器只重送 4、5
	require.NoError(t, s.Reconnect(context.Background(), conn))
	require.Eventually(t, func() bool { return s.LastSeq() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), server.AckSeq())

	// 以過時的確認點附加：伺服器重送 4、5，客戶端丟棄重複
	require.NoError(t, server.Attach(s, 1))
	publish(6, "f")
	require.Eventually(t, func() bool { return s.LastSeq() == 6 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, c.Values())
}
