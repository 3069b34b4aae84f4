package multiset

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/client"
	"github.com/ChuLiYu/raft-sessions/internal/primitive"
	"github.com/ChuLiYu/raft-sessions/internal/session"
	"github.com/ChuLiYu/raft-sessions/internal/transcode"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness 在單一行程內模擬節點：依序套用命令並在每個命令後提交事件
type harness struct {
	mu       sync.Mutex
	service  *Service
	sessions *session.Registry
	index    int64
	now      time.Time
}

func newHarness() *harness {
	return &harness{
		service:  NewService("bag"),
		sessions: session.NewRegistry("bag", Type),
		now:      time.Unix(1700000000, 0),
	}
}

func (h *harness) open(t *testing.T) *session.Session {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.index++
	s, err := h.sessions.Open(types.SessionID(h.index), "node-1", time.Second, 10*time.Second, h.now)
	require.NoError(t, err)
	return s
}

func (h *harness) Command(_ context.Context, id types.SessionID, op string, value []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.index++
	s, err := h.sessions.Active(id)
	if err != nil {
		return nil, err
	}
	res, err := h.service.Apply(primitive.Commit{
		Index:     h.index,
		Timestamp: h.now,
		Session:   s,
		Sessions:  h.sessions,
		Operation: op,
		Value:     value,
	})
	h.sessions.Commit(h.index)
	return res, err
}

func (h *harness) Query(_ context.Context, id types.SessionID, op string, value []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.sessions.Active(id)
	if err != nil {
		return nil, err
	}
	return h.service.Query(primitive.Query{Session: s, Operation: op, Value: value})
}

type bytesListener struct {
	mu     sync.Mutex
	events []transcode.SetEvent[[]byte]
}

func (l *bytesListener) Event(ev transcode.SetEvent[[]byte]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *bytesListener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *bytesListener) Events() []transcode.SetEvent[[]byte] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transcode.SetEvent[[]byte](nil), l.events...)
}

func TestServiceApplyAndQuery(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "a"} {
		res, err := h.Command(ctx, s.ID(), OpAdd, []byte(v))
		require.NoError(t, err)
		assert.JSONEq(t, "true", string(res))
	}

	res, err := h.Query(ctx, s.ID(), OpCount, []byte("a"))
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(res))

	res, err = h.Query(ctx, s.ID(), OpSize, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "3", string(res))

	res, err = h.Command(ctx, s.ID(), OpRemove, []byte("z"))
	require.NoError(t, err)
	assert.JSONEq(t, "false", string(res))

	res, err = h.Query(ctx, s.ID(), OpElements, nil)
	require.NoError(t, err)
	var elements [][]byte
	require.NoError(t, json.Unmarshal(res, &elements))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("a"), []byte("b")}, elements)

	_, err = h.Command(ctx, s.ID(), "explode", nil)
	assert.ErrorIs(t, err, primitive.ErrUnknownOperation)
	_, err = h.Query(ctx, s.ID(), "explode", nil)
	assert.ErrorIs(t, err, primitive.ErrUnknownOperation)
}

func TestServicePublishesToListeningSessions(t *testing.T) {
	h := newHarness()
	listener := h.open(t)
	other := h.open(t)
	ctx := context.Background()

	_, err := h.Command(ctx, listener.ID(), OpListen, nil)
	require.NoError(t, err)
	_, err = h.Command(ctx, other.ID(), OpAdd, []byte("x"))
	require.NoError(t, err)
	_, err = h.Command(ctx, other.ID(), OpClear, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), listener.LastSeq())
	assert.Equal(t, uint64(0), other.LastSeq())

	// 關閉的會話不再收到事件，並從監聽集合移除
	require.NoError(t, listener.Close())
	_, err = h.Command(ctx, other.ID(), OpAdd, []byte("y"))
	require.NoError(t, err)
	assert.Empty(t, h.service.listeners)
}

func TestServiceSnapshotRestore(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	ctx := context.Background()
	_, err := h.Command(ctx, s.ID(), OpListen, nil)
	require.NoError(t, err)
	for _, v := range []string{"b", "a", "b", "\x00\xff"} {
		_, err := h.Command(ctx, s.ID(), OpAdd, []byte(v))
		require.NoError(t, err)
	}

	data, err := h.service.Snapshot()
	require.NoError(t, err)

	restored := NewService("bag")
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, h.service.counts, restored.counts)
	assert.Equal(t, h.service.listeners, restored.listeners)

	again, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	assert.Error(t, restored.Restore([]byte{0x0a, 0x05, 0x01}))
	assert.Equal(t, h.service.counts, restored.counts, "failed restore must not modify state")
}

func TestRegisterFactory(t *testing.T) {
	r := primitive.NewRegistry()
	Register(r)
	sm, err := r.New(Type, "bag")
	require.NoError(t, err)
	assert.IsType(t, &Service{}, sm)

	_, err = r.New("counter", "c")
	assert.ErrorIs(t, err, primitive.ErrUnknownType)
	assert.Equal(t, []types.PrimitiveType{Type}, r.Types())
}

// ============================================================================
// Proxy
// ============================================================================

func newProxy(t *testing.T, h *harness) (*Proxy, *session.Session) {
	t.Helper()
	server := h.open(t)
	cs := client.New(server.ID())
	t.Cleanup(cs.Close)
	require.NoError(t, server.Attach(cs, 0))
	return NewProxy("bag", cs, h), server
}

func TestProxyOperations(t *testing.T) {
	h := newHarness()
	p, _ := newProxy(t, h)
	ctx := context.Background()

	ok, err := p.Add(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = p.Add(ctx, []byte("a"))
	require.NoError(t, err)

	n, err := p.Count(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	contains, err := p.Contains(ctx, []byte("b"))
	require.NoError(t, err)
	assert.False(t, contains)

	removed, err := p.Remove(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, removed)

	size, err := p.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	cleared, err := p.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	elements, err := p.Elements(ctx)
	require.NoError(t, err)
	assert.Empty(t, elements)
	assert.Equal(t, "bag", p.Name())
}

func TestProxyListeners(t *testing.T) {
	h := newHarness()
	p, server := newProxy(t, h)
	ctx := context.Background()
	l := &bytesListener{}

	id1, err := p.AddListener(ctx, l)
	require.NoError(t, err)
	id2, err := p.AddListener(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_, err = p.Add(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = p.Remove(ctx, []byte("a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Len() == 2 }, time.Second, 5*time.Millisecond)
	events := l.Events()
	assert.Equal(t, transcode.SetEventAdd, events[0].Type)
	assert.Equal(t, transcode.SetEventRemove, events[1].Type)
	assert.Equal(t, "bag", events[0].Name)
	assert.Equal(t, []byte("a"), events[0].Entry)

	// 移除最後一個監聽器後伺服器停止發佈
	require.NoError(t, p.RemoveListener(ctx, l))
	seq := server.LastSeq()
	_, err = p.Add(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, seq, server.LastSeq())

	assert.NoError(t, p.RemoveListener(ctx, l))
}

func TestTranscodedProxy(t *testing.T) {
	h := newHarness()
	p, _ := newProxy(t, h)
	ctx := context.Background()
	words := transcode.NewTranscodingMultiset[string, []byte](p, transcode.StringBytes)

	var mu sync.Mutex
	var got []string
	_, err := words.AddListener(ctx, transcode.SetEventListenerFunc(func(ev transcode.SetEvent[string]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Entry)
	}))
	require.NoError(t, err)

	_, err = words.Add(ctx, "hello")
	require.NoError(t, err)
	elements, err := words.Elements(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, elements)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "hello"
	}, time.Second, 5*time.Millisecond)
}

// taggedListener 值型別監聽器，any 欄位帶著不可雜湊的值
type taggedListener struct {
	tag    any
	target *bytesListener
}

func (l taggedListener) Event(ev transcode.SetEvent[[]byte]) { l.target.Event(ev) }

func TestProxyValueListenerUsesHandles(t *testing.T) {
	h := newHarness()
	p, server := newProxy(t, h)
	ctx := context.Background()
	target := &bytesListener{}
	l := taggedListener{tag: []int{1}, target: target}

	var id transcode.ListenerID
	require.NotPanics(t, func() {
		var err error
		id, err = p.AddListener(ctx, l)
		require.NoError(t, err)
		assert.NoError(t, p.RemoveListener(ctx, l))
	})

	_, err := p.Add(ctx, []byte("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return target.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.RemoveListenerID(ctx, id))
	seq := server.LastSeq()
	_, err = p.Add(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, seq, server.LastSeq(), "last listener removed by handle stops publishing")
}

// listenDispatcher 在 OpListen 送出期間同步分派一個事件
type listenDispatcher struct {
	*harness
	dispatch client.Handler
}

func (d *listenDispatcher) Command(ctx context.Context, id types.SessionID, op string, value []byte) ([]byte, error) {
	if op == OpListen || op == OpUnlisten {
		d.dispatch(types.PrimitiveEvent{Type: EventAdd, Value: []byte("in-flight")})
	}
	return d.harness.Command(ctx, id, op, value)
}

func TestProxyDispatchDuringListenCommand(t *testing.T) {
	h := newHarness()
	server := h.open(t)
	cs := client.New(server.ID())
	t.Cleanup(cs.Close)
	require.NoError(t, server.Attach(cs, 0))
	d := &listenDispatcher{harness: h}
	p := NewProxy("bag", cs, d)
	d.dispatch = p.dispatcher(transcode.SetEventAdd)

	done := make(chan error, 1)
	go func() {
		l := &bytesListener{}
		if _, err := p.AddListener(context.Background(), l); err != nil {
			done <- err
			return
		}
		done <- p.RemoveListener(context.Background(), l)
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener registration blocked event dispatch")
	}
}
