package multiset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ChuLiYu/raft-sessions/internal/client"
	"github.com/ChuLiYu/raft-sessions/internal/transcode"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

// Submitter 把會話上的命令與查詢送到主節點
type Submitter interface {
	Command(ctx context.Context, id types.SessionID, operation string, value []byte) ([]byte, error)
	Query(ctx context.Context, id types.SessionID, operation string, value []byte) ([]byte, error)
}

// Proxy 客戶端多重集合，透過會話存取伺服器端狀態機
type Proxy struct {
	name      string
	session   *client.Session
	submitter Submitter

	// regMu 序列化註冊與遠端 OpListen/OpUnlisten；mu 只保護清單，事件分派只取 mu
	regMu      sync.Mutex
	mu         sync.Mutex
	listeners  []proxyListener
	identities map[transcode.SetEventListener[[]byte]]transcode.ListenerID
	nextID     transcode.ListenerID
}

type proxyListener struct {
	id       transcode.ListenerID
	listener transcode.SetEventListener[[]byte]
}

var _ transcode.Multiset[[]byte] = (*Proxy)(nil)

// NewProxy 建立代理並在客戶端會話上註冊事件處理
func NewProxy(name string, s *client.Session, submitter Submitter) *Proxy {
	p := &Proxy{
		name:       name,
		session:    s,
		submitter:  submitter,
		identities: make(map[transcode.SetEventListener[[]byte]]transcode.ListenerID),
	}
	s.On(EventAdd, p.dispatcher(transcode.SetEventAdd))
	s.On(EventRemove, p.dispatcher(transcode.SetEventRemove))
	return p
}

func (p *Proxy) dispatcher(t transcode.SetEventType) client.Handler {
	return func(ev types.PrimitiveEvent) {
		p.mu.Lock()
		targets := append([]proxyListener(nil), p.listeners...)
		p.mu.Unlock()

		event := transcode.SetEvent[[]byte]{Name: p.name, Type: t, Entry: ev.Value}
		for _, e := range targets {
			e.listener.Event(event)
		}
	}
}

func (p *Proxy) Name() string { return p.name }

func (p *Proxy) Add(ctx context.Context, element []byte) (bool, error) {
	var ok bool
	err := p.command(ctx, OpAdd, element, &ok)
	return ok, err
}

func (p *Proxy) Remove(ctx context.Context, element []byte) (bool, error) {
	var ok bool
	err := p.command(ctx, OpRemove, element, &ok)
	return ok, err
}

// Clear 移除所有元素，回傳移除的數量
func (p *Proxy) Clear(ctx context.Context) (int, error) {
	var n int
	err := p.command(ctx, OpClear, nil, &n)
	return n, err
}

func (p *Proxy) Count(ctx context.Context, element []byte) (int, error) {
	var n int
	err := p.query(ctx, OpCount, element, &n)
	return n, err
}

func (p *Proxy) Contains(ctx context.Context, element []byte) (bool, error) {
	var ok bool
	err := p.query(ctx, OpContains, element, &ok)
	return ok, err
}

func (p *Proxy) Size(ctx context.Context) (int, error) {
	var n int
	err := p.query(ctx, OpSize, nil, &n)
	return n, err
}

func (p *Proxy) Elements(ctx context.Context) ([][]byte, error) {
	var elements [][]byte
	err := p.query(ctx, OpElements, nil, &elements)
	return elements, err
}

// AddListener 註冊監聽器；第一個監聽器會讓伺服器開始對此會話發佈事件
func (p *Proxy) AddListener(ctx context.Context, l transcode.SetEventListener[[]byte]) (transcode.ListenerID, error) {
	if l == nil {
		return 0, transcode.ErrNilListener
	}
	keyed := transcode.HasIdentity(l)

	p.regMu.Lock()
	defer p.regMu.Unlock()

	p.mu.Lock()
	id, exists := p.identities[l]
	first := len(p.listeners) == 0
	p.mu.Unlock()
	if keyed && exists {
		return id, nil
	}
	if first {
		if err := p.command(ctx, OpListen, nil, nil); err != nil {
			return 0, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.listeners = append(p.listeners, proxyListener{id: p.nextID, listener: l})
	if keyed {
		p.identities[l] = p.nextID
	}
	return p.nextID, nil
}

// RemoveListener 移除指標監聽器；最後一個監聽器移除時通知伺服器停止發佈
func (p *Proxy) RemoveListener(ctx context.Context, l transcode.SetEventListener[[]byte]) error {
	if !transcode.HasIdentity(l) {
		return nil
	}
	p.regMu.Lock()
	defer p.regMu.Unlock()

	p.mu.Lock()
	id, ok := p.identities[l]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.removeRegistered(ctx, id)
}

func (p *Proxy) RemoveListenerID(ctx context.Context, id transcode.ListenerID) error {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	return p.removeRegistered(ctx, id)
}

// removeRegistered 呼叫者持有 regMu
func (p *Proxy) removeRegistered(ctx context.Context, id transcode.ListenerID) error {
	p.mu.Lock()
	idx := -1
	for i, e := range p.listeners {
		if e.id == id {
			idx = i
			break
		}
	}
	last := len(p.listeners) == 1
	p.mu.Unlock()
	if idx < 0 {
		return nil
	}
	if last {
		if err := p.command(ctx, OpUnlisten, nil, nil); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.listeners[idx]
	p.listeners = append(p.listeners[:idx], p.listeners[idx+1:]...)
	if transcode.HasIdentity(e.listener) {
		delete(p.identities, e.listener)
	}
	return nil
}

func (p *Proxy) command(ctx context.Context, op string, value []byte, out any) error {
	res, err := p.submitter.Command(ctx, p.session.ID(), op, value)
	if err != nil {
		return fmt.Errorf("multiset %s %s: %w", p.name, op, err)
	}
	return decode(res, out)
}

func (p *Proxy) query(ctx context.Context, op string, value []byte, out any) error {
	res, err := p.submitter.Query(ctx, p.session.ID(), op, value)
	if err != nil {
		return fmt.Errorf("multiset %s %s: %w", p.name, op, err)
	}
	return decode(res, out)
}

func decode(res []byte, out any) error {
	if out == nil || len(res) == 0 {
		return nil
	}
	return json.Unmarshal(res, out)
}
