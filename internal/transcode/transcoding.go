package transcode

import (
	"context"
	"fmt"
	"sync"
)

// TranscodingMultiset 以 Codec 包裝底層集合：每個送出的元素編碼一次，
// 每個收到的事件元素解碼一次，事件名稱與類型原樣保留。
//
// 每個註冊的監聽器對應一個轉接監聽器；註冊與移除由 mu 序列化，
// 事件轉發不經過 mu。
type TranscodingMultiset[E1, E2 any] struct {
	backing Multiset[E2]
	codec   Codec[E1, E2]

	mu         sync.Mutex
	adapters   map[ListenerID]*adapterListener[E1, E2]
	identities map[SetEventListener[E1]]ListenerID
}

// NewTranscodingMultiset 建立轉碼集合
func NewTranscodingMultiset[E1, E2 any](backing Multiset[E2], codec Codec[E1, E2]) *TranscodingMultiset[E1, E2] {
	return &TranscodingMultiset[E1, E2]{
		backing:    backing,
		codec:      codec,
		adapters:   make(map[ListenerID]*adapterListener[E1, E2]),
		identities: make(map[SetEventListener[E1]]ListenerID),
	}
}

var _ Multiset[string] = (*TranscodingMultiset[string, []byte])(nil)

type adapterListener[E1, E2 any] struct {
	id     ListenerID
	target SetEventListener[E1]
	codec  Codec[E1, E2]
}

func (a *adapterListener[E1, E2]) Event(event SetEvent[E2]) {
	a.target.Event(SetEvent[E1]{
		Name:  event.Name,
		Type:  event.Type,
		Entry: a.codec.Decode(event.Entry),
	})
}

func (m *TranscodingMultiset[E1, E2]) Name() string { return m.backing.Name() }

func (m *TranscodingMultiset[E1, E2]) Add(ctx context.Context, element E1) (bool, error) {
	return m.backing.Add(ctx, m.codec.Encode(element))
}

func (m *TranscodingMultiset[E1, E2]) Remove(ctx context.Context, element E1) (bool, error) {
	return m.backing.Remove(ctx, m.codec.Encode(element))
}

func (m *TranscodingMultiset[E1, E2]) Count(ctx context.Context, element E1) (int, error) {
	return m.backing.Count(ctx, m.codec.Encode(element))
}

func (m *TranscodingMultiset[E1, E2]) Contains(ctx context.Context, element E1) (bool, error) {
	return m.backing.Contains(ctx, m.codec.Encode(element))
}

func (m *TranscodingMultiset[E1, E2]) Size(ctx context.Context) (int, error) {
	return m.backing.Size(ctx)
}

func (m *TranscodingMultiset[E1, E2]) Elements(ctx context.Context) ([]E1, error) {
	encoded, err := m.backing.Elements(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]E1, len(encoded))
	for i, e := range encoded {
		out[i] = m.codec.Decode(e)
	}
	return out, nil
}

// AddListener 註冊監聽器。同一個指標監聽器重複註冊回傳原本的句柄，不會重複建立轉接監聽器。
func (m *TranscodingMultiset[E1, E2]) AddListener(ctx context.Context, listener SetEventListener[E1]) (ListenerID, error) {
	if listener == nil {
		return 0, ErrNilListener
	}
	keyed := HasIdentity(listener)

	m.mu.Lock()
	defer m.mu.Unlock()

	if keyed {
		if id, ok := m.identities[listener]; ok {
			return id, nil
		}
	}
	adapter := &adapterListener[E1, E2]{target: listener, codec: m.codec}
	id, err := m.backing.AddListener(ctx, adapter)
	if err != nil {
		return 0, fmt.Errorf("register listener on %s: %w", m.backing.Name(), err)
	}
	adapter.id = id
	m.adapters[id] = adapter
	if keyed {
		m.identities[listener] = id
	}
	return id, nil
}

// RemoveListener 移除監聽器並從底層集合解除對應的轉接監聽器
func (m *TranscodingMultiset[E1, E2]) RemoveListener(ctx context.Context, listener SetEventListener[E1]) error {
	if !HasIdentity(listener) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[listener]
	if !ok {
		return nil
	}
	return m.removeLocked(ctx, id)
}

func (m *TranscodingMultiset[E1, E2]) RemoveListenerID(ctx context.Context, id ListenerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(ctx, id)
}

func (m *TranscodingMultiset[E1, E2]) removeLocked(ctx context.Context, id ListenerID) error {
	adapter, ok := m.adapters[id]
	if !ok {
		return nil
	}
	if err := m.backing.RemoveListenerID(ctx, id); err != nil {
		return fmt.Errorf("unregister listener on %s: %w", m.backing.Name(), err)
	}
	delete(m.adapters, id)
	if HasIdentity(adapter.target) {
		delete(m.identities, adapter.target)
	}
	return nil
}
