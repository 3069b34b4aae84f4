package transcode

import (
	"context"
	"errors"
	"reflect"
)

// SetEventType 集合事件類型
type SetEventType string

const (
	SetEventAdd    SetEventType = "ADD"
	SetEventRemove SetEventType = "REMOVE"
)

// SetEvent 集合變更事件
type SetEvent[E any] struct {
	Name  string // 來源集合名稱
	Type  SetEventType
	Entry E
}

// SetEventListener 集合事件監聽器。指標型別的監聽器以指標作為身份；
// 其他型別每次註冊都是新的監聽器，只能依句柄移除。
type SetEventListener[E any] interface {
	Event(event SetEvent[E])
}

// SetEventListenerFunc 把函式包裝成監聽器，每次呼叫產生獨立身份
func SetEventListenerFunc[E any](fn func(SetEvent[E])) SetEventListener[E] {
	return &funcListener[E]{fn: fn}
}

type funcListener[E any] struct {
	fn func(SetEvent[E])
}

func (l *funcListener[E]) Event(event SetEvent[E]) { l.fn(event) }

// ListenerID 監聽器句柄
type ListenerID uint64

// ErrNilListener 註冊 nil 監聽器
var ErrNilListener = errors.New("nil listener")

// HasIdentity 回報監聽器能否以自身值作為身份。
// 只有指標可以：可比較的結構仍可能在 any 欄位中帶著 slice，作為 map 鍵時會 panic。
func HasIdentity(l any) bool {
	return l != nil && reflect.TypeOf(l).Kind() == reflect.Pointer
}

// Multiset 分散式多重集合
type Multiset[E any] interface {
	Name() string
	Add(ctx context.Context, element E) (bool, error)
	Remove(ctx context.Context, element E) (bool, error)
	Count(ctx context.Context, element E) (int, error)
	Contains(ctx context.Context, element E) (bool, error)
	Size(ctx context.Context) (int, error)
	Elements(ctx context.Context) ([]E, error)
	AddListener(ctx context.Context, listener SetEventListener[E]) (ListenerID, error)
	// RemoveListener 移除指標監聽器；未註冊或沒有身份的監聽器回傳 nil
	RemoveListener(ctx context.Context, listener SetEventListener[E]) error
	// RemoveListenerID 依 AddListener 回傳的句柄移除監聽器；未知句柄回傳 nil
	RemoveListenerID(ctx context.Context, id ListenerID) error
}
