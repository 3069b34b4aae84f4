package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var log = slog.With("component", "session")

// Registry 單一服務的會話集合。
// 終止的會話在 Collect 時移除，並留下墓碑以區分「已過期/已關閉」與「不存在」。
type Registry struct {
	mu          sync.RWMutex
	serviceName string
	serviceType types.PrimitiveType
	sessions    map[types.SessionID]*Session
	tombstones  map[types.SessionID]types.State
	listeners   []Listener // 自動註冊到每個新會話
}

// NewRegistry 建立會話集合；listeners 會註冊到之後開啟或還原的每個會話
func NewRegistry(serviceName string, serviceType types.PrimitiveType, listeners ...Listener) *Registry {
	return &Registry{
		serviceName: serviceName,
		serviceType: serviceType,
		sessions:    make(map[types.SessionID]*Session),
		tombstones:  make(map[types.SessionID]types.State),
		listeners:   listeners,
	}
}

func (r *Registry) ServiceName() string { return r.serviceName }

func (r *Registry) ServiceType() types.PrimitiveType { return r.serviceType }

// Open 建立新會話
func (r *Registry) Open(id types.SessionID, nodeID types.NodeID, minTimeout, maxTimeout time.Duration, now time.Time) (*Session, error) {
	s, err := New(Config{
		ID:          id,
		ServiceName: r.serviceName,
		ServiceType: r.serviceType,
		NodeID:      nodeID,
		MinTimeout:  minTimeout,
		MaxTimeout:  maxTimeout,
	}, now)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, ErrDuplicateSession
	}
	if _, exists := r.tombstones[id]; exists {
		return nil, ErrDuplicateSession
	}
	r.addLocked(s)
	return s, nil
}

func (r *Registry) addLocked(s *Session) {
	for _, l := range r.listeners {
		s.AddListener(l)
	}
	r.sessions[s.id] = s
}

// Get 取得會話。已被回收的終止會話回傳 ErrSessionExpired 或 ErrSessionClosed。
func (r *Registry) Get(id types.SessionID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if state, ok := r.tombstones[id]; ok {
		return nil, StateError(state)
	}
	return nil, ErrUnknownSession
}

// Active 取得仍活躍的會話
func (r *Registry) Active(id types.SessionID) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := StateError(s.State()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close 關閉會話
func (r *Registry) Close(id types.SessionID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// Expire 強制會話過期
func (r *Registry) Expire(id types.SessionID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Expire()
}

// Sessions 依 ID 排序回傳所有會話
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len 會話數量（含尚未回收的終止會話）
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Check 以命令時間戳評估所有會話的逾時
func (r *Registry) Check(now time.Time) {
	for _, s := range r.Sessions() {
		s.Check(now)
	}
}

// Commit 釋放所有會話在 index 產生的事件，回傳釋放總數
func (r *Registry) Commit(index int64) int {
	released := 0
	for _, s := range r.Sessions() {
		released += s.Commit(index)
	}
	return released
}

// Collect 移除終止的會話並留下墓碑，回傳被移除的會話
func (r *Registry) Collect() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*Session
	for id, s := range r.sessions {
		state := s.State()
		if state.Active() {
			continue
		}
		delete(r.sessions, id)
		r.tombstones[id] = state
		removed = append(removed, s)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].id < removed[j].id })
	return removed
}
