package protocol

import (
	"context"
	"sync"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

// Client 向叢集成員發送恢復協定請求。
// 失敗一律以 Status 表示：逾時為 StatusTimeout，無法連線為 StatusUnavailable。
type Client interface {
	Metadata(ctx context.Context, member types.NodeID, req *MetadataRequest) *MetadataResponse
	Restore(ctx context.Context, member types.NodeID, req *RestoreRequest) *RestoreResponse
}

// LocalTransport 行程內傳輸，用於測試與示範
type LocalTransport struct {
	mu      sync.RWMutex
	servers map[types.NodeID]*Server
}

var _ Client = (*LocalTransport)(nil)

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{servers: make(map[types.NodeID]*Server)}
}

// Register 讓成員可被連線
func (t *LocalTransport) Register(id types.NodeID, s *Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.servers[id] = s
}

// Unregister 模擬成員離線
func (t *LocalTransport) Unregister(id types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.servers, id)
}

func (t *LocalTransport) server(id types.NodeID) *Server {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.servers[id]
}

func (t *LocalTransport) Metadata(ctx context.Context, member types.NodeID, req *MetadataRequest) *MetadataResponse {
	s := t.server(member)
	if s == nil {
		return MetadataFailure(StatusUnavailable)
	}
	return call(ctx, func() *MetadataResponse { return s.Metadata(ctx, req) }, MetadataFailure)
}

func (t *LocalTransport) Restore(ctx context.Context, member types.NodeID, req *RestoreRequest) *RestoreResponse {
	s := t.server(member)
	if s == nil {
		return RestoreFailure(StatusUnavailable)
	}
	return call(ctx, func() *RestoreResponse { return s.Restore(ctx, req) }, RestoreFailure)
}

// call 在獨立 goroutine 執行請求，ctx 結束時回傳逾時
func call[T any](ctx context.Context, fn func() *T, fail func(Status) *T) *T {
	done := make(chan *T, 1)
	go func() { done <- fn() }()
	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return fail(StatusTimeout)
	}
}
