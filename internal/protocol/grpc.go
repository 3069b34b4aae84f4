package protocol

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/raft-sessions/internal/rpc"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// gRPC 服務名稱與方法
const (
	ServiceName    = "primarybackup.v1.PrimaryBackup"
	MetadataMethod = "/" + ServiceName + "/Metadata"
	RestoreMethod  = "/" + ServiceName + "/Restore"
)

type primaryBackupServer interface {
	Metadata(ctx context.Context, req *MetadataRequest) *MetadataResponse
	Restore(ctx context.Context, req *RestoreRequest) *RestoreResponse
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*primaryBackupServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Metadata", Handler: metadataHandler},
		{MethodName: "Restore", Handler: restoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "primarybackup/v1",
}

// RegisterGRPC 把恢復協定註冊到 gRPC 伺服器
func RegisterGRPC(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&serviceDesc, s)
}

func metadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MetadataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(primaryBackupServer)
	if interceptor == nil {
		return s.Metadata(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MetadataMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Metadata(ctx, req.(*MetadataRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func restoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RestoreRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(primaryBackupServer)
	if interceptor == nil {
		return s.Restore(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RestoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Restore(ctx, req.(*RestoreRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCTransport 透過 gRPC 連線到其他成員。
// 未設定位址的成員以其 NodeID 作為位址。
type GRPCTransport struct {
	pool  *rpc.Pool
	mu    sync.RWMutex
	addrs map[types.NodeID]string
}

var _ Client = (*GRPCTransport)(nil)

// NewGRPCTransport 建立傳輸；pool 為 nil 時使用預設連線池
func NewGRPCTransport(addrs map[types.NodeID]string, pool *rpc.Pool) *GRPCTransport {
	if pool == nil {
		pool = rpc.NewPool()
	}
	t := &GRPCTransport{pool: pool, addrs: make(map[types.NodeID]string, len(addrs))}
	for id, addr := range addrs {
		t.addrs[id] = addr
	}
	return t
}

// SetAddress 更新成員位址
func (t *GRPCTransport) SetAddress(id types.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[id] = addr
}

func (t *GRPCTransport) conn(member types.NodeID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	addr, ok := t.addrs[member]
	t.mu.RUnlock()
	if !ok {
		addr = string(member)
	}
	return t.pool.Get(addr)
}

func (t *GRPCTransport) Metadata(ctx context.Context, member types.NodeID, req *MetadataRequest) *MetadataResponse {
	conn, err := t.conn(member)
	if err != nil {
		return MetadataFailure(StatusUnavailable)
	}
	out := new(MetadataResponse)
	if err := rpc.Invoke(ctx, conn, MetadataMethod, req, out); err != nil {
		return MetadataFailure(statusFromError(ctx, err))
	}
	return out
}

func (t *GRPCTransport) Restore(ctx context.Context, member types.NodeID, req *RestoreRequest) *RestoreResponse {
	conn, err := t.conn(member)
	if err != nil {
		return RestoreFailure(StatusUnavailable)
	}
	out := new(RestoreResponse)
	if err := rpc.Invoke(ctx, conn, RestoreMethod, req, out); err != nil {
		return RestoreFailure(statusFromError(ctx, err))
	}
	return out
}

// Close 關閉所有連線
func (t *GRPCTransport) Close() error {
	return t.pool.Close()
}

// statusFromError 把 gRPC 錯誤轉成協定狀態
func statusFromError(ctx context.Context, err error) Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return StatusTimeout
	case codes.Unimplemented, codes.InvalidArgument, codes.Internal:
		return StatusProtocolError
	default:
		return StatusUnavailable
	}
}
