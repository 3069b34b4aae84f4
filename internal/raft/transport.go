package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/raft-sessions/internal/rpc"
	"google.golang.org/grpc"
)

// gRPC 服務名稱與方法
const (
	ServiceName         = "raft.v1.Raft"
	RequestVoteMethod   = "/" + ServiceName + "/RequestVote"
	AppendEntriesMethod = "/" + ServiceName + "/AppendEntries"
)

// ErrPeerUnreachable 對端無法連線
var ErrPeerUnreachable = errors.New("raft: peer unreachable")

// ============================================================================
// gRPC 傳輸
// ============================================================================

// GrpcTransport implements the Transport interface using gRPC with the JSON codec
type GrpcTransport struct {
	pool  *rpc.Pool
	mu    sync.RWMutex
	addrs map[string]string // peer ID -> address; unknown peers use the ID as address
}

var _ Transport = (*GrpcTransport)(nil)

// NewGrpcTransport creates a new GrpcTransport
func NewGrpcTransport(addrs map[string]string, pool *rpc.Pool) *GrpcTransport {
	if pool == nil {
		pool = rpc.NewPool()
	}
	t := &GrpcTransport{pool: pool, addrs: make(map[string]string, len(addrs))}
	for id, addr := range addrs {
		t.addrs[id] = addr
	}
	return t
}

// getConn returns a cached connection for the given peer
func (t *GrpcTransport) getConn(peer string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	addr, ok := t.addrs[peer]
	t.mu.RUnlock()
	if !ok {
		addr = peer
	}
	conn, err := t.pool.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", addr, err)
	}
	return conn, nil
}

// SendRequestVote sends a RequestVote RPC to a peer
func (t *GrpcTransport) SendRequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	conn, err := t.getConn(peer)
	if err != nil {
		return nil, err
	}
	reply := new(RequestVoteReply)
	if err := rpc.Invoke(ctx, conn, RequestVoteMethod, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// SendAppendEntries sends an AppendEntries RPC to a peer
func (t *GrpcTransport) SendAppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	conn, err := t.getConn(peer)
	if err != nil {
		return nil, err
	}
	reply := new(AppendEntriesReply)
	if err := rpc.Invoke(ctx, conn, AppendEntriesMethod, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Close closes all peer connections
func (t *GrpcTransport) Close() error {
	return t.pool.Close()
}

type raftServer interface {
	RequestVote(args *RequestVoteArgs, reply *RequestVoteReply)
	AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft/v1",
}

// RegisterGRPC registers the Raft RPC handlers of rf on a gRPC server
func RegisterGRPC(r grpc.ServiceRegistrar, rf *Raft) {
	r.RegisterService(&serviceDesc, rf)
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(_ context.Context, req any) (any, error) {
		reply := new(RequestVoteReply)
		srv.(raftServer).RequestVote(req.(*RequestVoteArgs), reply)
		return reply, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: RequestVoteMethod}, call)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(_ context.Context, req any) (any, error) {
		reply := new(AppendEntriesReply)
		srv.(raftServer).AppendEntries(req.(*AppendEntriesArgs), reply)
		return reply, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: AppendEntriesMethod}, call)
}

// ============================================================================
// 行程內傳輸（測試與示範）
// ============================================================================

// LocalTransport routes RPCs between Raft instances in the same process
type LocalTransport struct {
	mu           sync.RWMutex
	nodes        map[string]*Raft
	disconnected map[string]bool
}

var _ Transport = (*LocalTransport)(nil)

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: make(map[string]*Raft), disconnected: make(map[string]bool)}
}

// Register makes rf reachable under its ID
func (t *LocalTransport) Register(rf *Raft) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[rf.ID()] = rf
}

// Disconnect isolates id in both directions
func (t *LocalTransport) Disconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[id] = true
}

// Reconnect undoes Disconnect
func (t *LocalTransport) Reconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.disconnected, id)
}

func (t *LocalTransport) route(from, to string) (*Raft, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rf, ok := t.nodes[to]
	if !ok || t.disconnected[from] || t.disconnected[to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrPeerUnreachable, from, to)
	}
	return rf, nil
}

func (t *LocalTransport) SendRequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	rf, err := t.route(args.CandidateID, peer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := new(RequestVoteReply)
	rf.RequestVote(args, reply)
	return reply, nil
}

func (t *LocalTransport) SendAppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	rf, err := t.route(args.LeaderID, peer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 複製 entries，避免與發送端共用切片
	copied := *args
	copied.Entries = append([]LogEntry(nil), args.Entries...)
	reply := new(AppendEntriesReply)
	rf.AppendEntries(&copied, reply)
	return reply, nil
}
