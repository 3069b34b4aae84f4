package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func startBufServer(t *testing.T, s *Server) *rpc.Pool {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterGRPC(gs, s)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	pool := rpc.NewPool(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestGRPCTransportRoundTrip(t *testing.T) {
	host := newFakeHost()
	host.add("bag", "multiset", Snapshot{Index: 9, Timestamp: time.UnixMilli(42), Data: []byte{0, 1, 2}})
	pool := startBufServer(t, NewServer(host, nil))

	tr := NewGRPCTransport(nil, pool)
	tr.SetAddress("primary", "passthrough:///bufnet")
	ctx := context.Background()

	meta := tr.Metadata(ctx, "primary", &MetadataRequest{PrimitiveType: "multiset"})
	require.Equal(t, StatusOK, meta.Status)
	assert.Equal(t, []string{"bag"}, meta.PrimitiveNames)

	resp := tr.Restore(ctx, "primary", &RestoreRequest{Name: "bag", Type: "multiset"})
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, int64(9), resp.Index)
	assert.Equal(t, int64(42), resp.Timestamp)
	assert.Equal(t, []byte{0, 1, 2}, resp.Data)

	resp = tr.Restore(ctx, "primary", &RestoreRequest{Name: "nope"})
	assert.Equal(t, StatusNotFound, resp.Status)
}

func TestGRPCTransportTimeout(t *testing.T) {
	host := newFakeHost()
	host.add("bag", "multiset", Snapshot{Index: 1})
	host.delay = time.Second
	pool := startBufServer(t, NewServer(host, nil))
	tr := NewGRPCTransport(nil, pool)
	tr.SetAddress("primary", "passthrough:///bufnet")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, StatusTimeout, tr.Restore(ctx, "primary", &RestoreRequest{Name: "bag"}).Status)
}
