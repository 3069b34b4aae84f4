package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/metrics"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost 可設定角色、原語與延遲的 Host
type fakeHost struct {
	mu        sync.Mutex
	role      types.Role
	names     map[string]types.PrimitiveType
	snapshots map[string]Snapshot
	delay     time.Duration
	err       error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		role:      types.RolePrimary,
		names:     map[string]types.PrimitiveType{},
		snapshots: map[string]Snapshot{},
	}
}

func (h *fakeHost) add(name string, t types.PrimitiveType, snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[name] = t
	h.snapshots[name] = snap
}

func (h *fakeHost) Role() types.Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.role
}

func (h *fakeHost) PrimitiveNames(t types.PrimitiveType) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name, typ := range h.names {
		if t == "" || t == typ {
			out = append(out, name, name)
		}
	}
	return out
}

func (h *fakeHost) SnapshotPrimitive(ctx context.Context, name string, t types.PrimitiveType) (Snapshot, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return Snapshot{}, h.err
	}
	typ, ok := h.names[name]
	if !ok || (t != "" && typ != t) {
		return Snapshot{}, ErrPrimitiveNotFound
	}
	return h.snapshots[name], nil
}

func TestStatusRetry(t *testing.T) {
	assert.Equal(t, RetryNone, StatusOK.Retry())
	assert.Equal(t, RetryElsewhere, StatusNotPrimary.Retry())
	assert.Equal(t, RetryElsewhere, StatusNotFound.Retry())
	assert.Equal(t, RetryLater, StatusTimeout.Retry())
	assert.Equal(t, RetryLater, StatusUnavailable.Retry())
	assert.Equal(t, Fatal, StatusProtocolError.Retry())
	assert.Equal(t, Fatal, Status(42).Retry())
	assert.True(t, StatusOK.OK())
	assert.Equal(t, "NOT_PRIMARY", StatusNotPrimary.String())
}

func TestServerMetadata(t *testing.T) {
	host := newFakeHost()
	host.add("b", "multiset", Snapshot{})
	host.add("a", "multiset", Snapshot{})
	host.add("c", "counter", Snapshot{})
	s := NewServer(host, metrics.NewCollector(prometheus.NewRegistry()))
	ctx := context.Background()

	resp := s.Metadata(ctx, &MetadataRequest{PrimitiveType: "multiset"})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, []string{"a", "b"}, resp.PrimitiveNames)

	resp = s.Metadata(ctx, &MetadataRequest{})
	assert.Equal(t, []string{"a", "b", "c"}, resp.PrimitiveNames)

	assert.Equal(t, StatusProtocolError, s.Metadata(ctx, nil).Status)

	host.role = types.RoleBackup
	resp = s.Metadata(ctx, &MetadataRequest{})
	assert.Equal(t, StatusNotPrimary, resp.Status)
	assert.Empty(t, resp.PrimitiveNames)
}

func TestServerRestore(t *testing.T) {
	host := newFakeHost()
	ts := time.UnixMilli(1700000000123)
	host.add("bag", "multiset", Snapshot{Index: 12, Timestamp: ts, Data: []byte("state")})
	s := NewServer(host, nil)
	ctx := context.Background()

	resp := s.Restore(ctx, &RestoreRequest{Name: "bag", Type: "multiset"})
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, int64(12), resp.Index)
	assert.Equal(t, ts.UnixMilli(), resp.Timestamp)
	assert.Equal(t, []byte("state"), resp.Data)

	resp = s.Restore(ctx, &RestoreRequest{Name: "missing", Type: "multiset"})
	assert.Equal(t, StatusNotFound, resp.Status)
	assert.Zero(t, resp.Index)
	assert.Nil(t, resp.Data)

	resp = s.Restore(ctx, &RestoreRequest{Name: "bag", Type: "counter"})
	assert.Equal(t, StatusNotFound, resp.Status)

	assert.Equal(t, StatusProtocolError, s.Restore(ctx, &RestoreRequest{}).Status)

	host.err = errors.New("disk on fire")
	assert.Equal(t, StatusProtocolError, s.Restore(ctx, &RestoreRequest{Name: "bag"}).Status)

	host.err = nil
	host.role = types.RoleNone
	assert.Equal(t, StatusNotPrimary, s.Restore(ctx, &RestoreRequest{Name: "bag"}).Status)
}

func TestLocalTransport(t *testing.T) {
	host := newFakeHost()
	host.add("bag", "multiset", Snapshot{Index: 3, Data: []byte("x")})
	tr := NewLocalTransport()
	tr.Register("primary", NewServer(host, nil))
	ctx := context.Background()

	resp := tr.Metadata(ctx, "primary", &MetadataRequest{})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, []string{"bag"}, resp.PrimitiveNames)

	assert.Equal(t, StatusUnavailable, tr.Metadata(ctx, "ghost", &MetadataRequest{}).Status)
	assert.Equal(t, StatusUnavailable, tr.Restore(ctx, "ghost", &RestoreRequest{Name: "bag"}).Status)

	tr.Unregister("primary")
	assert.Equal(t, StatusUnavailable, tr.Restore(ctx, "primary", &RestoreRequest{Name: "bag"}).Status)
}

func TestLocalTransportTimeout(t *testing.T) {
	host := newFakeHost()
	host.add("bag", "multiset", Snapshot{Index: 3})
	host.delay = time.Second
	tr := NewLocalTransport()
	tr.Register("primary", NewServer(host, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := tr.Restore(ctx, "primary", &RestoreRequest{Name: "bag"})
	assert.Equal(t, StatusTimeout, resp.Status)
	assert.Nil(t, resp.Data)
}
