// ============================================================================
// Raft-Sessions 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復與故障轉移測試
//
// 測試目標:
//   以完整組裝的節點（cli.App）透過真實 gRPC 驗證：
//   1. 備援節點從主節點恢復所有原語
//   2. 故障轉移後狀態與會話延續
//   3. 非主節點成員回應 NOT_PRIMARY 時改詢問下一個成員
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/cli"
	"github.com/ChuLiYu/raft-sessions/internal/node"
	"github.com/ChuLiYu/raft-sessions/internal/primitive/multiset"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startApp 在暫存目錄啟動節點，gRPC 綁定隨機埠
func startApp(t testing.TB, id, role string, members ...cli.MemberConfig) *cli.App {
	t.Helper()
	cfg, err := cli.NewConfig(id, role, t.TempDir())
	require.NoError(t, err)
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Recovery.Members = members

	app, err := cli.NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(app.Stop)
	return app
}

func member(id string, app *cli.App) cli.MemberConfig {
	return cli.MemberConfig{ID: id, Addr: app.Server().GRPCAddr()}
}

func openBag(t testing.TB, n *node.Node, service string) types.SessionID {
	t.Helper()
	id, err := n.OpenSession(context.Background(), node.SessionOptions{
		Service:    service,
		Type:       multiset.Type,
		ClientNode: "integration",
		MinTimeout: 5 * time.Second,
		MaxTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	return id
}

func size(t testing.TB, n *node.Node, id types.SessionID) int {
	t.Helper()
	raw, err := n.Query(context.Background(), id, multiset.OpSize, nil)
	require.NoError(t, err)
	var v int
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestEndToEndFailover(t *testing.T) {
	ctx := context.Background()
	primary := startApp(t, "primary", "primary")

	ids := make(map[string]types.SessionID)
	for _, svc := range []string{"alpha", "beta", "gamma"} {
		id := openBag(t, primary.Node(), svc)
		ids[svc] = id
		for i := 0; i < 20; i++ {
			_, err := primary.Node().Command(ctx, id, multiset.OpAdd, []byte(fmt.Sprintf("%s-%d", svc, i%10)))
			require.NoError(t, err)
		}
	}

	backup := startApp(t, "backup", "backup", member("primary", primary))
	res, err := backup.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("primary"), res.Member)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, res.Restored)
	assert.Empty(t, res.Failed)

	// 主節點故障
	require.NoError(t, primary.Node().Demote())
	primary.Stop()
	require.NoError(t, backup.Node().Promote())

	for svc, id := range ids {
		assert.Equal(t, 20, size(t, backup.Node(), id), "service %s", svc)
	}

	// 會話在新主節點上繼續可用
	_, err = backup.Node().Command(ctx, ids["alpha"], multiset.OpAdd, []byte("after-failover"))
	require.NoError(t, err)
	assert.Equal(t, 21, size(t, backup.Node(), ids["alpha"]))
}

func TestRecoverySkipsNonPrimaryMembers(t *testing.T) {
	ctx := context.Background()
	primary := startApp(t, "primary", "primary")
	id := openBag(t, primary.Node(), "bag")
	_, err := primary.Node().Command(ctx, id, multiset.OpAdd, []byte("x"))
	require.NoError(t, err)

	standby := startApp(t, "standby", "backup")
	backup := startApp(t, "backup", "backup", member("standby", standby), member("primary", primary))

	res, err := backup.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("primary"), res.Member)
	assert.Equal(t, []string{"bag"}, res.Restored)

	st := backup.Node().GetStatus()
	require.Len(t, st.Services, 1)
	assert.Equal(t, "bag", st.Services[0].Name)
	assert.Positive(t, st.Services[0].Index)
}

func TestRestoreOnStart(t *testing.T) {
	primary := startApp(t, "primary", "primary")
	openBag(t, primary.Node(), "bag")

	cfg, err := cli.NewConfig("backup", "backup", t.TempDir())
	require.NoError(t, err)
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Recovery.OnStart = true
	cfg.Recovery.Members = []cli.MemberConfig{member("primary", primary)}

	app, err := cli.NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer app.Stop()

	st := app.Node().GetStatus()
	require.Len(t, st.Services, 1)
	assert.Equal(t, multiset.Type, st.Services[0].Type)
}

// 主節點沒有新寫入時重複恢復，第二次視為已是最新而成功
func TestRecoverTwiceWithoutNewWrites(t *testing.T) {
	ctx := context.Background()
	primary := startApp(t, "primary", "primary")
	id := openBag(t, primary.Node(), "bag-1")
	_, err := primary.Node().Command(ctx, id, multiset.OpAdd, []byte("x"))
	require.NoError(t, err)

	backup := startApp(t, "backup", "backup", member("primary", primary))
	first, err := backup.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bag-1"}, first.Restored)
	index := backup.Node().GetStatus().Services[0].Index

	second, err := backup.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bag-1"}, second.Restored)
	assert.Empty(t, second.Failed)
	assert.Equal(t, index, backup.Node().GetStatus().Services[0].Index)
}
