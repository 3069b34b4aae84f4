package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/cli"
	"github.com/ChuLiYu/raft-sessions/internal/client"
	"github.com/ChuLiYu/raft-sessions/internal/node"
	"github.com/ChuLiYu/raft-sessions/internal/primitive/multiset"
	"github.com/ChuLiYu/raft-sessions/internal/transcode"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

// 示範：主節點開啟會話並發佈事件，備援節點透過 gRPC 恢復後接手，
// 客戶端重新附加，事件不重複也不遺失。
func main() {
	dir, err := os.MkdirTemp("", "raft-sessions-demo-")
	if err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, dir); err != nil {
		log.Fatalf("Demo failed: %v", err)
	}
}

func run(ctx context.Context, dir string) error {
	fmt.Println("========================================")
	fmt.Println("🚀 Raft Sessions Failover Demo")
	fmt.Println("========================================")

	// ========================================================================
	// 啟動主節點
	// ========================================================================
	primary, err := startApp(ctx, "primary", "primary", filepath.Join(dir, "primary"), nil)
	if err != nil {
		return err
	}
	var stopPrimary sync.Once
	defer stopPrimary.Do(primary.Stop)
	primaryAddr := primary.Server().GRPCAddr()
	fmt.Printf("✅ Primary started (grpc %s)\n", primaryAddr)

	id, err := primary.Node().OpenSession(ctx, node.SessionOptions{
		Service:    "fruits",
		Type:       multiset.Type,
		ClientNode: "demo-client",
		MinTimeout: 5 * time.Second,
		MaxTimeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	fmt.Printf("📝 Session %d opened on service 'fruits'\n", id)

	cs := client.New(id)
	defer cs.Close()
	if err := cs.Reconnect(ctx, primary.Node()); err != nil {
		return err
	}

	target := &failover{n: primary.Node(), cs: cs}
	fruits := transcode.NewTranscodingMultiset[string, []byte](
		multiset.NewProxy("fruits", cs, target),
		transcode.CodecFuncs[string, []byte]{
			EncodeFunc: func(s string) []byte { return []byte(s) },
			DecodeFunc: func(b []byte) string { return string(b) },
		},
	)

	rec := &recorder{}
	if _, err := fruits.AddListener(ctx, transcode.SetEventListenerFunc(rec.record)); err != nil {
		return fmt.Errorf("add listener: %w", err)
	}

	for _, f := range []string{"apple", "banana"} {
		if _, err := fruits.Add(ctx, f); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}
	if !rec.waitFor(2, 2*time.Second) {
		return fmt.Errorf("expected 2 events, got %d", rec.len())
	}
	fmt.Printf("📨 Client received %d events (last seq %d)\n", rec.len(), cs.LastSeq())

	// 主節點只收到第一個事件的確認，第二個事件需要由新主節點重送
	if err := primary.Node().KeepAlive(ctx, id, 1); err != nil {
		return err
	}

	// ========================================================================
	// 備援節點向主節點恢復
	// ========================================================================
	backup, err := startApp(ctx, "backup", "backup", filepath.Join(dir, "backup"),
		[]cli.MemberConfig{{ID: "primary", Addr: primaryAddr}})
	if err != nil {
		return err
	}
	defer backup.Stop()

	res, err := backup.Restore(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("🔄 Backup restored %d primitive(s) from %s in %v\n", len(res.Restored), res.Member, res.Duration)

	// ========================================================================
	// 故障轉移
	// ========================================================================
	fmt.Println("\n💥 Primary crashed")
	_ = primary.Node().Demote()
	stopPrimary.Do(primary.Stop)

	if err := backup.Node().Promote(); err != nil {
		return err
	}
	target.set(backup.Node())
	fmt.Println("👑 Backup promoted to primary")

	if err := cs.Reconnect(ctx, backup.Node()); err != nil {
		return err
	}
	if _, err := fruits.Add(ctx, "cherry"); err != nil {
		return fmt.Errorf("add cherry: %w", err)
	}
	if !rec.waitFor(3, 2*time.Second) {
		return fmt.Errorf("expected 3 events, got %d", rec.len())
	}

	elements, err := fruits.Elements(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\n========================================")
	fmt.Println("📊 Result")
	fmt.Println("========================================")
	for i, e := range rec.entries() {
		fmt.Printf("  %d. %s\n", i+1, e)
	}
	fmt.Printf("Elements:  %v\n", elements)
	fmt.Printf("Last seq:  %d\n", cs.LastSeq())
	fmt.Println("✅ No duplicate or lost events across failover")
	return nil
}

func startApp(ctx context.Context, id, role, dataDir string, members []cli.MemberConfig) (*cli.App, error) {
	cfg, err := cli.NewConfig(id, role, dataDir)
	if err != nil {
		return nil, err
	}
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Recovery.Members = members

	app, err := cli.NewApp(cfg)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// failover 代理目前的主節點
// failover 把命令送到目前的主節點；客戶端偵測過序號缺口時先重新附加
type failover struct {
	mu sync.Mutex
	n  *node.Node
	cs *client.Session
}

func (f *failover) set(n *node.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n = n
}

func (f *failover) get() *node.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *failover) current(ctx context.Context) (*node.Node, error) {
	n := f.get()
	if _, err := f.cs.Resync(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (f *failover) Command(ctx context.Context, id types.SessionID, op string, value []byte) ([]byte, error) {
	n, err := f.current(ctx)
	if err != nil {
		return nil, err
	}
	return n.Command(ctx, id, op, value)
}

func (f *failover) Query(ctx context.Context, id types.SessionID, op string, value []byte) ([]byte, error) {
	n, err := f.current(ctx)
	if err != nil {
		return nil, err
	}
	return n.Query(ctx, id, op, value)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(e transcode.SetEvent[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s %s", e.Type, e.Entry))
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.len() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return r.len() >= n
}
