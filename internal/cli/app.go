package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/raft-sessions/internal/metrics"
	"github.com/ChuLiYu/raft-sessions/internal/node"
	"github.com/ChuLiYu/raft-sessions/internal/primitive"
	"github.com/ChuLiYu/raft-sessions/internal/primitive/multiset"
	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/internal/raft"
	"github.com/ChuLiYu/raft-sessions/internal/recovery"
	"github.com/ChuLiYu/raft-sessions/internal/rpc"
	"github.com/ChuLiYu/raft-sessions/internal/server"
	"github.com/ChuLiYu/raft-sessions/internal/snapshot"
	"github.com/ChuLiYu/raft-sessions/internal/storage/wal"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App 依設定組裝好的節點、複製日誌與對外服務
type App struct {
	config   *Config
	registry *prometheus.Registry
	metrics  *metrics.Collector
	pool     *rpc.Pool
	node     *node.Node
	raft     *raft.Raft
	protocol *protocol.Server
	server   *server.Server
	closers  []func() error
	once     sync.Once
}

// Primitives 節點可託管的原語類型
func Primitives() *primitive.Registry {
	r := primitive.NewRegistry()
	multiset.Register(r)
	return r
}

// NewApp 建立節點但不啟動
func NewApp(cfg *Config) (*App, error) {
	a := &App{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		pool:     rpc.NewPool(),
	}
	if cfg.Metrics.Enabled {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewCollector(a.registry)
	}

	store, err := a.snapshotStore()
	if err != nil {
		a.close()
		return nil, err
	}

	var lg node.Log
	if cfg.replicated() {
		ids := make([]string, 0, len(cfg.Raft.Peers))
		for id := range cfg.Raft.Peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		applyCh := make(chan raft.ApplyMsg, 256)
		a.raft = raft.NewRaft(raft.Config{
			ID:                cfg.Node.ID,
			Peers:             ids,
			ElectionTimeout:   cfg.Raft.ElectionTimeout,
			HeartbeatInterval: cfg.Raft.HeartbeatInterval,
		}, raft.NewMemoryLogStore(), raft.NewGrpcTransport(cfg.Raft.Peers, a.pool), applyCh)
		lg = node.NewRaftLog(a.raft, applyCh)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.WAL.Path), 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create WAL directory: %w", err)
		}
		w, err := wal.NewWAL(cfg.WAL.Path, cfg.WAL.SyncOnAppend)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		lg = node.NewLocalLog(w)
	}

	a.node, err = node.New(node.Config{
		ID:               types.NodeID(cfg.Node.ID),
		Role:             cfg.role(),
		Primitives:       Primitives(),
		Log:              lg,
		Store:            store,
		SnapshotSchedule: cfg.Snapshot.Schedule,
		TickInterval:     cfg.Node.TickInterval,
		Metrics:          a.metrics,
	})
	if err != nil {
		_ = lg.Stop()
		a.close()
		return nil, err
	}

	a.protocol = protocol.NewServer(a.node, a.metrics)
	a.server = server.NewServer(a.node, a.protocol, a.raft, server.Config{
		GRPCAddr:          cfg.GRPC.Addr,
		HTTPAddr:          cfg.HTTP.Addr,
		Gatherer:          a.registry,
		SessionMinTimeout: cfg.Session.MinTimeout,
		SessionMaxTimeout: cfg.Session.MaxTimeout,
	})
	return a, nil
}

func (a *App) snapshotStore() (snapshot.Store, error) {
	cfg := a.config
	switch cfg.Snapshot.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Snapshot.Redis.Addr,
			Password: cfg.Snapshot.Redis.Password,
			DB:       cfg.Snapshot.Redis.DB,
		})
		store, err := snapshot.NewRedisStore(snapshot.RedisConfig{Client: client, Key: cfg.Snapshot.Redis.Key})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Snapshot.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
		return snapshot.NewManager(cfg.Snapshot.Path).WithBackups(cfg.Snapshot.KeepBackups), nil
	}
}

// Node 回傳組裝好的節點
func (a *App) Node() *node.Node { return a.node }

// Server 回傳對外服務
func (a *App) Server() *server.Server { return a.server }

// Start 恢復本地狀態、開始監聽；設定 recovery.on_start 時向成員恢復
func (a *App) Start(ctx context.Context) error {
	if err := a.node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	if err := a.server.Start(); err != nil {
		a.node.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Info("Node started",
		"id", a.config.Node.ID, "role", a.node.Role(), "replicated", a.config.replicated(),
		"grpc", a.server.GRPCAddr(), "http", a.server.HTTPAddr())

	if a.config.Recovery.OnStart && len(a.config.Recovery.Members) > 0 {
		res, err := a.Restore(ctx)
		if err != nil {
			return err
		}
		log.Info("Recovered from members", "member", res.Member, "restored", len(res.Restored), "duration", res.Duration)
	}
	return nil
}

// Restore 向 recovery.members 取得並安裝所有原語
func (a *App) Restore(ctx context.Context) (*recovery.Result, error) {
	cfg := a.config.Recovery
	addrs := make(map[types.NodeID]string, len(cfg.Members))
	members := make([]types.NodeID, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		addrs[types.NodeID(m.ID)] = m.Addr
		members = append(members, types.NodeID(m.ID))
	}
	transport := protocol.NewGRPCTransport(addrs, a.pool)

	restorer := recovery.NewRestorer(transport, a.node, recovery.Config{
		Members:        members,
		PrimitiveType:  types.PrimitiveType(cfg.PrimitiveType),
		MaxAttempts:    cfg.MaxAttempts,
		RequestTimeout: cfg.RequestTimeout,
		Backoff:        cfg.Backoff,
		Concurrency:    cfg.Concurrency,
	}, a.metrics)
	res, err := restorer.Recover(ctx)
	if err != nil {
		return res, fmt.Errorf("recovery failed: %w", err)
	}
	return res, nil
}

// Stop 停止對外服務，保存最後快照並關閉連線
func (a *App) Stop() {
	a.server.Stop()
	a.node.Stop()
	a.close()
}

func (a *App) close() {
	a.once.Do(a.closeResources)
}

func (a *App) closeResources() {
	if err := a.pool.Close(); err != nil {
		log.Warn("Failed to close connection pool", "error", err)
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn("Failed to close resource", "error", err)
		}
	}
}
