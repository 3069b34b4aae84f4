// ============================================================================
// Raft-Sessions 節點 - 託管原語服務與會話
// ============================================================================
//
// Package: internal/node
// 文件: node.go
// 功能: 依日誌順序套用命令、管理會話、提供主備恢復協定所需的快照與安裝
//
// 架構設計:
//   - Log: 命令排序（單節點 WAL 或 raft）
//   - services: 每個原語名稱一個服務（狀態機 + 會話集合 + 讀寫鎖）
//   - snapshot.Store: 定期保存全部服務，加速重啟
//
// 套用一個項目（index i，時間戳 t）:
//   1. 所有服務以 t 檢查會話逾時
//   2. 套用命令（服務寫鎖下）；狀態機發佈的事件暫存於會話
//   3. 所有服務 Commit(i)：暫存事件取得序號並交給 sink
//   4. 回收終止的會話，更新服務的 index 與時間
//   5. 把結果交給等待的提議者（以請求 ID 對應）
//
// 啟動恢復流程:
//   1. loadSnapshot() - 從快照還原所有服務
//   2. Log.Start()    - 重放快照索引之後的 WAL 事件
//
// 背景工作:
//   - cron 排程: 定期快照，快照後旋轉 WAL
//   - tick 循環: 主節點定期提議 tick，讓沒有流量時時間仍會前進
//
// ============================================================================

package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/client"
	"github.com/ChuLiYu/raft-sessions/internal/metrics"
	"github.com/ChuLiYu/raft-sessions/internal/primitive"
	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/internal/recovery"
	"github.com/ChuLiYu/raft-sessions/internal/session"
	"github.com/ChuLiYu/raft-sessions/internal/snapshot"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var log = slog.With("component", "node")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 節點配置
type Config struct {
	ID               types.NodeID
	Role             types.Role          // 本地日誌模式的初始角色；raft 模式由選舉決定
	Primitives       *primitive.Registry // 可託管的原語類型
	Log              Log                 // 命令日誌
	Store            snapshot.Store      // 為 nil 時不保存快照
	SnapshotSchedule string              // cron 表達式，例如 "@every 1m"；空字串停用
	TickInterval     time.Duration       // 0 停用
	Clock            func() time.Time    // 命令時間戳來源，預設 time.Now
	Metrics          *metrics.Collector
}

// Node 節點
type Node struct {
	id         types.NodeID
	primitives *primitive.Registry
	log        Log
	elector    leaderElector
	store      snapshot.Store
	metrics    *metrics.Collector
	clock      func() time.Time
	schedule   string
	tick       time.Duration

	role    atomic.Int32
	applied atomic.Int64 // 已套用的最大日誌索引

	applyMu sync.Mutex // 一次套用一個項目；快照在兩個項目之間擷取

	mu       sync.RWMutex
	services map[string]*service

	waitMu  sync.Mutex
	waiters map[string]chan result

	listener session.Listener // 會話狀態變化轉成指標

	lifeMu    sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cron      *cron.Cron
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

var (
	_ protocol.Host      = (*Node)(nil)
	_ recovery.Installer = (*Node)(nil)
	_ client.Conn        = (*Node)(nil)
)

// New 建立節點；呼叫 Start 之前不會套用任何命令
func New(cfg Config) (*Node, error) {
	if cfg.Log == nil {
		return nil, errors.New("node: log is required")
	}
	if cfg.Primitives == nil {
		return nil, errors.New("node: primitive registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	n := &Node{
		id:         cfg.ID,
		primitives: cfg.Primitives,
		log:        cfg.Log,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		schedule:   cfg.SnapshotSchedule,
		tick:       cfg.TickInterval,
		services:   make(map[string]*service),
		waiters:    make(map[string]chan result),
		stopCh:     make(chan struct{}),
	}
	if e, ok := cfg.Log.(leaderElector); ok {
		n.elector = e
	}
	n.role.Store(int32(cfg.Role))
	n.listener = session.ListenerFunc(func(s *session.Session, state types.State) {
		switch state {
		case types.StateClosed:
			n.metrics.RecordSessionClosed()
		case types.StateExpired:
			n.metrics.RecordSessionExpired()
		}
	})
	return n, nil
}

func (n *Node) newRegistry(name string, t types.PrimitiveType) *session.Registry {
	return session.NewRegistry(name, t, n.listener)
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 恢復狀態並啟動背景工作
func (n *Node) Start(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	n.startTime = time.Now()

	log.Info("Starting recovery...", "node", n.id)
	after, err := n.loadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := n.log.Start(after, n.apply); err != nil {
		return fmt.Errorf("log start failed: %w", err)
	}
	recoveryTime := time.Since(n.startTime)
	n.metrics.SetRecoveryTime(recoveryTime.Seconds())
	n.metrics.SetActiveSessions(n.activeSessions())
	log.Info("Recovery completed", "node", n.id, "duration", recoveryTime, "applied", n.applied.Load())

	if n.schedule != "" && n.store != nil {
		n.cron = cron.New()
		if _, err := n.cron.AddFunc(n.schedule, n.scheduledSnapshot); err != nil {
			return fmt.Errorf("invalid snapshot schedule %q: %w", n.schedule, err)
		}
		n.cron.Start()
	}
	if n.tick > 0 {
		n.loopWg.Add(1)
		go n.tickLoop()
	}

	n.started = true
	log.Info("Node started", "node", n.id, "role", n.Role(), "services", len(n.serviceList()))
	return nil
}

// loadSnapshot 從快照還原服務，回傳快照的日誌索引
func (n *Node) loadSnapshot(ctx context.Context) (int64, error) {
	if n.store == nil {
		return 0, nil
	}
	data, err := n.store.Load(ctx)
	if err != nil {
		return 0, err
	}

	services := make(map[string]*service, len(data.Services))
	for _, s := range data.Services {
		svc, err := n.decodeService(s.Name, s.Type, s.Index, s.Time(), s.Data)
		if err != nil {
			return 0, err
		}
		services[s.Name] = svc
	}

	n.mu.Lock()
	n.services = services
	n.mu.Unlock()
	n.applied.Store(data.Index)

	log.Info("Snapshot loaded", "index", data.Index, "services", len(services))
	return data.Index, nil
}

// Stop 停止背景工作、保存最後一次快照並關閉日誌
func (n *Node) Stop() {
	n.shutdown(true)
}

func (n *Node) shutdown(finalSnapshot bool) {
	n.lifeMu.Lock()
	if n.stopped {
		n.lifeMu.Unlock()
		return
	}
	n.stopped = true
	started := n.started
	n.lifeMu.Unlock()

	log.Info("Stopping node...", "node", n.id)

	// 1. 通知循環與等待中的提議者
	close(n.stopCh)

	// 2. 停止排程並等待執行中的快照
	if n.cron != nil {
		<-n.cron.Stop().Done()
	}
	n.loopWg.Wait()

	// 3. 最後一次快照
	if started && finalSnapshot {
		if err := n.TakeSnapshot(context.Background()); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}

	// 4. 關閉日誌（WAL 寫入磁碟）
	if err := n.log.Stop(); err != nil {
		log.Error("Failed to stop log", "error", err)
	}
	log.Info("Node stopped", "node", n.id)
}

// ============================================================================
// 背景循環
// ============================================================================

func (n *Node) tickLoop() {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			log.Info("Tick loop stopped")
			return
		case <-ticker.C:
			if !n.IsPrimary() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.tick)
			if _, err := n.propose(ctx, &command{Kind: KindTick}); err != nil {
				log.Debug("Tick not applied", "error", err)
			}
			cancel()
		}
	}
}

func (n *Node) scheduledSnapshot() {
	select {
	case <-n.stopCh:
		return
	default:
	}
	if err := n.TakeSnapshot(context.Background()); err != nil {
		log.Error("Failed to take snapshot", "error", err)
	}
}

// TakeSnapshot 保存所有服務，成功後壓縮日誌
func (n *Node) TakeSnapshot(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	start := time.Now()
	return n.log.Barrier(func() error {
		data, err := n.capture()
		if err != nil {
			return err
		}
		if err := n.store.Save(ctx, data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if err := n.log.Compact(); err != nil {
			return fmt.Errorf("failed to compact log: %w", err)
		}
		n.metrics.RecordSnapshotTaken()
		log.Info("Snapshot taken",
			"duration", time.Since(start),
			"index", data.Index,
			"services", len(data.Services))
		return nil
	})
}

// capture 在兩個日誌項目之間擷取全部服務
func (n *Node) capture() (snapshot.Data, error) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	data := snapshot.Empty()
	data.Index = n.applied.Load()
	data.CreatedAt = time.Now().UnixMilli()
	for _, svc := range n.serviceList() {
		svc.mu.RLock()
		b, err := svc.encode()
		s := snapshot.Service{
			Name:      svc.name,
			Type:      svc.typ,
			Index:     svc.index,
			Timestamp: svc.timestamp.UnixMilli(),
			Data:      b,
		}
		svc.mu.RUnlock()
		if err != nil {
			return snapshot.Data{}, err
		}
		data.Services = append(data.Services, s)
	}
	return data, nil
}

// ============================================================================
// 角色
// ============================================================================

// Role 目前的角色；raft 模式下領導者即主節點
func (n *Node) Role() types.Role {
	if n.elector != nil {
		if n.elector.IsLeader() {
			return types.RolePrimary
		}
		return types.RoleBackup
	}
	return types.Role(n.role.Load())
}

// IsPrimary 是否為主節點
func (n *Node) IsPrimary() bool {
	return n.Role() == types.RolePrimary
}

// Promote 成為主節點（故障轉移）
func (n *Node) Promote() error {
	if n.elector != nil {
		return ErrRoleManaged
	}
	if old := types.Role(n.role.Swap(int32(types.RolePrimary))); old != types.RolePrimary {
		log.Info("Node promoted", "node", n.id, "from", old)
	}
	return nil
}

// Demote 成為備份節點
func (n *Node) Demote() error {
	if n.elector != nil {
		return ErrRoleManaged
	}
	if old := types.Role(n.role.Swap(int32(types.RoleBackup))); old != types.RoleBackup {
		log.Info("Node demoted", "node", n.id, "from", old)
	}
	return nil
}

// ID 節點 ID
func (n *Node) ID() types.NodeID { return n.id }

// ============================================================================
// 套用
// ============================================================================

// apply 由 Log 依索引順序呼叫
func (n *Node) apply(e Entry) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	if e.Index <= n.applied.Load() {
		return
	}
	n.applied.Store(e.Index)

	switch e.Kind {
	case EntryInstall:
		var rec installRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			log.Error("Skipping undecodable install record", "index", e.Index, "error", err)
			return
		}
		if err := n.installLocked(rec, false); err != nil &&
			!errors.Is(err, recovery.ErrStaleSnapshot) && !errors.Is(err, recovery.ErrUpToDate) {
			log.Error("Failed to replay install", "index", e.Index, "name", rec.Name, "error", err)
		}

	case EntryCommand:
		cmd, err := decodeCommand(e.Data)
		if err != nil {
			log.Error("Skipping undecodable command", "index", e.Index, "error", err)
			return
		}
		res := n.applyCommand(e.Index, cmd)
		n.metrics.RecordCommandApplied(string(cmd.Kind))
		n.deliver(cmd.Request, res)
	}
}

func (n *Node) applyCommand(index int64, cmd *command) result {
	ts := cmd.time()

	// 1. 時間前進
	for _, svc := range n.serviceList() {
		svc.mu.Lock()
		svc.sessions.Check(ts)
		svc.mu.Unlock()
	}

	// 2. 命令
	var res result
	switch cmd.Kind {
	case KindOpenSession:
		res = n.openSession(index, ts, cmd)
	case KindKeepAlive:
		res.err = n.withSession(cmd.SessionID, func(_ *service, s *session.Session) error {
			return s.KeepAlive(ts, cmd.AckSeq)
		})
	case KindCloseSession:
		res.err = n.withSession(cmd.SessionID, func(_ *service, s *session.Session) error {
			return s.Close()
		})
	case KindCommand:
		res.err = n.withSession(cmd.SessionID, func(svc *service, s *session.Session) error {
			if err := session.StateError(s.State()); err != nil {
				return err
			}
			out, err := svc.sm.Apply(primitive.Commit{
				Index:     index,
				Timestamp: ts,
				Session:   s,
				Sessions:  svc.sessions,
				Operation: cmd.Operation,
				Value:     cmd.Value,
			})
			res.value = out
			return err
		})
	case KindTick:
	}

	// 3. 釋放事件、回收終止會話
	for _, svc := range n.serviceList() {
		svc.mu.Lock()
		n.metrics.RecordEventsPublished(svc.sessions.Commit(index))
		for _, s := range svc.sessions.Collect() {
			log.Debug("Session collected", "session", s.ID(), "service", svc.name, "state", s.State())
		}
		svc.index = index
		if ts.After(svc.timestamp) {
			svc.timestamp = ts
		}
		svc.mu.Unlock()
	}
	return res
}

func (n *Node) openSession(index int64, ts time.Time, cmd *command) result {
	svc, err := n.ensureService(cmd.Service, cmd.Type, ts)
	if err != nil {
		return result{err: err}
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()

	id := types.SessionID(index)
	if _, err := svc.sessions.Open(id, cmd.ClientNode, cmd.MinTimeout, cmd.MaxTimeout, ts); err != nil {
		return result{err: err}
	}
	n.metrics.RecordSessionOpened()
	log.Debug("Session opened", "session", id, "service", svc.name, "client", cmd.ClientNode)
	return result{session: id}
}

// ensureService 取得或建立服務（第一個開啟會話的命令建立服務）
func (n *Node) ensureService(name string, t types.PrimitiveType, ts time.Time) (*service, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrBadCommand)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if svc, ok := n.services[name]; ok {
		if svc.typ != t {
			return nil, fmt.Errorf("%w: %s is %q", ErrTypeMismatch, name, svc.typ)
		}
		return svc, nil
	}
	sm, err := n.primitives.New(t, name)
	if err != nil {
		return nil, err
	}
	svc := &service{
		name:      name,
		typ:       t,
		sm:        sm,
		sessions:  n.newRegistry(name, t),
		timestamp: ts,
	}
	n.services[name] = svc
	log.Info("Service created", "name", name, "type", t)
	return svc, nil
}

// locate 找出擁有會話的服務；會話 ID 在節點上唯一
func (n *Node) locate(id types.SessionID) (*service, error) {
	for _, svc := range n.serviceList() {
		_, err := svc.sessions.Get(id)
		if errors.Is(err, session.ErrUnknownSession) {
			continue
		}
		return svc, nil
	}
	return nil, fmt.Errorf("%w: %d", session.ErrUnknownSession, id)
}

// withSession 在服務寫鎖下對會話執行 fn
func (n *Node) withSession(id types.SessionID, fn func(*service, *session.Session) error) error {
	svc, err := n.locate(id)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, err := svc.sessions.Get(id)
	if err != nil {
		return err
	}
	return fn(svc, s)
}

// serviceList 依名稱排序的服務
func (n *Node) serviceList() []*service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*service, 0, len(n.services))
	for _, svc := range n.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (n *Node) activeSessions() int {
	total := 0
	for _, svc := range n.serviceList() {
		total += svc.activeSessions()
	}
	return total
}

// ============================================================================
// 提議
// ============================================================================

func (n *Node) deliver(request string, res result) {
	if request == "" {
		return
	}
	n.waitMu.Lock()
	ch, ok := n.waiters[request]
	delete(n.waiters, request)
	n.waitMu.Unlock()
	if ok {
		ch <- res
	}
}

// propose 提議命令並等待它被套用
func (n *Node) propose(ctx context.Context, cmd *command) (result, error) {
	if !n.IsPrimary() {
		return result{}, ErrNotPrimary
	}
	cmd.Request = uuid.NewString()
	cmd.Timestamp = n.clock().UnixNano()
	data, err := encodeCommand(cmd)
	if err != nil {
		return result{}, err
	}

	ch := make(chan result, 1)
	n.waitMu.Lock()
	n.waiters[cmd.Request] = ch
	n.waitMu.Unlock()
	defer func() {
		n.waitMu.Lock()
		delete(n.waiters, cmd.Request)
		n.waitMu.Unlock()
	}()

	start := time.Now()
	if err := n.log.Propose(ctx, data); err != nil {
		if errors.Is(err, ErrNotLeader) {
			return result{}, ErrNotPrimary
		}
		return result{}, err
	}

	select {
	case res := <-ch:
		n.metrics.ObserveCommandLatency(time.Since(start).Seconds())
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-n.stopCh:
		return result{}, ErrStopped
	}
}

// ============================================================================
// 會話操作（主節點）
// ============================================================================

// SessionOptions 開啟會話的參數
type SessionOptions struct {
	Service    string
	Type       types.PrimitiveType
	ClientNode types.NodeID
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// OpenSession 開啟會話；服務不存在時建立。回傳的 ID 是開啟命令的日誌索引。
func (n *Node) OpenSession(ctx context.Context, opts SessionOptions) (types.SessionID, error) {
	res, err := n.propose(ctx, &command{
		Kind:       KindOpenSession,
		Service:    opts.Service,
		Type:       opts.Type,
		ClientNode: opts.ClientNode,
		MinTimeout: opts.MinTimeout,
		MaxTimeout: opts.MaxTimeout,
	})
	if err != nil {
		return 0, err
	}
	return res.session, res.err
}

// KeepAlive 記錄聯繫並確認 ackSeq 之前的事件
func (n *Node) KeepAlive(ctx context.Context, id types.SessionID, ackSeq uint64) error {
	res, err := n.propose(ctx, &command{Kind: KindKeepAlive, SessionID: id, AckSeq: ackSeq})
	if err != nil {
		return err
	}
	return res.err
}

// CloseSession 關閉會話
func (n *Node) CloseSession(ctx context.Context, id types.SessionID) error {
	res, err := n.propose(ctx, &command{Kind: KindCloseSession, SessionID: id})
	if err != nil {
		return err
	}
	return res.err
}

// Command 在會話上提交原語命令
func (n *Node) Command(ctx context.Context, id types.SessionID, operation string, value []byte) ([]byte, error) {
	res, err := n.propose(ctx, &command{Kind: KindCommand, SessionID: id, Operation: operation, Value: value})
	if err != nil {
		return nil, err
	}
	return res.value, res.err
}

// Query 在服務讀鎖下執行唯讀查詢
func (n *Node) Query(ctx context.Context, id types.SessionID, operation string, value []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !n.IsPrimary() {
		return nil, ErrNotPrimary
	}
	svc, err := n.locate(id)
	if err != nil {
		return nil, err
	}
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	s, err := svc.sessions.Active(id)
	if err != nil {
		return nil, err
	}
	return svc.sm.Query(primitive.Query{Session: s, Operation: operation, Value: value})
}

// Attach 把傳輸端連到會話，重送 ackSeq 之後未確認的事件
func (n *Node) Attach(ctx context.Context, id types.SessionID, ackSeq uint64, sink client.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.IsPrimary() {
		return ErrNotPrimary
	}
	svc, err := n.locate(id)
	if err != nil {
		return err
	}
	s, err := svc.sessions.Get(id)
	if err != nil {
		return err
	}
	return s.Attach(sink, ackSeq)
}

// Detach 解除傳輸端
func (n *Node) Detach(id types.SessionID, sink session.Sink) bool {
	svc, err := n.locate(id)
	if err != nil {
		return false
	}
	s, err := svc.sessions.Get(id)
	if err != nil {
		return false
	}
	return s.Detach(sink)
}

// SessionService 會話所屬服務的名稱與類型
func (n *Node) SessionService(id types.SessionID) (string, types.PrimitiveType, error) {
	svc, err := n.locate(id)
	if err != nil {
		return "", "", err
	}
	return svc.name, svc.typ, nil
}

// ============================================================================
// 主備恢復：Host 與 Installer
// ============================================================================

// PrimitiveNames 某類型（空字串表示全部）的服務名稱
func (n *Node) PrimitiveNames(t types.PrimitiveType) []string {
	var names []string
	for _, svc := range n.serviceList() {
		if t == "" || svc.typ == t {
			names = append(names, svc.name)
		}
	}
	return names
}

// SnapshotPrimitive 在兩個日誌項目之間、服務讀鎖下擷取單一服務
func (n *Node) SnapshotPrimitive(ctx context.Context, name string, t types.PrimitiveType) (protocol.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Snapshot{}, err
	}
	n.mu.RLock()
	svc, ok := n.services[name]
	n.mu.RUnlock()
	if !ok || (t != "" && svc.typ != t) {
		return protocol.Snapshot{}, fmt.Errorf("%w: %s", protocol.ErrPrimitiveNotFound, name)
	}

	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	data, err := svc.encode()
	if err != nil {
		return protocol.Snapshot{}, err
	}
	return protocol.Snapshot{Index: svc.index, Timestamp: svc.timestamp, Data: data}, nil
}

// Install 安裝從主節點取得的服務快照。
// index 等於服務已套用的索引時回傳 recovery.ErrUpToDate，較舊時回傳
// *recovery.StaleSnapshotError，兩者狀態都不變；
// 快照先完整解碼，成功後才一次取代整個服務。
func (n *Node) Install(name string, t types.PrimitiveType, index int64, timestamp time.Time, data []byte) error {
	rec := installRecord{
		Name:      name,
		Type:      t,
		Index:     index,
		Timestamp: timestamp.UnixMilli(),
		Data:      data,
	}
	return n.log.Barrier(func() error {
		n.applyMu.Lock()
		defer n.applyMu.Unlock()
		return n.installLocked(rec, true)
	})
}

// installLocked 呼叫者持有 applyMu；persist 為 true 時把安裝寫入日誌
func (n *Node) installLocked(rec installRecord, persist bool) error {
	n.mu.RLock()
	cur, exists := n.services[rec.Name]
	n.mu.RUnlock()
	if exists {
		cur.mu.RLock()
		applied := cur.index
		cur.mu.RUnlock()
		if rec.Index == applied {
			return fmt.Errorf("%s at index %d: %w", rec.Name, applied, recovery.ErrUpToDate)
		}
		if rec.Index < applied {
			return &recovery.StaleSnapshotError{Name: rec.Name, Index: rec.Index, Applied: applied}
		}
	}

	svc, err := n.decodeService(rec.Name, rec.Type, rec.Index, time.UnixMilli(rec.Timestamp), rec.Data)
	if err != nil {
		return err
	}
	if exists && cur.typ != svc.typ {
		return fmt.Errorf("%w: %s is %q", ErrTypeMismatch, rec.Name, cur.typ)
	}

	if persist {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := n.log.Record(rec.Index, b); err != nil {
			return fmt.Errorf("record install: %w", err)
		}
	}

	n.mu.Lock()
	n.services[rec.Name] = svc
	n.mu.Unlock()
	if rec.Index > n.applied.Load() {
		n.applied.Store(rec.Index)
	}
	n.metrics.SetActiveSessions(n.activeSessions())

	log.Info("Installed primitive snapshot",
		"name", rec.Name, "type", svc.typ, "index", rec.Index, "sessions", svc.sessions.Len())
	return nil
}

// ============================================================================
// 狀態
// ============================================================================

// ServiceStatus 單一服務的狀態
type ServiceStatus struct {
	Name     string              `json:"name"`
	Type     types.PrimitiveType `json:"type"`
	Index    int64               `json:"index"`
	Sessions int                 `json:"sessions"`
	Active   int                 `json:"active"`
	Unacked  int                 `json:"unacked"`
}

// Status 節點狀態
type Status struct {
	ID       types.NodeID    `json:"id"`
	Role     string          `json:"role"`
	Leader   string          `json:"leader,omitempty"`
	Applied  int64           `json:"applied"`
	Uptime   string          `json:"uptime"`
	Services []ServiceStatus `json:"services"`
}

// GetStatus 取得節點狀態
func (n *Node) GetStatus() Status {
	st := Status{
		ID:       n.id,
		Role:     n.Role().String(),
		Applied:  n.applied.Load(),
		Services: []ServiceStatus{},
	}
	if n.elector != nil {
		st.Leader = n.elector.Leader()
	}
	n.lifeMu.Lock()
	if n.started {
		st.Uptime = time.Since(n.startTime).Round(time.Millisecond).String()
	}
	n.lifeMu.Unlock()

	for _, svc := range n.serviceList() {
		svc.mu.RLock()
		st.Services = append(st.Services, ServiceStatus{
			Name:     svc.name,
			Type:     svc.typ,
			Index:    svc.index,
			Sessions: svc.sessions.Len(),
			Active:   svc.activeSessions(),
			Unacked:  svc.unacked(),
		})
		svc.mu.RUnlock()
	}
	return st
}
