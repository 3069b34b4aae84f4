// ============================================================================
// Recovery - 備份節點追趕
// ============================================================================
//
// Package: internal/recovery
// 文件: restorer.go
// 功能: 備份節點（或落後的節點）透過主備恢復協定取得每個原語的最新快照
//
// 流程:
//   1. Discover: 依序詢問成員的 Metadata，取得原語名稱集合
//   2. 每個原語一個任務交給 worker.Pool 並行執行 Restore
//   3. 取得 OK 回應後交給 Installer 安裝；Installer 拒絕索引不夠新的快照
//
// 重試策略（每次請求算一次嘗試，總數受 MaxAttempts 限制）:
//   - RetryElsewhere（NOT_PRIMARY / NOT_FOUND / 過舊快照）：立即換下一個成員
//   - RetryLater（TIMEOUT / UNAVAILABLE）：指數退避後換下一個成員
//   - Fatal（PROTOCOL_ERROR / 無法解碼的快照）：立即停止
//
// ============================================================================

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/metrics"
	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/internal/worker"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var log = slog.With("component", "recovery")

// Installer 安裝原語快照的節點。
// 索引等於已套用索引時回傳 ErrUpToDate，小於時回傳 *StaleSnapshotError，兩者都不改變任何狀態。
type Installer interface {
	Install(name string, t types.PrimitiveType, index int64, timestamp time.Time, data []byte) error
}

// Config 恢復設定
type Config struct {
	Members        []types.NodeID      // 可詢問的成員，依優先順序
	PrimitiveType  types.PrimitiveType // 只恢復此類型；空字串表示全部
	MaxAttempts    int                 // 每個操作的最大請求次數
	RequestTimeout time.Duration       // 單次請求逾時
	Backoff        time.Duration       // 初始退避時間
	MaxBackoff     time.Duration       // 退避上限
	Concurrency    int                 // 同時恢復的原語數量
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		RequestTimeout: 5 * time.Second,
		Backoff:        100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Concurrency:    4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
		if d.MaxBackoff > c.MaxBackoff {
			c.MaxBackoff = d.MaxBackoff
		}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Result 一次恢復的結果
type Result struct {
	Member   types.NodeID     // 回應 Metadata 的成員
	Restored []string         // 成功安裝的原語
	Failed   map[string]error // 失敗的原語
	Duration time.Duration
}

// Restorer 執行恢復流程
type Restorer struct {
	client    protocol.Client
	installer Installer
	cfg       Config
	metrics   *metrics.Collector
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRestorer 建立 Restorer；m 可為 nil
func NewRestorer(client protocol.Client, installer Installer, cfg Config, m *metrics.Collector) *Restorer {
	return &Restorer{
		client:    client,
		installer: installer,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		sleep:     sleepContext,
	}
}

// Recover 探索原語並恢復全部。任何原語失敗時回傳包裝 ErrRestoreFailed 的錯誤，
// 已成功的原語仍保留在 Result.Restored。
func (r *Restorer) Recover(ctx context.Context) (*Result, error) {
	start := time.Now()
	names, member, err := r.Discover(ctx)
	if err != nil {
		log.Error("Recovery failed: no metadata", "error", err)
		return nil, err
	}

	result := &Result{Member: member, Failed: make(map[string]error)}
	tasks := make([]worker.Task, 0, len(names))
	for _, name := range names {
		name := name
		tasks = append(tasks, worker.Task{
			ID: name,
			Run: func(ctx context.Context) error {
				return r.RestorePrimitive(ctx, name, member)
			},
		})
	}

	for _, res := range worker.Run(ctx, r.cfg.Concurrency, tasks) {
		if res.Err != nil {
			result.Failed[res.TaskID] = res.Err
			continue
		}
		result.Restored = append(result.Restored, res.TaskID)
	}
	result.Duration = time.Since(start)
	r.metrics.SetRecoveryTime(result.Duration.Seconds())

	if len(result.Failed) > 0 {
		errs := make([]error, 0, len(result.Failed))
		for name, e := range result.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", name, e))
		}
		log.Error("Recovery incomplete",
			"restored", len(result.Restored), "failed", len(result.Failed), "duration", result.Duration)
		return result, fmt.Errorf("%w: %d of %d primitives: %w",
			ErrRestoreFailed, len(result.Failed), len(names), errors.Join(errs...))
	}

	log.Info("Recovery complete", "member", member, "primitives", len(result.Restored), "duration", result.Duration)
	return result, nil
}

// Discover 詢問成員的原語名稱，回傳名稱與回應的成員
func (r *Restorer) Discover(ctx context.Context) ([]string, types.NodeID, error) {
	var names []string
	member, err := r.withRetry(ctx, "", "metadata", func(ctx context.Context, member types.NodeID) (protocol.Retry, error) {
		resp := r.client.Metadata(ctx, member, &protocol.MetadataRequest{PrimitiveType: r.cfg.PrimitiveType})
		if !resp.Status.OK() {
			return resp.Status.Retry(), &StatusError{Member: member, Status: resp.Status}
		}
		names = resp.PrimitiveNames
		return protocol.RetryNone, nil
	})
	if err != nil {
		return nil, "", err
	}
	return names, member, nil
}

// RestorePrimitive 從 preferred（為空時從第一個成員）開始取得並安裝單一原語
func (r *Restorer) RestorePrimitive(ctx context.Context, name string, preferred types.NodeID) error {
	_, err := r.withRetry(ctx, preferred, "restore "+name, func(ctx context.Context, member types.NodeID) (protocol.Retry, error) {
		start := time.Now()
		resp := r.client.Restore(ctx, member, &protocol.RestoreRequest{Name: name, Type: r.cfg.PrimitiveType})
		r.metrics.RecordRestoreAttempt(resp.Status.String(), time.Since(start).Seconds())
		if !resp.Status.OK() {
			return resp.Status.Retry(), &StatusError{Member: member, Status: resp.Status}
		}
		return r.install(name, member, resp)
	})
	return err
}

// install 只會收到 OK 回應
func (r *Restorer) install(name string, member types.NodeID, resp *protocol.RestoreResponse) (protocol.Retry, error) {
	err := r.installer.Install(name, r.cfg.PrimitiveType, resp.Index, time.UnixMilli(resp.Timestamp), resp.Data)
	switch {
	case err == nil:
		log.Info("Restored primitive", "name", name, "member", member, "index", resp.Index)
		return protocol.RetryNone, nil
	case errors.Is(err, ErrUpToDate):
		log.Info("Primitive already up to date", "name", name, "member", member, "index", resp.Index)
		return protocol.RetryNone, nil
	case errors.Is(err, ErrStaleSnapshot):
		var stale *StaleSnapshotError
		applied := int64(-1)
		if errors.As(err, &stale) {
			applied = stale.Applied
		}
		log.Error("Rejected stale snapshot",
			"name", name, "member", member, "index", resp.Index, "applied", applied)
		r.metrics.RecordSnapshotRejected()
		return protocol.RetryElsewhere, err
	default:
		log.Error("Failed to install snapshot", "name", name, "member", member, "index", resp.Index, "error", err)
		return protocol.Fatal, err
	}
}

// withRetry 從 preferred 成員開始依序嘗試，直到成功、致命錯誤或嘗試次數用盡
func (r *Restorer) withRetry(ctx context.Context, preferred types.NodeID, what string,
	attempt func(ctx context.Context, member types.NodeID) (protocol.Retry, error)) (types.NodeID, error) {

	members := r.cfg.Members
	if len(members) == 0 {
		return "", ErrNoMembers
	}
	idx := 0
	for i, m := range members {
		if m == preferred {
			idx = i
			break
		}
	}

	backoff := r.cfg.Backoff
	var lastErr error
	for n := 1; n <= r.cfg.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		member := members[idx%len(members)]

		reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		retry, err := attempt(reqCtx, member)
		cancel()

		switch retry {
		case protocol.RetryNone:
			return member, nil
		case protocol.Fatal:
			return member, fmt.Errorf("%s: %w", what, err)
		}

		lastErr = err
		log.Warn("Attempt failed", "op", what, "member", member, "attempt", n, "retry", retry, "error", err)
		idx++

		if retry == protocol.RetryLater && n < r.cfg.MaxAttempts {
			if err := r.sleep(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrRestoreFailed, what, r.cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
