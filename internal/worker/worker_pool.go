// ============================================================================
// Raft-Sessions Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 使用場景:
//   備份節點追趕時，每個原語的 Restore 是一個獨立任務，
//   由固定數量的 Worker 並行執行，避免一次對主節點發出過多請求。
//
// 架構組件:
//   ┌─────────────┐
//   │  Restorer   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines，任務的 context 衍生自 ctx
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - 任務超時由 Worker 內部的 Context 處理
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.With("component", "worker")

// 錯誤定義
var (
	// ErrPoolClosed Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool Worker 池
type Pool struct {
	workers  []*Worker          // Worker 列表，存儲所有啟動的 Worker 實例
	taskCh   chan Task          // 任務通道，用於分發任務給 Worker
	resultCh chan Result        // 結果通道，用於收集 Worker 的執行結果
	stopCh   chan struct{}      // 停止訊號，用於通知 Worker 停止工作
	cancel   context.CancelFunc // 取消所有任務的 context
	wg       sync.WaitGroup     // 等待所有 Worker 完成的同步工具
	started  bool               // 標誌 Pool 是否已啟動
	stopped  bool               // 標誌 Pool 是否已停止
	mu       sync.Mutex         // 保護 started 和 stopped 狀態的互斥鎖
}

// NewPool 創建 Worker 池，bufferSize 為任務與結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 workerCount 個 Worker
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		worker := newWorker(ctx, i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務；通道已滿時阻塞，直到有空間或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 接收一個任務結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 停止接收新任務，等待所有 Worker 完成後關閉結果通道
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)

	p.wg.Wait()
	p.cancel()

	close(p.resultCh)
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 返回 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Run 以 workerCount 個 Worker 執行所有任務並回傳結果（順序依完成時間）。
// ctx 取消時尚未開始的任務會立即以 ctx.Err() 失敗。
func Run(ctx context.Context, workerCount int, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}
	if workerCount > len(tasks) {
		workerCount = len(tasks)
	}

	p := NewPool(len(tasks))
	if err := p.Start(ctx, workerCount); err != nil {
		return nil
	}
	defer p.Stop()

	for _, task := range tasks {
		if err := p.Submit(task); err != nil {
			break
		}
	}

	results := make([]Result, 0, len(tasks))
	for len(results) < len(tasks) {
		r, err := p.ReceiveResult()
		if err != nil {
			break
		}
		results = append(results, r)
	}
	return results
}
