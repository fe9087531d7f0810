// ============================================================================
// schedopt Worker Pool - 並發最佳化任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │  Optimizer  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
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
// 並發控制:
//   - taskCh: 帶緩衝 channel；滿了時 Submit 立即返回 ErrPoolFull，不阻塞呼叫者
//   - Submit 在持有 mu 的情況下做非阻塞發送，Stop 也在 mu 下關閉 taskCh，
//     因此不會出現向已關閉 channel 發送的情況
//   - ctx: Pool 層級的 context，Stop 時取消，正在執行的任務會收到取消訊號
//
// 優雅關閉:
//   Stop() 流程：
//   1. 標記 stopped 並關閉 taskCh
//   2. 取消 Pool context，執行中的任務盡快返回
//   3. WaitGroup.Wait() 等待所有 Worker 退出
//   4. 關閉 resultCh
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務佇列已滿
	ErrPoolFull = errors.New("worker pool queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker 實例
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started / stopped 以及 taskCh 的發送與關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool，bufferSize 為任務與結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(p.ctx, i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount, "queue", cap(p.taskCh))
	return nil
}

// Submit 將任務放入佇列。佇列已滿時返回 ErrPoolFull，不會阻塞
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// ReceiveResult 從結果通道接收執行結果，Pool 關閉後返回 ErrPoolClosed
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

// Stop 關閉 Worker Pool 並取消執行中的任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.resultCh)
	log.Debug("Worker pool stopped")
}

// Pending 返回佇列中尚未被領取的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
