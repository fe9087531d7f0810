// ============================================================================
// schedopt 最佳化任務服務 - 系統核心協調器
// ============================================================================
//
// Package: internal/optimizer
// 文件: service.go
// 功能: 接收最佳化請求，非同步執行演算法，追蹤任務生命週期並保存結果版本
//
// 架構設計:
//   Service 協調以下組件：
//   - Registry:   演算法註冊表（依 ID 建立新的演算法實例）
//   - JobStore:   任務記錄 + 狀態機（queued/running/completed/failed/cancelled）
//   - Versions:   排程版本庫，成功的結果會成為新版本
//   - Broker:     每個任務一個進度 topic，多個訂閱者各自按順序收到事件
//   - WorkerPool: 有界佇列 + 固定數量的 worker，實際執行任務
//   - Journal:    生命週期事件日誌（可選）
//   - Metrics:    Prometheus 指標（可選）
//
// 核心循環 (2 個並發 Goroutine):
//   1. Result Loop  - 接收 worker 的執行結果，記錄異常
//   2. Cleanup Loop - 定期移除過期的終止任務與排程鎖並更新狀態指標
//
// 任務流程:
//   SubmitJob → 驗證 → 計算 input hash → 建立 queued 任務 → 開啟進度 topic
//     → 放入 worker 佇列（不阻塞，佇列滿時直接拒絕）→ 立即回傳 {runId, queued, 0}
//   Worker → running → 10 載入 → 20 分析限制 → 30~85 演算法進度
//     → 90 產生排程 → 95 寫入版本 → completed (100)
//   任何錯誤都轉成 OptimizationError，任務一定會進入終止狀態
//
// 保留期:
//   任務終止後，取消函式與進度 topic 會在 Retention 之後釋放；
//   任務記錄本身由 CleanupOldJobs 移除。
//
// 並發安全:
//   - 任務狀態由 JobStore 的每任務鎖保護，沒有跨任務的全域鎖
//   - runs 使用 sync.Map
//   - stopCh + loopWg 用於優雅關閉
//
// ============================================================================

package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/jobmanager"
	"github.com/ChuLiYu/schedopt/internal/metrics"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/internal/worker"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrServiceStopped 服務已關閉
	ErrServiceStopped = errors.New("optimizer service stopped")
	// ErrAlreadyStarted 服務已啟動
	ErrAlreadyStarted = errors.New("optimizer service already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// 預設配置
const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultRetention       = time.Hour
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMaxJobAge       = 24 * time.Hour
)

// Config Service 配置
type Config struct {
	Workers         int           // Worker 數量
	QueueSize       int           // 任務佇列大小
	Retention       time.Duration // 終止後保留取消函式與進度 topic 的時間
	CleanupInterval time.Duration // 清理循環間隔，<= 0 時不啟動清理循環
	MaxJobAge       time.Duration // 清理循環移除終止任務的年齡
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		QueueSize:       DefaultQueueSize,
		Retention:       DefaultRetention,
		CleanupInterval: DefaultCleanupInterval,
		MaxJobAge:       DefaultMaxJobAge,
	}
}

// Dependencies 注入的組件，nil 欄位使用預設實作（Journal、Metrics 除外）
type Dependencies struct {
	Registry *registry.Registry
	Jobs     jobmanager.Store
	Versions versionstore.Store
	Broker   *progress.Broker
	Journal  *journal.Journal
	Metrics  *metrics.Collector
}

// run 單一任務在記憶體中的執行狀態
type run struct {
	ctx    context.Context // CancelJob 或釋放時取消
	cancel context.CancelFunc
	input  *types.ScheduleData

	mu    sync.Mutex
	timer *time.Timer // 保留期計時器
}

// Service 最佳化任務服務
type Service struct {
	cfg      Config
	registry *registry.Registry
	jobs     jobmanager.Store
	versions versionstore.Store
	broker   *progress.Broker
	journal  *journal.Journal
	metrics  *metrics.Collector
	pool     *worker.Pool
	now      func() time.Time

	runs sync.Map // runID → *run

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Service 實例
func New(cfg Config, deps Dependencies) *Service {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxJobAge <= 0 {
		cfg.MaxJobAge = def.MaxJobAge
	}

	if deps.Registry == nil {
		deps.Registry = registry.NewDefault(algorithm.Options{})
	}
	if deps.Jobs == nil {
		deps.Jobs = jobmanager.NewJobManager()
	}
	if deps.Versions == nil {
		deps.Versions = versionstore.NewMemoryStore()
	}
	if deps.Broker == nil {
		deps.Broker = progress.NewBroker()
	}

	return &Service{
		cfg:      cfg,
		registry: deps.Registry,
		jobs:     deps.Jobs,
		versions: deps.Versions,
		broker:   deps.Broker,
		journal:  deps.Journal,
		metrics:  deps.Metrics,
		pool:     worker.NewPool(cfg.QueueSize),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 Worker Pool 與背景循環
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServiceStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.pool.Start(s.cfg.Workers); err != nil {
		return err
	}

	s.loopWg.Add(1)
	go s.resultLoop()
	if s.cfg.CleanupInterval > 0 {
		s.loopWg.Add(1)
		go s.cleanupLoop()
	}

	s.started = true
	log.Info("Optimizer service started",
		"workers", s.cfg.Workers,
		"queue", s.cfg.QueueSize,
		"algorithms", len(s.registry.List()))
	return nil
}

// Stop 優雅關閉服務
//
// 關閉順序：
//  1. close(stopCh) → 清理循環退出
//  2. pool.Stop()   → 取消執行中的任務並等待 worker 結束，resultLoop 隨之退出
//  3. loopWg.Wait()
//  4. 釋放所有任務的取消函式與進度 topic
//
// 因關閉而中斷的任務記為 failed（EXECUTION_FAILED，可重試），不是使用者取消。
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	log.Info("Stopping optimizer service...")
	close(s.stopCh)
	if started {
		s.pool.Stop()
	}
	s.loopWg.Wait()

	s.runs.Range(func(key, _ any) bool {
		s.release(key.(string))
		return true
	})
	log.Info("Optimizer service stopped")
}

// Registry 返回使用中的演算法註冊表
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Stats 各狀態的任務數
func (s *Service) Stats() map[types.JobStatus]int {
	return s.jobs.Stats()
}

// resultLoop 接收 Worker 執行結果
// 任務的狀態在 worker 內就已經更新，這裡只記錄不應該出現的錯誤
func (s *Service) resultLoop() {
	defer s.loopWg.Done()
	for {
		result, err := s.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Debug("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			continue
		}

		if !result.Success {
			log.Error("Optimization task returned an error",
				"runID", result.TaskID,
				"worker", result.WorkerID,
				"error", result.Error)
			continue
		}
		log.Debug("Optimization task finished",
			"runID", result.TaskID,
			"worker", result.WorkerID,
			"duration", result.Duration)
	}
}

// cleanupLoop 定期移除過期任務與過期的排程鎖
func (s *Service) cleanupLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Debug("Cleanup loop stopped")
			return
		case <-ticker.C:
			if n := s.CleanupOldJobs(s.cfg.MaxJobAge); n > 0 {
				log.Info("Removed old jobs", "count", n)
			}
			if n := s.ExpireLocks(context.Background()); n > 0 {
				log.Info("Expired schedule locks", "count", n)
			}
			s.refreshStats()
		}
	}
}

// CleanupOldJobs 移除完成時間早於 maxAge 之前的終止任務，返回移除數量
//
// queued/running 的任務不論多舊都不會被移除。
// maxAge 為 0 時移除所有終止任務。
func (s *Service) CleanupOldJobs(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	var expired []string
	s.jobs.Range(func(job *types.OptimizationJob) bool {
		if !job.Status.IsTerminal() {
			return true
		}
		finished := job.CreatedAt
		if job.CompletedAt != nil {
			finished = *job.CompletedAt
		}
		if !finished.After(cutoff) {
			expired = append(expired, job.ID)
		}
		return true
	})

	removed := 0
	for _, id := range expired {
		if err := s.jobs.Delete(id); err != nil {
			continue
		}
		s.release(id)
		removed++
	}
	if removed > 0 {
		s.refreshStats()
	}
	return removed
}

// scheduleRelease 在保留期後釋放任務的記憶體狀態
func (s *Service) scheduleRelease(runID string) {
	v, ok := s.runs.Load(runID)
	if !ok {
		return
	}
	r := v.(*run)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(s.cfg.Retention, func() { s.release(runID) })
}

// release 取消任務 context、停止計時器並關閉進度 topic
func (s *Service) release(runID string) {
	if v, ok := s.runs.LoadAndDelete(runID); ok {
		r := v.(*run)
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
		r.cancel()
	}
	s.broker.Release(runID)
}

func (s *Service) refreshStats() {
	if s.metrics == nil {
		return
	}
	stats := s.jobs.Stats()
	s.metrics.UpdateJobStats(stats[types.StatusQueued], stats[types.StatusRunning])
}

// record 追加生命週期事件；日誌是可選的，寫入失敗只記錄錯誤
func (s *Service) record(e journal.Event) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(e); err != nil {
		log.Error("Failed to append journal event", "type", e.Type, "runID", e.RunID, "error", err)
	}
}
