// ============================================================================
// schedopt 任務管理器 - 最佳化任務記錄與狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存最佳化任務記錄，並確保記錄狀態永遠與狀態機一致
//
// 設計理念:
//   1. 每個任務一筆 record：任務記錄 + 狀態機 + 專屬互斥鎖
//   2. record 存放在 sync.Map，讀取（狀態輪詢）不會阻塞其他任務的寫入
//   3. 狀態轉換與欄位修改在同一個臨界區內完成，記錄不會與狀態機分歧
//   4. 終止狀態之後拒絕所有修改
//
// 並發安全:
//   - 沒有跨任務的全域鎖
//   - 對外回傳的任務一律是副本
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已進入終止狀態，不能再修改
	ErrJobTerminal = errors.New("job is in a terminal state")
	// 新任務必須從 queued 開始
	ErrNotQueued = errors.New("new job must be queued")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 任務儲存介面，Job Service 透過它存取任務
type Store interface {
	Create(job *types.OptimizationJob) error
	Get(id string) (*types.OptimizationJob, error)
	Transition(id string, to types.JobStatus, mutate func(*types.OptimizationJob)) (*types.OptimizationJob, error)
	UpdateProgress(id string, percentage int, step string) (bool, error)
	Delete(id string) error
	Range(fn func(job *types.OptimizationJob) bool)
	Stats() map[types.JobStatus]int
}

type record struct {
	mu  sync.Mutex
	job *types.OptimizationJob
	fsm *StateMachine
}

// JobManager 記憶體內的任務儲存
type JobManager struct {
	jobs sync.Map // id → *record
	now  func() time.Time
}

var _ Store = (*JobManager)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{now: time.Now}
}

// Create 加入新任務
//
// 錯誤處理：
//   - ErrNotQueued: 任務狀態不是 queued
//   - ErrDuplicateJob: 任務 ID 已存在
func (jm *JobManager) Create(job *types.OptimizationJob) error {
	if job.Status == "" {
		job.Status = types.StatusQueued
	}
	if job.Status != types.StatusQueued {
		return ErrNotQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = jm.now()
	}
	if job.CurrentStep == "" {
		job.CurrentStep = types.StatusQueued.StepDescription()
	}

	rec := &record{job: job.Clone(), fsm: NewStateMachine()}
	if _, loaded := jm.jobs.LoadOrStore(job.ID, rec); loaded {
		return ErrDuplicateJob
	}
	return nil
}

// Get 取得任務副本
func (jm *JobManager) Get(id string) (*types.OptimizationJob, error) {
	rec, ok := jm.load(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

// Transition 透過狀態機轉換任務狀態，並在同一個臨界區內套用 mutate
//
// 行為：
//   - running：設定 StartedAt
//   - 終止狀態：設定 CompletedAt（若 mutate 未設定）
//   - CurrentStep 預設為目標狀態的描述，mutate 可以覆寫
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - *TransitionError: 非法轉換，記錄保持不變
func (jm *JobManager) Transition(id string, to types.JobStatus, mutate func(*types.OptimizationJob)) (*types.OptimizationJob, error) {
	rec, ok := jm.load(id)
	if !ok {
		return nil, ErrJobNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := rec.fsm.Transition(to); err != nil {
		return nil, err
	}

	now := jm.now()
	job := rec.job
	job.Status = to
	job.CurrentStep = to.StepDescription()
	switch {
	case to == types.StatusRunning:
		job.StartedAt = &now
	case to == types.StatusCompleted:
		job.ProgressPercentage = 100
	}
	if mutate != nil {
		mutate(job)
	}
	if to.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	return job.Clone(), nil
}

// UpdateProgress 更新進度
//
// 返回值：
//   - bool: 進度是否被接受（只接受嚴格遞增的百分比）
//   - error: ErrJobNotFound 或 ErrJobTerminal
func (jm *JobManager) UpdateProgress(id string, percentage int, step string) (bool, error) {
	rec, ok := jm.load(id)
	if !ok {
		return false, ErrJobNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.fsm.Status().IsTerminal() {
		return false, ErrJobTerminal
	}
	if percentage <= rec.job.ProgressPercentage || percentage > 100 {
		return false, nil
	}
	rec.job.ProgressPercentage = percentage
	if step != "" {
		rec.job.CurrentStep = step
	}
	return true, nil
}

// Delete 移除任務
func (jm *JobManager) Delete(id string) error {
	if _, loaded := jm.jobs.LoadAndDelete(id); !loaded {
		return ErrJobNotFound
	}
	return nil
}

// Range 依序走訪所有任務副本，fn 回傳 false 時停止
func (jm *JobManager) Range(fn func(job *types.OptimizationJob) bool) {
	jm.jobs.Range(func(_, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		job := rec.job.Clone()
		rec.mu.Unlock()
		return fn(job)
	})
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.JobStatus]int {
	stats := map[types.JobStatus]int{
		types.StatusQueued:    0,
		types.StatusRunning:   0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusCancelled: 0,
	}
	jm.jobs.Range(func(_, value any) bool {
		stats[value.(*record).fsm.Status()]++
		return true
	})
	return stats
}

// Status 只取得任務狀態，不複製整筆記錄
func (jm *JobManager) Status(id string) (types.JobStatus, bool) {
	rec, ok := jm.load(id)
	if !ok {
		return "", false
	}
	return rec.fsm.Status(), true
}

func (jm *JobManager) load(id string) (*record, bool) {
	v, ok := jm.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}
