package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/internal/worker"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

// RunIDPrefix 任務 ID 前綴
const RunIDPrefix = "opt_run_"

// DefaultScheduleID metadata 沒有指定 schedule 或 plant 時使用
const DefaultScheduleID = "default"

// ErrJobNotFound 任務不存在或已被清理
var ErrJobNotFound = types.NewError(types.CodeJobNotFound, "Job not found")

// ============================================================================
// 提交與查詢
// ============================================================================

// SubmitJob 提交最佳化任務
//
// 驗證失敗、服務已關閉或佇列已滿時返回 status=failed 的回應，不會建立任務。
// 成功時立即返回 {runId, queued, 0%}，演算法在 worker 中非同步執行。
func (s *Service) SubmitJob(ctx context.Context, req *types.OptimizationRequest) *types.OptimizationResponse {
	if err := ctx.Err(); err != nil {
		return rejected(types.WrapError(types.CodeExecutionFailed, "Request cancelled", err))
	}
	if oe := s.validateRequest(req); oe != nil {
		s.metrics.RecordRejected(string(oe.Code))
		log.Warn("Rejected optimization request", "code", oe.Code, "error", oe.Message)
		return rejected(oe)
	}

	hash, err := InputHash(req.ScheduleData)
	if err != nil {
		return rejected(types.WrapError(types.CodeInvalidSchedule, "Schedule data cannot be encoded", err))
	}

	input := req.ScheduleData.Clone()
	job := &types.OptimizationJob{
		ID:            RunIDPrefix + uuid.NewString(),
		ScheduleID:    scheduleIDOf(input),
		AlgorithmID:   req.AlgorithmID,
		ProfileID:     req.ProfileID,
		Status:        types.StatusQueued,
		InputHash:     hash,
		LockSet:       append([]types.OperationID(nil), req.Locks...),
		BaseVersionID: input.Version,
		CreatedAt:     s.now(),
	}
	if err := s.jobs.Create(job); err != nil {
		return rejected(types.WrapError(types.CodeStorageFailed, "Failed to create job", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runs.Store(job.ID, &run{ctx: runCtx, cancel: cancel, input: input})
	s.broker.Open(job.ID)
	s.record(journal.Event{
		Type:        journal.EventSubmit,
		RunID:       job.ID,
		ScheduleID:  job.ScheduleID,
		AlgorithmID: job.AlgorithmID,
		Message:     hash,
	})

	task := worker.Task{
		ID:      job.ID,
		Timeout: time.Duration(req.Parameters.TimeLimit) * time.Second,
		Run: func(ctx context.Context) error {
			return s.execute(ctx, job.ID)
		},
	}
	if err := s.pool.Submit(task); err != nil {
		oe := submitError(err)
		s.jobs.Delete(job.ID)
		s.release(job.ID)
		s.record(journal.Event{Type: journal.EventFail, RunID: job.ID, Code: string(oe.Code), Message: oe.Message})
		s.metrics.RecordRejected(reasonOf(err))
		log.Warn("Optimization job not queued", "runID", job.ID, "error", err)
		return rejected(oe)
	}

	s.metrics.RecordSubmitted(job.AlgorithmID)
	s.refreshStats()
	log.Info("Optimization job queued",
		"runID", job.ID,
		"scheduleID", job.ScheduleID,
		"algorithm", job.AlgorithmID,
		"operations", len(input.Operations),
		"inputHash", hash)

	return &types.OptimizationResponse{
		RunID:     job.ID,
		Status:    types.StatusQueued,
		Progress:  types.Progress{Percentage: 0, CurrentStep: types.StatusQueued.StepDescription()},
		InputHash: hash,
	}
}

// GetJobStatus 取得任務狀態；任務不存在時返回 nil
func (s *Service) GetJobStatus(runID string) *types.OptimizationResponse {
	job, err := s.jobs.Get(runID)
	if err != nil {
		return nil
	}
	return responseOf(job)
}

// GetJob 取得完整任務記錄的副本
func (s *Service) GetJob(runID string) (*types.OptimizationJob, bool) {
	job, err := s.jobs.Get(runID)
	if err != nil {
		return nil, false
	}
	return job, true
}

// CancelJob 取消 queued 或 running 的任務
//
// 返回 false 表示任務不存在或已經是終止狀態。
// 執行中的演算法在下一個檢查點停止；取消後不會再發出任何進度事件。
func (s *Service) CancelJob(runID string) bool {
	job, err := s.jobs.Transition(runID, types.StatusCancelled, func(j *types.OptimizationJob) {
		j.Error = &types.OptimizationError{
			Code:        types.CodeCancelledByUser,
			Message:     "Job cancelled by user",
			Recoverable: false,
		}
	})
	if err != nil {
		log.Debug("Cancel rejected", "runID", runID, "error", err)
		return false
	}

	if v, ok := s.runs.Load(runID); ok {
		v.(*run).cancel()
	}
	log.Info("Optimization job cancelled", "runID", runID)
	s.finish(job, journal.EventCancel)
	return true
}

// ============================================================================
// 進度訂閱
// ============================================================================

// SubscribeToProgress 訂閱任務進度
//
// fn 在訂閱專屬的 goroutine 上依序執行；只會收到訂閱之後發出的事件。
// 任務已終止時返回 progress.ErrTopicClosed，呼叫端應改用 GetJobStatus。
func (s *Service) SubscribeToProgress(runID string, fn func(progress.Event)) (*progress.Subscription, error) {
	sub, err := s.broker.Subscribe(runID, fn)
	if err != nil {
		if errors.Is(err, progress.ErrTopicNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, runID)
		}
		return nil, err
	}

	s.metrics.SubscriberAdded()
	go func() {
		<-sub.Done()
		s.metrics.SubscriberRemoved()
	}()
	return sub, nil
}

// Unsubscribe 取消訂閱
func (s *Service) Unsubscribe(sub *progress.Subscription) {
	if sub != nil {
		sub.Unsubscribe()
	}
}

// ============================================================================
// 驗證與雜湊
// ============================================================================

// InputHash 排程資料的穩定指紋：版本 checksum 的前 16 個十六進位字元
//
// 與 versionstore.Checksum 同一套序列化，相同內容永遠得到相同的 hash。
func InputHash(data *types.ScheduleData) (string, error) {
	sum, err := versionstore.Checksum(data)
	if err != nil {
		return "", err
	}
	return sum[:inputHashLength], nil
}

const inputHashLength = 16

func (s *Service) validateRequest(req *types.OptimizationRequest) *types.OptimizationError {
	if req == nil {
		return types.NewError(types.CodeInvalidSchedule, "Request is empty")
	}
	if !s.registry.Has(req.AlgorithmID) {
		return types.NewError(types.CodeAlgorithmNotFound,
			fmt.Sprintf("Algorithm with ID %s not found", req.AlgorithmID))
	}
	if req.Parameters.TimeLimit < 0 {
		return types.NewError(types.CodeInvalidSchedule, "Time limit must not be negative")
	}
	if err := ValidateSchedule(req.ScheduleData, req.Locks); err != nil {
		return types.WrapError(types.CodeInvalidSchedule, "Invalid schedule data", err)
	}
	return nil
}

// ValidateSchedule 檢查排程資料的結構
//
// 規則：
//   - resource、operation 的 ID 不可為空且不可重複
//   - duration、setupTime、lag 不可為負
//   - dependency 兩端必須存在且不可指向自己
//   - 有開始與結束時間的工序，結束不可早於開始；規劃期間亦同
//   - locks 必須指向存在的工序
//
// 相依圖是否有環不在檢查範圍內。
func ValidateSchedule(data *types.ScheduleData, locks []types.OperationID) error {
	if data == nil {
		return errors.New("schedule data is required")
	}

	resources := make(map[types.ResourceID]bool, len(data.Resources))
	for i, r := range data.Resources {
		if r.ID == "" {
			return fmt.Errorf("resource %d has no id", i)
		}
		if resources[r.ID] {
			return fmt.Errorf("duplicate resource id %q", r.ID)
		}
		resources[r.ID] = true
	}

	ops := make(map[types.OperationID]bool, len(data.Operations))
	for i, op := range data.Operations {
		switch {
		case op.ID == "":
			return fmt.Errorf("operation %d has no id", i)
		case ops[op.ID]:
			return fmt.Errorf("duplicate operation id %q", op.ID)
		case op.Duration < 0:
			return fmt.Errorf("operation %q has negative duration", op.ID)
		case op.SetupTime < 0:
			return fmt.Errorf("operation %q has negative setup time", op.ID)
		case op.StartTime != nil && op.EndTime != nil && op.EndTime.Before(*op.StartTime):
			return fmt.Errorf("operation %q ends before it starts", op.ID)
		}
		ops[op.ID] = true
	}

	for i, d := range data.Dependencies {
		switch {
		case !ops[d.FromOperationID]:
			return fmt.Errorf("dependency %d references unknown operation %q", i, d.FromOperationID)
		case !ops[d.ToOperationID]:
			return fmt.Errorf("dependency %d references unknown operation %q", i, d.ToOperationID)
		case d.FromOperationID == d.ToOperationID:
			return fmt.Errorf("dependency %d links operation %q to itself", i, d.FromOperationID)
		case d.Lag < 0:
			return fmt.Errorf("dependency %d has negative lag", i)
		}
	}

	if hs, he := data.Metadata.HorizonStart, data.Metadata.HorizonEnd; hs != nil && he != nil && he.Before(*hs) {
		return errors.New("horizon ends before it starts")
	}
	for _, id := range locks {
		if !ops[id] {
			return fmt.Errorf("lock references unknown operation %q", id)
		}
	}
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func scheduleIDOf(data *types.ScheduleData) string {
	switch {
	case data.Metadata.ScheduleID != "":
		return data.Metadata.ScheduleID
	case data.Metadata.PlantID != "":
		return data.Metadata.PlantID
	default:
		return DefaultScheduleID
	}
}

func rejected(oe *types.OptimizationError) *types.OptimizationResponse {
	return &types.OptimizationResponse{
		Status:   types.StatusFailed,
		Progress: types.Progress{CurrentStep: types.StatusFailed.StepDescription()},
		Error:    oe,
	}
}

func submitError(err error) *types.OptimizationError {
	switch {
	case errors.Is(err, worker.ErrPoolFull):
		return &types.OptimizationError{
			Code:        types.CodeExecutionFailed,
			Message:     "Optimization queue is full",
			Recoverable: true,
		}
	case errors.Is(err, worker.ErrPoolClosed), errors.Is(err, worker.ErrPoolNotStarted):
		return &types.OptimizationError{
			Code:        types.CodeExecutionFailed,
			Message:     "Optimization service is not running",
			Details:     err.Error(),
			Recoverable: true,
		}
	default:
		return types.WrapError(types.CodeExecutionFailed, "Failed to queue optimization job", err)
	}
}

func reasonOf(err error) string {
	if errors.Is(err, worker.ErrPoolFull) {
		return "queue_full"
	}
	return "not_running"
}

func responseOf(job *types.OptimizationJob) *types.OptimizationResponse {
	resp := &types.OptimizationResponse{
		RunID:  job.ID,
		Status: job.Status,
		Progress: types.Progress{
			Percentage:  job.ProgressPercentage,
			CurrentStep: job.CurrentStep,
		},
		InputHash: job.InputHash,
		Error:     job.Error,
	}
	if resp.Progress.CurrentStep == "" {
		resp.Progress.CurrentStep = job.Status.StepDescription()
	}
	if job.Status == types.StatusCompleted && job.ResultVersionID != "" {
		changed := job.ChangedEvents
		if changed == nil {
			changed = []types.OperationID{}
		}
		resp.Result = &types.OptimizationResult{
			VersionID:     job.ResultVersionID,
			ChangedEvents: changed,
			Metrics:       job.Metrics,
			Warnings:      job.Warnings,
		}
	}
	return resp
}
