package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/jobmanager"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

// 背景執行的進度里程碑
const (
	pctLoading    = 10
	pctAnalyzing  = 20
	pctAlgoStart  = 30
	pctAlgoEnd    = 85
	pctGenerating = 90
	pctFinalizing = 95
)

// execute 在 worker 中執行一個任務，保證任務最後一定進入終止狀態
//
// ctx 來自 worker（包含 TimeLimit 與服務關閉）；CancelJob 另外透過 run.ctx 取消。
func (s *Service) execute(ctx context.Context, runID string) (err error) {
	v, ok := s.runs.Load(runID)
	if !ok {
		// 任務在排隊期間已被清理
		log.Warn("Run state missing, skipping", "runID", runID)
		return nil
	}
	r := v.(*run)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	job, terr := s.jobs.Transition(runID, types.StatusRunning, nil)
	if terr != nil {
		var te *jobmanager.TransitionError
		if errors.As(terr, &te) {
			// 排隊期間被取消
			log.Debug("Job no longer runnable", "runID", runID, "status", te.From)
			return nil
		}
		return terr
	}
	s.record(journal.Event{Type: journal.EventStart, RunID: runID, ScheduleID: job.ScheduleID, AlgorithmID: job.AlgorithmID})
	s.refreshStats()

	defer func() {
		if p := recover(); p != nil {
			log.Error("Optimization run panicked", "runID", runID, "panic", p)
			s.fail(runID, types.WrapError(types.CodeExecutionFailed, "Unexpected internal error", fmt.Errorf("panic: %v", p)))
			err = fmt.Errorf("run %s panicked: %v", runID, p)
		}
	}()

	if oe := s.optimize(ctx, job, r.input); oe != nil {
		s.fail(runID, s.interruption(job.ID, oe))
	}
	return nil
}

// optimize 執行各個階段；返回 nil 表示任務已完成
func (s *Service) optimize(ctx context.Context, job *types.OptimizationJob, input *types.ScheduleData) *types.OptimizationError {
	runID := job.ID

	s.progress(runID, pctLoading, "Loading schedule data")
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	data, warnings := pinLocked(input, job.LockSet)

	s.progress(runID, pctAnalyzing, "Analyzing constraints")
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}

	res, err := s.registry.Execute(ctx, job.AlgorithmID, data, func(pct int, step string) {
		s.progress(runID, scaleProgress(pct), step)
	})
	if err != nil {
		return types.AsOptimizationError(err, types.CodeExecutionFailed)
	}

	s.progress(runID, pctGenerating, "Generating schedule")
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	out := unpinLocked(res.Schedule, input)
	warnings = append(warnings, res.Warnings...)

	before := algorithm.Evaluate(input)
	m := algorithm.Evaluate(out)
	m.ImprovementPercentage = algorithm.Improvement(before, m)
	m.ComputationTime = res.Elapsed.Seconds()
	changed := algorithm.ChangedOperations(input, out)

	s.progress(runID, pctFinalizing, "Finalizing optimization")
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}

	version, err := s.versions.Create(ctx, &types.ScheduleVersion{
		ScheduleID:      job.ScheduleID,
		ParentVersionID: s.parentFor(ctx, job),
		Data:            out,
		CreatedBy:       actorOf(input),
		Source:          types.SourceOptimization,
		Comment:         fmt.Sprintf("Optimization requested: %s", job.AlgorithmID),
		Metrics:         &m,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr)
		}
		return types.WrapError(types.CodeStorageFailed, "Failed to save optimization results", err)
	}
	s.metrics.RecordVersion(string(version.Source))

	done, err := s.jobs.Transition(runID, types.StatusCompleted, func(j *types.OptimizationJob) {
		j.ResultVersionID = version.ID
		j.Metrics = &m
		j.ChangedEvents = changed
		j.Warnings = warnings
	})
	if err != nil {
		// 寫入版本之後才被取消，版本保留，任務維持取消狀態
		log.Warn("Job left running state before completion", "runID", runID, "versionID", version.ID, "error", err)
		return nil
	}

	log.Info("Optimization job completed",
		"runID", runID,
		"versionID", version.ID,
		"makespan", m.Makespan,
		"changed", len(changed),
		"warnings", len(warnings))
	s.finish(done, journal.EventComplete)
	return nil
}

// fail 將任務轉為 failed；任務已經是終止狀態（例如被取消）時不做任何事
func (s *Service) fail(runID string, oe *types.OptimizationError) {
	job, err := s.jobs.Transition(runID, types.StatusFailed, func(j *types.OptimizationJob) {
		j.Error = oe
	})
	if err != nil {
		log.Debug("Failure not recorded", "runID", runID, "code", oe.Code, "error", err)
		return
	}
	log.Error("Optimization job failed", "runID", runID, "code", oe.Code, "error", oe.Message, "details", oe.Details)
	s.finish(job, journal.EventFail)
}

// finish 任務進入終止狀態後：寫日誌、發出終止事件、記錄指標、排定釋放
func (s *Service) finish(job *types.OptimizationJob, kind journal.EventType) {
	e := journal.Event{
		Type:        kind,
		RunID:       job.ID,
		ScheduleID:  job.ScheduleID,
		AlgorithmID: job.AlgorithmID,
		VersionID:   job.ResultVersionID,
	}
	if job.Error != nil {
		e.Code = string(job.Error.Code)
		e.Message = job.Error.Message
	}
	s.record(e)

	resp := responseOf(job)
	if err := s.broker.Publish(progress.Event{
		RunID:      job.ID,
		Type:       terminalEvent(job.Status),
		Percentage: job.ProgressPercentage,
		Step:       resp.Progress.CurrentStep,
		Result:     resp.Result,
		Error:      job.Error,
	}); err != nil {
		log.Debug("Terminal event not published", "runID", job.ID, "error", err)
	}

	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	elapsed := time.Duration(0)
	if job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(started)
	}
	s.metrics.RecordFinished(job.AlgorithmID, string(job.Status), elapsed.Seconds())
	s.refreshStats()
	s.scheduleRelease(job.ID)
}

// progress 更新任務進度並廣播；非遞增或任務已終止時忽略
func (s *Service) progress(runID string, pct int, step string) {
	accepted, err := s.jobs.UpdateProgress(runID, pct, step)
	if err != nil || !accepted {
		return
	}
	if err := s.broker.Publish(progress.Event{
		RunID:      runID,
		Type:       progress.EventProgress,
		Percentage: pct,
		Step:       step,
	}); err != nil {
		log.Debug("Progress not published", "runID", runID, "error", err)
	}
}

// interruption 區分使用者取消與服務關閉
//
// CancelJob 會先把任務轉成 cancelled 再取消 context，所以任務仍在 running
// 卻收到 CANCELLED_BY_USER 時，取消來源是 worker pool 的關閉。
func (s *Service) interruption(runID string, oe *types.OptimizationError) *types.OptimizationError {
	if oe.Code != types.CodeCancelledByUser {
		return oe
	}
	if job, err := s.jobs.Get(runID); err == nil && job.Status == types.StatusRunning {
		return &types.OptimizationError{
			Code:        types.CodeExecutionFailed,
			Message:     "Optimization interrupted by service shutdown",
			Recoverable: true,
		}
	}
	return oe
}

// parentFor 請求帶的基準版本存在於同一個 schedule 時以它為 parent，
// 否則留空讓版本庫接在最新版本之後
func (s *Service) parentFor(ctx context.Context, job *types.OptimizationJob) string {
	if job.BaseVersionID == "" {
		return ""
	}
	base, err := s.versions.Get(ctx, job.BaseVersionID)
	if err != nil || base.ScheduleID != job.ScheduleID {
		return ""
	}
	return base.ID
}

// scaleProgress 把演算法回報的 0~100 對應到 30~85
func scaleProgress(pct int) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pctAlgoStart + pct*(pctAlgoEnd-pctAlgoStart)/100
}

// pinLocked 讓 lock set 中有完整時間的工序在這次執行中固定不動
func pinLocked(input *types.ScheduleData, locks []types.OperationID) (*types.ScheduleData, []string) {
	data := input.Clone()
	var warnings []string
	for _, id := range locks {
		op := data.Operation(id)
		if op == nil {
			continue
		}
		if op.StartTime == nil || op.EndTime == nil {
			warnings = append(warnings, fmt.Sprintf("Locked operation %s has no start/end time and was scheduled normally", id))
			continue
		}
		op.ManuallyScheduled = true
	}
	return data, warnings
}

// unpinLocked 還原輸入中的 ManuallyScheduled 旗標
func unpinLocked(out, input *types.ScheduleData) *types.ScheduleData {
	for i := range out.Operations {
		if orig := input.Operation(out.Operations[i].ID); orig != nil {
			out.Operations[i].ManuallyScheduled = orig.ManuallyScheduled
		}
	}
	return out
}

func actorOf(data *types.ScheduleData) string {
	if data.Metadata.UserID != "" {
		return data.Metadata.UserID
	}
	return "system"
}

func contextError(err error) *types.OptimizationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.OptimizationError{Code: types.CodeTimeLimitExceeded, Message: "Time limit exceeded", Recoverable: true}
	}
	return types.NewError(types.CodeCancelledByUser, "Job cancelled by user")
}

func terminalEvent(status types.JobStatus) progress.EventType {
	switch status {
	case types.StatusCompleted:
		return progress.EventCompleted
	case types.StatusCancelled:
		return progress.EventCancelled
	default:
		return progress.EventFailed
	}
}
