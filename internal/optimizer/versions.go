package optimizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

// ============================================================================
// 版本操作
// 版本庫錯誤一律轉成 OptimizationError：
//   - ErrVersionNotFound → VERSION_NOT_FOUND
//   - 其他              → STORAGE_FAILED（原始訊息放在 Details）
// ============================================================================

// ImportSchedule 將外部排程存成新版本（source=import）
func (s *Service) ImportSchedule(ctx context.Context, scheduleID string, data *types.ScheduleData, actor, comment string) (*types.ScheduleVersion, error) {
	if err := ValidateSchedule(data, nil); err != nil {
		return nil, types.WrapError(types.CodeInvalidSchedule, "Invalid schedule data", err)
	}
	if scheduleID == "" {
		scheduleID = scheduleIDOf(data)
	}
	if actor == "" {
		actor = actorOf(data)
	}

	v, err := s.versions.Create(ctx, &types.ScheduleVersion{
		ScheduleID: scheduleID,
		Data:       data,
		CreatedBy:  actor,
		Source:     types.SourceImport,
		Comment:    comment,
		Metrics:    metricsOf(data),
	})
	if err != nil {
		return nil, storeError("Failed to import schedule", err)
	}
	s.metrics.RecordVersion(string(v.Source))
	log.Info("Schedule imported", "scheduleID", scheduleID, "versionID", v.ID, "version", v.VersionNumber)
	return v, nil
}

// ApplyResults 以既有版本（通常是最佳化結果）的資料建立新的基準版本
//
// 新版本 source=optimization，parent 指向被套用的版本。
func (s *Service) ApplyResults(ctx context.Context, scheduleID, versionID string) (*types.ScheduleVersion, error) {
	src, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if scheduleID != "" && src.ScheduleID != scheduleID {
		return nil, types.NewError(types.CodeVersionNotFound,
			fmt.Sprintf("Version %s does not belong to schedule %s", versionID, scheduleID))
	}

	v, err := s.versions.Create(ctx, &types.ScheduleVersion{
		ScheduleID:      src.ScheduleID,
		ParentVersionID: src.ID,
		Data:            src.Data,
		CreatedBy:       actorOf(src.Data),
		Source:          types.SourceOptimization,
		Comment:         fmt.Sprintf("Applied version %d", src.VersionNumber),
		Metrics:         src.Metrics,
	})
	if err != nil {
		return nil, storeError("Failed to apply results", err)
	}

	s.metrics.RecordVersion(string(v.Source))
	s.record(journal.Event{Type: journal.EventApply, ScheduleID: v.ScheduleID, VersionID: v.ID, Message: src.ID})
	log.Info("Results applied", "scheduleID", v.ScheduleID, "from", src.ID, "versionID", v.ID)
	return v, nil
}

// RollbackToVersion 以目標版本的資料建立新的 manual 版本（rollback-v<N>）
func (s *Service) RollbackToVersion(ctx context.Context, scheduleID, versionID, actor, reason string) (*types.ScheduleVersion, error) {
	if actor == "" {
		actor = "system"
	}
	v, err := versionstore.Rollback(ctx, s.versions, scheduleID, versionID, actor, reason)
	if v == nil {
		return nil, storeError("Failed to roll back schedule", err)
	}
	if err != nil {
		// 版本已建立，稽核記錄缺失不影響回滾結果
		log.Error("Failed to record rollback", "scheduleID", scheduleID, "versionID", v.ID, "error", err)
	}

	s.metrics.RecordVersion(string(v.Source))
	s.record(journal.Event{Type: journal.EventRollback, ScheduleID: scheduleID, VersionID: v.ID, Message: v.Comment})
	log.Info("Schedule rolled back", "scheduleID", scheduleID, "target", versionID, "versionID", v.ID)
	return v, nil
}

// CompareVersions 比較兩個版本
func (s *Service) CompareVersions(ctx context.Context, fromID, toID string) (*versionstore.Comparison, error) {
	from, err := s.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}
	cmp, err := versionstore.Compare(from, to)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidSchedule, "Versions cannot be compared", err)
	}
	return cmp, nil
}

// CheckConcurrency 樂觀並發檢查：schedule 最新版本號是否仍為 expected
func (s *Service) CheckConcurrency(ctx context.Context, scheduleID string, expected int) (versionstore.ConcurrencyCheck, error) {
	check, err := versionstore.CheckConcurrency(ctx, s.versions, scheduleID, expected)
	if err != nil {
		return check, storeError("Failed to check schedule version", err)
	}
	return check, nil
}

// GetVersion 取得版本
func (s *Service) GetVersion(ctx context.Context, versionID string) (*types.ScheduleVersion, error) {
	v, err := s.versions.Get(ctx, versionID)
	if err != nil {
		return nil, storeError("Failed to load version", err)
	}
	return v, nil
}

// LatestVersion 取得 schedule 的最新版本
func (s *Service) LatestVersion(ctx context.Context, scheduleID string) (*types.ScheduleVersion, error) {
	v, err := s.versions.Latest(ctx, scheduleID)
	if err != nil {
		return nil, storeError("Failed to load latest version", err)
	}
	return v, nil
}

// VersionHistory 由新到舊列出版本
func (s *Service) VersionHistory(ctx context.Context, scheduleID string, limit int) ([]*types.ScheduleVersion, error) {
	history, err := s.versions.History(ctx, scheduleID, limit)
	if err != nil {
		return nil, storeError("Failed to load version history", err)
	}
	return history, nil
}

func storeError(message string, err error) *types.OptimizationError {
	var oe *types.OptimizationError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case errors.Is(err, versionstore.ErrVersionNotFound):
		return types.WrapError(types.CodeVersionNotFound, "Version not found", err)
	case errors.Is(err, versionstore.ErrLockConflict):
		return types.WrapError(types.CodeLockConflict, "Schedule is locked", err)
	case errors.Is(err, versionstore.ErrLockNotFound):
		return types.WrapError(types.CodeLockNotFound, "Lock not found", err)
	case errors.Is(err, versionstore.ErrInvalidLock):
		return types.WrapError(types.CodeInvalidSchedule, "Invalid lock request", err)
	}
	return types.WrapError(types.CodeStorageFailed, message, err)
}

// metricsOf 匯入的排程已經有時間時，順便記下它的指標
func metricsOf(data *types.ScheduleData) *types.Metrics {
	for _, op := range data.Operations {
		if op.StartTime != nil && op.EndTime != nil {
			m := algorithm.Evaluate(data)
			return &m
		}
	}
	return nil
}
