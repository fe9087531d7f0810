package optimizer

import (
	"context"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// ============================================================================
// 排程鎖
//   - 衝突        → LOCK_CONFLICT
//   - 鎖不存在    → LOCK_NOT_FOUND
//   - 欄位不完整  → INVALID_SCHEDULE
// 過期的鎖由清理循環移除（ExpireLocks）。
// ============================================================================

// AcquireLock 在 schedule 上取得 read / write / exclusive 鎖
//
// ExpiresAt 為零值時鎖在 versionstore.DefaultLockTTL 後過期。
func (s *Service) AcquireLock(ctx context.Context, req *types.ScheduleLock) (*types.ScheduleLock, error) {
	lock, err := s.versions.AcquireLock(ctx, req)
	if err != nil {
		return nil, storeError("Failed to acquire lock", err)
	}
	log.Info("Schedule lock acquired",
		"scheduleID", lock.ScheduleID, "lockID", lock.ID,
		"type", lock.Type, "owner", lock.LockedBy, "expiresAt", lock.ExpiresAt)
	return lock, nil
}

// ReleaseLock 釋放鎖
func (s *Service) ReleaseLock(ctx context.Context, lockID string) error {
	if err := s.versions.ReleaseLock(ctx, lockID); err != nil {
		return storeError("Failed to release lock", err)
	}
	log.Info("Schedule lock released", "lockID", lockID)
	return nil
}

// ActiveLocks 列出 schedule 上尚未過期的鎖
func (s *Service) ActiveLocks(ctx context.Context, scheduleID string) ([]*types.ScheduleLock, error) {
	locks, err := s.versions.ActiveLocks(ctx, scheduleID)
	if err != nil {
		return nil, storeError("Failed to list locks", err)
	}
	return locks, nil
}

// ExpireLocks 移除已過期的鎖，返回移除數量；失敗只記錄錯誤
func (s *Service) ExpireLocks(ctx context.Context) int {
	n, err := s.versions.ExpireLocks(ctx, s.now())
	if err != nil {
		log.Error("Failed to expire schedule locks", "error", err)
		return 0
	}
	return n
}

// RollbackHistory 由新到舊列出回滾稽核記錄
func (s *Service) RollbackHistory(ctx context.Context, scheduleID string) ([]*types.VersionRollback, error) {
	records, err := s.versions.Rollbacks(ctx, scheduleID)
	if err != nil {
		return nil, storeError("Failed to load rollback history", err)
	}
	return records, nil
}
