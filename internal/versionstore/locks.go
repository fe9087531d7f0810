package versionstore

// ============================================================================
// 排程鎖與回滾稽核
//
// 鎖以 schedule 為範圍，相容規則見 types.LockType.ConflictsWith。
// 過期的鎖在衝突檢查與列表中一律忽略，ExpireLocks 只負責實際移除。
// ============================================================================

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// lockTable MemoryStore 的鎖與回滾記錄，零值可直接使用
type lockTable struct {
	mu        sync.Mutex
	held      map[string]*types.ScheduleLock      // lockID → lock
	rollbacks map[string][]*types.VersionRollback // scheduleID → 由舊到新
}

// validateLock 檢查取得鎖所需欄位
func validateLock(l *types.ScheduleLock, now time.Time) error {
	if l == nil {
		return fmt.Errorf("%w: nil lock", ErrInvalidLock)
	}
	if l.ScheduleID == "" {
		return fmt.Errorf("%w: missing schedule id", ErrInvalidLock)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: unknown lock type %q", ErrInvalidLock, l.Type)
	}
	if l.LockedBy == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidLock)
	}
	if !l.ExpiresAt.IsZero() && !l.ExpiresAt.After(now) {
		return fmt.Errorf("%w: already expired", ErrInvalidLock)
	}
	return nil
}

// newLock 填入儲存層指定的欄位
func newLock(req *types.ScheduleLock, now time.Time, latest int) *types.ScheduleLock {
	out := req.Clone()
	out.ID = NewLockID()
	out.AcquiredAt = now
	out.ExpectedVersion = latest
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = now.Add(DefaultLockTTL)
	}
	return out
}

// conflictError 描述擋住請求的鎖
func conflictError(want types.LockType, held *types.ScheduleLock) error {
	return fmt.Errorf("%w: %s lock %s held by %s until %s (requested %s)",
		ErrLockConflict, held.Type, held.ID, held.LockedBy,
		held.ExpiresAt.Format(time.RFC3339), want)
}

// newRollback 檢查並填入回滾記錄的儲存層欄位
func newRollback(r *types.VersionRollback, now time.Time) (*types.VersionRollback, error) {
	if r == nil || r.ScheduleID == "" || r.ToVersionID == "" || r.ResultVersionID == "" {
		return nil, fmt.Errorf("%w: rollback record needs schedule, target and result", ErrInvalidVersion)
	}
	out := r.Clone()
	out.ID = NewRollbackID()
	if out.Type == "" {
		out.Type = types.RollbackFull
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return out, nil
}

func sortLocks(locks []*types.ScheduleLock) {
	sort.Slice(locks, func(i, j int) bool {
		if !locks[i].AcquiredAt.Equal(locks[j].AcquiredAt) {
			return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
		}
		return locks[i].ID < locks[j].ID
	})
}

// ============================================================================
// MemoryStore 實作
// ============================================================================

// AcquireLock 取得排程鎖
func (s *MemoryStore) AcquireLock(ctx context.Context, lock *types.ScheduleLock) (*types.ScheduleLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	if err := validateLock(lock, now); err != nil {
		return nil, err
	}

	l := s.existing(lock.ScheduleID)
	l.mu.RLock()
	latest := len(l.ids)
	l.mu.RUnlock()

	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, held := range t.held {
		if held.ScheduleID == lock.ScheduleID && !held.Expired(now) && lock.Type.ConflictsWith(held.Type) {
			return nil, conflictError(lock.Type, held)
		}
	}

	stored := newLock(lock, now, latest)
	if t.held == nil {
		t.held = make(map[string]*types.ScheduleLock)
	}
	t.held[stored.ID] = stored

	log.Debug("Schedule lock acquired",
		"scheduleID", stored.ScheduleID, "lockID", stored.ID,
		"type", stored.Type, "owner", stored.LockedBy)
	return stored.Clone(), nil
}

// ReleaseLock 釋放鎖
func (s *MemoryStore) ReleaseLock(_ context.Context, lockID string) error {
	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[lockID]; !ok {
		return fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	delete(t.held, lockID)
	return nil
}

// ActiveLocks 列出尚未過期的鎖
func (s *MemoryStore) ActiveLocks(_ context.Context, scheduleID string) ([]*types.ScheduleLock, error) {
	now := s.now()

	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*types.ScheduleLock
	for _, held := range t.held {
		if held.ScheduleID == scheduleID && !held.Expired(now) {
			out = append(out, held.Clone())
		}
	}
	sortLocks(out)
	return out, nil
}

// ExpireLocks 移除已過期的鎖
func (s *MemoryStore) ExpireLocks(_ context.Context, now time.Time) (int, error) {
	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, held := range t.held {
		if held.Expired(now) {
			delete(t.held, id)
			removed++
		}
	}
	return removed, nil
}

// RecordRollback 追加回滾記錄
func (s *MemoryStore) RecordRollback(ctx context.Context, r *types.VersionRollback) (*types.VersionRollback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := newRollback(r, s.now())
	if err != nil {
		return nil, err
	}
	s.restoreRollback(stored)
	return stored.Clone(), nil
}

// Rollbacks 由新到舊列出回滾記錄
func (s *MemoryStore) Rollbacks(_ context.Context, scheduleID string) ([]*types.VersionRollback, error) {
	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.rollbacks[scheduleID]
	out := make([]*types.VersionRollback, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i].Clone())
	}
	return out, nil
}

// restoreRollback 放回已持久化的回滾記錄（FileStore 載入時使用）
func (s *MemoryStore) restoreRollback(r *types.VersionRollback) {
	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rollbacks == nil {
		t.rollbacks = make(map[string][]*types.VersionRollback)
	}
	t.rollbacks[r.ScheduleID] = append(t.rollbacks[r.ScheduleID], r.Clone())
}

// discardRollback 撤銷最後一筆回滾記錄（FileStore 持久化失敗時使用）
func (s *MemoryStore) discardRollback(r *types.VersionRollback) {
	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.rollbacks[r.ScheduleID]
	if n := len(records); n > 0 && records[n-1].ID == r.ID {
		t.rollbacks[r.ScheduleID] = records[:n-1]
	}
}

// allRollbacks 依 schedule、時間順序返回所有回滾記錄（快照寫入用）
func (s *MemoryStore) allRollbacks() []*types.VersionRollback {
	t := &s.locks
	t.mu.Lock()
	defer t.mu.Unlock()

	scheduleIDs := make([]string, 0, len(t.rollbacks))
	for id := range t.rollbacks {
		scheduleIDs = append(scheduleIDs, id)
	}
	sort.Strings(scheduleIDs)

	var out []*types.VersionRollback
	for _, id := range scheduleIDs {
		out = append(out, t.rollbacks[id]...)
	}
	return out
}
