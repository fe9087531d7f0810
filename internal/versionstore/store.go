// ============================================================================
// schedopt Schedule Version Store
// ============================================================================
//
// 職責說明：
// 1. 以不可變、只可追加的方式保存排程版本
// 2. 每個 schedule 有獨立遞增的版本號，版本之間以 ParentVersionID 串成歷史
// 3. 以資料快照的 sha256 做內容定址（Checksum）
// 4. 回傳的版本一律為深拷貝，呼叫端修改不影響儲存內容
//
// 實作：
//   - MemoryStore:   sync.Map + 每個 schedule 一把 lineage 鎖
//   - FileStore:     MemoryStore + 原子性 JSON 快照檔（temp file + rename）
//   - PostgresStore: database/sql + lib/pq
//
// 另外保存限時的排程鎖（read / write / exclusive）與回滾稽核記錄。
// ============================================================================

package versionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrVersionNotFound 版本不存在（或 schedule 尚無任何版本）
	ErrVersionNotFound = errors.New("schedule version not found")
	// ErrInvalidVersion 建立版本時缺少必要欄位
	ErrInvalidVersion = errors.New("invalid schedule version")
	// ErrConcurrency 同一 schedule 同時有兩個寫入者搶同一個版本號
	ErrConcurrency = errors.New("schedule was modified concurrently")
	// ErrLockConflict 已有不相容且未過期的鎖
	ErrLockConflict = errors.New("schedule lock conflict")
	// ErrLockNotFound 鎖不存在或已過期清除
	ErrLockNotFound = errors.New("schedule lock not found")
	// ErrInvalidLock 取得鎖時缺少必要欄位
	ErrInvalidLock = errors.New("invalid schedule lock")
)

// DefaultHistoryLimit History 未指定上限時的預設筆數
const DefaultHistoryLimit = 50

// DefaultLockTTL 排程鎖的預設有效時間
const DefaultLockTTL = 5 * time.Minute

// Store 排程版本庫介面
type Store interface {
	// Create 追加新版本。ID、VersionNumber、Checksum、CreatedAt 由儲存層指定；
	// ParentVersionID 為空時自動指向該 schedule 目前最新的版本。
	Create(ctx context.Context, v *types.ScheduleVersion) (*types.ScheduleVersion, error)
	Get(ctx context.Context, id string) (*types.ScheduleVersion, error)
	// Latest 返回版本號最大的版本，沒有時返回 ErrVersionNotFound
	Latest(ctx context.Context, scheduleID string) (*types.ScheduleVersion, error)
	// History 由新到舊，limit <= 0 時使用 DefaultHistoryLimit
	History(ctx context.Context, scheduleID string, limit int) ([]*types.ScheduleVersion, error)
	FindByChecksum(ctx context.Context, scheduleID, checksum string) (*types.ScheduleVersion, error)

	// AcquireLock 取得排程鎖。ID、AcquiredAt、ExpectedVersion 由儲存層指定；
	// ExpiresAt 為零值時使用 DefaultLockTTL。與既有鎖衝突時返回 ErrLockConflict。
	AcquireLock(ctx context.Context, lock *types.ScheduleLock) (*types.ScheduleLock, error)
	// ReleaseLock 釋放鎖，不存在時返回 ErrLockNotFound
	ReleaseLock(ctx context.Context, lockID string) error
	// ActiveLocks 列出 schedule 上尚未過期的鎖，依取得時間排序
	ActiveLocks(ctx context.Context, scheduleID string) ([]*types.ScheduleLock, error)
	// ExpireLocks 移除 now 時已過期的鎖，返回移除數量
	ExpireLocks(ctx context.Context, now time.Time) (int, error)

	// RecordRollback 追加回滾稽核記錄，ID 與 CreatedAt 由儲存層指定
	RecordRollback(ctx context.Context, r *types.VersionRollback) (*types.VersionRollback, error)
	// Rollbacks 由新到舊列出 schedule 的回滾記錄
	Rollbacks(ctx context.Context, scheduleID string) ([]*types.VersionRollback, error)

	Close() error
}

// Checksum 計算排程資料的 sha256（hex）
func Checksum(data *types.ScheduleData) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal schedule data: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NewVersionID 產生版本 ID（v_<uuid>）
func NewVersionID() string {
	return "v_" + uuid.NewString()
}

// NewLockID 產生鎖 ID（lock_<uuid>）
func NewLockID() string {
	return "lock_" + uuid.NewString()
}

// NewRollbackID 產生回滾記錄 ID（rb_<uuid>）
func NewRollbackID() string {
	return "rb_" + uuid.NewString()
}

// validate 檢查建立版本所需欄位
func validate(v *types.ScheduleVersion) error {
	if v == nil {
		return fmt.Errorf("%w: nil version", ErrInvalidVersion)
	}
	if v.ScheduleID == "" {
		return fmt.Errorf("%w: missing schedule id", ErrInvalidVersion)
	}
	if v.Data == nil {
		return fmt.Errorf("%w: missing schedule data", ErrInvalidVersion)
	}
	if v.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidVersion)
	}
	return nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
