package versionstore

// ============================================================================
// 職責說明：
// 1. 將所有排程版本序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 讀取路徑完全由內嵌的 MemoryStore 處理
// 5. 回滾記錄隨版本一起寫入快照；排程鎖只存在於記憶體中
//
// 每次寫入都會重寫整個快照，成本與歷史總量成正比。
// 版本量大的部署應使用 PostgresStore。
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("version snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("version snapshot schema version is incompatible")
)

// snapshotSchemaVersion 快照檔格式版本
const snapshotSchemaVersion = 1

// snapshotFile 快照檔內容
type snapshotFile struct {
	SchemaVer int                      `json:"schemaVersion"`
	Versions  []*types.ScheduleVersion `json:"versions"`
	Rollbacks []*types.VersionRollback `json:"rollbacks,omitempty"`
}

// FileStore 以單一 JSON 快照檔持久化的版本庫
type FileStore struct {
	*MemoryStore

	path string
	mu   sync.Mutex // 序列化 Create 與檔案寫入
}

// NewFileStore 開啟（或建立）快照檔並載入既有版本
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{MemoryStore: NewMemoryStore(), path: path}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	data, err := s.readSnapshot()
	if err != nil {
		return nil, err
	}
	for _, v := range data.Versions {
		if err := s.restore(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	}

	for _, r := range data.Rollbacks {
		s.restoreRollback(r)
	}

	log.Info("Version store loaded", "path", path,
		"versions", len(data.Versions), "rollbacks", len(data.Rollbacks))
	return s, nil
}

// Create 追加新版本並重寫快照檔；寫檔失敗時撤銷該版本
func (s *FileStore) Create(ctx context.Context, v *types.ScheduleVersion) (*types.ScheduleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.MemoryStore.Create(ctx, v)
	if err != nil {
		return nil, err
	}

	if err := s.write(); err != nil {
		s.discard(created)
		return nil, err
	}
	return created, nil
}

// RecordRollback 追加回滾記錄並重寫快照檔；寫檔失敗時撤銷該記錄
func (s *FileStore) RecordRollback(ctx context.Context, r *types.VersionRollback) (*types.VersionRollback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded, err := s.MemoryStore.RecordRollback(ctx, r)
	if err != nil {
		return nil, err
	}

	if err := s.write(); err != nil {
		s.discardRollback(recorded)
		return nil, err
	}
	return recorded, nil
}

// GetPath 取得快照檔案路徑
func (s *FileStore) GetPath() string {
	return s.path
}

// write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *FileStore) write() error {
	versions := s.all()
	sort.SliceStable(versions, func(i, j int) bool {
		if versions[i].ScheduleID != versions[j].ScheduleID {
			return versions[i].ScheduleID < versions[j].ScheduleID
		}
		return versions[i].VersionNumber < versions[j].VersionNumber
	})

	jsonBytes, err := json.MarshalIndent(snapshotFile{
		SchemaVer: snapshotSchemaVersion,
		Versions:  versions,
		Rollbacks: s.allRollbacks(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// readSnapshot 讀取快照檔；檔案不存在時回傳空內容（首次啟動）
func (s *FileStore) readSnapshot() (snapshotFile, error) {
	var data snapshotFile

	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshotFile{SchemaVer: snapshotSchemaVersion}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	for _, v := range data.Versions {
		if v == nil || v.ID == "" {
			return data, fmt.Errorf("%w: version without id", ErrCorruptedSnapshot)
		}
	}
	for _, r := range data.Rollbacks {
		if r == nil || r.ID == "" || r.ScheduleID == "" {
			return data, fmt.Errorf("%w: rollback record without id", ErrCorruptedSnapshot)
		}
	}

	sort.SliceStable(data.Versions, func(i, j int) bool {
		if data.Versions[i].ScheduleID != data.Versions[j].ScheduleID {
			return data.Versions[i].ScheduleID < data.Versions[j].ScheduleID
		}
		return data.Versions[i].VersionNumber < data.Versions[j].VersionNumber
	})
	return data, nil
}
