package versionstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// MemoryStore 記憶體版本庫
//
// versions 以版本 ID 為 key；lineages 以 schedule ID 為 key，保存該 schedule
// 依版本號排序的版本 ID。不同 schedule 之間沒有共用的鎖。
type MemoryStore struct {
	versions sync.Map // string -> *types.ScheduleVersion
	lineages sync.Map // string -> *lineage
	locks    lockTable

	now   func() time.Time
	newID func() string
}

type lineage struct {
	mu  sync.RWMutex
	ids []string // index i 對應版本號 i+1
}

// NewMemoryStore 建立記憶體版本庫
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, newID: NewVersionID}
}

func (s *MemoryStore) lineage(scheduleID string) *lineage {
	l, _ := s.lineages.LoadOrStore(scheduleID, &lineage{})
	return l.(*lineage)
}

// existing 只查詢，不為未知的 schedule 建立 lineage
func (s *MemoryStore) existing(scheduleID string) *lineage {
	l, ok := s.lineages.Load(scheduleID)
	if !ok {
		return &lineage{}
	}
	return l.(*lineage)
}

func (s *MemoryStore) load(id string) (*types.ScheduleVersion, bool) {
	v, ok := s.versions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*types.ScheduleVersion), true
}

// Create 追加新版本
func (s *MemoryStore) Create(ctx context.Context, v *types.ScheduleVersion) (*types.ScheduleVersion, error) {
	if err := validate(v); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checksum, err := Checksum(v.Data)
	if err != nil {
		return nil, err
	}

	l := s.lineage(v.ScheduleID)
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := v.Clone()
	stored.ID = s.newID()
	stored.VersionNumber = len(l.ids) + 1
	stored.Checksum = checksum
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	if stored.ParentVersionID == "" {
		if n := len(l.ids); n > 0 {
			stored.ParentVersionID = l.ids[n-1]
		}
	} else if parent, ok := s.load(stored.ParentVersionID); !ok || parent.ScheduleID != stored.ScheduleID {
		return nil, fmt.Errorf("%w: parent %s", ErrVersionNotFound, stored.ParentVersionID)
	}

	s.versions.Store(stored.ID, stored)
	l.ids = append(l.ids, stored.ID)

	log.Debug("Schedule version created",
		"scheduleID", stored.ScheduleID, "versionID", stored.ID,
		"number", stored.VersionNumber, "source", stored.Source)
	return stored.Clone(), nil
}

// restore 放回已持久化的版本（FileStore 載入時使用），保留原始 ID 與版本號
func (s *MemoryStore) restore(v *types.ScheduleVersion) error {
	l := s.lineage(v.ScheduleID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if v.VersionNumber != len(l.ids)+1 {
		return fmt.Errorf("%w: schedule %s version %d out of order", ErrInvalidVersion, v.ScheduleID, v.VersionNumber)
	}
	s.versions.Store(v.ID, v.Clone())
	l.ids = append(l.ids, v.ID)
	return nil
}

// discard 撤銷最後一次 Create（FileStore 持久化失敗時使用）
func (s *MemoryStore) discard(v *types.ScheduleVersion) {
	l := s.lineage(v.ScheduleID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.ids); n > 0 && l.ids[n-1] == v.ID {
		l.ids = l.ids[:n-1]
		s.versions.Delete(v.ID)
	}
}

// Get 依 ID 取得版本
func (s *MemoryStore) Get(_ context.Context, id string) (*types.ScheduleVersion, error) {
	v, ok := s.load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	return v.Clone(), nil
}

// Latest 返回最新版本
func (s *MemoryStore) Latest(_ context.Context, scheduleID string) (*types.ScheduleVersion, error) {
	l := s.existing(scheduleID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.ids) == 0 {
		return nil, fmt.Errorf("%w: schedule %s has no versions", ErrVersionNotFound, scheduleID)
	}
	v, _ := s.load(l.ids[len(l.ids)-1])
	return v.Clone(), nil
}

// History 由新到舊返回最多 limit 筆版本
func (s *MemoryStore) History(_ context.Context, scheduleID string, limit int) ([]*types.ScheduleVersion, error) {
	limit = historyLimit(limit)

	l := s.existing(scheduleID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.ScheduleVersion, 0, min(limit, len(l.ids)))
	for i := len(l.ids) - 1; i >= 0 && len(out) < limit; i-- {
		v, _ := s.load(l.ids[i])
		out = append(out, v.Clone())
	}
	return out, nil
}

// FindByChecksum 找出內容相同的最新版本
func (s *MemoryStore) FindByChecksum(_ context.Context, scheduleID, checksum string) (*types.ScheduleVersion, error) {
	l := s.existing(scheduleID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.ids) - 1; i >= 0; i-- {
		v, _ := s.load(l.ids[i])
		if v.Checksum == checksum {
			return v.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: checksum %s", ErrVersionNotFound, checksum)
}

// all 依 schedule、版本號順序返回所有版本（快照寫入用）
func (s *MemoryStore) all() []*types.ScheduleVersion {
	var out []*types.ScheduleVersion
	s.lineages.Range(func(_, value any) bool {
		l := value.(*lineage)
		l.mu.RLock()
		for _, id := range l.ids {
			v, _ := s.load(id)
			out = append(out, v)
		}
		l.mu.RUnlock()
		return true
	})
	return out
}

// Close 記憶體版本庫無需釋放資源
func (s *MemoryStore) Close() error { return nil }
