package versionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// OperationChange 同一個 operation 在兩個版本中的內容
type OperationChange struct {
	ID     types.OperationID `json:"id"`
	Before types.Operation   `json:"before"`
	After  types.Operation   `json:"after"`
}

// MetricsDelta to - from
type MetricsDelta struct {
	Makespan             float64 `json:"makespan"`
	ResourceUtilization  float64 `json:"resourceUtilization"`
	TotalSetupTime       float64 `json:"totalSetupTime"`
	TotalChangeovers     int     `json:"totalChangeovers"`
	ConstraintViolations int     `json:"constraintViolations"`
}

// Comparison 兩個版本之間的差異
type Comparison struct {
	FromVersionID string            `json:"fromVersionId"`
	ToVersionID   string            `json:"toVersionId"`
	Added         []types.Operation `json:"added"`
	Removed       []types.Operation `json:"removed"`
	Modified      []OperationChange `json:"modified"`
	MetricsDelta  *MetricsDelta     `json:"metricsDelta,omitempty"`
}

// Compare 比較 from 與 to 兩個版本的 operation 集合
//
// to 有而 from 沒有的是 Added，反之為 Removed；兩邊都有但序列化內容不同的是
// Modified。結果依 operation ID 排序。兩邊都有 Metrics 時才計算 MetricsDelta。
func Compare(from, to *types.ScheduleVersion) (*Comparison, error) {
	if from == nil || to == nil || from.Data == nil || to.Data == nil {
		return nil, fmt.Errorf("%w: both versions need data", ErrInvalidVersion)
	}

	cmp := &Comparison{
		FromVersionID: from.ID,
		ToVersionID:   to.ID,
		Added:         []types.Operation{},
		Removed:       []types.Operation{},
		Modified:      []OperationChange{},
	}

	before := make(map[types.OperationID]types.Operation, len(from.Data.Operations))
	for _, op := range from.Data.Operations {
		before[op.ID] = op
	}
	after := make(map[types.OperationID]types.Operation, len(to.Data.Operations))
	for _, op := range to.Data.Operations {
		after[op.ID] = op
	}

	for id, op := range after {
		prev, ok := before[id]
		if !ok {
			cmp.Added = append(cmp.Added, op)
			continue
		}
		same, err := sameOperation(prev, op)
		if err != nil {
			return nil, err
		}
		if !same {
			cmp.Modified = append(cmp.Modified, OperationChange{ID: id, Before: prev, After: op})
		}
	}
	for id, op := range before {
		if _, ok := after[id]; !ok {
			cmp.Removed = append(cmp.Removed, op)
		}
	}

	sort.Slice(cmp.Added, func(i, j int) bool { return cmp.Added[i].ID < cmp.Added[j].ID })
	sort.Slice(cmp.Removed, func(i, j int) bool { return cmp.Removed[i].ID < cmp.Removed[j].ID })
	sort.Slice(cmp.Modified, func(i, j int) bool { return cmp.Modified[i].ID < cmp.Modified[j].ID })

	if from.Metrics != nil && to.Metrics != nil {
		cmp.MetricsDelta = &MetricsDelta{
			Makespan:             to.Metrics.Makespan - from.Metrics.Makespan,
			ResourceUtilization:  to.Metrics.ResourceUtilization - from.Metrics.ResourceUtilization,
			TotalSetupTime:       to.Metrics.TotalSetupTime - from.Metrics.TotalSetupTime,
			TotalChangeovers:     to.Metrics.TotalChangeovers - from.Metrics.TotalChangeovers,
			ConstraintViolations: to.Metrics.ConstraintViolations - from.Metrics.ConstraintViolations,
		}
	}
	return cmp, nil
}

// sameOperation 以 JSON 形式比較，與從檔案或資料庫讀回的版本比較結果一致
func sameOperation(a, b types.Operation) (bool, error) {
	ra, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ra, rb), nil
}

// ConcurrencyCheck 樂觀並發檢查結果
type ConcurrencyCheck struct {
	Valid           bool     `json:"isValid"`
	CurrentVersion  int      `json:"currentVersion"`
	ExpectedVersion int      `json:"expectedVersion"`
	Conflicts       []string `json:"conflicts,omitempty"`
}

// CheckConcurrency 確認 schedule 的最新版本號仍是呼叫端預期的版本號。
// 尚無任何版本的 schedule 一律通過。
func CheckConcurrency(ctx context.Context, store Store, scheduleID string, expected int) (ConcurrencyCheck, error) {
	result := ConcurrencyCheck{Valid: true, ExpectedVersion: expected}

	latest, err := store.Latest(ctx, scheduleID)
	if errors.Is(err, ErrVersionNotFound) {
		return result, nil
	}
	if err != nil {
		return result, err
	}

	result.CurrentVersion = latest.VersionNumber
	if latest.VersionNumber != expected {
		result.Valid = false
		result.Conflicts = []string{"Version mismatch - schedule has been modified"}
	}
	return result, nil
}

// Rollback 以目標版本的資料建立一個新的 manual 版本，標記為 rollback-v<N>。
// 歷史不會被改寫，新版本的 parent 是目前最新的版本。
//
// 成功後追加一筆回滾稽核記錄；稽核寫入失敗時仍返回已建立的版本與錯誤。
func Rollback(ctx context.Context, store Store, scheduleID, targetID, actor, reason string) (*types.ScheduleVersion, error) {
	target, err := store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.ScheduleID != scheduleID {
		return nil, fmt.Errorf("%w: %s does not belong to schedule %s", ErrVersionNotFound, targetID, scheduleID)
	}
	current, err := store.Latest(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	comment := fmt.Sprintf("Rollback to version %d", target.VersionNumber)
	if reason != "" {
		comment += ": " + reason
	}

	v, err := store.Create(ctx, &types.ScheduleVersion{
		ScheduleID: scheduleID,
		Data:       target.Data,
		CreatedBy:  actor,
		Source:     types.SourceManual,
		Comment:    comment,
		Tag:        fmt.Sprintf("rollback-v%d", target.VersionNumber),
		Metrics:    target.Metrics,
	})
	if err != nil {
		return nil, err
	}

	_, err = store.RecordRollback(ctx, &types.VersionRollback{
		ScheduleID:      scheduleID,
		FromVersionID:   current.ID,
		ToVersionID:     target.ID,
		ResultVersionID: v.ID,
		Reason:          reason,
		Type:            types.RollbackFull,
		PerformedBy:     actor,
	})
	if err != nil {
		return v, fmt.Errorf("record rollback: %w", err)
	}
	return v, nil
}
