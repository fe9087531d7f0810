// ============================================================================
// schedopt 重啟恢復測試
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端驗證檔案版本庫與事件日誌在重啟後仍然完整
//
// TestRestartKeepsHistory:
//   第一階段：FileStore + Journal 啟動服務
//   - 匯入排程、提交數個最佳化任務、套用最後一個結果
//   - 停止服務並關閉儲存
//   第二階段：以相同路徑重新開啟
//   - 版本歷史與第一階段一致
//   - 日誌校驗通過，新事件的序號接續
//   - 可回滾到匯入的版本
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

var horizon = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)

// lineSchedule 生成 batches 個批次，每批依序經過 stages 台設備
func lineSchedule(scheduleID string, batches, stages int) *types.ScheduleData {
	start := horizon
	data := &types.ScheduleData{Metadata: types.Metadata{ScheduleID: scheduleID, HorizonStart: &start}}
	for s := 0; s < stages; s++ {
		data.Resources = append(data.Resources, types.Resource{
			ID:   types.ResourceID(fmt.Sprintf("R%d", s)),
			Name: fmt.Sprintf("Station %d", s),
		})
	}
	for b := 0; b < batches; b++ {
		var prev types.OperationID
		for s := 0; s < stages; s++ {
			id := types.OperationID(fmt.Sprintf("B%d-S%d", b, s))
			data.Operations = append(data.Operations, types.Operation{
				ID:         id,
				Name:       fmt.Sprintf("Batch %d step %d", b, s),
				JobID:      fmt.Sprintf("batch-%d", b),
				Duration:   float64(1 + (b+s)%3),
				ResourceID: types.ResourceID(fmt.Sprintf("R%d", s)),
			})
			if prev != "" {
				data.Dependencies = append(data.Dependencies, types.Dependency{FromOperationID: prev, ToOperationID: id})
			}
			prev = id
		}
	}
	return data
}

// waitTerminal 輪詢直到任務結束
func waitTerminal(t testing.TB, svc *optimizer.Service, runID string, timeout time.Duration) *types.OptimizationResponse {
	t.Helper()
	var resp *types.OptimizationResponse
	require.Eventually(t, func() bool {
		resp = svc.GetJobStatus(runID)
		return resp != nil && resp.Status.IsTerminal()
	}, timeout, 10*time.Millisecond, "run %s did not finish", runID)
	return resp
}

func TestRestartKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "versions.json")
	journalPath := filepath.Join(dir, "journal.log")
	ctx := context.Background()

	// 第一階段：正常運行
	store, err := versionstore.NewFileStore(storePath)
	require.NoError(t, err)
	jrnl, err := journal.Open(journalPath, true)
	require.NoError(t, err)

	svc := optimizer.New(optimizer.Config{Workers: 2, QueueSize: 8}, optimizer.Dependencies{Versions: store, Journal: jrnl})
	require.NoError(t, svc.Start())

	base, err := svc.ImportSchedule(ctx, "line-1", lineSchedule("line-1", 4, 3), "planner", "initial")
	require.NoError(t, err)

	algs := []string{registry.ForwardScheduling, registry.BackwardScheduling, registry.CriticalPath}
	var last *types.OptimizationResponse
	for _, alg := range algs {
		resp := svc.SubmitJob(ctx, &types.OptimizationRequest{AlgorithmID: alg, ScheduleData: lineSchedule("line-1", 4, 3)})
		require.Nil(t, resp.Error, "submit %s", alg)
		last = waitTerminal(t, svc, resp.RunID, 10*time.Second)
		require.Equal(t, types.StatusCompleted, last.Status, "run with %s should complete", alg)
	}

	applied, err := svc.ApplyResults(ctx, "line-1", last.Result.VersionID)
	require.NoError(t, err)

	before, err := svc.VersionHistory(ctx, "line-1", 0)
	require.NoError(t, err)

	// 模擬停機
	svc.Stop()
	require.NoError(t, jrnl.Close())
	require.NoError(t, store.Close())

	summary, err := journal.Verify(journalPath)
	require.NoError(t, err, "journal should verify after shutdown")
	t.Logf("日誌事件: %d, 最後序號: %d", summary.Events, summary.LastSeq)

	counts := map[journal.EventType]int{}
	require.NoError(t, journal.ReplayFile(journalPath, func(e journal.Event) error {
		counts[e.Type]++
		return nil
	}))
	assert.Equal(t, len(algs), counts[journal.EventSubmit])
	assert.Equal(t, len(algs), counts[journal.EventComplete])
	assert.Equal(t, 1, counts[journal.EventApply])

	// 第二階段：重新開啟
	store2, err := versionstore.NewFileStore(storePath)
	require.NoError(t, err)
	defer store2.Close()
	jrnl2, err := journal.Open(journalPath, true)
	require.NoError(t, err)
	defer jrnl2.Close()
	assert.Equal(t, summary.LastSeq, jrnl2.LastSeq(), "sequence should resume from the last event")

	svc2 := optimizer.New(optimizer.Config{Workers: 2, QueueSize: 8}, optimizer.Dependencies{Versions: store2, Journal: jrnl2})
	require.NoError(t, svc2.Start())
	defer svc2.Stop()

	after, err := svc2.VersionHistory(ctx, "line-1", 0)
	require.NoError(t, err)
	require.Len(t, after, len(before), "history should survive the restart")
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Checksum, after[i].Checksum)
	}

	latest, err := svc2.LatestVersion(ctx, "line-1")
	require.NoError(t, err)
	assert.Equal(t, applied.ID, latest.ID)

	rolled, err := svc2.RollbackToVersion(ctx, "line-1", base.ID, "planner", "undo")
	require.NoError(t, err)
	assert.Equal(t, base.Checksum, rolled.Checksum)
	assert.Equal(t, latest.VersionNumber+1, rolled.VersionNumber)

	svc2.Stop()
	require.NoError(t, jrnl2.Close())
	summary2, err := journal.Verify(journalPath)
	require.NoError(t, err)
	assert.Equal(t, summary.LastSeq+1, summary2.LastSeq, "rollback should append exactly one event")
}
