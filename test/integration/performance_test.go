// ============================================================================
// schedopt Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: service throughput and algorithm runtime on large schedules
//
// TestSystemThroughput:
//   - 8 workers, 120 jobs across the three implemented algorithms
//   - every job must complete; throughput is logged
//
// TestLargeSchedule:
//   - 50 batches × 10 stations (500 operations, 450 dependencies)
//   - each implemented algorithm must finish within 5 seconds and respect
//     every dependency
//
// Notes:
//   - results are affected by system load; CI may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

var implemented = []string{registry.ForwardScheduling, registry.BackwardScheduling, registry.CriticalPath}

// TestSystemThroughput submits a burst of jobs and waits for all of them.
func TestSystemThroughput(t *testing.T) {
	const totalJobs = 120

	svc := optimizer.New(optimizer.Config{Workers: 8, QueueSize: totalJobs}, optimizer.Dependencies{})
	require.NoError(t, svc.Start())
	defer svc.Stop()

	ctx := context.Background()
	startTime := time.Now()

	runIDs := make([]string, 0, totalJobs)
	for i := 0; i < totalJobs; i++ {
		resp := svc.SubmitJob(ctx, &types.OptimizationRequest{
			AlgorithmID:  implemented[i%len(implemented)],
			ScheduleData: lineSchedule("perf", 10, 5),
		})
		require.Nil(t, resp.Error, "job %d should be accepted", i)
		runIDs = append(runIDs, resp.RunID)
	}

	completed := 0
	for _, id := range runIDs {
		if waitTerminal(t, svc, id, 60*time.Second).Status == types.StatusCompleted {
			completed++
		}
	}
	elapsedTime := time.Since(startTime)
	throughput := float64(completed) / elapsedTime.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Completed: %d", completed)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f jobs/second", throughput)
	t.Logf("================================")

	assert.Equal(t, totalJobs, completed, "every job should complete")
	assert.Equal(t, totalJobs, svc.Stats()[types.StatusCompleted])
}

// TestLargeSchedule runs each algorithm directly on a 500-operation schedule.
func TestLargeSchedule(t *testing.T) {
	reg := registry.NewDefault(algorithm.Options{})
	data := lineSchedule("large", 50, 10)
	require.Len(t, data.Operations, 500)

	for _, alg := range implemented {
		t.Run(alg, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			startTime := time.Now()
			res, err := reg.Execute(ctx, alg, data.Clone(), func(int, string) {})
			require.NoError(t, err)
			t.Logf("%s: %v", alg, time.Since(startTime))

			out := res.Schedule
			for _, op := range out.Operations {
				require.NotNil(t, op.StartTime, "operation %s should be scheduled", op.ID)
			}
			for _, d := range out.Dependencies {
				from, to := out.Operation(d.FromOperationID), out.Operation(d.ToOperationID)
				assert.False(t, to.StartTime.Before(*from.EndTime), "%s starts before %s finishes", to.ID, from.ID)
			}
			assert.Greater(t, algorithm.Evaluate(out).Makespan, 0.0)
		})
	}
}
