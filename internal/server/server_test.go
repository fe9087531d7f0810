package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/metrics"
	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

var t0 = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)

// gated blocks until the gate closes, then reports 50 and returns the input.
type gated struct {
	gate <-chan struct{}
}

func (g gated) Execute(ctx context.Context, data *types.ScheduleData, report algorithm.ProgressFunc) (*algorithm.Result, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	report(50, "Gated step")
	return &algorithm.Result{Schedule: data.Clone()}, nil
}

type fixture struct {
	svc    *optimizer.Service
	client *Client
	prom   *prometheus.Registry
	gate   chan struct{}
}

func (f *fixture) open() {
	select {
	case <-f.gate:
	default:
		close(f.gate)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{prom: prometheus.NewRegistry(), gate: make(chan struct{})}

	reg := registry.NewDefault(algorithm.Options{Now: func() time.Time { return t0 }})
	require.NoError(t, reg.Register(registry.Descriptor{ID: "gated", Implemented: true},
		func() algorithm.Algorithm { return gated{gate: f.gate} }))

	cfg := optimizer.DefaultConfig()
	cfg.Workers = 2
	cfg.CleanupInterval = 0
	f.svc = optimizer.New(cfg, optimizer.Dependencies{Registry: reg, Metrics: metrics.NewCollector(f.prom)})
	require.NoError(t, f.svc.Start())

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(f.svc))
	go gs.Serve(lis)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	f.client = client

	t.Cleanup(func() {
		f.open()
		client.Close()
		gs.Stop()
		f.svc.Stop()
	})
	return f
}

func (f *fixture) subscribers() float64 {
	families, err := f.prom.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() == "schedopt_progress_subscribers" {
			for _, m := range mf.GetMetric() {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func chainSchedule() *types.ScheduleData {
	return &types.ScheduleData{
		Resources: []types.Resource{{ID: "r1", Name: "Fermenter 3"}},
		Operations: []types.Operation{
			{ID: "A", Name: "Fill", Duration: 2},
			{ID: "B", Name: "Ferment", Duration: 3},
			{ID: "C", Name: "Crash", Duration: 1},
		},
		Dependencies: []types.Dependency{
			{FromOperationID: "A", ToOperationID: "B"},
			{FromOperationID: "B", ToOperationID: "C"},
		},
		Metadata: types.Metadata{ScheduleID: "plant-1", UserID: "planner", HorizonStart: types.TimePtr(t0)},
	}
}

func waitFor(t *testing.T, c *Client, runID string, want types.JobStatus) *types.OptimizationResponse {
	t.Helper()
	var resp *types.OptimizationResponse
	require.Eventually(t, func() bool {
		r, err := c.GetJobStatus(context.Background(), runID)
		if err != nil {
			return false
		}
		resp = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", runID, want)
	return resp
}

func TestListAlgorithms(t *testing.T) {
	f := newFixture(t)
	algs, err := f.client.ListAlgorithms(context.Background())
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, d := range algs {
		ids[d.ID] = true
	}
	for _, id := range []string{
		registry.ForwardScheduling, registry.BackwardScheduling, registry.CriticalPath,
		registry.ResourceLeveling, registry.BottleneckTOC, registry.DrumBufferRope,
	} {
		assert.True(t, ids[id], "missing %s", id)
	}
}

func TestSubmitAndStreamProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.SubmitJob(ctx, &types.OptimizationRequest{AlgorithmID: "gated", ScheduleData: chainSchedule()})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, types.StatusQueued, resp.Status)
	assert.Len(t, resp.InputHash, 16)

	type outcome struct {
		final *progress.Event
		err   error
	}
	var seen []int
	done := make(chan outcome, 1)
	go func() {
		final, err := f.client.StreamProgress(ctx, resp.RunID, func(e progress.Event) {
			seen = append(seen, e.Percentage)
		})
		done <- outcome{final, err}
	}()

	require.Eventually(t, func() bool { return f.subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)
	f.open()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	require.NoError(t, out.err)
	assert.Equal(t, progress.EventCompleted, out.final.Type)
	require.NotNil(t, out.final.Result)
	assert.NotEmpty(t, out.final.Result.VersionID)

	require.NotEmpty(t, seen)
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "progress must increase: %v", seen)
	}

	final := waitFor(t, f.client, resp.RunID, types.StatusCompleted)
	assert.Equal(t, out.final.Result.VersionID, final.Result.VersionID)
}

func TestStreamFinishedJobSendsFinalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.SubmitJob(ctx, &types.OptimizationRequest{AlgorithmID: registry.ForwardScheduling, ScheduleData: chainSchedule()})
	require.NoError(t, err)
	waitFor(t, f.client, resp.RunID, types.StatusCompleted)

	var events []progress.Event
	final, err := f.client.StreamProgress(ctx, resp.RunID, func(e progress.Event) { events = append(events, e) })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, progress.EventCompleted, final.Type)
	assert.Equal(t, 100, final.Percentage)
}

func TestStreamUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.StreamProgress(context.Background(), "opt_run_missing", nil)
	var oe *types.OptimizationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, types.CodeJobNotFound, oe.Code)
}

func TestSubmitRejectionIsInResponse(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.SubmitJob(context.Background(), &types.OptimizationRequest{AlgorithmID: "simulated_annealing", ScheduleData: chainSchedule()})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Empty(t, resp.RunID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeAlgorithmNotFound, resp.Error.Code)
}

func TestGetJobStatusUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.GetJobStatus(context.Background(), "opt_run_missing")
	var oe *types.OptimizationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, types.CodeJobNotFound, oe.Code)
}

func TestCancelOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.SubmitJob(ctx, &types.OptimizationRequest{AlgorithmID: "gated", ScheduleData: chainSchedule()})
	require.NoError(t, err)
	waitFor(t, f.client, resp.RunID, types.StatusRunning)

	ok, err := f.client.CancelJob(ctx, resp.RunID)
	require.NoError(t, err)
	assert.True(t, ok)

	final := waitFor(t, f.client, resp.RunID, types.StatusCancelled)
	require.NotNil(t, final.Error)
	assert.Equal(t, types.CodeCancelledByUser, final.Error.Code)

	ok, err = f.client.CancelJob(ctx, resp.RunID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVersionOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, err := f.client.ImportSchedule(ctx, "plant-1", chainSchedule(), "alice", "import")
	require.NoError(t, err)
	assert.Equal(t, 1, base.VersionNumber)
	assert.Equal(t, "alice", base.CreatedBy)

	req := &types.OptimizationRequest{AlgorithmID: registry.ForwardScheduling, ScheduleData: chainSchedule()}
	req.ScheduleData.Version = base.ID
	resp, err := f.client.SubmitJob(ctx, req)
	require.NoError(t, err)
	done := waitFor(t, f.client, resp.RunID, types.StatusCompleted)

	applied, err := f.client.ApplyResults(ctx, "plant-1", done.Result.VersionID)
	require.NoError(t, err)
	assert.Equal(t, 3, applied.VersionNumber)

	cmp, err := f.client.CompareVersions(ctx, base.ID, applied.ID)
	require.NoError(t, err)
	assert.Len(t, cmp.Modified, 3)

	check, err := f.client.CheckConcurrency(ctx, "plant-1", 1)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Equal(t, 3, check.CurrentVersion)

	rolled, err := f.client.RollbackToVersion(ctx, "plant-1", base.ID, "alice", "revert")
	require.NoError(t, err)
	assert.Equal(t, "rollback-v1", rolled.Tag)

	audit, err := f.client.RollbackHistory(ctx, "plant-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, base.ID, audit[0].ToVersionID)
	assert.Equal(t, rolled.ID, audit[0].ResultVersionID)
	assert.Equal(t, "revert", audit[0].Reason)

	history, err := f.client.VersionHistory(ctx, "plant-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, rolled.ID, history[0].ID)

	fetched, err := f.client.GetVersion(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Checksum, fetched.Checksum)
	require.Len(t, fetched.Data.Operations, 3)

	_, err = f.client.ApplyResults(ctx, "plant-1", "v_missing")
	var oe *types.OptimizationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, types.CodeVersionNotFound, oe.Code)
}

func TestLockCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	excl, err := f.client.AcquireLock(ctx, &types.ScheduleLock{ScheduleID: "plant-1", Type: types.LockExclusive, LockedBy: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, excl.ID)
	assert.False(t, excl.ExpiresAt.IsZero())

	// exclusive 鎖擋住所有其他鎖
	_, err = f.client.AcquireLock(ctx, &types.ScheduleLock{ScheduleID: "plant-1", Type: types.LockRead, LockedBy: "bob"})
	var oe *types.OptimizationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, types.CodeLockConflict, oe.Code)

	locks, err := f.client.ActiveLocks(ctx, "plant-1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, excl.ID, locks[0].ID)

	require.NoError(t, f.client.ReleaseLock(ctx, excl.ID))
	err = f.client.ReleaseLock(ctx, excl.ID)
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, types.CodeLockNotFound, oe.Code)

	_, err = f.client.AcquireLock(ctx, &types.ScheduleLock{ScheduleID: "plant-1", Type: types.LockRead, LockedBy: "bob"})
	assert.NoError(t, err)
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	in, err := structpb.NewStruct(map[string]any{"runId": 42})
	require.NoError(t, err)

	err = f.client.conn.Invoke(context.Background(), MethodGetJobStatus, in, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStatusCodes(t *testing.T) {
	cases := []struct {
		code types.ErrorCode
		want codes.Code
	}{
		{types.CodeAlgorithmNotFound, codes.NotFound},
		{types.CodeJobNotFound, codes.NotFound},
		{types.CodeVersionNotFound, codes.NotFound},
		{types.CodeInvalidSchedule, codes.InvalidArgument},
		{types.CodeCancelledByUser, codes.Canceled},
		{types.CodeTimeLimitExceeded, codes.DeadlineExceeded},
		{types.CodeStorageFailed, codes.Unavailable},
		{types.CodeExecutionFailed, codes.Internal},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			err := toStatus(&types.OptimizationError{Code: tc.code, Message: "boom", Recoverable: true})
			assert.Equal(t, tc.want, status.Code(err))

			back := fromStatus(err)
			var oe *types.OptimizationError
			require.ErrorAs(t, back, &oe)
			assert.Equal(t, tc.code, oe.Code)
			assert.True(t, oe.Recoverable)
		})
	}

	assert.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	assert.NoError(t, toStatus(nil))
}
