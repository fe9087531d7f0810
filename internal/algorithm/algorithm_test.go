package algorithm

// ============================================================================
// Scheduling algorithm tests
// Covers the A→B→C reference scenario, precedence and non-overlap
// invariants, fixed operations, resource selection and cancellation.
// ============================================================================

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)

func at(h float64) time.Time {
	return t0.Add(hours(h))
}

func fixedClock() Options {
	return Options{Now: func() time.Time { return t0 }}
}

// chainSchedule builds A→B→C with durations 2h/3h/1h on one resource.
func chainSchedule() *types.ScheduleData {
	return &types.ScheduleData{
		Resources: []types.Resource{{ID: "r1", Name: "Shared Resource"}},
		Operations: []types.Operation{
			{ID: "A", Name: "Task A", Duration: 2, ResourceID: "r1"},
			{ID: "B", Name: "Task B", Duration: 3, ResourceID: "r1"},
			{ID: "C", Name: "Task C", Duration: 1, ResourceID: "r1"},
		},
		Dependencies: []types.Dependency{
			{ID: "d1", FromOperationID: "A", ToOperationID: "B"},
			{ID: "d2", FromOperationID: "B", ToOperationID: "C"},
		},
		Metadata: types.Metadata{ScheduleID: "sched-1", HorizonStart: types.TimePtr(t0)},
	}
}

func assertPlaced(t *testing.T, data *types.ScheduleData, id string, start, end float64) {
	t.Helper()
	op := data.Operation(id)
	require.NotNil(t, op, "operation %s missing", id)
	require.NotNil(t, op.StartTime, "operation %s has no start", id)
	require.NotNil(t, op.EndTime, "operation %s has no end", id)
	assert.True(t, at(start).Equal(*op.StartTime), "%s start: want %v got %v", id, at(start), *op.StartTime)
	assert.True(t, at(end).Equal(*op.EndTime), "%s end: want %v got %v", id, at(end), *op.EndTime)
	assert.Equal(t, types.OperationScheduled, op.Status)
}

// ============================================================================
// Reference scenario
// ============================================================================

func TestASAP_Chain(t *testing.T) {
	res, err := NewASAP(fixedClock()).Execute(context.Background(), chainSchedule(), nil)
	require.NoError(t, err)

	assertPlaced(t, res.Schedule, "A", 0, 2)
	assertPlaced(t, res.Schedule, "B", 2, 5)
	assertPlaced(t, res.Schedule, "C", 5, 6)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Unscheduled)
}

func TestALAP_Chain(t *testing.T) {
	data := chainSchedule()
	data.Metadata.HorizonEnd = types.TimePtr(at(10))

	res, err := NewALAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)

	assertPlaced(t, res.Schedule, "C", 9, 10)
	assertPlaced(t, res.Schedule, "B", 6, 9)
	assertPlaced(t, res.Schedule, "A", 4, 6)
}

func TestCPM_Chain(t *testing.T) {
	res, err := NewCPM(fixedClock()).Execute(context.Background(), chainSchedule(), nil)
	require.NoError(t, err)

	assert.Equal(t, []types.OperationID{"A", "B", "C"}, res.CriticalPath)
	for _, id := range []string{"A", "B", "C"} {
		assert.Zero(t, res.Slack[id])
		assert.True(t, res.Schedule.Operation(id).HasConstraint(types.ConstraintCriticalPath))
	}
	require.NotNil(t, res.ProjectFinish)
	assert.True(t, at(6).Equal(*res.ProjectFinish))

	assertPlaced(t, res.Schedule, "A", 0, 2)
	assertPlaced(t, res.Schedule, "B", 2, 5)
	assertPlaced(t, res.Schedule, "C", 5, 6)
}

func TestTopoOrderIndependentOfInputOrder(t *testing.T) {
	data := chainSchedule()
	data.Operations[0], data.Operations[2] = data.Operations[2], data.Operations[0]

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assertPlaced(t, res.Schedule, "A", 0, 2)
	assertPlaced(t, res.Schedule, "C", 5, 6)
	// output keeps the input operation order
	assert.Equal(t, "C", res.Schedule.Operations[0].ID)
}

// ============================================================================
// ASAP details
// ============================================================================

func TestASAP_LagAndSetup(t *testing.T) {
	data := chainSchedule()
	data.Dependencies[0].Lag = 1
	data.Operations[1].SetupTime = 0.5

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)

	assertPlaced(t, res.Schedule, "A", 0, 2)
	assertPlaced(t, res.Schedule, "B", 3, 6.5)
	assertPlaced(t, res.Schedule, "C", 6.5, 7.5)
}

func TestASAP_FixedOperationsBlockResource(t *testing.T) {
	data := &types.ScheduleData{
		Resources: []types.Resource{{ID: "r1", Name: "Shared Resource"}},
		Operations: []types.Operation{
			{ID: "X", Duration: 1, ResourceID: "r1"},
			{ID: "Y", Duration: 2, ResourceID: "r1"},
			{ID: "M", Duration: 2, ResourceID: "r1", ManuallyScheduled: true,
				StartTime: types.TimePtr(at(1)), EndTime: types.TimePtr(at(3))},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(t0)},
	}

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)

	assertPlaced(t, res.Schedule, "X", 0, 1)
	assertPlaced(t, res.Schedule, "Y", 3, 5)
	// manual operation untouched
	assertPlaced(t, res.Schedule, "M", 1, 3)
	assert.True(t, res.Schedule.Operation("M").ManuallyScheduled)
}

func TestASAP_SuccessorOfFixedOperation(t *testing.T) {
	data := chainSchedule()
	data.Operations[0].ManuallyScheduled = true
	data.Operations[0].StartTime = types.TimePtr(at(4))
	data.Operations[0].EndTime = types.TimePtr(at(6))

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)

	assertPlaced(t, res.Schedule, "A", 4, 6)
	assertPlaced(t, res.Schedule, "B", 6, 9)
}

func TestASAP_LoadBalancesAcrossResourcesOfType(t *testing.T) {
	data := &types.ScheduleData{
		Resources: []types.Resource{
			{ID: "fv1", Name: "Fermenter 1"},
			{ID: "fv2", Name: "Fermenter 2"},
		},
		Operations: []types.Operation{
			{ID: "f1", Name: "Fermentation batch 1", Duration: 10},
			{ID: "f2", Name: "Fermentation batch 2", Duration: 10},
			{ID: "f3", Name: "Fermentation batch 3", Duration: 10},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(t0)},
	}

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)

	assert.Equal(t, "fv1", res.Schedule.Operation("f1").ResourceID)
	assert.Equal(t, "fv2", res.Schedule.Operation("f2").ResourceID)
	assert.Equal(t, "fv1", res.Schedule.Operation("f3").ResourceID)
	assertPlaced(t, res.Schedule, "f2", 0, 10)
	assertPlaced(t, res.Schedule, "f3", 10, 20)
}

func TestASAP_ReassignsMismatchedResource(t *testing.T) {
	data := &types.ScheduleData{
		Resources: []types.Resource{
			{ID: "k1", Name: "Brew Kettle"},
			{ID: "fv1", Name: "Unitank", Type: "fermenter"},
		},
		Operations: []types.Operation{
			{ID: "op", Name: "Primary Fermentation", Duration: 4, ResourceID: "k1"},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(t0)},
	}

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, "fv1", res.Schedule.Operation("op").ResourceID)
}

func TestASAP_FallbackWarnsWithoutMatchingType(t *testing.T) {
	data := &types.ScheduleData{
		Resources:  []types.Resource{{ID: "k1", Name: "Brew Kettle"}},
		Operations: []types.Operation{{ID: "pk", Name: "Bottling", Duration: 1}},
		Metadata:   types.Metadata{HorizonStart: types.TimePtr(t0)},
	}

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", res.Schedule.Operation("pk").ResourceID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "packaging_line")
}

func TestASAP_NoResourcesLeavesOperationsUnscheduled(t *testing.T) {
	data := chainSchedule()
	data.Resources = nil

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.OperationID{"A", "B", "C"}, res.Unscheduled)
	for _, op := range res.Schedule.Operations {
		assert.Equal(t, types.OperationUnscheduled, op.Status)
		assert.Nil(t, op.StartTime)
	}
}

func TestASAP_DefaultsHorizonToNow(t *testing.T) {
	data := chainSchedule()
	data.Metadata.HorizonStart = nil

	res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assertPlaced(t, res.Schedule, "A", 0, 2)
}

// ============================================================================
// ALAP details
// ============================================================================

func TestALAP_DefaultHorizonExtendsToFixedEnd(t *testing.T) {
	data := chainSchedule()
	late := at(24 * 40)
	data.Operations = append(data.Operations, types.Operation{
		ID: "M", Duration: 1, ResourceID: "r1", ManuallyScheduled: true,
		StartTime: types.TimePtr(late.Add(-time.Hour)), EndTime: types.TimePtr(late),
	})

	alap := NewALAP(fixedClock())
	assert.True(t, late.Equal(alap.horizonEnd(data)))

	data.Operations = data.Operations[:3]
	assert.True(t, t0.Add(DefaultALAPHorizon).Equal(alap.horizonEnd(data)))
}

func TestALAP_PacksBeforeLatestBlock(t *testing.T) {
	data := &types.ScheduleData{
		Resources: []types.Resource{{ID: "r1", Name: "Shared Resource"}},
		Operations: []types.Operation{
			{ID: "M", Duration: 2, ResourceID: "r1", ManuallyScheduled: true,
				StartTime: types.TimePtr(at(7)), EndTime: types.TimePtr(at(9))},
			{ID: "X", Duration: 3, ResourceID: "r1"},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(t0), HorizonEnd: types.TimePtr(at(10))},
	}

	res, err := NewALAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	// only 1h after the fixed block, so X lands right before it
	assertPlaced(t, res.Schedule, "X", 4, 7)
}

func TestALAP_OverlappingFixedBlocks(t *testing.T) {
	data := &types.ScheduleData{
		Resources: []types.Resource{{ID: "r1", Name: "Shared Resource"}},
		Operations: []types.Operation{
			{ID: "M1", Duration: 10, ResourceID: "r1", ManuallyScheduled: true,
				StartTime: types.TimePtr(at(0)), EndTime: types.TimePtr(at(10))},
			{ID: "M2", Duration: 1, ResourceID: "r1", ManuallyScheduled: true,
				StartTime: types.TimePtr(at(2)), EndTime: types.TimePtr(at(3))},
			{ID: "X", Duration: 1, ResourceID: "r1"},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(at(-5)), HorizonEnd: types.TimePtr(at(10))},
	}

	res, err := NewALAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	// the whole [0,10] window is taken, X goes right before it
	assertPlaced(t, res.Schedule, "X", -1, 0)
	assertPlaced(t, res.Schedule, "M1", 0, 10)
}

func TestALAP_WarnsWhenBeforeHorizonStart(t *testing.T) {
	data := chainSchedule()
	data.Metadata.HorizonEnd = types.TimePtr(at(4))

	res, err := NewALAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)
	assertPlaced(t, res.Schedule, "A", -2, 0)
}

func TestALAP_PrefersIdleResource(t *testing.T) {
	data := &types.ScheduleData{
		Resources: []types.Resource{
			{ID: "fv1", Name: "Fermenter 1"},
			{ID: "fv2", Name: "Fermenter 2"},
		},
		Operations: []types.Operation{
			{ID: "f1", Name: "Fermentation 1", Duration: 5},
			{ID: "f2", Name: "Fermentation 2", Duration: 5},
		},
		Metadata: types.Metadata{HorizonEnd: types.TimePtr(at(10))},
	}

	res, err := NewALAP(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.NotEqual(t, res.Schedule.Operation("f1").ResourceID, res.Schedule.Operation("f2").ResourceID)
	assertPlaced(t, res.Schedule, "f1", 5, 10)
	assertPlaced(t, res.Schedule, "f2", 5, 10)
}

// ============================================================================
// CPM details
// ============================================================================

// diamond: A(1) → B(3) → D(1), A → C(1) → D
func diamondSchedule() *types.ScheduleData {
	return &types.ScheduleData{
		Resources: []types.Resource{
			{ID: "r1", Name: "Line A", Type: "general"},
			{ID: "r2", Name: "Line B", Type: "general"},
		},
		Operations: []types.Operation{
			{ID: "A", Duration: 1},
			{ID: "B", Duration: 3},
			{ID: "C", Duration: 1},
			{ID: "D", Duration: 1},
		},
		Dependencies: []types.Dependency{
			{FromOperationID: "A", ToOperationID: "B"},
			{FromOperationID: "A", ToOperationID: "C"},
			{FromOperationID: "B", ToOperationID: "D"},
			{FromOperationID: "C", ToOperationID: "D"},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(t0)},
	}
}

func TestCPM_Diamond(t *testing.T) {
	res, err := NewCPM(fixedClock()).Execute(context.Background(), diamondSchedule(), nil)
	require.NoError(t, err)

	assert.Equal(t, []types.OperationID{"A", "B", "D"}, res.CriticalPath)
	assert.Equal(t, 2*time.Hour, res.Slack["C"])
	assert.False(t, res.Schedule.Operation("C").HasConstraint(types.ConstraintCriticalPath))
	assert.True(t, at(5).Equal(*res.ProjectFinish))

	// timing comes from the forward pass even though B and C run in parallel
	assertPlaced(t, res.Schedule, "B", 1, 4)
	assertPlaced(t, res.Schedule, "C", 1, 2)
	assertPlaced(t, res.Schedule, "D", 4, 5)
}

func TestCPM_DelayingCriticalOperationExtendsFinish(t *testing.T) {
	base, err := NewCPM(fixedClock()).Execute(context.Background(), diamondSchedule(), nil)
	require.NoError(t, err)

	for _, id := range base.CriticalPath {
		data := diamondSchedule()
		data.Operation(id).Duration += 0.5

		res, err := NewCPM(fixedClock()).Execute(context.Background(), data, nil)
		require.NoError(t, err)
		assert.True(t, res.ProjectFinish.After(*base.ProjectFinish), "delaying %s should extend finish", id)
	}

	// a non-critical operation within its slack does not
	data := diamondSchedule()
	data.Operation("C").Duration += 1
	res, err := NewCPM(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.True(t, res.ProjectFinish.Equal(*base.ProjectFinish))
}

func TestCPM_DoesNotDuplicateCriticalConstraint(t *testing.T) {
	data := chainSchedule()
	data.Operations[0].Constraints = []types.Constraint{{Type: types.ConstraintCriticalPath, Value: true}}

	res, err := NewCPM(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Len(t, res.Schedule.Operation("A").Constraints, 1)
}

func TestCPM_AnchorsAtRunStartWithoutHorizon(t *testing.T) {
	data := chainSchedule()
	data.Metadata.HorizonStart = nil

	res, err := NewCPM(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assertPlaced(t, res.Schedule, "A", 0, 2)
	assert.True(t, at(6).Equal(*res.ProjectFinish))
}

func TestCPM_FixedOperationsKeepTimes(t *testing.T) {
	data := chainSchedule()
	data.Operations[1].ManuallyScheduled = true
	data.Operations[1].StartTime = types.TimePtr(at(4))
	data.Operations[1].EndTime = types.TimePtr(at(7))

	res, err := NewCPM(fixedClock()).Execute(context.Background(), data, nil)
	require.NoError(t, err)
	assertPlaced(t, res.Schedule, "B", 4, 7)
	assertPlaced(t, res.Schedule, "C", 7, 8)
}

// ============================================================================
// Shared behaviour
// ============================================================================

func allAlgorithms() map[string]Algorithm {
	return map[string]Algorithm{
		"asap": NewASAP(fixedClock()),
		"alap": NewALAP(fixedClock()),
		"cpm":  NewCPM(fixedClock()),
	}
}

func TestExecuteDoesNotMutateInput(t *testing.T) {
	for name, alg := range allAlgorithms() {
		t.Run(name, func(t *testing.T) {
			data := chainSchedule()
			_, err := alg.Execute(context.Background(), data, nil)
			require.NoError(t, err)
			for _, op := range data.Operations {
				assert.Nil(t, op.StartTime)
				assert.Empty(t, op.Constraints)
			}
		})
	}
}

func TestExecuteNilSchedule(t *testing.T) {
	for name, alg := range allAlgorithms() {
		t.Run(name, func(t *testing.T) {
			_, err := alg.Execute(context.Background(), nil, nil)
			assert.ErrorIs(t, err, ErrNilSchedule)
		})
	}
}

func TestExecuteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, alg := range allAlgorithms() {
		t.Run(name, func(t *testing.T) {
			_, err := alg.Execute(ctx, chainSchedule(), nil)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestExecuteReportsIncreasingProgress(t *testing.T) {
	for name, alg := range allAlgorithms() {
		t.Run(name, func(t *testing.T) {
			var seen []int
			_, err := alg.Execute(context.Background(), randomSchedule(rand.New(rand.NewSource(7)), 80), func(p int, _ string) {
				seen = append(seen, p)
			})
			require.NoError(t, err)
			require.NotEmpty(t, seen)
			for i := 1; i < len(seen); i++ {
				assert.GreaterOrEqual(t, seen[i], seen[i-1])
			}
			assert.Equal(t, 100, seen[len(seen)-1])
		})
	}
}

func TestCyclicGraphTerminates(t *testing.T) {
	data := chainSchedule()
	data.Dependencies = append(data.Dependencies, types.Dependency{FromOperationID: "C", ToOperationID: "A"})

	for name, alg := range allAlgorithms() {
		t.Run(name, func(t *testing.T) {
			res, err := alg.Execute(context.Background(), data, nil)
			require.NoError(t, err)
			assert.Len(t, res.Schedule.Operations, 3)
		})
	}
}

// ============================================================================
// Invariants over generated schedules
// ============================================================================

// randomSchedule builds a DAG where edges only point from lower to higher
// index, across three resource types.
func randomSchedule(rng *rand.Rand, n int) *types.ScheduleData {
	names := []string{"Mashing", "Boiling", "Fermentation"}
	data := &types.ScheduleData{
		Resources: []types.Resource{
			{ID: "mt1", Name: "Mash Tun 1"},
			{ID: "k1", Name: "Kettle 1"},
			{ID: "k2", Name: "Kettle 2"},
			{ID: "fv1", Name: "Fermenter 1"},
			{ID: "fv2", Name: "Fermenter 2"},
		},
		Metadata: types.Metadata{HorizonStart: types.TimePtr(t0), HorizonEnd: types.TimePtr(at(2000))},
	}
	for i := 0; i < n; i++ {
		data.Operations = append(data.Operations, types.Operation{
			ID:        fmt.Sprintf("op-%03d", i),
			Name:      names[rng.Intn(len(names))],
			JobID:     fmt.Sprintf("batch-%d", i%5),
			Duration:  float64(1 + rng.Intn(6)),
			SetupTime: float64(rng.Intn(2)) * 0.5,
		})
		for j := 0; j < i; j++ {
			if rng.Float64() < 0.04 {
				data.Dependencies = append(data.Dependencies, types.Dependency{
					FromOperationID: fmt.Sprintf("op-%03d", j),
					ToOperationID:   fmt.Sprintf("op-%03d", i),
					Lag:             float64(rng.Intn(2)),
				})
			}
		}
	}
	return data
}

func assertNoOverlap(t *testing.T, data *types.ScheduleData) {
	t.Helper()
	byRes := make(map[string][]types.Operation)
	for _, op := range data.Operations {
		byRes[op.ResourceID] = append(byRes[op.ResourceID], op)
	}
	for res, ops := range byRes {
		for i := range ops {
			for j := i + 1; j < len(ops); j++ {
				a, b := ops[i], ops[j]
				overlap := a.StartTime.Before(*b.EndTime) && b.StartTime.Before(*a.EndTime)
				assert.False(t, overlap, "%s and %s overlap on %s", a.ID, b.ID, res)
			}
		}
	}
}

func TestASAP_Invariants(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		data := randomSchedule(rand.New(rand.NewSource(seed)), 60)
		res, err := NewASAP(fixedClock()).Execute(context.Background(), data, nil)
		require.NoError(t, err)

		out := res.Schedule
		for _, d := range out.Dependencies {
			from, to := out.Operation(d.FromOperationID), out.Operation(d.ToOperationID)
			assert.False(t, to.StartTime.Before(from.EndTime.Add(hours(d.Lag))),
				"seed %d: %s starts before %s finishes", seed, to.ID, from.ID)
		}
		for _, op := range out.Operations {
			assert.False(t, op.StartTime.Before(t0))
		}
		assertNoOverlap(t, out)
		assert.Zero(t, Evaluate(out).ConstraintViolations)
	}
}

func TestALAP_Invariants(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		data := randomSchedule(rand.New(rand.NewSource(seed)), 60)
		res, err := NewALAP(fixedClock()).Execute(context.Background(), data, nil)
		require.NoError(t, err)

		out := res.Schedule
		for _, d := range out.Dependencies {
			from, to := out.Operation(d.FromOperationID), out.Operation(d.ToOperationID)
			assert.False(t, from.EndTime.After(to.StartTime.Add(-hours(d.Lag))),
				"seed %d: %s finishes after %s starts", seed, from.ID, to.ID)
		}
		for _, op := range out.Operations {
			assert.False(t, op.EndTime.After(at(2000)))
		}
		assertNoOverlap(t, out)
	}
}

func TestCPM_HasZeroSlackPath(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		data := randomSchedule(rand.New(rand.NewSource(seed)), 40)
		res, err := NewCPM(fixedClock()).Execute(context.Background(), data, nil)
		require.NoError(t, err)
		require.NotEmpty(t, res.CriticalPath)

		// the last critical operation finishes at the project finish
		last := res.Schedule.Operation(res.CriticalPath[len(res.CriticalPath)-1])
		assert.True(t, last.EndTime.Equal(*res.ProjectFinish))
		for id, slack := range res.Slack {
			assert.GreaterOrEqual(t, slack, time.Duration(0), "negative slack on %s", id)
		}
	}
}
