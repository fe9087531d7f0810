package algorithm

import (
	"math"
	"sort"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// Evaluate computes quality metrics for a timed schedule. Operations
// without start/end are ignored. ComputationTime and ImprovementPercentage
// are left for the caller.
func Evaluate(data *types.ScheduleData) types.Metrics {
	var m types.Metrics
	if data == nil {
		return m
	}

	var first, last time.Time
	var working time.Duration
	byResource := make(map[types.ResourceID][]*types.Operation)

	for i := range data.Operations {
		op := &data.Operations[i]
		m.TotalSetupTime += op.SetupTime
		if op.StartTime == nil || op.EndTime == nil {
			continue
		}
		if first.IsZero() || op.StartTime.Before(first) {
			first = *op.StartTime
		}
		if op.EndTime.After(last) {
			last = *op.EndTime
		}
		working += op.EndTime.Sub(*op.StartTime)
		if op.ResourceID != "" {
			byResource[op.ResourceID] = append(byResource[op.ResourceID], op)
		}
	}

	if !first.IsZero() {
		m.Makespan = round1(last.Sub(first).Hours())
	}
	if m.Makespan > 0 && len(byResource) > 0 {
		util := working.Hours() / (last.Sub(first).Hours() * float64(len(byResource))) * 100
		m.ResourceUtilization = round1(math.Min(util, 100))
	}
	m.TotalSetupTime = round1(m.TotalSetupTime)

	for _, ops := range byResource {
		sort.Slice(ops, func(i, j int) bool { return ops[i].StartTime.Before(*ops[j].StartTime) })
		for i := 1; i < len(ops); i++ {
			prev, cur := ops[i-1], ops[i]
			if prev.JobID != "" && cur.JobID != "" && prev.JobID != cur.JobID {
				m.TotalChangeovers++
			}
			if cur.StartTime.Before(*prev.EndTime) {
				m.ConstraintViolations++
			}
		}
	}
	m.ConstraintViolations += precedenceViolations(data)
	m.ObjectiveValue = round1(m.Makespan + m.TotalSetupTime + float64(m.ConstraintViolations))
	return m
}

// precedenceViolations counts dependencies whose successor starts before
// the predecessor's finish plus lag.
func precedenceViolations(data *types.ScheduleData) int {
	index := operationIndex(data.Operations)
	count := 0
	for _, d := range data.Dependencies {
		fi, okF := index[d.FromOperationID]
		ti, okT := index[d.ToOperationID]
		if !okF || !okT {
			continue
		}
		from, to := &data.Operations[fi], &data.Operations[ti]
		if from.EndTime == nil || to.StartTime == nil {
			continue
		}
		if to.StartTime.Add(CriticalTolerance).Before(from.EndTime.Add(hours(d.Lag))) {
			count++
		}
	}
	return count
}

// Improvement returns the makespan reduction from before to after in
// percent. It is zero when the input had no timed operations.
func Improvement(before, after types.Metrics) float64 {
	if before.Makespan <= 0 {
		return 0
	}
	return round1((before.Makespan - after.Makespan) / before.Makespan * 100)
}

// ChangedOperations lists operations whose resource, start or end differ
// between two schedules, in the order of after.
func ChangedOperations(before, after *types.ScheduleData) []types.OperationID {
	if after == nil {
		return nil
	}
	prev := make(map[types.OperationID]*types.Operation)
	if before != nil {
		for i := range before.Operations {
			prev[before.Operations[i].ID] = &before.Operations[i]
		}
	}

	changed := make([]types.OperationID, 0)
	for i := range after.Operations {
		op := &after.Operations[i]
		old, ok := prev[op.ID]
		if !ok || old.ResourceID != op.ResourceID || !sameTime(old.StartTime, op.StartTime) || !sameTime(old.EndTime, op.EndTime) {
			changed = append(changed, op.ID)
		}
	}
	return changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
