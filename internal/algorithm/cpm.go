package algorithm

import (
	"context"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// CriticalTolerance is the slack below which an operation counts as critical.
const CriticalTolerance = time.Second

// CPM runs the Critical Path Method over the dependency graph. Timing ignores
// resource capacity; resources are assigned afterwards with the same
// heuristic as ASAP.
type CPM struct {
	opts Options
}

// NewCPM creates a critical path analyser.
func NewCPM(opts Options) *CPM {
	return &CPM{opts: opts}
}

type cpmTimes struct {
	es, ef, ls, lf time.Duration
}

// Execute performs the forward pass, the backward pass seeded at the
// project finish, and the slack computation. Output timestamps are anchored
// at the horizon start, or at the run start when the payload has none.
func (c *CPM) Execute(ctx context.Context, data *types.ScheduleData, progress ProgressFunc) (*Result, error) {
	if data == nil {
		return nil, ErrNilSchedule
	}
	report := reporter(progress)
	logger := c.opts.logger().With("algorithm", "cpm")

	out := data.Clone()
	origin := c.opts.now()
	if out.Metadata.HorizonStart != nil {
		origin = *out.Metadata.HorizonStart
	}

	g := buildGraph(out.Operations, out.Dependencies)
	order := g.topoOrder()
	index := operationIndex(out.Operations)
	times := make(map[types.OperationID]*cpmTimes, len(order))
	report(10, "Sorted operations")

	// Forward pass
	var finish time.Duration
	err := placeLoop(ctx, order, report, 10, 35, "Forward pass", func(id types.OperationID) {
		op := &out.Operations[index[id]]
		t := &cpmTimes{}
		if isFixed(op) {
			t.es = op.StartTime.Sub(origin)
			t.ef = op.EndTime.Sub(origin)
		} else {
			for _, e := range g.preds[id] {
				if p, ok := times[e.op]; ok && p.ef+e.lag > t.es {
					t.es = p.ef + e.lag
				}
			}
			t.ef = t.es + hours(op.TotalHours())
		}
		times[id] = t
		if t.ef > finish {
			finish = t.ef
		}
	})
	if err != nil {
		return nil, err
	}

	// Backward pass
	back := reversed(order)
	err = placeLoop(ctx, back, report, 35, 60, "Backward pass", func(id types.OperationID) {
		op := &out.Operations[index[id]]
		t := times[id]
		if isFixed(op) {
			t.ls, t.lf = t.es, t.ef
			return
		}
		t.lf = finish
		for _, e := range g.succs[id] {
			if s, ok := times[e.op]; ok && s.ls-e.lag < t.lf {
				t.lf = s.ls - e.lag
			}
		}
		t.ls = t.lf - hours(op.TotalHours())
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Schedule: out,
		Slack:    make(map[types.OperationID]time.Duration, len(order)),
	}
	projectFinish := origin.Add(finish)
	res.ProjectFinish = &projectFinish

	pool := newResourcePool(out.Resources)
	pool.registerFixed(out.Operations)

	err = placeLoop(ctx, order, report, 60, 95, "Assigning resources", func(id types.OperationID) {
		op := &out.Operations[index[id]]
		t := times[id]

		slack := t.ls - t.es
		res.Slack[id] = slack
		if slack.Abs() < CriticalTolerance {
			res.CriticalPath = append(res.CriticalPath, id)
			if !op.HasConstraint(types.ConstraintCriticalPath) {
				op.Constraints = append(op.Constraints, types.Constraint{Type: types.ConstraintCriticalPath, Value: true})
			}
		}

		if isFixed(op) {
			return
		}
		idx, warning := pool.pick(op, leastLoaded)
		if warning != "" {
			res.warn(logger, warning, "operation", id)
		}
		if idx < 0 {
			markUnscheduled(op, res)
			return
		}
		start, end := origin.Add(t.es), origin.Add(t.ef)
		pool.occupy(idx, start, end, id)
		setPlacement(op, pool.resources[idx].ID, start, end)
	})
	if err != nil {
		return nil, err
	}

	report(100, "Critical path analysis complete")
	logger.Debug("Critical path analysis finished",
		"operations", len(order),
		"critical", len(res.CriticalPath),
		"projectFinish", projectFinish)
	return res, nil
}
