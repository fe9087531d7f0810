package algorithm

import (
	"context"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// ASAP schedules every operation at its earliest feasible start.
type ASAP struct {
	opts Options
}

// NewASAP creates a forward scheduler.
func NewASAP(opts Options) *ASAP {
	return &ASAP{opts: opts}
}

// Execute places operations in topological order. Each one starts no earlier
// than the horizon start and its predecessors' finish plus lag, on the
// least-loaded resource of the required type, in the earliest gap that fits.
func (a *ASAP) Execute(ctx context.Context, data *types.ScheduleData, progress ProgressFunc) (*Result, error) {
	if data == nil {
		return nil, ErrNilSchedule
	}
	report := reporter(progress)
	logger := a.opts.logger().With("algorithm", "asap")

	out := data.Clone()
	horizonStart := a.opts.now()
	if out.Metadata.HorizonStart != nil {
		horizonStart = *out.Metadata.HorizonStart
	}

	g := buildGraph(out.Operations, out.Dependencies)
	order := g.topoOrder()
	report(10, "Sorted operations")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index := operationIndex(out.Operations)
	pool := newResourcePool(out.Resources)
	pool.registerFixed(out.Operations)

	finish := make(map[types.OperationID]time.Time, len(order))
	for i := range out.Operations {
		if op := &out.Operations[i]; isFixed(op) {
			finish[op.ID] = *op.EndTime
		}
	}
	report(20, "Registered fixed operations")

	res := &Result{Schedule: out}
	err := placeLoop(ctx, order, report, 20, 95, "Placing operations", func(id types.OperationID) {
		op := &out.Operations[index[id]]
		if isFixed(op) {
			return
		}

		earliest := horizonStart
		for _, e := range g.preds[id] {
			if f, ok := finish[e.op]; ok {
				if t := f.Add(e.lag); t.After(earliest) {
					earliest = t
				}
			}
		}

		idx, warning := pool.pick(op, leastLoaded)
		if warning != "" {
			res.warn(logger, warning, "operation", id)
		}
		if idx < 0 {
			markUnscheduled(op, res)
			return
		}

		length := hours(op.TotalHours())
		start := pool.timelines[idx].earliestFit(earliest, length)
		end := start.Add(length)
		pool.occupy(idx, start, end, id)
		setPlacement(op, pool.resources[idx].ID, start, end)
		finish[id] = end
	})
	if err != nil {
		return nil, err
	}

	report(100, "Forward scheduling complete")
	logger.Debug("Forward scheduling finished", "operations", len(order), "unscheduled", len(res.Unscheduled))
	return res, nil
}

func setPlacement(op *types.Operation, resourceID types.ResourceID, start, end time.Time) {
	op.ResourceID = resourceID
	op.StartTime = types.TimePtr(start)
	op.EndTime = types.TimePtr(end)
	op.Status = types.OperationScheduled
}

func markUnscheduled(op *types.Operation, res *Result) {
	op.StartTime = nil
	op.EndTime = nil
	op.Status = types.OperationUnscheduled
	res.Unscheduled = append(res.Unscheduled, op.ID)
}
