package algorithm

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// DefaultALAPHorizon is used when the payload has no horizon end.
const DefaultALAPHorizon = 30 * 24 * time.Hour

// ALAP schedules every operation as late as its successors and the horizon
// end allow.
type ALAP struct {
	opts Options
}

// NewALAP creates a backward scheduler.
func NewALAP(opts Options) *ALAP {
	return &ALAP{opts: opts}
}

// Execute places operations in reverse topological order. Latest finish is
// min(horizon end, successor start - lag). The resource whose earliest
// scheduled start is latest is preferred and the slot search runs from the
// latest busy block backwards.
func (a *ALAP) Execute(ctx context.Context, data *types.ScheduleData, progress ProgressFunc) (*Result, error) {
	if data == nil {
		return nil, ErrNilSchedule
	}
	report := reporter(progress)
	logger := a.opts.logger().With("algorithm", "alap")

	out := data.Clone()
	horizonEnd := a.horizonEnd(out)

	g := buildGraph(out.Operations, out.Dependencies)
	order := reversed(g.topoOrder())
	report(10, "Sorted operations")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index := operationIndex(out.Operations)
	pool := newResourcePool(out.Resources)
	pool.registerFixed(out.Operations)

	start := make(map[types.OperationID]time.Time, len(order))
	for i := range out.Operations {
		if op := &out.Operations[i]; isFixed(op) {
			start[op.ID] = *op.StartTime
		}
	}
	report(20, "Registered fixed operations")

	res := &Result{Schedule: out}
	err := placeLoop(ctx, order, report, 20, 95, "Placing operations", func(id types.OperationID) {
		op := &out.Operations[index[id]]
		if isFixed(op) {
			return
		}

		latest := horizonEnd
		for _, e := range g.succs[id] {
			if s, ok := start[e.op]; ok {
				if t := s.Add(-e.lag); t.Before(latest) {
					latest = t
				}
			}
		}

		idx, warning := pool.pick(op, latestStarting)
		if warning != "" {
			res.warn(logger, warning, "operation", id)
		}
		if idx < 0 {
			markUnscheduled(op, res)
			return
		}

		length := hours(op.TotalHours())
		s := pool.timelines[idx].latestFit(latest, length)
		e := s.Add(length)
		pool.occupy(idx, s, e, id)
		setPlacement(op, pool.resources[idx].ID, s, e)
		start[id] = s

		if hs := out.Metadata.HorizonStart; hs != nil && s.Before(*hs) {
			res.warn(logger, fmt.Sprintf("operation %s starts before the horizon start", id), "operation", id)
		}
	})
	if err != nil {
		return nil, err
	}

	report(100, "Backward scheduling complete")
	logger.Debug("Backward scheduling finished", "operations", len(order), "horizonEnd", horizonEnd)
	return res, nil
}

// horizonEnd returns the payload's horizon end. Without one it defaults to
// now + 30 days, pushed out to the latest fixed end time if that is later.
func (a *ALAP) horizonEnd(data *types.ScheduleData) time.Time {
	if data.Metadata.HorizonEnd != nil {
		return *data.Metadata.HorizonEnd
	}
	end := a.opts.now().Add(DefaultALAPHorizon)
	for i := range data.Operations {
		op := &data.Operations[i]
		if isFixed(op) && op.EndTime.After(end) {
			end = *op.EndTime
		}
	}
	return end
}
