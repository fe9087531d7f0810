// Package algorithm implements the scheduling algorithms: forward (ASAP),
// backward (ALAP) and the Critical Path Method. All three share the
// dependency graph, the per-resource busy timelines and the type+load
// resource assignment heuristic defined in this package.
//
// Algorithms never mutate their input. Each Execute call clones the schedule,
// fills in resource/start/end on the clone and returns it in a Result.
package algorithm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

var log = slog.Default()

// ErrNilSchedule is returned when Execute is called without schedule data.
var ErrNilSchedule = errors.New("schedule data is nil")

// checkpointEvery controls how often the placement loops poll the context
// and report progress.
const checkpointEvery = 16

// ProgressFunc receives algorithm-local progress in [0,100].
type ProgressFunc func(percent int, step string)

// Algorithm is one scheduling strategy. Implementations hold per-call state
// only, so a registry creates a fresh instance for every run.
type Algorithm interface {
	Execute(ctx context.Context, data *types.ScheduleData, progress ProgressFunc) (*Result, error)
}

// Result is a fully timed schedule plus diagnostics.
type Result struct {
	Schedule    *types.ScheduleData
	Warnings    []string
	Unscheduled []types.OperationID

	// Populated by CPM only.
	CriticalPath  []types.OperationID
	Slack         map[types.OperationID]time.Duration
	ProjectFinish *time.Time

	// Wall time of the run, set by the registry.
	Elapsed time.Duration
}

func (r *Result) warn(logger *slog.Logger, msg string, args ...any) {
	r.Warnings = append(r.Warnings, msg)
	logger.Warn(msg, args...)
}

// Options configures an algorithm instance.
type Options struct {
	// Now anchors schedules without an explicit horizon. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log
}

func reporter(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int, string) {}
	}
	return fn
}

// hours converts fractional hours to a Duration.
func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// isFixed reports whether an operation is pinned by the user. A manual flag
// without both timestamps cannot be honoured and is scheduled normally.
func isFixed(op *types.Operation) bool {
	return op.ManuallyScheduled && op.StartTime != nil && op.EndTime != nil
}

// operationIndex maps operation IDs to their slice position.
func operationIndex(ops []types.Operation) map[types.OperationID]int {
	idx := make(map[types.OperationID]int, len(ops))
	for i := range ops {
		idx[ops[i].ID] = i
	}
	return idx
}

// placeLoop runs fn over order with periodic cancellation checkpoints and
// progress reports between from and to percent.
func placeLoop(ctx context.Context, order []types.OperationID, report ProgressFunc, from, to int, step string, fn func(id types.OperationID)) error {
	n := len(order)
	for i, id := range order {
		if i%checkpointEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if n > 0 && i > 0 {
				report(from+(to-from)*i/n, step)
			}
		}
		fn(id)
	}
	return ctx.Err()
}
