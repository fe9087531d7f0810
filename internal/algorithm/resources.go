package algorithm

import (
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/schedopt/internal/classifier"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

type interval struct {
	start, end time.Time
	op         types.OperationID
}

// timeline is one resource's busy list, sorted by start.
type timeline struct {
	busy    []interval
	lastEnd time.Time // max end seen, zero when idle
}

func (t *timeline) insert(iv interval) {
	i := sort.Search(len(t.busy), func(i int) bool {
		return t.busy[i].start.After(iv.start)
	})
	t.busy = append(t.busy, interval{})
	copy(t.busy[i+1:], t.busy[i:])
	t.busy[i] = iv
	if iv.end.After(t.lastEnd) {
		t.lastEnd = iv.end
	}
}

// firstStart returns the earliest busy start; ok is false for an idle resource.
func (t *timeline) firstStart() (time.Time, bool) {
	if len(t.busy) == 0 {
		return time.Time{}, false
	}
	return t.busy[0].start, true
}

// earliestFit returns the earliest start >= from where length fits: before
// the first block, in a gap between blocks, or after the last block.
func (t *timeline) earliestFit(from time.Time, length time.Duration) time.Time {
	cand := from
	for _, b := range t.busy {
		if !cand.Add(length).After(b.start) {
			return cand
		}
		if b.end.After(cand) {
			cand = b.end
		}
	}
	return cand
}

// latestFit returns the latest start such that [start, start+length] ends
// no later than until and overlaps no block. Blocks are scanned from the
// latest start backwards; reach[i] is the latest end among busy[:i+1], so a
// long block that starts early still pushes the window before it.
func (t *timeline) latestFit(until time.Time, length time.Duration) time.Time {
	reach := make([]time.Time, len(t.busy))
	for i, b := range t.busy {
		reach[i] = b.end
		if i > 0 && reach[i-1].After(b.end) {
			reach[i] = reach[i-1]
		}
	}

	end := until
	for i := len(t.busy) - 1; i >= 0; i-- {
		if !reach[i].After(end.Add(-length)) {
			return end.Add(-length)
		}
		b := t.busy[i]
		if b.start.Before(end) && b.end.After(end.Add(-length)) {
			end = b.start
		}
	}
	return end.Add(-length)
}

// resourcePool holds the resources of one run with their semantic types and
// timelines.
type resourcePool struct {
	resources []types.Resource
	kinds     []string
	timelines []*timeline
	byID      map[types.ResourceID]int
}

func newResourcePool(resources []types.Resource) *resourcePool {
	p := &resourcePool{
		resources: resources,
		kinds:     make([]string, len(resources)),
		timelines: make([]*timeline, len(resources)),
		byID:      make(map[types.ResourceID]int, len(resources)),
	}
	for i, r := range resources {
		p.kinds[i] = classifier.ResourceType(r)
		p.timelines[i] = &timeline{}
		p.byID[r.ID] = i
	}
	return p
}

func (p *resourcePool) occupy(idx int, start, end time.Time, op types.OperationID) {
	p.timelines[idx].insert(interval{start: start, end: end, op: op})
}

// registerFixed puts manually scheduled operations on their resources'
// busy lists before any automatic placement.
func (p *resourcePool) registerFixed(ops []types.Operation) {
	for i := range ops {
		op := &ops[i]
		if !isFixed(op) {
			continue
		}
		if idx, ok := p.byID[op.ResourceID]; ok {
			p.occupy(idx, *op.StartTime, *op.EndTime, op.ID)
		}
		op.Status = types.OperationScheduled
	}
}

// preferFunc reports whether resource a is a better choice than b.
type preferFunc func(p *resourcePool, a, b int) bool

// leastLoaded prefers the resource whose last scheduled end is earliest.
func leastLoaded(p *resourcePool, a, b int) bool {
	return p.timelines[a].lastEnd.Before(p.timelines[b].lastEnd)
}

// latestStarting prefers the resource whose earliest scheduled start is
// latest. Idle resources win over busy ones.
func latestStarting(p *resourcePool, a, b int) bool {
	sa, okA := p.timelines[a].firstStart()
	sb, okB := p.timelines[b].firstStart()
	switch {
	case !okA:
		return okB
	case !okB:
		return false
	default:
		return sa.After(sb)
	}
}

// pick chooses a resource for op. An operation keeps its referenced
// resource when the types agree; otherwise the best resource of the
// required type is chosen. Without any resource of that type the operation
// keeps its own resource (or the best of all) and a warning is returned.
// A "general" requirement accepts any resource. Returns -1 when the pool is
// empty.
func (p *resourcePool) pick(op *types.Operation, prefer preferFunc) (int, string) {
	if len(p.resources) == 0 {
		return -1, ""
	}

	required := classifier.OperationType(*op)
	own, hasOwn := p.byID[op.ResourceID]
	if hasOwn && (required == classifier.TypeGeneral || p.kinds[own] == required) {
		return own, ""
	}

	var cands []int
	for i := range p.resources {
		if required == classifier.TypeGeneral || p.kinds[i] == required {
			cands = append(cands, i)
		}
	}

	var warning string
	if len(cands) == 0 {
		warning = fmt.Sprintf("no %s resource for operation %s, using fallback resource", required, op.ID)
		if hasOwn {
			return own, warning
		}
		for i := range p.resources {
			cands = append(cands, i)
		}
	}

	best := cands[0]
	for _, c := range cands[1:] {
		if prefer(p, c, best) {
			best = c
		}
	}
	return best, warning
}
