package algorithm

import (
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// edge points at the other end of a dependency. In preds it is the
// predecessor, in succs the successor.
type edge struct {
	op  types.OperationID
	lag time.Duration
}

// graph is the dependency DAG over one schedule's operations.
type graph struct {
	ids   []types.OperationID // input order, used as DFS root order
	preds map[types.OperationID][]edge
	succs map[types.OperationID][]edge
}

// buildGraph indexes dependencies. Edges naming unknown operations and
// self-loops are dropped.
func buildGraph(ops []types.Operation, deps []types.Dependency) *graph {
	g := &graph{
		ids:   make([]types.OperationID, 0, len(ops)),
		preds: make(map[types.OperationID][]edge, len(ops)),
		succs: make(map[types.OperationID][]edge, len(ops)),
	}
	known := make(map[types.OperationID]bool, len(ops))
	for i := range ops {
		g.ids = append(g.ids, ops[i].ID)
		known[ops[i].ID] = true
	}

	for _, d := range deps {
		if !known[d.FromOperationID] || !known[d.ToOperationID] || d.FromOperationID == d.ToOperationID {
			continue
		}
		lag := hours(d.Lag)
		g.preds[d.ToOperationID] = append(g.preds[d.ToOperationID], edge{op: d.FromOperationID, lag: lag})
		g.succs[d.FromOperationID] = append(g.succs[d.FromOperationID], edge{op: d.ToOperationID, lag: lag})
	}
	return g
}

// topoOrder returns predecessors before successors using an iterative DFS
// over predecessor edges. Nodes are marked when pushed, so a cycle cannot
// loop forever; it only yields an order that violates the cycle's back edge.
func (g *graph) topoOrder() []types.OperationID {
	type frame struct {
		id   types.OperationID
		next int
	}

	visited := make(map[types.OperationID]bool, len(g.ids))
	order := make([]types.OperationID, 0, len(g.ids))
	var stack []frame

	for _, root := range g.ids {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack = append(stack[:0], frame{id: root})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			preds := g.preds[top.id]
			if top.next < len(preds) {
				p := preds[top.next].op
				top.next++
				if !visited[p] {
					visited[p] = true
					stack = append(stack, frame{id: p})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}

func reversed(order []types.OperationID) []types.OperationID {
	out := make([]types.OperationID, len(order))
	for i, id := range order {
		out[len(order)-1-i] = id
	}
	return out
}
