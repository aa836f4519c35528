package rewrite

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/fold"
	"github.com/gomlx/graphpass/graph"
)

// ConstantFolding replaces constant subgraphs by Constants holding their value.
//
// By default only nodes marked with graph.Node.FoldMarker are folded. A marked node that depends on a
// Parameter is a miss. Folded nodes keep their names. The folded nodes and the producers they
// leave without consumers are removed.
type ConstantFolding struct {
	// Evaluator computes the folded values. If nil, fold.NewNative() is used.
	Evaluator fold.Evaluator

	// FoldAll folds every node that depends only on Constants, marked or not. Unmarked nodes whose
	// operator the evaluator doesn't implement are skipped.
	FoldAll bool

	// PreserveFakeQuantize leaves in place the nodes whose constant subgraph contains a FakeQuantize,
	// so that quantization stays visible to later stages.
	PreserveFakeQuantize bool
}

var _ Rule = (*ConstantFolding)(nil)

// Name implements Rule.
func (c *ConstantFolding) Name() string { return "ConstantFolding" }

// Apply implements Rule.
func (c *ConstantFolding) Apply(g *graph.Graph) (Result, error) {
	var result Result
	evaluator := c.Evaluator
	if evaluator == nil {
		evaluator = fold.NewNative()
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return result, errors.WithMessagef(err, "%s", c.Name())
	}
	memo := make(map[graph.NodeID]bool)
	var folded []graph.NodeID
	for _, id := range order {
		node := g.Node(id)
		if !c.match(g, node, memo) {
			continue
		}
		value, err := fold.FoldSubgraph(g, node.Output(), evaluator)
		if err != nil {
			if !node.FoldMarker && errors.Is(err, fold.ErrUnsupportedOp) {
				continue
			}
			return result, errors.WithMessagef(err, "%s of node %q", c.Name(), node.Name)
		}
		result.Matched++
		err = guard(c, node, func() {
			constant := g.AddConstant(node.Name, value)
			g.ReplaceAllUses(node.Output(), graph.Output{Node: constant})
		})
		if err != nil {
			return result, err
		}
		result.Rewritten++
		folded = append(folded, id)
	}
	if result.Rewritten == 0 {
		return result, nil
	}
	removed := g.RemoveUnused(folded...)
	if klog.V(2).Enabled() {
		klog.Infof("%s: folded %d nodes of graph %q, removed %d unused nodes", c.Name(), result.Rewritten, g.Name, removed)
	}
	return result, nil
}

// match returns whether node should be folded.
func (c *ConstantFolding) match(g *graph.Graph, node *graph.Node, memo map[graph.NodeID]bool) bool {
	switch node.Op {
	case graph.OpConstant, graph.OpParameter, graph.OpResult:
		return false
	}
	if !node.FoldMarker && !c.FoldAll {
		return false
	}
	if !isConstantExpression(g, node.ID(), memo) {
		return false
	}
	if c.PreserveFakeQuantize && reaches(g, node.ID(), graph.OpFakeQuantize) {
		return false
	}
	return true
}
