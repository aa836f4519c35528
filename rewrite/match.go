package rewrite

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinfer"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// shapeCache returns node output shapes for pattern matching, inferring them on demand for nodes that have
// not been through shape inference yet (e.g. nodes created by earlier rules).
// Inferred shapes are memoized, not stored in the graph.
type shapeCache struct {
	g      *graph.Graph
	shapes map[graph.NodeID]shapes.PartialShape
}

func newShapeCache(g *graph.Graph) *shapeCache {
	return &shapeCache{g: g, shapes: make(map[graph.NodeID]shapes.PartialShape)}
}

// shape of the first output of node id. It is the dynamic rank shape if it cannot be inferred:
// validation errors are left for shape inference to report.
func (c *shapeCache) shape(id graph.NodeID) shapes.PartialShape {
	if s, found := c.shapes[id]; found {
		return s
	}
	s := c.infer(c.g.Node(id))
	c.shapes[id] = s
	return s
}

func (c *shapeCache) infer(node *graph.Node) shapes.PartialShape {
	if node == nil {
		return shapes.DynamicRank()
	}
	if len(node.Shapes) > 0 {
		return node.Shapes[0]
	}
	if !shapeinfer.HasRule(node.Op) {
		return shapes.DynamicRank()
	}
	inputs := make([]shapes.PartialShape, len(node.Inputs))
	constants := make(map[int]*tensor.Tensor)
	for ii, in := range node.Inputs {
		if in.Index != 0 {
			return shapes.DynamicRank()
		}
		inputs[ii] = c.shape(in.Node)
		if producer := c.g.Producer(in); producer != nil && producer.IsConstant() {
			constants[ii] = producer.Value
		}
	}
	outputs, err := shapeinfer.Infer(node, inputs, constants)
	if err != nil || len(outputs) == 0 {
		return shapes.DynamicRank()
	}
	return outputs[0]
}

// soleConsumer returns the single use of the output of node id, or false if there are 0 or 2+ uses.
func soleConsumer(consumers map[graph.NodeID][]graph.Use, id graph.NodeID) (graph.Use, bool) {
	uses := consumers[id]
	if len(uses) == 1 {
		return uses[0], true
	}
	return graph.Use{}, false
}

// allConstants returns whether every one of the outputs is produced by a Constant.
func allConstants(g *graph.Graph, outputs []graph.Output) bool {
	for _, out := range outputs {
		producer := g.Producer(out)
		if producer == nil || !producer.IsConstant() {
			return false
		}
	}
	return true
}

// isFoldableWeights returns whether id is a Constant, or a FakeQuantize of one, possibly behind Convert and
// reshaping nodes. The auxiliary inputs (ranges, target shapes, axes) must be Constants.
func isFoldableWeights(g *graph.Graph, id graph.NodeID) bool {
	node := g.Node(id)
	if node == nil {
		return false
	}
	switch node.Op {
	case graph.OpConstant:
		return true
	case graph.OpConvert:
		return isFoldableWeights(g, node.Inputs[0].Node)
	case graph.OpReshape, graph.OpSqueeze, graph.OpUnsqueeze, graph.OpFakeQuantize:
		return allConstants(g, node.Inputs[1:]) && isFoldableWeights(g, node.Inputs[0].Node)
	}
	return false
}

// isConstantExpression returns whether node id depends only on Constants, memoizing in memo.
func isConstantExpression(g *graph.Graph, id graph.NodeID, memo map[graph.NodeID]bool) bool {
	if result, found := memo[id]; found {
		return result
	}
	node := g.Node(id)
	var result bool
	switch {
	case node == nil:
	case node.Op == graph.OpConstant:
		result = true
	case node.Op == graph.OpParameter || node.Op == graph.OpResult:
	default:
		result = true
		for _, in := range node.Inputs {
			if !isConstantExpression(g, in.Node, memo) {
				result = false
				break
			}
		}
	}
	memo[id] = result
	return result
}

// reaches returns whether node id, or any node it depends on, is of kind op.
func reaches(g *graph.Graph, id graph.NodeID, op graph.OpKind) bool {
	visited := make(map[graph.NodeID]bool)
	stack := []graph.NodeID{id}
	for len(stack) > 0 {
		id = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := g.Node(id)
		if node == nil || visited[id] {
			continue
		}
		visited[id] = true
		if node.Op == op {
			return true
		}
		for _, in := range node.Inputs {
			stack = append(stack, in.Node)
		}
	}
	return false
}
