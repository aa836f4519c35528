// Package fold evaluates graph operators on constant inputs.
//
// It is used to materialize constant subgraphs (e.g. a Transpose of a Constant inserted by a rewrite) into
// new Constant values, and as a reference interpreter to check that rewrites preserve the graph results.
//
// Evaluation is deterministic and pure. Kernels dispatch on the element type with exhaustive switches:
// an element type without a handler fails with UnsupportedTypeError, never with wrong data.
package fold

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinfer"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// Evaluator computes the value of a node given the values of all its inputs.
type Evaluator interface {
	Evaluate(node *graph.Node, inputs []*tensor.Tensor) (*tensor.Tensor, error)
}

// UnsupportedTypeError is returned when there is no kernel for the element type of an operator.
// It is a completeness gap of the evaluator, not a data problem.
type UnsupportedTypeError struct {
	Type tensor.ElementType
	Op   graph.OpKind
}

// Error implements the error interface.
func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("constant folding of %s: unsupported element type %s", e.Op, e.Type)
}

// ErrUnsupportedOp is wrapped by the errors of evaluators that have no kernel for an operator kind.
var ErrUnsupportedOp = errors.New("no constant folding kernel for operator")

// kernel computes the output value of a node. It reports errors by panicking, with an *UnsupportedTypeError
// or through exceptions.Panicf.
type kernel func(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor

// Native is the pure Go Evaluator, with one kernel per supported operator kind.
type Native struct {
	kernels map[graph.OpKind]kernel
}

// Assert Native is an Evaluator.
var _ Evaluator = (*Native)(nil)

// NewNative creates the native evaluator.
func NewNative() *Native {
	n := &Native{kernels: map[graph.OpKind]kernel{
		graph.OpTranspose:      transposeKernel,
		graph.OpReshape:        relabelKernel,
		graph.OpSqueeze:        relabelKernel,
		graph.OpUnsqueeze:      relabelKernel,
		graph.OpConvert:        convertKernel,
		graph.OpFakeQuantize:   fakeQuantizeKernel,
		graph.OpMatMul:         matMulKernel,
		graph.OpGatherElements: gatherElementsKernel,
		graph.OpConvolution:    convolutionKernel,
		graph.OpShapeOf:        shapeOfKernel,
	}}
	for _, op := range []graph.OpKind{graph.OpAdd, graph.OpSubtract, graph.OpMultiply, graph.OpMaximum, graph.OpMinimum} {
		n.kernels[op] = binaryKernel
	}
	n.kernels[graph.OpRelu] = reluKernel
	return n
}

// Supports returns whether the evaluator has a kernel for the operator kind.
func (n *Native) Supports(op graph.OpKind) bool {
	_, found := n.kernels[op]
	return found
}

// Evaluate implements Evaluator.
func (n *Native) Evaluate(node *graph.Node, inputs []*tensor.Tensor) (result *tensor.Tensor, err error) {
	k, found := n.kernels[node.Op]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedOp, "%s (node %q)", node.Op, node.Name)
	}
	if len(inputs) != len(node.Inputs) {
		return nil, errors.Errorf("%s node %q has %d inputs, got %d values", node.Op, node.Name, len(node.Inputs), len(inputs))
	}
	for ii, value := range inputs {
		if value == nil {
			return nil, errors.Errorf("%s node %q: value of input #%d is missing", node.Op, node.Name, ii)
		}
	}
	err = exceptions.TryCatch[error](func() { result = k(node, inputs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while folding %s node %q", node.Op, node.Name)
	}
	return result, nil
}

// outputShape returns the static output shape of node for the given input values, using shape inference
// with every input taken as a known constant.
func outputShape(node *graph.Node, inputs []*tensor.Tensor) []int {
	inShapes := make([]shapes.PartialShape, len(inputs))
	constants := make(map[int]*tensor.Tensor, len(inputs))
	for ii, value := range inputs {
		inShapes[ii] = shapes.Static(value.Shape()...)
		constants[ii] = value
	}
	outputs, err := shapeinfer.Infer(node, inShapes, constants)
	if err != nil {
		panic(err)
	}
	if !outputs[0].IsStatic() {
		exceptions.Panicf("output shape %s of %s node %q is not static", outputs[0], node.Op, node.Name)
	}
	return outputs[0].ToInts()
}

// FoldSubgraph computes the value of the output out, whose subgraph must only depend on Constant nodes.
// Values of intermediate nodes are computed once.
func FoldSubgraph(g *graph.Graph, out graph.Output, evaluator Evaluator) (*tensor.Tensor, error) {
	values := make(map[graph.NodeID]*tensor.Tensor)
	var value *tensor.Tensor
	err := exceptions.TryCatch[error](func() {
		value = materialize(g, out.Node, evaluator, values, nil)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while folding constant expression %s of graph %q", out, g.Name)
	}
	return value, nil
}

// materialize recursively computes the value of the node id, memoizing in values.
// Parameters are read from feeds; a nil feeds means the expression must be constant.
func materialize(g *graph.Graph, id graph.NodeID, evaluator Evaluator, values map[graph.NodeID]*tensor.Tensor,
	feeds map[string]*tensor.Tensor) *tensor.Tensor {
	if value, found := values[id]; found {
		return value
	}
	node := g.Node(id)
	if node == nil {
		exceptions.Panicf("node #%d not found in graph %q", id, g.Name)
	}
	var value *tensor.Tensor
	switch node.Op {
	case graph.OpConstant:
		value = node.Value
	case graph.OpParameter:
		if feeds == nil {
			exceptions.Panicf("cannot fold: it depends on parameter %q", node.Name)
		}
		value = feeds[node.Name]
		if value == nil {
			exceptions.Panicf("missing value for parameter %q", node.Name)
		}
		if value.Type() != node.ElementType {
			exceptions.Panicf("parameter %q is %s, fed a tensor of type %s", node.Name, node.ElementType, value.Type())
		}
		if !node.Shape().Compatible(shapes.Static(value.Shape()...)) {
			exceptions.Panicf("parameter %q is shaped %s, fed a tensor shaped %v", node.Name, node.Shape(), value.Shape())
		}
	case graph.OpResult:
		value = materialize(g, node.Inputs[0].Node, evaluator, values, feeds)
	default:
		inputs := make([]*tensor.Tensor, len(node.Inputs))
		for ii, in := range node.Inputs {
			if in.Index != 0 {
				exceptions.Panicf("%s node %q: multi-output producers are not supported", node.Op, node.Name)
			}
			inputs[ii] = materialize(g, in.Node, evaluator, values, feeds)
		}
		var err error
		value, err = evaluator.Evaluate(node, inputs)
		if err != nil {
			panic(err)
		}
	}
	values[id] = value
	return value
}

// Run interprets the whole graph with the given values for its parameters, keyed by name, and returns
// the values of its results in order.
func Run(g *graph.Graph, feeds map[string]*tensor.Tensor, evaluator Evaluator) (results []*tensor.Tensor, err error) {
	if feeds == nil {
		feeds = make(map[string]*tensor.Tensor)
	}
	values := make(map[graph.NodeID]*tensor.Tensor)
	err = exceptions.TryCatch[error](func() {
		for _, id := range g.Results() {
			results = append(results, materialize(g, id, evaluator, values, feeds))
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while running graph %q", g.Name)
	}
	if klog.V(2).Enabled() {
		klog.Infof("graph %s: evaluated %d nodes", g.ID(), len(values))
	}
	return results, nil
}
