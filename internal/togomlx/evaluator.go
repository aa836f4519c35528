package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/graphpass/fold"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/tensor"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// opBuilder builds the GoMLX computation of an operator.
type opBuilder struct {
	// operands is the number of leading inputs converted to GoMLX. The other inputs (e.g. a permutation)
	// are read directly from their values.
	operands int

	// sameShapes requires all operands to have the same shape, otherwise the fallback is used.
	sameShapes bool

	build func(node *graph.Node, operands []*Node, values []*tensor.Tensor) *Node
}

var builders = map[graph.OpKind]opBuilder{
	graph.OpTranspose: {operands: 1, build: func(_ *graph.Node, operands []*Node, values []*tensor.Tensor) *Node {
		return TransposeAllDims(operands[0], permutation(values[1], values[0].Rank())...)
	}},
	graph.OpAdd: {operands: 2, sameShapes: true, build: func(_ *graph.Node, x []*Node, _ []*tensor.Tensor) *Node {
		return Add(x[0], x[1])
	}},
	graph.OpSubtract: {operands: 2, sameShapes: true, build: func(_ *graph.Node, x []*Node, _ []*tensor.Tensor) *Node {
		return Sub(x[0], x[1])
	}},
	graph.OpMultiply: {operands: 2, sameShapes: true, build: func(_ *graph.Node, x []*Node, _ []*tensor.Tensor) *Node {
		return Mul(x[0], x[1])
	}},
	graph.OpMaximum: {operands: 2, sameShapes: true, build: func(_ *graph.Node, x []*Node, _ []*tensor.Tensor) *Node {
		return Max(x[0], x[1])
	}},
	graph.OpMinimum: {operands: 2, sameShapes: true, build: func(_ *graph.Node, x []*Node, _ []*tensor.Tensor) *Node {
		return Min(x[0], x[1])
	}},
}

// permutation of a Transpose: empty means reversing the axes.
func permutation(value *tensor.Tensor, rank int) []int {
	values, err := value.AsInt64()
	if err != nil {
		panic(err)
	}
	if len(values) == 0 {
		perm := make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
		return perm
	}
	perm := make([]int, len(values))
	for i, v := range values {
		perm[i] = int(v)
	}
	return perm
}

// Evaluator folds Transpose and same-shaped elementwise binary operators by executing them on a GoMLX
// backend. Other operators are delegated to a fallback evaluator, fold.NewNative() by default.
//
// Element types without a GoMLX dtype (the packed sub-byte types) fail with fold.UnsupportedTypeError.
type Evaluator struct {
	backend  backends.Backend
	fallback fold.Evaluator
}

var _ fold.Evaluator = (*Evaluator)(nil)

// NewEvaluator creates an Evaluator that executes on backend.
func NewEvaluator(backend backends.Backend) *Evaluator {
	return &Evaluator{backend: backend, fallback: fold.NewNative()}
}

// WithFallback sets the evaluator used for operators not executed on the backend.
// If nil, those operators fail with fold.ErrUnsupportedOp. It returns the Evaluator itself.
func (e *Evaluator) WithFallback(fallback fold.Evaluator) *Evaluator {
	e.fallback = fallback
	return e
}

// Evaluate implements fold.Evaluator.
func (e *Evaluator) Evaluate(node *graph.Node, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != len(node.Inputs) {
		return nil, errors.Errorf("%s node %q has %d inputs, got %d values", node.Op, node.Name, len(node.Inputs), len(inputs))
	}
	if slices.Contains(inputs, nil) {
		return nil, errors.Errorf("%s node %q: missing input value", node.Op, node.Name)
	}
	builder, found := builders[node.Op]
	if found && builder.sameShapes {
		for _, value := range inputs[1:builder.operands] {
			if !slices.Equal(value.Shape(), inputs[0].Shape()) {
				found = false
			}
		}
	}
	if !found {
		if e.fallback == nil {
			return nil, errors.Wrapf(fold.ErrUnsupportedOp, "%s (node %q) on GoMLX", node.Op, node.Name)
		}
		return e.fallback.Evaluate(node, inputs)
	}
	operands := make([]*tensors.Tensor, builder.operands)
	defer func() {
		for _, t := range operands {
			if t != nil {
				t.FinalizeAll()
			}
		}
	}()
	for ii := range operands {
		if _, err := DTypeOf(inputs[ii].Type()); err != nil {
			return nil, &fold.UnsupportedTypeError{Type: inputs[ii].Type(), Op: node.Op}
		}
		var err error
		operands[ii], err = ToGoMLX(inputs[ii])
		if err != nil {
			return nil, errors.WithMessagef(err, "%s node %q input #%d", node.Op, node.Name, ii)
		}
	}

	var result *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() {
		result, execErr = ExecOnce(e.backend, func(g *Graph) *Node {
			nodes := make([]*Node, len(operands))
			for ii, t := range operands {
				nodes[ii] = Const(g, t)
			}
			return builder.build(node, nodes, inputs)
		})
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "while folding %s node %q on GoMLX", node.Op, node.Name)
	}
	defer result.FinalizeAll()
	return FromGoMLX(result)
}
