// Package shapeinfer computes the output shapes of graph operators from their input shapes and, where
// available, the values of constant inputs.
//
// Each operator kind has one rule. Rules follow the same pattern: strict checks of the input count and ranks
// that fail with a ValidationError; use of statically known input values to produce sharper shapes; and
// graceful degradation to dynamic dimensions (or unknown rank) when those values are not available.
//
// Rules are pure: the only side effect of Infer is the returned error.
package shapeinfer

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// ValidationError is returned when a node violates its operator's contract: wrong input count, incompatible
// shapes, out-of-range attributes, non-integral divisions of static dimensions.
//
// It is fatal for the shape inference of the node, and hence for the compilation of its graph.
type ValidationError struct {
	NodeName string
	Op       graph.OpKind
	Cause    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s node %q: %v", e.Op, e.NodeName, e.Cause)
}

// Unwrap returns the cause.
func (e *ValidationError) Unwrap() error { return e.Cause }

// rule computes the output shapes of a node. It reports validation errors by panicking (see opContext.errorf).
type rule func(c *opContext) []shapes.PartialShape

// rules maps each operator kind to its shape inference rule.
var rules map[graph.OpKind]rule

func init() {
	rules = map[graph.OpKind]rule{
		graph.OpParameter:             inferParameter,
		graph.OpConstant:              inferConstant,
		graph.OpResult:                inferIdentity,
		graph.OpBatchToSpace:          inferBatchToSpace,
		graph.OpSpaceToBatch:          inferSpaceToBatch,
		graph.OpConvolution:           inferConvolution,
		graph.OpGroupConvolution:      inferGroupConvolution,
		graph.OpDeformableConvolution: inferDeformableConvolution,
		graph.OpMatMul:                inferMatMul,
		graph.OpTranspose:             inferTranspose,
		graph.OpReshape:               inferReshape,
		graph.OpSqueeze:               inferSqueeze,
		graph.OpUnsqueeze:             inferUnsqueeze,
		graph.OpConcat:                inferConcat,
		graph.OpBroadcast:             inferBroadcast,
		graph.OpShapeOf:               inferShapeOf,
		graph.OpSelect:                inferSelect,
		graph.OpSoftmax:               inferSoftmax,
		graph.OpFakeQuantize:          inferFakeQuantize,
		graph.OpGatherElements:        inferGatherElements,
		graph.OpBucketize:             inferBucketize,
	}
	for op := graph.OpAdd; op <= graph.OpGreater; op++ {
		rules[op] = inferElementwiseBinary
	}
	for op := graph.OpReduceSum; op <= graph.OpReduceProd; op++ {
		rules[op] = inferReduction
	}
	for _, op := range []graph.OpKind{graph.OpRelu, graph.OpSigmoid, graph.OpTanh, graph.OpExp, graph.OpConvert} {
		rules[op] = inferIdentity
	}
}

// HasRule returns whether there is a shape inference rule for the operator kind.
func HasRule(op graph.OpKind) bool {
	_, found := rules[op]
	return found
}

// Infer returns the output shapes of node given the shapes of its inputs.
//
// The optional constants map input indices to their statically known values, which some rules use to
// produce sharper shapes (e.g. block sizes, permutations, axes). Errors are always a *ValidationError.
func Infer(node *graph.Node, inputs []shapes.PartialShape, constants map[int]*tensor.Tensor) (outputs []shapes.PartialShape, err error) {
	c := &opContext{node: node, inputs: inputs, constants: constants}
	r, found := rules[node.Op]
	if !found {
		return nil, c.newError(errors.Errorf("no shape inference rule for operator %s", node.Op))
	}
	err = exceptions.TryCatch[error](func() { outputs = r(c) })
	if err != nil {
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			// Panics from attribute access or tensor decoding are attributed to the node as well.
			err = c.newError(err)
		}
		return nil, err
	}
	return outputs, nil
}

// InferGraph runs Infer on every node of g in topological order, storing the results in each node's Shapes.
//
// Constant inputs are taken from Constant producers. Values that can be traced statically, like the output
// of ShapeOf over a static shape, are passed as constants too.
// It stops at the first error, which is a *ValidationError for shape errors.
func InferGraph(g *graph.Graph) error {
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	for _, id := range order {
		node := g.Node(id)
		inputs := make([]shapes.PartialShape, len(node.Inputs))
		var constants map[int]*tensor.Tensor
		for ii, in := range node.Inputs {
			producer := g.Producer(in)
			if in.Index < len(producer.Shapes) {
				inputs[ii] = producer.Shapes[in.Index]
			}
			if value := traceConstant(producer); value != nil {
				if constants == nil {
					constants = make(map[int]*tensor.Tensor)
				}
				constants[ii] = value
			}
		}
		outputs, err := Infer(node, inputs, constants)
		if err != nil {
			return errors.WithMessagef(err, "shape inference of graph %q", g.Name)
		}
		node.Shapes = outputs
		if klog.V(2).Enabled() {
			klog.Infof("graph %s: %s %q -> %v", g.ID(), node.Op, node.Name, outputs)
		}
	}
	return nil
}

// traceConstant returns the statically known value of the node's output, or nil.
func traceConstant(node *graph.Node) *tensor.Tensor {
	switch node.Op {
	case graph.OpConstant:
		return node.Value
	case graph.OpShapeOf:
		// Only if the input's shape was already fully inferred.
		src := node.Input(0)
		if src == nil || len(src.Shapes) == 0 || !src.Shapes[0].IsStatic() {
			return nil
		}
		dims := src.Shapes[0].ToInts()
		values := make([]int64, len(dims))
		for i, d := range dims {
			values[i] = int64(d)
		}
		value, err := tensor.FromInts(node.ElementType, []int{len(values)}, values)
		if err != nil {
			return nil
		}
		return value
	}
	return nil
}

// opContext holds the inputs of one rule evaluation.
type opContext struct {
	node      *graph.Node
	inputs    []shapes.PartialShape
	constants map[int]*tensor.Tensor
}

func (c *opContext) newError(cause error) *ValidationError {
	return &ValidationError{NodeName: c.node.Name, Op: c.node.Op, Cause: cause}
}

// errorf aborts the rule with a ValidationError.
func (c *opContext) errorf(format string, args ...any) {
	panic(c.newError(errors.Errorf(format, args...)))
}

// check aborts the rule with a ValidationError if cond is false.
func (c *opContext) check(cond bool, format string, args ...any) {
	if !cond {
		c.errorf(format, args...)
	}
}

// checkInputCount validates the number of inputs is one of the given counts.
func (c *opContext) checkInputCount(counts ...int) {
	for _, n := range counts {
		if len(c.inputs) == n {
			return
		}
	}
	if len(counts) == 1 {
		c.errorf("expected %d inputs, got %d", counts[0], len(c.inputs))
	}
	c.errorf("expected any of %v inputs, got %d", counts, len(c.inputs))
}

// checkRank validates the input rank, if known, is in [minRank, maxRank]. Use maxRank < 0 for no maximum.
func (c *opContext) checkRank(input int, name string, minRank, maxRank int) {
	ps := c.inputs[input]
	if !ps.RankKnown() {
		return
	}
	c.check(ps.Rank() >= minRank && (maxRank < 0 || ps.Rank() <= maxRank),
		"%s input must have rank in [%d, %d], got shape %s", name, minRank, maxRank, ps)
}

// constInts returns the statically known value of an integer input, if available.
func (c *opContext) constInts(input int) ([]int, bool) {
	value, found := c.constants[input]
	if !found || value == nil {
		return nil, false
	}
	if !value.Type().IsInteger() {
		c.errorf("input #%d must be an integer tensor, got %s", input, value.Type())
	}
	values, err := value.AsInt64()
	if err != nil {
		c.errorf("input #%d: %v", input, err)
	}
	ints := make([]int, len(values))
	for i, v := range values {
		ints[i] = int(v)
	}
	return ints, true
}

// merge merges all given shapes, failing with a validation error naming what is being merged.
func (c *opContext) merge(what string, all ...shapes.PartialShape) shapes.PartialShape {
	merged := shapes.DynamicRank()
	for _, ps := range all {
		if !shapes.MergeInto(&merged, ps) {
			c.errorf("%s must have compatible shapes, got %v", what, all)
		}
	}
	return merged
}

// mergeDim merges two dimensions, failing with a validation error naming what is being merged.
func (c *opContext) mergeDim(what string, a, b shapes.Dim) shapes.Dim {
	d, ok := a.Merge(b)
	if !ok {
		c.errorf("%s: dimensions %s and %s are not compatible", what, a, b)
	}
	return d
}

func inferParameter(c *opContext) []shapes.PartialShape {
	c.checkInputCount(0)
	return []shapes.PartialShape{c.node.Shape()}
}

func inferConstant(c *opContext) []shapes.PartialShape {
	c.checkInputCount(0)
	c.check(c.node.Value != nil, "Constant without a value")
	return []shapes.PartialShape{shapes.Static(c.node.Value.Shape()...)}
}

// inferIdentity is used by unary elementwise operators: the output has the shape of the single input.
func inferIdentity(c *opContext) []shapes.PartialShape {
	c.checkInputCount(1)
	return []shapes.PartialShape{c.inputs[0]}
}
