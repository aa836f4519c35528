package rewrite

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/graph"
)

// DefaultMinRank is the minimum rank of the MatMul weights for MatMulConstTransposesExtraction.
const DefaultMinRank = 3

// MatMulConstTransposesExtraction makes MatMuls with constant weights read them transposed:
//
//	MatMul(data, W, transpose_b=false) -> MatMul(data, Transpose(W, [..., r-1, r-2]), transpose_b=true)
//
// W must be a Constant or a FakeQuantize of a Constant (possibly behind Convert and reshaping nodes), with a
// static shape of rank >= MinRank whose leading dimensions (all but the last two) are 1.
// The inserted Transpose is marked for ConstantFolding, which bakes the transposed weights.
// transpose_a is kept as is.
type MatMulConstTransposesExtraction struct {
	// MinRank of the weights. If <= 0, DefaultMinRank is used.
	MinRank int
}

var _ Rule = (*MatMulConstTransposesExtraction)(nil)

// Name implements Rule.
func (r *MatMulConstTransposesExtraction) Name() string { return "MatMulConstTransposesExtraction" }

// Apply implements Rule. Each eligible MatMul is rewritten independently.
func (r *MatMulConstTransposesExtraction) Apply(g *graph.Graph) (Result, error) {
	var result Result
	order, err := g.TopologicalOrder()
	if err != nil {
		return result, errors.WithMessagef(err, "%s", r.Name())
	}
	minRank := r.MinRank
	if minRank <= 0 {
		minRank = DefaultMinRank
	}
	cache := newShapeCache(g)
	for _, id := range order {
		matmul := g.Node(id)
		rank, ok := r.match(g, cache, matmul, minRank)
		if !ok {
			continue
		}
		result.Matched++
		if err := guard(r, matmul, func() { r.rewrite(g, matmul, rank) }); err != nil {
			return result, err
		}
		result.Rewritten++
		if klog.V(2).Enabled() {
			klog.Infof("%s: weights of %q are now read transposed", r.Name(), matmul.Name)
		}
	}
	return result, nil
}

// match checks the preconditions on matmul, and returns the rank of its weights.
func (r *MatMulConstTransposesExtraction) match(g *graph.Graph, cache *shapeCache, matmul *graph.Node, minRank int) (rank int, ok bool) {
	if matmul.Op != graph.OpMatMul || len(matmul.Inputs) != 2 {
		return
	}
	if matmul.Attrs.Bool(graph.AttrTransposeB, false) {
		return
	}
	weights := matmul.Inputs[1]
	if weights.Index != 0 || !isFoldableWeights(g, weights.Node) {
		return
	}
	shape := cache.shape(weights.Node)
	if !shape.IsStatic() || shape.Rank() < minRank {
		return
	}
	for axis := range shape.Rank() - 2 {
		if shape.Dim(axis).Value() != 1 {
			return
		}
	}
	return shape.Rank(), true
}

func (r *MatMulConstTransposesExtraction) rewrite(g *graph.Graph, matmul *graph.Node, rank int) {
	perm := make([]int, rank)
	for axis := range perm {
		perm[axis] = axis
	}
	perm[rank-2], perm[rank-1] = perm[rank-1], perm[rank-2]
	transpose := g.MustNode(g.AddTranspose(matmul.Name+"/weights_transposed", matmul.Inputs[1], perm...))
	transpose.FoldMarker = true
	mustReplaceInput(g, matmul.ID(), 1, transpose.Output())
	matmul.SetAttr(graph.AttrTransposeB, true)
}
