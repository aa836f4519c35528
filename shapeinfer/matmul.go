package shapeinfer

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
)

// inferMatMul: a [..., M, K] x b [..., K, N] -> [..., M, N], with batch axes broadcast NumPy-style.
//
// transpose_a and transpose_b swap the last two axes of the corresponding operand. A rank-1 a is taken
// as [1, K] and a rank-1 b as [K, 1], and the added axis is removed from the output; transposes are
// ignored for rank-1 operands.
func inferMatMul(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	a, b := c.inputs[0], c.inputs[1]
	if !a.RankKnown() || !b.RankKnown() {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	c.check(a.Rank() >= 1 && b.Rank() >= 1, "MatMul operands can't be scalars, got %s and %s", a, b)
	transposeA := c.node.Attrs.Bool(graph.AttrTransposeA, false)
	transposeB := c.node.Attrs.Bool(graph.AttrTransposeB, false)

	aDims, bDims := a.Dims(), b.Dims()
	aVector, bVector := len(aDims) == 1, len(bDims) == 1
	if aVector {
		aDims = []shapes.Dim{shapes.StaticDim(1), aDims[0]}
	} else if transposeA {
		aDims[len(aDims)-1], aDims[len(aDims)-2] = aDims[len(aDims)-2], aDims[len(aDims)-1]
	}
	if bVector {
		bDims = []shapes.Dim{bDims[0], shapes.StaticDim(1)}
	} else if transposeB {
		bDims[len(bDims)-1], bDims[len(bDims)-2] = bDims[len(bDims)-2], bDims[len(bDims)-1]
	}

	m, k1 := aDims[len(aDims)-2], aDims[len(aDims)-1]
	k2, n := bDims[len(bDims)-2], bDims[len(bDims)-1]
	c.check(k1.Compatible(k2), "contracting dimensions don't match: a %s (transpose_a=%v) and b %s (transpose_b=%v)",
		a, transposeA, b, transposeB)

	batch, err := shapes.BroadcastMerge(shapes.Of(aDims[:len(aDims)-2]...), shapes.Of(bDims[:len(bDims)-2]...))
	if err != nil {
		c.errorf("batch axes: %v", err)
	}
	out := batch.Dims()
	if !aVector {
		out = append(out, m)
	}
	if !bVector {
		out = append(out, n)
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}
