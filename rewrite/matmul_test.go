package rewrite

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// buildMatMul builds data -> MatMul(data, weights) -> Result, and returns the graph and the MatMul.
func buildMatMul(weights *tensor.Tensor, transposeA, transposeB bool, dataShape ...int) (*graph.Graph, graph.NodeID) {
	g := graph.New("matmul")
	data := g.AddParameter("data", tensor.F32, shapes.Static(dataShape...))
	w := g.AddConstant("weights", weights)
	matmul := g.AddMatMul("matmul", graph.Output{Node: data}, graph.Output{Node: w}, transposeA, transposeB)
	g.AddResult("out", graph.Output{Node: matmul})
	return g, matmul
}

func TestMatMulConstTransposesExtraction(t *testing.T) {
	g, matmul := buildMatMul(iota32([]int{1, 3, 2}, 1, 1), true, false, 1, 3, 4)
	before := g.Clone()

	result, err := (&MatMulConstTransposesExtraction{}).Apply(g)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Rewritten: 1}, result)
	mm := g.Node(matmul)
	assert.True(t, mm.Attrs.Bool(graph.AttrTransposeA, false))
	assert.True(t, mm.Attrs.Bool(graph.AttrTransposeB, false))
	transpose := mm.Input(1)
	require.Equal(t, graph.OpTranspose, transpose.Op)
	assert.True(t, transpose.FoldMarker)
	assert.Equal(t, "weights", transpose.Input(0).Name)
	assert.Equal(t, []int64{0, 2, 1}, must.M1(transpose.Input(1).Value.AsInt64()))
	requireEquivalent(t, before, g)

	// Already rewritten: transpose_b is now set.
	requireUnchanged(t, &MatMulConstTransposesExtraction{}, g)

	result, err = (&ConstantFolding{}).Apply(g)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Rewritten: 1}, result)
	weights := g.Node(matmul).Input(1)
	require.Equal(t, graph.OpConstant, weights.Op)
	assert.Equal(t, transpose.Name, weights.Name)
	assert.Equal(t, []int{1, 2, 3}, weights.Value.Shape())
	assert.Equal(t, []float64{1, 3, 5, 2, 4, 6}, must.M1(weights.Value.AsFloat64()))
	requireEquivalent(t, before, g)
	for _, node := range g.Nodes() {
		assert.NotEqual(t, graph.OpTranspose, node.Op, "transpose should have been folded")
	}
}

func TestMatMulConstTransposesExtractionFakeQuantize(t *testing.T) {
	g := graph.New("fq")
	data := g.AddParameter("data", tensor.F32, shapes.Static(1, 4, 3))
	w := g.AddConstant("weights", iota32([]int{1, 3, 2}, 1, 1))
	low := g.AddConstant("low", must.M1(tensor.FromFloat32([]int{1}, []float32{0})))
	high := g.AddConstant("high", must.M1(tensor.FromFloat32([]int{1}, []float32{10})))
	lowOut, highOut := graph.Output{Node: low}, graph.Output{Node: high}
	fq := g.AddFakeQuantize("fq", graph.Output{Node: w}, lowOut, highOut, lowOut, highOut, 255)
	matmul := g.AddMatMul("matmul", graph.Output{Node: data}, graph.Output{Node: fq}, false, false)
	g.AddResult("out", graph.Output{Node: matmul})
	before := g.Clone()

	result, err := DefaultPipeline(nil).Run(g)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Rewritten: 1}, result[0].Result)
	assert.Equal(t, Result{}, result[2].Result)

	// The transpose is inserted after the FakeQuantize, and kept.
	mm := g.Node(matmul)
	assert.False(t, mm.Attrs.Bool(graph.AttrTransposeA, true))
	assert.True(t, mm.Attrs.Bool(graph.AttrTransposeB, false))
	transpose := mm.Input(1)
	require.Equal(t, graph.OpTranspose, transpose.Op)
	assert.Equal(t, []int64{0, 2, 1}, must.M1(transpose.Input(1).Value.AsInt64()))
	assert.Same(t, g.Node(fq), transpose.Input(0))
	requireEquivalent(t, before, g)

	// Folding everything bakes the quantized weights.
	result, err = NewPipeline(&ConstantFolding{}).Run(g)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Rewritten: 1}, result[0].Result)
	weights := g.Node(matmul).Input(1)
	require.Equal(t, graph.OpConstant, weights.Op)
	assert.Equal(t, []int{1, 2, 3}, weights.Value.Shape())
	assert.Nil(t, g.Node(fq))
	requireEquivalent(t, before, g)
}

func TestMatMulConstTransposesExtractionMisses(t *testing.T) {
	rule := &MatMulConstTransposesExtraction{}
	t.Run("rank-1", func(t *testing.T) {
		g, _ := buildMatMul(iota32([]int{3}, 1, 1), false, false, 2, 3)
		requireUnchanged(t, rule, g)
	})
	t.Run("transpose_b", func(t *testing.T) {
		g, _ := buildMatMul(iota32([]int{1, 2, 3}, 1, 1), false, true, 1, 4, 3)
		requireUnchanged(t, rule, g)
	})
	t.Run("leading-dims", func(t *testing.T) {
		g, _ := buildMatMul(iota32([]int{2, 3, 2}, 1, 1), false, false, 2, 4, 3)
		requireUnchanged(t, rule, g)
	})
	t.Run("rank-2", func(t *testing.T) {
		g, _ := buildMatMul(iota32([]int{3, 2}, 1, 1), false, false, 4, 3)
		requireUnchanged(t, rule, g)

		result, err := (&MatMulConstTransposesExtraction{MinRank: 2}).Apply(g)
		require.NoError(t, err)
		assert.Equal(t, Result{Matched: 1, Rewritten: 1}, result)
	})
	t.Run("parameter-weights", func(t *testing.T) {
		g := graph.New("params")
		a := g.AddParameter("a", tensor.F32, shapes.Static(1, 4, 3))
		b := g.AddParameter("b", tensor.F32, shapes.Static(1, 3, 2))
		g.AddResult("out", graph.Output{Node: g.AddMatMul("matmul", graph.Output{Node: a}, graph.Output{Node: b}, false, false)})
		requireUnchanged(t, rule, g)
	})
}

func TestMatMulConstTransposesExtractionSharedAttributes(t *testing.T) {
	g := graph.New("shared_attrs")
	attrs := graph.Attrs(graph.AttrTransposeA, false, graph.AttrTransposeB, false)
	data := g.AddParameter("data", tensor.F32, shapes.Static(1, 4, 3))
	eligible := g.AddConstant("eligible", iota32([]int{1, 3, 2}, 1, 1))
	rank2 := g.AddConstant("rank2", iota32([]int{3, 2}, 1, 1))
	m1 := g.AddNode("m1", graph.OpMatMul, []graph.Output{{Node: data}, {Node: eligible}}, attrs)
	m2 := g.AddNode("m2", graph.OpMatMul, []graph.Output{{Node: data}, {Node: rank2}}, attrs)
	g.AddResult("out1", graph.Output{Node: m1})
	g.AddResult("out2", graph.Output{Node: m2})
	before := g.Clone()

	results, err := DefaultPipeline(nil).Run(g)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Rewritten: 1}, results[0].Result)
	assert.True(t, g.Node(m1).Attrs.Bool(graph.AttrTransposeB, false))
	assert.False(t, g.Node(m2).Attrs.Bool(graph.AttrTransposeB, true), "m2 was not rewritten")
	assert.Same(t, g.Node(rank2), g.Node(m2).Input(1))
	requireEquivalent(t, before, g)
}

func TestMatMulConstTransposesExtractionSharedWeights(t *testing.T) {
	g := graph.New("shared")
	w := g.AddConstant("weights", must.M1(tensor.FromFloats(tensor.F16, []int{1, 3, 2}, []float64{1, 2, 3, 4, 5, 6})))
	convert := g.AddNode("convert", graph.OpConvert, []graph.Output{{Node: w}},
		graph.Attrs(graph.AttrDestinationType, tensor.F32))
	var matmuls []graph.NodeID
	for _, name := range []string{"a", "b"} {
		data := g.AddParameter(name, tensor.F32, shapes.Static(1, 4, 3))
		matmul := g.AddMatMul("matmul_"+name, graph.Output{Node: data}, graph.Output{Node: convert}, false, false)
		g.AddResult("out_"+name, graph.Output{Node: matmul})
		matmuls = append(matmuls, matmul)
	}
	before := g.Clone()

	results, err := DefaultPipeline(nil).Run(g)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 2, Rewritten: 2}, results[0].Result)
	assert.Equal(t, Result{Matched: 2, Rewritten: 2}, results[2].Result)
	for _, matmul := range matmuls {
		weights := g.Node(matmul).Input(1)
		require.Equal(t, graph.OpConstant, weights.Op)
		assert.Equal(t, tensor.F32, weights.Value.Type())
		assert.Equal(t, []float64{1, 3, 5, 2, 4, 6}, must.M1(weights.Value.AsFloat64()))
	}
	assert.Nil(t, g.Node(convert), "shared Convert should be dead after folding")
	requireEquivalent(t, before, g)
}
