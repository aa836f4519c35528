package shapeinfer

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

var (
	dyn    = shapes.DynamicDim()
	static = shapes.Static
)

func ints(values ...int64) *tensor.Tensor {
	return must.M1(tensor.FromInt64([]int{len(values)}, values))
}

// inferOp runs Infer on a detached node of the given op.
func inferOp(op graph.OpKind, attrs graph.Attributes, inputs []shapes.PartialShape, constants map[int]*tensor.Tensor) (shapes.PartialShape, error) {
	node := &graph.Node{Name: "test_" + op.String(), Op: op, Attrs: attrs}
	outputs, err := Infer(node, inputs, constants)
	if err != nil {
		return shapes.PartialShape{}, err
	}
	if len(outputs) != 1 {
		return shapes.PartialShape{}, errors.Errorf("expected 1 output, got %d", len(outputs))
	}
	return outputs[0], nil
}

func requireShape(t *testing.T, want shapes.PartialShape, op graph.OpKind, attrs graph.Attributes, inputs []shapes.PartialShape, constants map[int]*tensor.Tensor) {
	t.Helper()
	got, err := inferOp(op, attrs, inputs, constants)
	require.NoError(t, err)
	require.Truef(t, want.Equal(got), "wanted shape %s, got %s", want, got)
}

func requireValidationError(t *testing.T, op graph.OpKind, attrs graph.Attributes, inputs []shapes.PartialShape, constants map[int]*tensor.Tensor) {
	t.Helper()
	_, err := inferOp(op, attrs, inputs, constants)
	require.Error(t, err)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr), "expected a *ValidationError, got %T: %v", err, err)
	assert.Equal(t, op, vErr.Op)
	assert.Equal(t, "test_"+op.String(), vErr.NodeName)
	assert.Contains(t, err.Error(), op.String())
}

func TestBatchToSpace(t *testing.T) {
	op := graph.OpBatchToSpace
	noAttrs := graph.NewAttributes()
	vec3 := static(3)
	b2s := func(block, cropsBegin, cropsEnd *tensor.Tensor) map[int]*tensor.Tensor {
		constants := map[int]*tensor.Tensor{}
		if block != nil {
			constants[1] = block
		}
		if cropsBegin != nil {
			constants[2] = cropsBegin
		}
		if cropsEnd != nil {
			constants[3] = cropsEnd
		}
		return constants
	}

	t.Run("unit blocks", func(t *testing.T) {
		requireShape(t, static(1, 3, 4), op, noAttrs,
			[]shapes.PartialShape{static(1, 3, 4), vec3, vec3, vec3},
			b2s(ints(1, 1, 1), ints(0, 0, 0), ints(0, 0, 0)))
		// Spatial axes reduce by exactly the crops sum.
		requireShape(t, static(1, 2, 2), op, noAttrs,
			[]shapes.PartialShape{static(1, 3, 4), vec3, vec3, vec3},
			b2s(ints(1, 1, 1), ints(0, 1, 0), ints(0, 0, 2)))
	})

	t.Run("blocks and crops", func(t *testing.T) {
		vec4 := static(4)
		requireShape(t, static(1, 3, 7, 7), op, noAttrs,
			[]shapes.PartialShape{static(12, 2, 3, 4), vec4, vec4, vec4},
			b2s(ints(1, 2, 3, 2), ints(0, 1, 0, 0), ints(0, 0, 2, 1)))
	})

	t.Run("dynamic rank", func(t *testing.T) {
		requireShape(t, shapes.DynamicRank(), op, noAttrs,
			[]shapes.PartialShape{shapes.DynamicRank(), vec3, vec3, vec3},
			b2s(ints(1, 2, 2), ints(0, 0, 0), ints(0, 0, 0)))
		requireShape(t, shapes.DynamicRank(), op, noAttrs,
			[]shapes.PartialShape{shapes.DynamicRank(), shapes.DynamicRank(), shapes.DynamicRank(), shapes.DynamicRank()}, nil)
	})

	t.Run("dynamic batch", func(t *testing.T) {
		// The division can't be validated, the batch stays dynamic.
		requireShape(t, shapes.Of(dyn, shapes.StaticDim(6), shapes.StaticDim(4)), op, noAttrs,
			[]shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3), shapes.StaticDim(4)), vec3, vec3, vec3},
			b2s(ints(1, 2, 1), ints(0, 0, 0), ints(0, 0, 0)))
	})

	t.Run("unknown values", func(t *testing.T) {
		// Unknown blocks: batch is dynamic and spatial axes are at least data-crops.
		requireShape(t, shapes.Of(dyn, shapes.IntervalDim(2, shapes.Unbounded), shapes.IntervalDim(4, shapes.Unbounded)), op, noAttrs,
			[]shapes.PartialShape{static(4, 3, 4), vec3, vec3, vec3},
			b2s(nil, ints(0, 1, 0), ints(0, 0, 0)))
		// Unknown crops: spatial axes are dynamic, the batch is still computed.
		requireShape(t, shapes.Of(shapes.StaticDim(1), dyn, dyn), op, noAttrs,
			[]shapes.PartialShape{static(4, 3, 4), vec3, vec3, vec3},
			b2s(ints(1, 2, 2), nil, ints(0, 0, 0)))
		// Nothing known but the data rank.
		requireShape(t, shapes.DynamicOfRank(3), op, noAttrs,
			[]shapes.PartialShape{static(4, 3, 4), vec3, vec3, shapes.DynamicRank()}, nil)
	})

	t.Run("errors", func(t *testing.T) {
		// Batch not divisible by the product of the blocks.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(5, 3, 4), vec3, vec3, vec3},
			b2s(ints(1, 2, 1), ints(0, 0, 0), ints(0, 0, 0)))
		// Wrong number of inputs.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4, 3, 4), vec3, vec3}, nil)
		// Incompatible block and crops shapes.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4, 3, 4), vec3, static(2), vec3}, nil)
		// Block and crops must be vectors.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4, 3, 4), static(3, 1), static(3, 1), static(3, 1)}, nil)
		// Block size must match the data rank.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4, 3, 4), static(2), static(2), static(2)}, nil)
		// Data rank must be >= 2.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4), static(1), static(1), static(1)}, nil)
		// Blocks >= 1, crops >= 0.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4, 3, 4), vec3, vec3, vec3},
			b2s(ints(1, 0, 2), nil, nil))
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(4, 3, 4), vec3, vec3, vec3},
			b2s(ints(1, 2, 2), ints(0, -1, 0), ints(0, 0, 0)))
		// Crops larger than the block-expanded dimension.
		requireValidationError(t, op, noAttrs, []shapes.PartialShape{static(1, 2), static(2), static(2), static(2)},
			b2s(ints(1, 1), ints(0, 2), ints(0, 1)))
	})
}

func TestSpaceToBatch(t *testing.T) {
	op := graph.OpSpaceToBatch
	vec3 := static(3)
	inputs := []shapes.PartialShape{static(1, 2, 3), vec3, vec3, vec3}
	requireShape(t, static(6, 2, 2), op, graph.NewAttributes(), inputs,
		map[int]*tensor.Tensor{1: ints(1, 2, 3), 2: ints(0, 0, 0), 3: ints(0, 2, 3)})
	requireShape(t, shapes.Of(shapes.StaticDim(6), dyn, dyn), op, graph.NewAttributes(), inputs,
		map[int]*tensor.Tensor{1: ints(1, 2, 3)})
	requireValidationError(t, op, graph.NewAttributes(), inputs,
		map[int]*tensor.Tensor{1: ints(1, 2, 3), 2: ints(0, 0, 0), 3: ints(0, 1, 0)})
}

func TestConvolution(t *testing.T) {
	op := graph.OpConvolution
	cfg := func(cfg graph.ConvolutionConfig) graph.Attributes { return cfg.Attributes() }

	// Explicit padding and strides.
	requireShape(t, static(1, 8, 3, 3), op,
		cfg(graph.ConvolutionConfig{Strides: []int{2, 2}, PadsBegin: []int{1, 1}, PadsEnd: []int{1, 1}}),
		[]shapes.PartialShape{static(1, 3, 5, 5), static(8, 3, 3, 3)}, nil)
	// Dilations.
	requireShape(t, static(1, 1, 4, 4), op,
		cfg(graph.ConvolutionConfig{Strides: []int{2, 2}, Dilations: []int{2, 2}, PadsBegin: []int{2, 2}, PadsEnd: []int{2, 2}}),
		[]shapes.PartialShape{static(1, 1, 7, 7), static(1, 1, 3, 3)}, nil)
	// Auto padding.
	requireShape(t, static(1, 8, 3, 3), op,
		cfg(graph.ConvolutionConfig{Strides: []int{2, 2}, AutoPad: graph.PadSameUpper}),
		[]shapes.PartialShape{static(1, 3, 5, 5), static(8, 3, 3, 3)}, nil)
	requireShape(t, static(1, 8, 3, 3), op,
		cfg(graph.ConvolutionConfig{PadsBegin: []int{5, 5}, PadsEnd: []int{5, 5}, AutoPad: graph.PadValid}),
		[]shapes.PartialShape{static(1, 3, 5, 5), static(8, 3, 3, 3)}, nil)
	// Dynamic batch and spatial axes propagate: an unknown spatial axis yields at least 1.
	atLeastOne := shapes.IntervalDim(1, shapes.Unbounded)
	requireShape(t, shapes.Of(dyn, shapes.StaticDim(8), shapes.StaticDim(3), atLeastOne), op, graph.NewAttributes(),
		[]shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3), shapes.StaticDim(5), dyn), static(8, 3, 3, 3)}, nil)
	// Unknown ranks.
	requireShape(t, shapes.DynamicRank(), op, graph.NewAttributes(),
		[]shapes.PartialShape{shapes.DynamicRank(), shapes.DynamicRank()}, nil)
	requireShape(t, shapes.Of(dyn, shapes.StaticDim(8), atLeastOne, atLeastOne), op, graph.NewAttributes(),
		[]shapes.PartialShape{shapes.DynamicRank(), static(8, 3, 3, 3)}, nil)

	// Window larger than the input.
	requireValidationError(t, op, graph.NewAttributes(), []shapes.PartialShape{static(1, 3, 2, 2), static(8, 3, 3, 3)}, nil)
	// Channels mismatch.
	requireValidationError(t, op, graph.NewAttributes(), []shapes.PartialShape{static(1, 4, 5, 5), static(8, 3, 3, 3)}, nil)
	// Attribute with the wrong number of axes.
	requireValidationError(t, op, cfg(graph.ConvolutionConfig{Strides: []int{2}}),
		[]shapes.PartialShape{static(1, 3, 5, 5), static(8, 3, 3, 3)}, nil)
	requireValidationError(t, op, cfg(graph.ConvolutionConfig{AutoPad: "bogus"}),
		[]shapes.PartialShape{static(1, 3, 5, 5), static(8, 3, 3, 3)}, nil)
}

func TestAutoPads(t *testing.T) {
	begin, end, ok := AutoPads(graph.PadSameUpper, shapes.StaticDim(5), shapes.StaticDim(4), 1, 1)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, []int{begin, end})
	begin, end, ok = AutoPads(graph.PadSameLower, shapes.StaticDim(5), shapes.StaticDim(4), 1, 1)
	require.True(t, ok)
	assert.Equal(t, []int{2, 1}, []int{begin, end})
	_, _, ok = AutoPads(graph.PadSameLower, dyn, shapes.StaticDim(4), 1, 1)
	assert.False(t, ok)
}

func TestGroupConvolution(t *testing.T) {
	op := graph.OpGroupConvolution
	requireShape(t, static(1, 6, 3, 3), op, graph.NewAttributes(),
		[]shapes.PartialShape{static(1, 4, 5, 5), static(2, 3, 2, 3, 3)}, nil)
	requireValidationError(t, op, graph.NewAttributes(),
		[]shapes.PartialShape{static(1, 5, 5, 5), static(2, 3, 2, 3, 3)}, nil)
}

func TestDeformableConvolution(t *testing.T) {
	op := graph.OpDeformableConvolution
	testCases := []struct {
		name                           string
		data, filters, offsets, output shapes.PartialShape
		cfg                            graph.DeformableConvolutionConfig
	}{
		{"basic", static(1, 1, 4, 4), static(1, 1, 2, 2), static(1, 8, 3, 3), static(1, 1, 3, 3),
			graph.DeformableConvolutionConfig{}},
		{"padding", static(1, 1, 3, 3), static(1, 1, 2, 2), static(1, 8, 4, 4), static(1, 1, 4, 4),
			graph.DeformableConvolutionConfig{ConvolutionConfig: graph.ConvolutionConfig{PadsBegin: []int{1, 1}, PadsEnd: []int{1, 1}}}},
		{"stride", static(1, 1, 5, 5), static(1, 1, 3, 3), static(1, 18, 2, 2), static(1, 1, 2, 2),
			graph.DeformableConvolutionConfig{ConvolutionConfig: graph.ConvolutionConfig{Strides: []int{2, 2}}}},
		{"dilation", static(1, 1, 7, 7), static(1, 1, 3, 3), static(1, 18, 4, 4), static(1, 1, 4, 4),
			graph.DeformableConvolutionConfig{ConvolutionConfig: graph.ConvolutionConfig{
				Strides: []int{2, 2}, Dilations: []int{2, 2}, PadsBegin: []int{2, 2}, PadsEnd: []int{2, 2}}}},
		{"input channels", static(1, 2, 4, 4), static(1, 2, 3, 3), static(1, 18, 2, 2), static(1, 1, 2, 2),
			graph.DeformableConvolutionConfig{}},
		{"output channels", static(1, 1, 4, 4), static(2, 1, 3, 3), static(1, 18, 2, 2), static(1, 2, 2, 2),
			graph.DeformableConvolutionConfig{}},
		{"batch", static(2, 1, 4, 4), static(1, 1, 3, 3), static(2, 18, 2, 2), static(2, 1, 2, 2),
			graph.DeformableConvolutionConfig{}},
		{"groups", static(1, 4, 3, 3), static(2, 2, 2, 2), static(1, 8, 2, 2), static(1, 2, 2, 2),
			graph.DeformableConvolutionConfig{Group: 2}},
		{"more groups", static(1, 8, 3, 3), static(4, 2, 2, 2), static(1, 8, 2, 2), static(1, 4, 2, 2),
			graph.DeformableConvolutionConfig{Group: 4}},
		{"deformable groups", static(1, 4, 3, 3), static(2, 2, 2, 2), static(1, 16, 2, 2), static(1, 2, 2, 2),
			graph.DeformableConvolutionConfig{Group: 2, DeformableGroup: 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inputs := []shapes.PartialShape{tc.data, tc.offsets, tc.filters}
			requireShape(t, tc.output, op, tc.cfg.Attributes(), inputs, nil)

			// With a mask of [N, deformable_group*kernel_area, H_out, W_out].
			kernel := tc.filters.ToInts()
			deformableGroup := max(tc.cfg.DeformableGroup, 1)
			out := tc.output.ToInts()
			mask := static(out[0], deformableGroup*kernel[2]*kernel[3], out[2], out[3])
			requireShape(t, tc.output, op, tc.cfg.Attributes(), append(inputs, mask), nil)

			badMask := static(out[0], deformableGroup*kernel[2]*kernel[3]+1, out[2], out[3])
			requireValidationError(t, op, tc.cfg.Attributes(), append(inputs, badMask), nil)
		})
	}

	t.Run("errors", func(t *testing.T) {
		attrs := graph.DeformableConvolutionConfig{}.Attributes()
		// Offsets channels must be 2*deformable_group*kernel_area.
		requireValidationError(t, op, attrs,
			[]shapes.PartialShape{static(1, 1, 4, 4), static(1, 9, 3, 3), static(1, 1, 2, 2)}, nil)
		// Offsets spatial axes must match the output.
		requireValidationError(t, op, attrs,
			[]shapes.PartialShape{static(1, 1, 4, 4), static(1, 8, 2, 2), static(1, 1, 2, 2)}, nil)
		// Group must divide the channels.
		requireValidationError(t, op, graph.DeformableConvolutionConfig{Group: 3}.Attributes(),
			[]shapes.PartialShape{static(1, 4, 3, 3), static(1, 8, 2, 2), static(2, 2, 2, 2)}, nil)
		// Only 2D.
		requireValidationError(t, op, attrs,
			[]shapes.PartialShape{static(1, 1, 4, 4, 4), static(1, 8, 3, 3, 3), static(1, 1, 2, 2, 2)}, nil)
	})

	t.Run("dynamic", func(t *testing.T) {
		// Batch and spatial dimensions are taken from the offsets.
		requireShape(t, static(1, 1, 3, 3), op,
			graph.DeformableConvolutionConfig{}.Attributes(),
			[]shapes.PartialShape{shapes.DynamicRank(), static(1, 8, 3, 3), static(1, 1, 2, 2)}, nil)
	})
}

func TestMatMul(t *testing.T) {
	op := graph.OpMatMul
	transposes := func(a, b bool) graph.Attributes {
		return graph.Attrs(graph.AttrTransposeA, a, graph.AttrTransposeB, b)
	}
	requireShape(t, static(2, 3, 5), op, transposes(false, false), []shapes.PartialShape{static(2, 3, 4), static(4, 5)}, nil)
	requireShape(t, static(2, 3, 5), op, transposes(false, true), []shapes.PartialShape{static(2, 3, 4), static(1, 5, 4)}, nil)
	requireShape(t, static(2, 3, 5), op, transposes(true, false), []shapes.PartialShape{static(2, 4, 3), static(4, 5)}, nil)
	requireShape(t, static(1, 4, 2), op, transposes(false, false), []shapes.PartialShape{static(1, 4, 3), static(1, 3, 2)}, nil)
	requireShape(t, static(1, 4, 2), op, transposes(false, true), []shapes.PartialShape{static(1, 4, 3), static(1, 2, 3)}, nil)
	requireShape(t, static(5), op, transposes(false, false), []shapes.PartialShape{static(4), static(4, 5)}, nil)
	requireShape(t, static(3), op, transposes(false, true), []shapes.PartialShape{static(3, 4), static(4)}, nil)
	requireShape(t, static(2, 5, 3, 6), op, transposes(false, false), []shapes.PartialShape{static(2, 1, 3, 4), static(5, 4, 6)}, nil)
	requireShape(t, shapes.Of(dyn, shapes.StaticDim(3), shapes.StaticDim(5)), op, transposes(false, false),
		[]shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3), dyn), static(4, 5)}, nil)
	requireShape(t, shapes.DynamicRank(), op, transposes(false, false), []shapes.PartialShape{shapes.DynamicRank(), static(4, 5)}, nil)

	requireValidationError(t, op, transposes(false, false), []shapes.PartialShape{static(2, 3, 4), static(3, 5)}, nil)
	requireValidationError(t, op, transposes(false, false), []shapes.PartialShape{static(2, 3, 4), static(3, 4, 5)}, nil)
	requireValidationError(t, op, transposes(false, false), []shapes.PartialShape{shapes.Scalar(), static(3, 4)}, nil)
}

func TestTranspose(t *testing.T) {
	op := graph.OpTranspose
	attrs := graph.NewAttributes()
	requireShape(t, static(1, 2, 3), op, attrs, []shapes.PartialShape{static(1, 3, 2), static(3)},
		map[int]*tensor.Tensor{1: ints(0, 2, 1)})
	requireShape(t, static(2, 3, 1), op, attrs, []shapes.PartialShape{static(1, 3, 2), static(0)},
		map[int]*tensor.Tensor{1: ints()})
	requireShape(t, shapes.DynamicOfRank(3), op, attrs, []shapes.PartialShape{static(1, 3, 2), static(3)}, nil)
	requireShape(t, shapes.DynamicOfRank(4), op, attrs, []shapes.PartialShape{shapes.DynamicRank(), static(4)}, nil)
	requireValidationError(t, op, attrs, []shapes.PartialShape{static(1, 3, 2), static(3)},
		map[int]*tensor.Tensor{1: ints(0, 1, 1)})
	requireValidationError(t, op, attrs, []shapes.PartialShape{static(1, 3, 2), static(2)},
		map[int]*tensor.Tensor{1: ints(1, 0)})
	require.NoError(t, ValidatePermutation([]int{2, 0, 1}, 3))
	require.Error(t, ValidatePermutation([]int{2, 0, 3}, 3))
}

func TestReshape(t *testing.T) {
	op := graph.OpReshape
	plain := graph.Attrs(graph.AttrSpecialZero, false)
	special := graph.Attrs(graph.AttrSpecialZero, true)
	requireShape(t, static(6, 4), op, plain, []shapes.PartialShape{static(2, 3, 4), static(2)},
		map[int]*tensor.Tensor{1: ints(6, -1)})
	requireShape(t, static(2, 12), op, special, []shapes.PartialShape{static(2, 3, 4), static(2)},
		map[int]*tensor.Tensor{1: ints(0, -1)})
	requireShape(t, shapes.Of(dyn, shapes.StaticDim(12)), op, special,
		[]shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3), shapes.StaticDim(4)), static(2)},
		map[int]*tensor.Tensor{1: ints(0, 12)})
	requireShape(t, shapes.Of(dyn, shapes.StaticDim(12)), op, plain,
		[]shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3), shapes.StaticDim(4)), static(2)},
		map[int]*tensor.Tensor{1: ints(-1, 12)})
	requireShape(t, shapes.DynamicOfRank(2), op, plain, []shapes.PartialShape{static(2, 3, 4), static(2)}, nil)

	requireValidationError(t, op, plain, []shapes.PartialShape{static(2, 3, 4), static(2)},
		map[int]*tensor.Tensor{1: ints(5, -1)})
	requireValidationError(t, op, plain, []shapes.PartialShape{static(2, 3, 4), static(2)},
		map[int]*tensor.Tensor{1: ints(5, 5)})
	requireValidationError(t, op, plain, []shapes.PartialShape{static(2, 3, 4), static(2)},
		map[int]*tensor.Tensor{1: ints(-1, -1)})
}

func TestSqueezeUnsqueeze(t *testing.T) {
	attrs := graph.NewAttributes()
	requireShape(t, static(3, 2), graph.OpSqueeze, attrs, []shapes.PartialShape{static(1, 3, 2)}, nil)
	requireShape(t, static(3, 2), graph.OpSqueeze, attrs, []shapes.PartialShape{static(1, 3, 2), static(1)},
		map[int]*tensor.Tensor{1: ints(0)})
	requireShape(t, static(1, 3), graph.OpSqueeze, attrs, []shapes.PartialShape{static(1, 3, 1), static(1)},
		map[int]*tensor.Tensor{1: ints(-1)})
	requireShape(t, shapes.DynamicRank(), graph.OpSqueeze, attrs, []shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3))}, nil)
	requireValidationError(t, graph.OpSqueeze, attrs, []shapes.PartialShape{static(1, 3, 2), static(1)},
		map[int]*tensor.Tensor{1: ints(1)})

	requireShape(t, static(1, 3, 1, 2), graph.OpUnsqueeze, attrs, []shapes.PartialShape{static(3, 2), static(2)},
		map[int]*tensor.Tensor{1: ints(0, 2)})
	requireShape(t, static(3, 2, 1), graph.OpUnsqueeze, attrs, []shapes.PartialShape{static(3, 2), static(1)},
		map[int]*tensor.Tensor{1: ints(-1)})
	requireShape(t, shapes.DynamicOfRank(4), graph.OpUnsqueeze, attrs, []shapes.PartialShape{static(3, 2), static(2)}, nil)
	requireValidationError(t, graph.OpUnsqueeze, attrs, []shapes.PartialShape{static(3, 2), static(2)},
		map[int]*tensor.Tensor{1: ints(1, 1)})
}

func TestConcat(t *testing.T) {
	op := graph.OpConcat
	requireShape(t, static(2, 8), op, graph.Attrs(graph.AttrAxis, 1), []shapes.PartialShape{static(2, 3), static(2, 5)}, nil)
	requireShape(t, static(2, 8), op, graph.Attrs(graph.AttrAxis, -1),
		[]shapes.PartialShape{shapes.Of(dyn, shapes.StaticDim(3)), static(2, 5)}, nil)
	requireShape(t, shapes.Of(shapes.StaticDim(2), shapes.IntervalDim(3, shapes.Unbounded)), op, graph.Attrs(graph.AttrAxis, 1),
		[]shapes.PartialShape{static(2, 3), shapes.DynamicRank()}, nil)
	requireValidationError(t, op, graph.Attrs(graph.AttrAxis, 1), []shapes.PartialShape{static(2, 3), static(3, 5)}, nil)
	requireValidationError(t, op, graph.Attrs(graph.AttrAxis, 2), []shapes.PartialShape{static(2, 3), static(2, 5)}, nil)
}

func TestElementwise(t *testing.T) {
	attrs := graph.NewAttributes()
	requireShape(t, static(2, 3, 4), graph.OpAdd, attrs, []shapes.PartialShape{static(2, 1, 4), static(3, 1)}, nil)
	requireShape(t, static(2, 3, 4), graph.OpLess, attrs, []shapes.PartialShape{static(2, 3, 4), shapes.Scalar()}, nil)
	requireShape(t, shapes.DynamicRank(), graph.OpMultiply, attrs, []shapes.PartialShape{static(2, 3), shapes.DynamicRank()}, nil)
	requireValidationError(t, graph.OpSubtract, attrs, []shapes.PartialShape{static(2, 3), static(4)}, nil)
	requireShape(t, static(2, 3, 4), graph.OpSelect, attrs, []shapes.PartialShape{static(3, 1), static(2, 1, 4), static(4)}, nil)
	requireShape(t, static(2, 3), graph.OpRelu, attrs, []shapes.PartialShape{static(2, 3)}, nil)
	requireShape(t, static(2, 3), graph.OpSoftmax, graph.Attrs(graph.AttrAxis, 1), []shapes.PartialShape{static(2, 3)}, nil)
	requireValidationError(t, graph.OpSoftmax, graph.Attrs(graph.AttrAxis, 2), []shapes.PartialShape{static(2, 3)}, nil)
}

func TestReductions(t *testing.T) {
	keep := graph.Attrs(graph.AttrKeepDims, true)
	drop := graph.Attrs(graph.AttrKeepDims, false)
	data := static(2, 3, 4)
	requireShape(t, static(2, 1, 1), graph.OpReduceSum, keep, []shapes.PartialShape{data, static(2)},
		map[int]*tensor.Tensor{1: ints(1, -1)})
	requireShape(t, static(2), graph.OpReduceMean, drop, []shapes.PartialShape{data, static(2)},
		map[int]*tensor.Tensor{1: ints(1, -1)})
	requireShape(t, shapes.Scalar(), graph.OpReduceMax, drop, []shapes.PartialShape{data, static(3)},
		map[int]*tensor.Tensor{1: ints(0, 1, 2)})
	requireShape(t, shapes.DynamicOfRank(3), graph.OpReduceMin, keep, []shapes.PartialShape{data, static(1)}, nil)
	requireShape(t, shapes.DynamicRank(), graph.OpReduceProd, drop, []shapes.PartialShape{data, static(1)}, nil)
	requireValidationError(t, graph.OpReduceSum, keep, []shapes.PartialShape{data, static(1)},
		map[int]*tensor.Tensor{1: ints(3)})
}

func TestGatherElements(t *testing.T) {
	op := graph.OpGatherElements
	requireShape(t, static(3, 7, 5), op, graph.Attrs(graph.AttrAxis, 1), []shapes.PartialShape{static(3, 4, 5), static(3, 7, 5)}, nil)
	requireShape(t, static(3, 7, 5), op, graph.Attrs(graph.AttrAxis, -2),
		[]shapes.PartialShape{static(3, 4, 5), shapes.Of(dyn, shapes.StaticDim(7), dyn)}, nil)
	requireShape(t, shapes.Of(shapes.StaticDim(3), dyn, shapes.StaticDim(5)), op, graph.Attrs(graph.AttrAxis, 1),
		[]shapes.PartialShape{static(3, 4, 5), shapes.DynamicRank()}, nil)
	requireValidationError(t, op, graph.Attrs(graph.AttrAxis, 1), []shapes.PartialShape{static(3, 4, 5), static(3, 7, 6)}, nil)
	requireValidationError(t, op, graph.Attrs(graph.AttrAxis, 1), []shapes.PartialShape{static(3, 4, 5), static(3, 7)}, nil)
	requireValidationError(t, op, graph.Attrs(graph.AttrAxis, 3), []shapes.PartialShape{static(3, 4, 5), static(3, 4, 5)}, nil)
}

func TestMiscOps(t *testing.T) {
	requireShape(t, static(2, 3), graph.OpBucketize, graph.Attrs(graph.AttrOutputType, tensor.I32),
		[]shapes.PartialShape{static(2, 3), static(5)}, nil)
	requireValidationError(t, graph.OpBucketize, graph.Attrs(graph.AttrOutputType, tensor.F32),
		[]shapes.PartialShape{static(2, 3), static(5)}, nil)

	ranges := []shapes.PartialShape{static(1, 3, 1), static(1, 3, 1), shapes.Scalar(), shapes.Scalar()}
	requireShape(t, static(2, 3, 4), graph.OpFakeQuantize, graph.Attrs(graph.AttrLevels, 256),
		append([]shapes.PartialShape{static(2, 3, 4)}, ranges...), nil)
	requireValidationError(t, graph.OpFakeQuantize, graph.Attrs(graph.AttrLevels, 1),
		append([]shapes.PartialShape{static(2, 3, 4)}, ranges...), nil)
	requireValidationError(t, graph.OpFakeQuantize, graph.NewAttributes(),
		[]shapes.PartialShape{static(2, 3, 4), static(5), shapes.Scalar(), shapes.Scalar(), shapes.Scalar()}, nil)

	requireShape(t, static(3), graph.OpShapeOf, graph.NewAttributes(), []shapes.PartialShape{static(2, 3, 4)}, nil)
	requireShape(t, shapes.Of(dyn), graph.OpShapeOf, graph.NewAttributes(), []shapes.PartialShape{shapes.DynamicRank()}, nil)

	requireShape(t, static(2, 3), graph.OpBroadcast, graph.NewAttributes(), []shapes.PartialShape{static(3), static(2)},
		map[int]*tensor.Tensor{1: ints(2, 3)})
	requireShape(t, static(2, 3, 4), graph.OpBroadcast, graph.Attrs(graph.AttrBroadcastMode, "bidirectional"),
		[]shapes.PartialShape{static(2, 1, 4), static(2)}, map[int]*tensor.Tensor{1: ints(3, 1)})
	requireValidationError(t, graph.OpBroadcast, graph.NewAttributes(), []shapes.PartialShape{static(2, 1, 4), static(2)},
		map[int]*tensor.Tensor{1: ints(3, 1)})
}

func TestNoRule(t *testing.T) {
	requireValidationError(t, graph.OpInvalid, graph.NewAttributes(), nil, nil)
	assert.True(t, HasRule(graph.OpBatchToSpace))
	assert.False(t, HasRule(graph.OpInvalid))
	for op := graph.OpParameter; op <= graph.OpBucketize; op++ {
		assert.Truef(t, HasRule(op), "missing shape inference rule for %s", op)
	}
}

func TestInferGraph(t *testing.T) {
	t.Run("traced shape", func(t *testing.T) {
		g := graph.New("reshape_like")
		x := g.AddParameter("x", tensor.F32, static(2, 3, 4))
		y := g.AddParameter("y", tensor.F32, static(6, 4))
		shapeOf := g.AddNode("shape", graph.OpShapeOf, []graph.Output{{Node: x}}, graph.NewAttributes())
		reshape := g.AddNode("reshape", graph.OpReshape, []graph.Output{{Node: y}, {Node: shapeOf}}, graph.NewAttributes())
		add := g.AddNode("add", graph.OpAdd, []graph.Output{{Node: x}, {Node: reshape}}, graph.NewAttributes())
		result := g.AddResult("out", graph.Output{Node: add})
		require.NoError(t, InferGraph(g))
		assert.True(t, static(3).Equal(g.Node(shapeOf).Shape()))
		assert.True(t, static(2, 3, 4).Equal(g.Node(reshape).Shape()), "got %s", g.Node(reshape).Shape())
		assert.True(t, static(2, 3, 4).Equal(g.Node(result).Shape()))
	})

	t.Run("validation error stops inference", func(t *testing.T) {
		g := graph.New("bad")
		x := g.AddParameter("x", tensor.F32, static(5, 3, 4))
		block := g.AddIntsConstant("block", 1, 2, 1)
		crops := g.AddIntsConstant("crops", 0, 0, 0)
		b2s := g.AddNode("b2s", graph.OpBatchToSpace,
			[]graph.Output{{Node: x}, {Node: block}, {Node: crops}, {Node: crops}}, graph.NewAttributes())
		relu := g.AddNode("relu", graph.OpRelu, []graph.Output{{Node: b2s}}, graph.NewAttributes())
		g.AddResult("out", graph.Output{Node: relu})
		err := InferGraph(g)
		require.Error(t, err)
		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "b2s", vErr.NodeName)
		assert.Equal(t, graph.OpBatchToSpace, vErr.Op)
		assert.Empty(t, g.Node(relu).Shapes)
	})
}
