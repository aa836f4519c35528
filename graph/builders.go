package graph

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/graphpass/tensor"
)

// ConvolutionConfig holds the attributes of the convolution operators.
// Nil slices take the operator defaults: strides and dilations of 1, no padding.
type ConvolutionConfig struct {
	Strides, Dilations []int
	PadsBegin, PadsEnd []int
	AutoPad            string
}

// Attributes converts the configuration to node attributes. Unset fields are omitted.
func (c ConvolutionConfig) Attributes() Attributes {
	attrs := NewAttributes()
	if c.Strides != nil {
		attrs.Set(AttrStrides, c.Strides)
	}
	if c.Dilations != nil {
		attrs.Set(AttrDilations, c.Dilations)
	}
	if c.PadsBegin != nil {
		attrs.Set(AttrPadsBegin, c.PadsBegin)
	}
	if c.PadsEnd != nil {
		attrs.Set(AttrPadsEnd, c.PadsEnd)
	}
	if c.AutoPad != "" {
		attrs.Set(AttrAutoPad, c.AutoPad)
	}
	return attrs
}

// DeformableConvolutionConfig holds the attributes and the optional mask input of a DeformableConvolution.
type DeformableConvolutionConfig struct {
	ConvolutionConfig

	// Group and DeformableGroup default to 1 if 0.
	Group, DeformableGroup int

	BilinearInterpolationPad bool

	// Mask is only used if HasMask is set.
	Mask    Output
	HasMask bool
}

// Attributes converts the configuration to node attributes. The mask is an input, not an attribute.
func (c DeformableConvolutionConfig) Attributes() Attributes {
	attrs := c.ConvolutionConfig.Attributes()
	attrs.Set(AttrGroup, max(c.Group, 1))
	attrs.Set(AttrDeformableGroup, max(c.DeformableGroup, 1))
	attrs.Set(AttrBilinearPadding, c.BilinearInterpolationPad)
	return attrs
}

// AddConvolution adds a Convolution of data [N, C_in, spatial...] with filters [C_out, C_in, kernel...].
func (g *Graph) AddConvolution(name string, data, filters Output, cfg ConvolutionConfig) NodeID {
	return g.AddNode(name, OpConvolution, []Output{data, filters}, cfg.Attributes())
}

// AddGroupConvolution adds a GroupConvolution with filters [G, C_out/G, C_in/G, kernel...].
func (g *Graph) AddGroupConvolution(name string, data, filters Output, cfg ConvolutionConfig) NodeID {
	return g.AddNode(name, OpGroupConvolution, []Output{data, filters}, cfg.Attributes())
}

// AddDeformableConvolution adds a DeformableConvolution, with the mask input if cfg.HasMask is set.
func (g *Graph) AddDeformableConvolution(name string, data, offsets, filters Output, cfg DeformableConvolutionConfig) NodeID {
	inputs := []Output{data, offsets, filters}
	if cfg.HasMask {
		inputs = append(inputs, cfg.Mask)
	}
	return g.AddNode(name, OpDeformableConvolution, inputs, cfg.Attributes())
}

// AddMatMul adds a MatMul of a and b.
func (g *Graph) AddMatMul(name string, a, b Output, transposeA, transposeB bool) NodeID {
	return g.AddNode(name, OpMatMul, []Output{a, b}, Attrs(AttrTransposeA, transposeA, AttrTransposeB, transposeB))
}

// AddIntsConstant adds a rank-1 I64 constant, as used by shape-like inputs (permutations, axes, shapes).
func (g *Graph) AddIntsConstant(name string, values ...int) NodeID {
	ints := make([]int64, len(values))
	for i, v := range values {
		ints[i] = int64(v)
	}
	value, err := tensor.FromInt64([]int{len(values)}, ints)
	if err != nil {
		exceptions.Panicf("graph.AddIntsConstant(%q): %v", name, err)
	}
	return g.AddConstant(name, value)
}

// AddTranspose adds a Transpose of x with a constant permutation.
func (g *Graph) AddTranspose(name string, x Output, permutation ...int) NodeID {
	perm := g.AddIntsConstant(name+"/permutation", permutation...)
	return g.AddNode(name, OpTranspose, []Output{x, {Node: perm}}, NewAttributes())
}

// AddReshape adds a Reshape of x to a constant target shape.
func (g *Graph) AddReshape(name string, x Output, specialZero bool, shape ...int) NodeID {
	target := g.AddIntsConstant(name+"/shape", shape...)
	return g.AddNode(name, OpReshape, []Output{x, {Node: target}}, Attrs(AttrSpecialZero, specialZero))
}

// AddFakeQuantize adds a FakeQuantize of x with the given range inputs.
func (g *Graph) AddFakeQuantize(name string, x, inputLow, inputHigh, outputLow, outputHigh Output, levels int) NodeID {
	return g.AddNode(name, OpFakeQuantize, []Output{x, inputLow, inputHigh, outputLow, outputHigh}, Attrs(AttrLevels, levels))
}
