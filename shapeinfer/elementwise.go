package shapeinfer

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// inferElementwiseBinary broadcasts both inputs NumPy-style.
func inferElementwiseBinary(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	out, err := shapes.BroadcastMerge(c.inputs[0], c.inputs[1])
	if err != nil {
		c.errorf("%v", err)
	}
	return []shapes.PartialShape{out}
}

// inferSelect broadcasts the condition, then and else inputs NumPy-style.
func inferSelect(c *opContext) []shapes.PartialShape {
	c.checkInputCount(3)
	out, err := shapes.BroadcastMerge(c.inputs[1], c.inputs[2])
	if err != nil {
		c.errorf("then and else inputs: %v", err)
	}
	out, err = shapes.BroadcastMerge(c.inputs[0], out)
	if err != nil {
		c.errorf("condition input: %v", err)
	}
	return []shapes.PartialShape{out}
}

func inferSoftmax(c *opContext) []shapes.PartialShape {
	c.checkInputCount(1)
	data := c.inputs[0]
	if data.RankKnown() {
		c.check(data.Rank() >= 1, "Softmax input can't be a scalar")
		if _, err := shapes.AdjustAxis(c.node.Attrs.Int(graph.AttrAxis, -1), data.Rank()); err != nil {
			c.errorf("softmax axis: %v", err)
		}
	}
	return []shapes.PartialShape{data}
}

// inferFakeQuantize: data and the input_low, input_high, output_low and output_high ranges, each of which
// must be broadcastable to data. The output has the shape of data.
func inferFakeQuantize(c *opContext) []shapes.PartialShape {
	c.checkInputCount(5)
	levels := c.node.Attrs.Int(graph.AttrLevels, 256)
	c.check(levels >= 2, "levels must be >= 2, got %d", levels)
	data := c.inputs[0]
	for ii, name := range []string{"input_low", "input_high", "output_low", "output_high"} {
		ps := c.inputs[ii+1]
		merged, err := shapes.BroadcastMerge(data, ps)
		if err != nil {
			c.errorf("%s: %v", name, err)
		}
		if data.RankKnown() && ps.RankKnown() {
			c.check(ps.Rank() <= data.Rank() && merged.Compatible(data),
				"%s %s is not broadcastable to data %s", name, ps, data)
		}
	}
	return []shapes.PartialShape{data}
}

// inferGatherElements: data and indices of the same rank. All dimensions but the one of the axis attribute
// must match, and the output has the shape of the indices.
func inferGatherElements(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data, indices := c.inputs[0], c.inputs[1]
	axis := c.node.Attrs.Int(graph.AttrAxis, 0)
	rank := -1
	switch {
	case data.RankKnown() && indices.RankKnown():
		c.check(data.Rank() == indices.Rank(), "data %s and indices %s must have the same rank", data, indices)
		rank = data.Rank()
	case data.RankKnown():
		rank = data.Rank()
	case indices.RankKnown():
		rank = indices.Rank()
	default:
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	c.check(rank >= 1, "data and indices must have rank >= 1")
	axis, err := shapes.AdjustAxis(axis, rank)
	if err != nil {
		c.errorf("gather axis: %v", err)
	}
	data, indices = ensureRank(data, rank), ensureRank(indices, rank)
	out := indices.Dims()
	for i := range out {
		if i == axis {
			continue
		}
		out[i] = c.mergeDim("data and indices dimensions other than the axis", out[i], data.Dim(i))
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferBucketize: data and a rank-1 buckets input. The output has the shape of data.
func inferBucketize(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	vectorLength(c, 1, "buckets")
	outputType := c.node.Attrs.ElementType(graph.AttrOutputType, tensor.I64)
	c.check(outputType == tensor.I64 || outputType == tensor.I32, "output_type must be i64 or i32, got %s", outputType)
	return []shapes.PartialShape{c.inputs[0]}
}

// inferReduction: data and the axes to reduce. With keep_dims the reduced axes become 1, otherwise they
// are removed.
func inferReduction(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data := c.inputs[0]
	keepDims := c.node.Attrs.Bool(graph.AttrKeepDims, false)
	axesLength := vectorLength(c, 1, "axes")
	axes, known := c.constInts(1)
	if !data.RankKnown() {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	rank := data.Rank()
	if !known {
		switch {
		case keepDims:
			return []shapes.PartialShape{shapes.DynamicOfRank(rank)}
		case axesLength >= 0 && axesLength <= rank:
			// The axes may be repeated, so the output rank isn't known for sure unless nothing is reduced.
			if axesLength == 0 {
				return []shapes.PartialShape{data}
			}
		}
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	reduced := make([]bool, rank)
	for _, axis := range axes {
		adjusted, err := shapes.AdjustAxis(axis, rank)
		if err != nil {
			c.errorf("reduction axes %v: %v", axes, err)
		}
		reduced[adjusted] = true
	}
	var out []shapes.Dim
	for axis, d := range data.Dims() {
		switch {
		case !reduced[axis]:
			out = append(out, d)
		case keepDims:
			out = append(out, shapes.StaticDim(1))
		}
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}
