package shapeinfer

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
)

// vectorLength returns the number of elements of a rank-1 shape input, or -1 if unknown.
func vectorLength(c *opContext, input int, name string) int {
	ps := c.inputs[input]
	if !ps.RankKnown() {
		return -1
	}
	c.check(ps.Rank() == 1, "%s input must have rank 1, got %s", name, ps)
	return ps.Dim(0).Value()
}

// inferTranspose: data and a permutation. An empty permutation reverses the axes.
func inferTranspose(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data := c.inputs[0]
	permLength := vectorLength(c, 1, "permutation")
	perm, permKnown := c.constInts(1)
	if !permKnown {
		switch {
		case data.RankKnown():
			c.check(permLength < 0 || permLength == 0 || permLength == data.Rank(),
				"permutation has %d elements, data rank is %d", permLength, data.Rank())
			return []shapes.PartialShape{shapes.DynamicOfRank(data.Rank())}
		case permLength > 0:
			return []shapes.PartialShape{shapes.DynamicOfRank(permLength)}
		}
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	if !data.RankKnown() {
		if len(perm) == 0 {
			return []shapes.PartialShape{shapes.DynamicRank()}
		}
		return []shapes.PartialShape{shapes.DynamicOfRank(len(perm))}
	}
	rank := data.Rank()
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	if err := ValidatePermutation(perm, rank); err != nil {
		c.errorf("%v", err)
	}
	out := make([]shapes.Dim, rank)
	for i, axis := range perm {
		out[i] = data.Dim(axis)
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferReshape: data and a target shape. A -1 entry is inferred from the number of elements, and with
// special_zero a 0 entry copies the corresponding input dimension.
func inferReshape(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data := c.inputs[0]
	targetLength := vectorLength(c, 1, "target shape")
	target, known := c.constInts(1)
	if !known {
		if targetLength >= 0 {
			return []shapes.PartialShape{shapes.DynamicOfRank(targetLength)}
		}
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	specialZero := c.node.Attrs.Bool(graph.AttrSpecialZero, false)
	out := make([]shapes.Dim, len(target))
	inferAxis := -1
	product := shapes.StaticDim(1)
	for axis, v := range target {
		switch {
		case v == -1:
			c.check(inferAxis < 0, "target shape %v can have only one -1 entry", target)
			inferAxis = axis
			continue
		case v < -1:
			c.errorf("target shape %v has invalid negative entry", target)
		case v == 0 && specialZero:
			if !data.RankKnown() {
				out[axis] = shapes.DynamicDim()
			} else {
				c.check(axis < data.Rank(), "target shape %v copies axis %d with special_zero, data is %s", target, axis, data)
				out[axis] = data.Dim(axis)
			}
		default:
			out[axis] = shapes.StaticDim(v)
		}
		product = product.Mul(out[axis])
	}
	size := shapes.DynamicDim()
	if data.IsStatic() {
		size = shapes.StaticDim(data.Size())
	}
	if inferAxis >= 0 {
		if product.IsStatic() && size.IsStatic() {
			c.check(product.Value() != 0 && size.Value()%product.Value() == 0,
				"cannot reshape %s to %v: %d elements are not divisible by %d", data, target, size.Value(), product.Value())
			out[inferAxis] = size.Div(product)
		} else {
			out[inferAxis] = shapes.DynamicDim()
		}
	} else if product.IsStatic() && size.IsStatic() {
		c.check(product.Value() == size.Value(), "cannot reshape %s (%d elements) to %v (%d elements)",
			data, size.Value(), target, product.Value())
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferSqueeze: data and optional axes. Without axes, every dimension of size 1 is removed.
func inferSqueeze(c *opContext) []shapes.PartialShape {
	c.checkInputCount(1, 2)
	data := c.inputs[0]
	if !data.RankKnown() {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	rank := data.Rank()
	if len(c.inputs) == 1 {
		var out []shapes.Dim
		for _, d := range data.Dims() {
			if d.IsStatic() && d.Value() == 1 {
				continue
			}
			if d.Contains(1) {
				// May or may not be squeezed: the rank is not known.
				return []shapes.PartialShape{shapes.DynamicRank()}
			}
			out = append(out, d)
		}
		return []shapes.PartialShape{shapes.Of(out...)}
	}
	axes, known := c.constInts(1)
	if !known {
		if n := vectorLength(c, 1, "axes"); n >= 0 && n <= rank {
			return []shapes.PartialShape{shapes.DynamicOfRank(rank - n)}
		}
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	squeezed := make([]bool, rank)
	for _, axis := range axes {
		adjusted, err := shapes.AdjustAxis(axis, rank)
		if err != nil {
			c.errorf("squeeze axes %v: %v", axes, err)
		}
		d := data.Dim(adjusted)
		c.check(d.Contains(1), "cannot squeeze axis %d of shape %s, its dimension is not 1", axis, data)
		squeezed[adjusted] = true
	}
	var out []shapes.Dim
	for axis, d := range data.Dims() {
		if !squeezed[axis] {
			out = append(out, d)
		}
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferUnsqueeze: data and axes, given in terms of the output rank, where dimensions of size 1 are inserted.
func inferUnsqueeze(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data := c.inputs[0]
	axes, known := c.constInts(1)
	if !data.RankKnown() {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	if !known {
		if n := vectorLength(c, 1, "axes"); n >= 0 {
			return []shapes.PartialShape{shapes.DynamicOfRank(data.Rank() + n)}
		}
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	outRank := data.Rank() + len(axes)
	inserted := make([]bool, outRank)
	for _, axis := range axes {
		adjusted, err := shapes.AdjustAxis(axis, outRank)
		if err != nil {
			c.errorf("unsqueeze axes %v: %v", axes, err)
		}
		c.check(!inserted[adjusted], "unsqueeze axes %v has repeated axis %d", axes, adjusted)
		inserted[adjusted] = true
	}
	out := make([]shapes.Dim, outRank)
	next := 0
	for axis := range out {
		if inserted[axis] {
			out[axis] = shapes.StaticDim(1)
			continue
		}
		out[axis] = data.Dim(next)
		next++
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferConcat: one or more inputs of the same rank, concatenated along the axis attribute.
func inferConcat(c *opContext) []shapes.PartialShape {
	c.check(len(c.inputs) >= 1, "Concat requires at least one input")
	rank := -1
	for _, ps := range c.inputs {
		if !ps.RankKnown() {
			continue
		}
		c.check(rank < 0 || rank == ps.Rank(), "Concat inputs must have the same rank, got %v", c.inputs)
		rank = ps.Rank()
	}
	if rank < 0 {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	axis, err := shapes.AdjustAxis(c.node.Attrs.Int(graph.AttrAxis, 0), rank)
	if err != nil {
		c.errorf("concat axis: %v", err)
	}
	out := shapes.DynamicOfRank(rank).Dims()
	out[axis] = shapes.StaticDim(0)
	for _, ps := range c.inputs {
		if !ps.RankKnown() {
			out[axis] = shapes.IntervalDim(out[axis].Min(), shapes.Unbounded)
			continue
		}
		for i, d := range ps.Dims() {
			if i == axis {
				out[axis] = out[axis].Add(d)
				continue
			}
			out[i] = c.mergeDim("Concat non-axis dimensions", out[i], d)
		}
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferBroadcast: data and a target shape. In "numpy" mode (the default) the output is the target shape, to
// which data must be broadcastable. In "bidirectional" mode both are broadcast against each other.
func inferBroadcast(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data := c.inputs[0]
	mode := c.node.Attrs.String(graph.AttrBroadcastMode, "numpy")
	c.check(mode == "numpy" || mode == "bidirectional", "invalid broadcast mode %q", mode)
	targetLength := vectorLength(c, 1, "target shape")
	target, known := c.constInts(1)
	if !known {
		switch {
		case targetLength < 0:
			return []shapes.PartialShape{shapes.DynamicRank()}
		case mode == "numpy":
			return []shapes.PartialShape{shapes.DynamicOfRank(targetLength)}
		case data.RankKnown():
			return []shapes.PartialShape{shapes.DynamicOfRank(max(targetLength, data.Rank()))}
		}
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	for _, v := range target {
		c.check(v >= 0, "target shape %v has negative entries", target)
	}
	targetShape := shapes.Static(target...)
	merged, err := shapes.BroadcastMerge(data, targetShape)
	if err != nil {
		c.errorf("cannot broadcast: %v", err)
	}
	if mode == "bidirectional" {
		return []shapes.PartialShape{merged}
	}
	if data.RankKnown() {
		c.check(data.Rank() <= len(target), "cannot broadcast %s to the lower rank shape %v", data, target)
		c.check(merged.Compatible(targetShape), "cannot broadcast %s to %v", data, target)
	}
	return []shapes.PartialShape{targetShape}
}

// inferShapeOf returns a vector with one element per data axis.
func inferShapeOf(c *opContext) []shapes.PartialShape {
	c.checkInputCount(1)
	return []shapes.PartialShape{shapes.Of(c.inputs[0].RankDim())}
}

// ValidatePermutation returns an error if perm is not a permutation of the axes [0, rank).
func ValidatePermutation(perm []int, rank int) error {
	if len(perm) != rank {
		return errors.Errorf("permutation %v must have %d elements", perm, rank)
	}
	sorted := slices.Clone(perm)
	slices.Sort(sorted)
	for i, axis := range sorted {
		if axis != i {
			return errors.Errorf("%v is not a permutation of the axes of a rank %d tensor", perm, rank)
		}
	}
	return nil
}
