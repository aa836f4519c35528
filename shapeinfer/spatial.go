package shapeinfer

import (
	"github.com/gomlx/graphpass/shapes"
)

// spatialAxesOffset is the index of the first spatial axis: axis 0 is the batch.
const spatialAxesOffset = 1

// checkBlockInputs validates the shapes of the block and the crops (or pads) inputs, which must be rank-1,
// mutually compatible, and have one element per data axis.
func checkBlockInputs(c *opContext, padName string) {
	same := c.merge("block_shape, "+padName+"_begin and "+padName+"_end", c.inputs[2], c.inputs[3], c.inputs[1])
	c.check(same.RankDim().Compatible(shapes.StaticDim(1)),
		"block_shape and %s inputs must have rank 1, got %s", padName, same)
	data := c.inputs[0]
	if !data.RankKnown() {
		return
	}
	c.check(data.Rank() > spatialAxesOffset, "data input must have rank greater or equal than 2, got %s", data)
	if same.IsStatic() {
		c.check(same.Dim(0).Value() == data.Rank(),
			"block_shape and %s inputs must have the same number of elements as the data rank, got %s and rank %d",
			padName, same.Dim(0), data.Rank())
	}
}

// constBlocks returns the block sizes, if statically known, validated to be >= 1.
func constBlocks(c *opContext, rank int) ([]int, bool) {
	blocks, ok := c.constInts(1)
	if !ok {
		return nil, false
	}
	c.check(len(blocks) == rank, "block_shape has %d elements, data rank is %d", len(blocks), rank)
	for _, b := range blocks {
		c.check(b >= 1, "elements of block_shape input must be greater or equal to one, got %v", blocks)
	}
	return blocks, true
}

// constPads returns the begin and end crops (or pads), if both are statically known, validated to be >= 0.
func constPads(c *opContext, rank int, padName string) (begin, end []int, ok bool) {
	begin, okBegin := c.constInts(2)
	end, okEnd := c.constInts(3)
	if !okBegin || !okEnd {
		return nil, nil, false
	}
	c.check(len(begin) == rank && len(end) == rank,
		"%s_begin and %s_end must have %d elements, got %v and %v", padName, padName, rank, begin, end)
	for i := range begin {
		c.check(begin[i] >= 0 && end[i] >= 0,
			"elements of %s_begin and %s_end inputs must be greater or equal to zero, got %v and %v",
			padName, padName, begin, end)
	}
	return begin, end, true
}

// inferBatchToSpace: inputs are data [batch, spatial...], block_shape, crops_begin and crops_end.
//
// The output batch is batch / product(block_shape), and each spatial axis i becomes
// data[i]*block_shape[i] - crops_begin[i] - crops_end[i].
func inferBatchToSpace(c *opContext) []shapes.PartialShape {
	c.checkInputCount(4)
	checkBlockInputs(c, "crops")
	data := c.inputs[0]
	if !data.RankKnown() {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	rank := data.Rank()
	out := make([]shapes.Dim, 0, rank)

	blocks, blocksKnown := constBlocks(c, rank)
	if blocksKnown {
		product := 1
		for _, b := range blocks {
			product *= b
		}
		divisor := shapes.StaticDim(product)
		batch := data.Dim(0).Div(divisor)
		if err := shapes.CheckDividedResult(batch, data.Dim(0), divisor); err != nil {
			c.errorf("batch dimension of data input: %v", err)
		}
		out = append(out, batch)
	} else {
		out = append(out, shapes.DynamicDim())
	}

	cropsBegin, cropsEnd, cropsKnown := constPads(c, rank, "crops")
	if !cropsKnown {
		for range rank - spatialAxesOffset {
			out = append(out, shapes.DynamicDim())
		}
		return []shapes.PartialShape{shapes.Of(out...)}
	}
	for axis := spatialAxesOffset; axis < rank; axis++ {
		block := shapes.IntervalDim(1, shapes.Unbounded)
		if blocksKnown {
			block = shapes.StaticDim(blocks[axis])
		}
		d := data.Dim(axis).Mul(block)
		crop := cropsBegin[axis] + cropsEnd[axis]
		if blocksKnown {
			c.check(d.IsDynamic() || crop <= d.Value(),
				"crops_begin[%d] + crops_end[%d] must be less or equal to block_shape[%d] * data_shape[%d], got %d > %s",
				axis, axis, axis, axis, crop, d)
		}
		out = append(out, d.Sub(shapes.StaticDim(crop)))
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferSpaceToBatch: inputs are data [batch, spatial...], block_shape, pads_begin and pads_end.
//
// The output batch is batch * product(block_shape), and each spatial axis i becomes
// (data[i] + pads_begin[i] + pads_end[i]) / block_shape[i], which must be an exact division.
func inferSpaceToBatch(c *opContext) []shapes.PartialShape {
	c.checkInputCount(4)
	checkBlockInputs(c, "pads")
	data := c.inputs[0]
	if !data.RankKnown() {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	rank := data.Rank()
	out := shapes.DynamicOfRank(rank).Dims()

	blocks, blocksKnown := constBlocks(c, rank)
	if blocksKnown {
		product := 1
		for _, b := range blocks {
			product *= b
		}
		out[0] = data.Dim(0).Mul(shapes.StaticDim(product))
	}
	padsBegin, padsEnd, padsKnown := constPads(c, rank, "pads")
	if !blocksKnown || !padsKnown {
		return []shapes.PartialShape{shapes.Of(out...)}
	}
	for axis := spatialAxesOffset; axis < rank; axis++ {
		padded := data.Dim(axis).Add(shapes.StaticDim(padsBegin[axis] + padsEnd[axis]))
		divisor := shapes.StaticDim(blocks[axis])
		d := padded.Div(divisor)
		if err := shapes.CheckDividedResult(d, padded, divisor); err != nil {
			c.errorf("padded spatial axis %d: %v", axis, err)
		}
		out[axis] = d
	}
	return []shapes.PartialShape{shapes.Of(out...)}
}
