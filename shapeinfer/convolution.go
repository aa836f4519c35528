package shapeinfer

import (
	"slices"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
)

// convAttrs are the validated sliding window attributes of a convolution, one entry per spatial axis.
type convAttrs struct {
	strides, dilations, padsBegin, padsEnd []int
	autoPad                                string
}

// getConvAttrs reads and validates the convolution attributes for the given number of spatial axes.
func getConvAttrs(c *opContext, numSpatial int) convAttrs {
	attrs := c.node.Attrs
	ones := slices.Repeat([]int{1}, numSpatial)
	zeros := make([]int, numSpatial)
	fetch := func(name string, defaults []int, minValue int) []int {
		values := attrs.Ints(name)
		if values == nil {
			return defaults
		}
		c.check(len(values) == numSpatial, "attribute %q must have %d values (one per spatial axis), got %v",
			name, numSpatial, values)
		for _, v := range values {
			c.check(v >= minValue, "attribute %q values must be >= %d, got %v", name, minValue, values)
		}
		return values
	}
	ca := convAttrs{
		strides:   fetch(graph.AttrStrides, ones, 1),
		dilations: fetch(graph.AttrDilations, ones, 1),
		padsBegin: fetch(graph.AttrPadsBegin, zeros, 0),
		padsEnd:   fetch(graph.AttrPadsEnd, zeros, 0),
		autoPad:   attrs.String(graph.AttrAutoPad, graph.PadExplicit),
	}
	switch ca.autoPad {
	case graph.PadExplicit, graph.PadSameUpper, graph.PadSameLower:
	case graph.PadValid:
		ca.padsBegin, ca.padsEnd = zeros, zeros
	default:
		c.errorf("invalid auto_pad value %q", ca.autoPad)
	}
	return ca
}

// AutoPads returns the padding applied to one spatial axis of size in by the same_upper or same_lower
// auto-padding modes. It returns ok=false if the padding cannot be known statically.
func AutoPads(autoPad string, in, kernel shapes.Dim, stride, dilation int) (begin, end int, ok bool) {
	if !in.IsStatic() || !kernel.IsStatic() {
		return 0, 0, false
	}
	dilatedKernel := (kernel.Value()-1)*dilation + 1
	out := (in.Value() + stride - 1) / stride
	total := max(0, (out-1)*stride+dilatedKernel-in.Value())
	switch autoPad {
	case graph.PadSameUpper:
		begin = total / 2
	case graph.PadSameLower:
		begin = total - total/2
	default:
		return 0, 0, false
	}
	return begin, total - begin, true
}

// convSpatialDims computes the output spatial dimensions of a sliding window over in with the given kernel:
// out = floor((in + pad_begin + pad_end - ((kernel-1)*dilation + 1)) / stride) + 1, which must be >= 1.
// With same_upper/same_lower auto-padding, out = ceil(in / stride).
func convSpatialDims(c *opContext, ca convAttrs, in, kernel []shapes.Dim) []shapes.Dim {
	out := make([]shapes.Dim, len(in))
	for i := range in {
		if ca.autoPad == graph.PadSameUpper || ca.autoPad == graph.PadSameLower {
			out[i] = in[i].CeilDiv(ca.strides[i])
			continue
		}
		if !kernel[i].IsStatic() {
			out[i] = shapes.DynamicDim()
			continue
		}
		dilatedKernel := (kernel[i].Value()-1)*ca.dilations[i] + 1
		padded := in[i].Add(shapes.StaticDim(ca.padsBegin[i] + ca.padsEnd[i]))
		if padded.IsStatic() {
			c.check(padded.Value() >= dilatedKernel,
				"spatial axis %d: window size after dilation (%d) is larger than the padded input (%s)",
				i, dilatedKernel, padded)
		}
		out[i] = padded.Sub(shapes.StaticDim(dilatedKernel)).FloorDiv(ca.strides[i]).Add(shapes.StaticDim(1))
	}
	return out
}

// convRanks validates the data and filters ranks and returns the number of spatial axes, or -1 if unknown.
// filtersExtraAxes is 1 for GroupConvolution, whose filters have a leading group axis.
func convRanks(c *opContext, data, filters shapes.PartialShape, filtersExtraAxes int) int {
	numSpatial := -1
	if data.RankKnown() {
		c.check(data.Rank() >= 3, "data input must have rank >= 3 (batch, channels and spatial axes), got %s", data)
		numSpatial = data.Rank() - 2
	}
	if filters.RankKnown() {
		filtersSpatial := filters.Rank() - 2 - filtersExtraAxes
		c.check(filtersSpatial >= 1, "filters input has invalid rank, got shape %s", filters)
		if numSpatial >= 0 {
			c.check(filtersSpatial == numSpatial, "data %s and filters %s ranks don't match", data, filters)
		}
		numSpatial = filtersSpatial
	}
	return numSpatial
}

// inferConvolution: data [N, C_in, spatial...] and filters [C_out, C_in, kernel...] -> [N, C_out, out spatial...].
func inferConvolution(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data, filters := c.inputs[0], c.inputs[1]
	numSpatial := convRanks(c, data, filters, 0)
	if numSpatial < 0 {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	ca := getConvAttrs(c, numSpatial)
	data, filters = ensureRank(data, numSpatial+2), ensureRank(filters, numSpatial+2)
	c.mergeDim("input channels of data and filters", data.Dim(1), filters.Dim(1))
	out := []shapes.Dim{data.Dim(0), filters.Dim(0)}
	out = append(out, convSpatialDims(c, ca, data.Dims()[2:], filters.Dims()[2:])...)
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferGroupConvolution: data [N, C_in, spatial...] and filters [G, C_out/G, C_in/G, kernel...].
func inferGroupConvolution(c *opContext) []shapes.PartialShape {
	c.checkInputCount(2)
	data, filters := c.inputs[0], c.inputs[1]
	numSpatial := convRanks(c, data, filters, 1)
	if numSpatial < 0 {
		return []shapes.PartialShape{shapes.DynamicRank()}
	}
	ca := getConvAttrs(c, numSpatial)
	data, filters = ensureRank(data, numSpatial+2), ensureRank(filters, numSpatial+3)
	groups := filters.Dim(0)
	c.mergeDim("input channels of data and groups*filters", data.Dim(1), groups.Mul(filters.Dim(2)))
	if groups.IsStatic() && data.Dim(1).IsStatic() {
		c.check(groups.Value() > 0 && data.Dim(1).Value()%groups.Value() == 0,
			"input channels (%s) must be divisible by the number of groups (%s)", data.Dim(1), groups)
	}
	out := []shapes.Dim{data.Dim(0), groups.Mul(filters.Dim(1))}
	out = append(out, convSpatialDims(c, ca, data.Dims()[2:], filters.Dims()[3:])...)
	return []shapes.PartialShape{shapes.Of(out...)}
}

// inferDeformableConvolution: data [N, C_in, H, W], offsets [N, 2*DG*kH*kW, H_out, W_out],
// filters [C_out, C_in/G, kH, kW] and an optional mask [N, DG*kH*kW, H_out, W_out]. Output is [N, C_out, H_out, W_out].
func inferDeformableConvolution(c *opContext) []shapes.PartialShape {
	c.checkInputCount(3, 4)
	hasMask := len(c.inputs) == 4
	const rank = 4
	c.checkRank(0, "data", rank, rank)
	c.checkRank(1, "offsets", rank, rank)
	c.checkRank(2, "filters", rank, rank)
	if hasMask {
		c.checkRank(3, "mask", rank, rank)
	}
	group := c.node.Attrs.Int(graph.AttrGroup, 1)
	deformableGroup := c.node.Attrs.Int(graph.AttrDeformableGroup, 1)
	c.check(group >= 1, "attribute group must be >= 1, got %d", group)
	c.check(deformableGroup >= 1, "attribute deformable_group must be >= 1, got %d", deformableGroup)

	data, offsets, filters := ensureRank(c.inputs[0], rank), ensureRank(c.inputs[1], rank), ensureRank(c.inputs[2], rank)
	mask := shapes.DynamicOfRank(rank)
	if hasMask {
		mask = ensureRank(c.inputs[3], rank)
	}
	ca := getConvAttrs(c, rank-2)

	batch := c.mergeDim("batch of data and offsets", data.Dim(0), offsets.Dim(0))
	batch = c.mergeDim("batch of data and mask", batch, mask.Dim(0))

	inChannels := data.Dim(1)
	if inChannels.IsStatic() {
		c.check(inChannels.Value()%group == 0, "input channels (%s) must be divisible by group (%d)", inChannels, group)
		c.check(inChannels.Value()%deformableGroup == 0,
			"input channels (%s) must be divisible by deformable_group (%d)", inChannels, deformableGroup)
	}
	c.mergeDim("input channels of data and group*filters", inChannels, filters.Dim(1).Mul(shapes.StaticDim(group)))
	outChannels := filters.Dim(0)
	if outChannels.IsStatic() {
		c.check(outChannels.Value()%group == 0, "output channels (%s) must be divisible by group (%d)", outChannels, group)
	}

	kernel := filters.Dims()[2:]
	if kernel[0].IsStatic() && kernel[1].IsStatic() {
		area := kernel[0].Value() * kernel[1].Value()
		c.mergeDim("offsets channels (2*deformable_group*kernel area)", offsets.Dim(1), shapes.StaticDim(2*deformableGroup*area))
		if hasMask {
			c.mergeDim("mask channels (deformable_group*kernel area)", mask.Dim(1), shapes.StaticDim(deformableGroup*area))
		}
	}

	spatial := convSpatialDims(c, ca, data.Dims()[2:], kernel)
	for i := range spatial {
		spatial[i] = c.mergeDim("output spatial dimension and offsets", spatial[i], offsets.Dim(2+i))
		spatial[i] = c.mergeDim("output spatial dimension and mask", spatial[i], mask.Dim(2+i))
	}
	out := append([]shapes.Dim{batch, outChannels}, spatial...)
	return []shapes.PartialShape{shapes.Of(out...)}
}

// ensureRank returns ps if its rank is known, or a fully dynamic shape of the given rank otherwise.
func ensureRank(ps shapes.PartialShape, rank int) shapes.PartialShape {
	if ps.RankKnown() {
		return ps
	}
	return shapes.DynamicOfRank(rank)
}
