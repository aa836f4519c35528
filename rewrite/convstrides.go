package rewrite

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/graph"
)

// ConvStridesOpt moves the strides of a 1x1 Convolution into the Convolution producing its input:
//
//	Conv(Conv(x, w1, strides=1), w2 [1x1], strides=s) -> Conv(Conv(x, w1, strides=s), w2 [1x1], strides=1)
//
// A strided 1x1 convolution only samples its input, so the producer can compute just the sampled positions.
// Preconditions: the 1x1 convolution has no padding; the producer has unit strides, explicit or valid padding
// and no other consumer.
type ConvStridesOpt struct{}

var _ Rule = (*ConvStridesOpt)(nil)

// Name implements Rule.
func (r *ConvStridesOpt) Name() string { return "ConvStridesOpt" }

// Apply implements Rule.
func (r *ConvStridesOpt) Apply(g *graph.Graph) (Result, error) {
	var result Result
	order, err := g.TopologicalOrder()
	if err != nil {
		return result, errors.WithMessagef(err, "%s", r.Name())
	}
	consumers := g.ConsumersMap()
	cache := newShapeCache(g)
	for _, id := range order {
		conv := g.Node(id)
		producer, strides, ok := r.match(g, cache, consumers, conv)
		if !ok {
			continue
		}
		result.Matched++
		err := guard(r, conv, func() {
			producer.SetAttr(graph.AttrStrides, strides)
			conv.SetAttr(graph.AttrStrides, slices.Repeat([]int{1}, len(strides)))
		})
		if err != nil {
			return result, err
		}
		result.Rewritten++
		if klog.V(2).Enabled() {
			klog.Infof("%s: strides %v of %q moved to %q", r.Name(), strides, conv.Name, producer.Name)
		}
	}
	return result, nil
}

// match checks the preconditions on conv, and returns its producer and strides.
func (r *ConvStridesOpt) match(g *graph.Graph, cache *shapeCache, consumers map[graph.NodeID][]graph.Use,
	conv *graph.Node) (producer *graph.Node, strides []int, ok bool) {
	if conv.Op != graph.OpConvolution || len(conv.Inputs) != 2 {
		return
	}
	in := conv.Inputs[0]
	producer = g.Producer(in)
	if in.Index != 0 || producer == nil || producer.Op != graph.OpConvolution {
		return
	}
	if use, single := soleConsumer(consumers, producer.ID()); !single || use.Node != conv.ID() {
		return
	}

	filters := cache.shape(conv.Inputs[1].Node)
	if !filters.RankKnown() || filters.Rank() < 3 {
		return
	}
	numSpatial := filters.Rank() - 2
	for axis := range numSpatial {
		kernel := filters.Dim(axis + 2)
		if !kernel.IsStatic() || kernel.Value() != 1 {
			return
		}
	}
	strides = spatialInts(conv.Attrs, graph.AttrStrides, numSpatial, 1)
	if strides == nil || !slices.ContainsFunc(strides, func(s int) bool { return s > 1 }) {
		return
	}
	if !hasZeroPadding(conv.Attrs, numSpatial) {
		return
	}

	switch producer.Attrs.String(graph.AttrAutoPad, graph.PadExplicit) {
	case graph.PadExplicit, graph.PadValid:
	default:
		// same_upper and same_lower padding depends on the strides.
		return
	}
	producerStrides := spatialInts(producer.Attrs, graph.AttrStrides, numSpatial, 1)
	if producerStrides == nil || slices.ContainsFunc(producerStrides, func(s int) bool { return s != 1 }) {
		return
	}
	return producer, strides, true
}

// spatialInts returns the per spatial axis attribute values, filled with defaultValue if not set.
// It returns nil if the attribute has the wrong number of values.
func spatialInts(attrs graph.Attributes, name string, numSpatial, defaultValue int) []int {
	values := attrs.Ints(name)
	if values == nil {
		return slices.Repeat([]int{defaultValue}, numSpatial)
	}
	if len(values) != numSpatial {
		return nil
	}
	return values
}

// hasZeroPadding returns whether the convolution attributes pad nothing.
func hasZeroPadding(attrs graph.Attributes, numSpatial int) bool {
	switch attrs.String(graph.AttrAutoPad, graph.PadExplicit) {
	case graph.PadValid:
		return true
	case graph.PadExplicit:
		for _, name := range []string{graph.AttrPadsBegin, graph.AttrPadsEnd} {
			pads := spatialInts(attrs, name, numSpatial, 0)
			if pads == nil || slices.ContainsFunc(pads, func(p int) bool { return p != 0 }) {
				return false
			}
		}
		return true
	}
	return false
}
