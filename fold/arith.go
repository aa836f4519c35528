package fold

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinfer"
	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// number is the type used to compute: float64 for floatArithmetic, int64 for intArithmetic.
type number interface {
	int64 | float64
}

// encode converts computed values back to a tensor of type et.
func encode[T number](et tensor.ElementType, shape []int, values []T) *tensor.Tensor {
	switch v := any(values).(type) {
	case []float64:
		return must1(tensor.FromFloats(et, shape, v))
	case []int64:
		return must1(tensor.FromInts(et, shape, v))
	}
	return nil
}

// sameType panics unless all inputs have the element type of the first.
func sameType(node *graph.Node, inputs []*tensor.Tensor) tensor.ElementType {
	et := inputs[0].Type()
	for ii, value := range inputs[1:] {
		if value.Type() != et {
			exceptions.Panicf("%s node %q: input #%d is %s, expected %s", node.Op, node.Name, ii+1, value.Type(), et)
		}
	}
	return et
}

// convertKernel converts to the destination_type attribute. Float to integer conversion truncates towards
// zero; integer to integer conversion wraps around.
func convertKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	src := inputs[0]
	dst := node.Attrs.ElementType(graph.AttrDestinationType, tensor.Undefined)
	srcArithmetic, dstArithmetic := arithmeticOf(node.Op, src.Type()), arithmeticOf(node.Op, dst)
	if srcArithmetic == floatArithmetic || dstArithmetic == floatArithmetic {
		return encode(dst, src.Shape(), must1(src.AsFloat64()))
	}
	return encode(dst, src.Shape(), must1(src.AsInt64()))
}

// binaryKernel implements the arithmetic elementwise binary operators with NumPy broadcasting.
func binaryKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	et := sameType(node, inputs)
	outShape := outputShape(node, inputs)
	aIndices := broadcastIndices(outShape, inputs[0].Shape())
	bIndices := broadcastIndices(outShape, inputs[1].Shape())
	if numericArithmetic(node.Op, et) == floatArithmetic {
		a, b := must1(inputs[0].AsFloat64()), must1(inputs[1].AsFloat64())
		return encode(et, outShape, applyBinary(node.Op, a, b, aIndices, bIndices, func(x, y float64) bool { return x < y }))
	}
	a, b := must1(inputs[0].AsInt64()), must1(inputs[1].AsInt64())
	less := func(x, y int64) bool { return x < y }
	if !et.IsSigned() {
		less = func(x, y int64) bool { return uint64(x) < uint64(y) }
	}
	return encode(et, outShape, applyBinary(node.Op, a, b, aIndices, bIndices, less))
}

func applyBinary[T number](op graph.OpKind, a, b []T, aIndices, bIndices []int, less func(x, y T) bool) []T {
	out := make([]T, len(aIndices))
	for i := range out {
		x, y := a[aIndices[i]], b[bIndices[i]]
		switch op {
		case graph.OpAdd:
			out[i] = x + y
		case graph.OpSubtract:
			out[i] = x - y
		case graph.OpMultiply:
			out[i] = x * y
		case graph.OpMaximum:
			out[i] = x
			if less(x, y) {
				out[i] = y
			}
		case graph.OpMinimum:
			out[i] = x
			if less(y, x) {
				out[i] = y
			}
		default:
			exceptions.Panicf("operator %s is not an arithmetic binary operator", op)
		}
	}
	return out
}

// reluKernel returns max(x, 0). Unsigned values are returned unchanged.
func reluKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	et := x.Type()
	if numericArithmetic(node.Op, et) == floatArithmetic {
		values := must1(x.AsFloat64())
		for i, v := range values {
			values[i] = max(v, 0)
		}
		return encode(et, x.Shape(), values)
	}
	values := must1(x.AsInt64())
	if et.IsSigned() {
		for i, v := range values {
			values[i] = max(v, 0)
		}
	}
	return encode(et, x.Shape(), values)
}

// matMulKernel multiplies matrices with the transpose_a/transpose_b attributes, rank-1 promotion and batch
// broadcasting of the MatMul operator.
func matMulKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	et := sameType(node, inputs)
	outShape := outputShape(node, inputs)
	a, b := inputs[0], inputs[1]
	p := matMulParams{
		aShape:     a.Shape(),
		bShape:     b.Shape(),
		transposeA: node.Attrs.Bool(graph.AttrTransposeA, false) && a.Rank() > 1,
		transposeB: node.Attrs.Bool(graph.AttrTransposeB, false) && b.Rank() > 1,
	}
	if a.Rank() == 1 {
		p.aShape = []int{1, p.aShape[0]}
	}
	if b.Rank() == 1 {
		p.bShape = []int{p.bShape[0], 1}
	}
	if numericArithmetic(node.Op, et) == floatArithmetic {
		return encode(et, outShape, matMul(p, must1(a.AsFloat64()), must1(b.AsFloat64())))
	}
	return encode(et, outShape, matMul(p, must1(a.AsInt64()), must1(b.AsInt64())))
}

type matMulParams struct {
	aShape, bShape         []int
	transposeA, transposeB bool
}

func matMul[T number](p matMulParams, a, b []T) []T {
	aRank, bRank := len(p.aShape), len(p.bShape)
	// Stored (not logical) matrix dimensions.
	aRows, aCols := p.aShape[aRank-2], p.aShape[aRank-1]
	bRows, bCols := p.bShape[bRank-2], p.bShape[bRank-1]
	m, k := aRows, aCols
	if p.transposeA {
		m, k = aCols, aRows
	}
	n := bCols
	if p.transposeB {
		n = bRows
	}
	aBatch, bBatch := p.aShape[:aRank-2], p.bShape[:bRank-2]
	batchShape := broadcastShape(aBatch, bBatch)
	aBatchIndices := broadcastIndices(batchShape, aBatch)
	bBatchIndices := broadcastIndices(batchShape, bBatch)

	out := make([]T, len(aBatchIndices)*m*n)
	for batch := range aBatchIndices {
		aBase, bBase := aBatchIndices[batch]*aRows*aCols, bBatchIndices[batch]*bRows*bCols
		outBase := batch * m * n
		for row := range m {
			for col := range n {
				var acc T
				for i := range k {
					aPos := row*k + i
					if p.transposeA {
						aPos = i*m + row
					}
					bPos := i*n + col
					if p.transposeB {
						bPos = col*k + i
					}
					acc += a[aBase+aPos] * b[bBase+bPos]
				}
				out[outBase+row*n+col] = acc
			}
		}
	}
	return out
}

// broadcastShape returns the NumPy broadcast of two already validated static shapes.
func broadcastShape(a, b []int) []int {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := range out {
		aDim, bDim := 1, 1
		if ai := len(a) - rank + i; ai >= 0 {
			aDim = a[ai]
		}
		if bi := len(b) - rank + i; bi >= 0 {
			bDim = b[bi]
		}
		out[i] = aDim
		if aDim == 1 {
			out[i] = bDim
		}
	}
	return out
}

// fakeQuantizeKernel: values below min(input_low, input_high) become output_low, values above
// max(input_low, input_high) become output_high, and values in between are quantized to levels evenly
// spaced values, rounding half to even.
//
// It supports float types; f16 and bf16 compute in float32.
func fakeQuantizeKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	et := sameType(node, inputs)
	if numericArithmetic(node.Op, et) != floatArithmetic {
		panic(&UnsupportedTypeError{Type: et, Op: node.Op})
	}
	levels := node.Attrs.Int(graph.AttrLevels, 256)
	outShape := outputShape(node, inputs)
	var ranges [4][]float64
	var rangeIndices [4][]int
	for i := range ranges {
		ranges[i] = must1(inputs[i+1].AsFloat64())
		rangeIndices[i] = broadcastIndices(outShape, inputs[i+1].Shape())
	}
	x := must1(inputs[0].AsFloat64())
	out := make([]float64, len(x))
	for i, v := range x {
		il, ih := ranges[0][rangeIndices[0][i]], ranges[1][rangeIndices[1][i]]
		ol, oh := ranges[2][rangeIndices[2][i]], ranges[3][rangeIndices[3][i]]
		if et == tensor.F64 {
			out[i] = fakeQuantize(v, il, ih, ol, oh, levels, math.RoundToEven)
			continue
		}
		out[i] = float64(fakeQuantize(float32(v), float32(il), float32(ih), float32(ol), float32(oh), levels,
			math32.RoundToEven))
	}
	return encode(et, outShape, out)
}

func fakeQuantize[T float32 | float64](x, inLow, inHigh, outLow, outHigh T, levels int, round func(T) T) T {
	switch {
	case x <= min(inLow, inHigh):
		return outLow
	case x > max(inLow, inHigh):
		return outHigh
	}
	steps := T(levels - 1)
	return round((x-inLow)/(inHigh-inLow)*steps)/steps*(outHigh-outLow) + outLow
}

// convolutionKernel is a direct (non-optimized) convolution of data [N, C_in, spatial...] with
// filters [C_out, C_in, kernel...], with strides, dilations and padding.
func convolutionKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	et := sameType(node, inputs)
	outShape := outputShape(node, inputs)
	w := newConvWindow(node, inputs[0].Shape(), inputs[1].Shape())
	if numericArithmetic(node.Op, et) == floatArithmetic {
		return encode(et, outShape, convolve(w, outShape, must1(inputs[0].AsFloat64()), must1(inputs[1].AsFloat64())))
	}
	return encode(et, outShape, convolve(w, outShape, must1(inputs[0].AsInt64()), must1(inputs[1].AsInt64())))
}

// convWindow holds the static sliding window parameters of a convolution.
type convWindow struct {
	dataShape, filtersShape       []int
	strides, dilations, padsBegin []int
}

func newConvWindow(node *graph.Node, dataShape, filtersShape []int) convWindow {
	numSpatial := len(dataShape) - 2
	ints := func(name string, defaultValue int) []int {
		values := node.Attrs.Ints(name)
		if values == nil {
			values = make([]int, numSpatial)
			for i := range values {
				values[i] = defaultValue
			}
		}
		return values
	}
	w := convWindow{
		dataShape:    dataShape,
		filtersShape: filtersShape,
		strides:      ints(graph.AttrStrides, 1),
		dilations:    ints(graph.AttrDilations, 1),
		padsBegin:    ints(graph.AttrPadsBegin, 0),
	}
	switch autoPad := node.Attrs.String(graph.AttrAutoPad, graph.PadExplicit); autoPad {
	case graph.PadValid:
		w.padsBegin = make([]int, numSpatial)
	case graph.PadSameUpper, graph.PadSameLower:
		w.padsBegin = make([]int, numSpatial)
		for i := range numSpatial {
			begin, _, ok := shapeinfer.AutoPads(autoPad, shapes.StaticDim(dataShape[2+i]),
				shapes.StaticDim(filtersShape[2+i]), w.strides[i], w.dilations[i])
			if !ok {
				exceptions.Panicf("cannot compute %s padding of axis %d", autoPad, i)
			}
			w.padsBegin[i] = begin
		}
	}
	return w
}

func convolve[T number](w convWindow, outShape []int, data, filters []T) []T {
	batchSize, inChannels := w.dataShape[0], w.dataShape[1]
	outChannels := w.filtersShape[0]
	inSpatial, kernel, outSpatial := w.dataShape[2:], w.filtersShape[2:], outShape[2:]
	dataStrides, filtersStrides := strides(w.dataShape), strides(w.filtersShape)
	numSpatial := len(inSpatial)

	out := make([]T, 0, batchSize*outChannels*product(outSpatial))
	outPos := make([]int, numSpatial)
	kernelPos := make([]int, numSpatial)
	kernelSize := product(kernel)
	for n := range batchSize {
		for co := range outChannels {
			for range product(outSpatial) {
				var acc T
				for ci := range inChannels {
					for range kernelSize {
						dataIdx := n*dataStrides[0] + ci*dataStrides[1]
						filterIdx := co*filtersStrides[0] + ci*filtersStrides[1]
						inside := true
						for i := range numSpatial {
							pos := outPos[i]*w.strides[i] - w.padsBegin[i] + kernelPos[i]*w.dilations[i]
							if pos < 0 || pos >= inSpatial[i] {
								inside = false
								break
							}
							dataIdx += pos * dataStrides[2+i]
							filterIdx += kernelPos[i] * filtersStrides[2+i]
						}
						if inside {
							acc += data[dataIdx] * filters[filterIdx]
						}
						nextIndex(kernelPos, kernel)
					}
				}
				out = append(out, acc)
				nextIndex(outPos, outSpatial)
			}
		}
	}
	return out
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
