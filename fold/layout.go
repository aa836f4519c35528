package fold

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/tensor"
)

// newTensor wraps tensor.New, panicking on errors.
func newTensor(et tensor.ElementType, shape []int, data []byte) *tensor.Tensor {
	t, err := tensor.New(et, shape, data)
	if err != nil {
		panic(errors.WithMessagef(err, "creating folded tensor"))
	}
	return t
}

// must1 panics if err is not nil.
func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

// nextIndex increments the multi-dimensional index idx of a tensor with the given shape, in row-major order.
func nextIndex(idx, shape []int) {
	for axis := len(shape) - 1; axis >= 0; axis-- {
		idx[axis]++
		if idx[axis] < shape[axis] {
			return
		}
		idx[axis] = 0
	}
}

// permutationOf returns the permutation in the value of a Transpose permutation input. Empty means reversing
// the axes.
func permutationOf(value *tensor.Tensor, rank int) []int {
	values := must1(value.AsInt64())
	perm := make([]int, len(values))
	for i, v := range values {
		perm[i] = int(v)
	}
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	return perm
}

// transposeKernel moves the raw bits of every element, so it is exact for every element type, packed
// sub-byte types included.
func transposeKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	data := inputs[0]
	et := data.Type()
	copyElement := copierFor(node.Op, et)
	outShape := outputShape(node, inputs)
	perm := permutationOf(inputs[1], data.Rank())
	inStrides := strides(data.Shape())

	size := data.Size()
	out := make([]byte, et.ByteSize(size))
	outIdx := make([]int, len(outShape))
	data.ConstBytes(func(src []byte) {
		for flat := range size {
			in := 0
			for axis, from := range perm {
				in += outIdx[axis] * inStrides[from]
			}
			copyElement(out, flat, src, in)
			nextIndex(outIdx, outShape)
		}
	})
	return newTensor(et, outShape, out)
}

// relabelKernel is used by Reshape, Squeeze and Unsqueeze: the data is unchanged, only the shape is.
func relabelKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	copierFor(node.Op, inputs[0].Type()) // Validates the element type.
	return must1(inputs[0].Reshaped(outputShape(node, inputs)))
}

// shapeOfKernel returns the dimensions of the input as a vector of the node's element type.
func shapeOfKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	dims := inputs[0].Shape()
	values := make([]int64, len(dims))
	for i, d := range dims {
		values[i] = int64(d)
	}
	if arithmeticOf(node.Op, node.ElementType) != intArithmetic {
		panic(&UnsupportedTypeError{Type: node.ElementType, Op: node.Op})
	}
	return must1(tensor.FromInts(node.ElementType, []int{len(values)}, values))
}

// gatherElementsKernel: out[i...] = data[i...] with the index of the axis replaced by indices[i...].
// Negative indices count from the end of the axis.
func gatherElementsKernel(node *graph.Node, inputs []*tensor.Tensor) *tensor.Tensor {
	data, indices := inputs[0], inputs[1]
	if indices.Type() != tensor.I32 && indices.Type() != tensor.I64 {
		exceptions.Panicf("GatherElements indices must be i32 or i64, got %s", indices.Type())
	}
	et := data.Type()
	copyElement := copierFor(node.Op, et)
	outShape := outputShape(node, inputs)
	axis := node.Attrs.Int(graph.AttrAxis, 0)
	if axis < 0 {
		axis += data.Rank()
	}
	dataShape := data.Shape()
	dataStrides := strides(dataShape)
	indexValues := must1(indices.AsInt64())

	out := make([]byte, et.ByteSize(len(indexValues)))
	outIdx := make([]int, len(outShape))
	data.ConstBytes(func(src []byte) {
		for flat, index := range indexValues {
			if index < 0 {
				index += int64(dataShape[axis])
			}
			if index < 0 || index >= int64(dataShape[axis]) {
				exceptions.Panicf("GatherElements index %d out of range for axis %d of data shaped %v",
					indexValues[flat], axis, dataShape)
			}
			in := 0
			for i, pos := range outIdx {
				if i == axis {
					pos = int(index)
				}
				in += pos * dataStrides[i]
			}
			copyElement(out, flat, src, in)
			nextIndex(outIdx, outShape)
		}
	})
	return newTensor(et, outShape, out)
}
