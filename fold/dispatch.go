package fold

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/tensor"
)

// arithmetic is the family of arithmetic used by numeric kernels for an element type.
type arithmetic int

const (
	// floatArithmetic computes in float64 and rounds to the element type on encoding.
	floatArithmetic arithmetic = iota

	// intArithmetic computes in int64 with wrap-around; encoding truncates to the element bit width.
	intArithmetic

	// boolArithmetic values are 0 or 1.
	boolArithmetic
)

// arithmeticOf returns the arithmetic family for et, or panics with an UnsupportedTypeError.
func arithmeticOf(op graph.OpKind, et tensor.ElementType) arithmetic {
	switch et {
	case tensor.BF16, tensor.F16, tensor.F32, tensor.F64:
		return floatArithmetic
	case tensor.I4, tensor.I8, tensor.I16, tensor.I32, tensor.I64, tensor.U1, tensor.U4, tensor.U8, tensor.U16,
		tensor.U32, tensor.U64:
		return intArithmetic
	case tensor.Boolean:
		return boolArithmetic
	case tensor.Undefined:
	}
	panic(&UnsupportedTypeError{Type: et, Op: op})
}

// numericArithmetic is like arithmeticOf, but rejects booleans.
func numericArithmetic(op graph.OpKind, et tensor.ElementType) arithmetic {
	a := arithmeticOf(op, et)
	if a == boolArithmetic {
		panic(&UnsupportedTypeError{Type: et, Op: op})
	}
	return a
}

// elementCopier copies element srcIdx of src to element dstIdx of dst, both holding the same element type.
type elementCopier func(dst []byte, dstIdx int, src []byte, srcIdx int)

// copierFor returns the raw element copier for et: bit-exact, independent of the value semantics.
func copierFor(op graph.OpKind, et tensor.ElementType) elementCopier {
	switch et {
	case tensor.U1, tensor.U4, tensor.I4:
		return func(dst []byte, dstIdx int, src []byte, srcIdx int) {
			tensor.SetBits(dst, et, dstIdx, tensor.GetBits(src, et, srcIdx))
		}
	case tensor.Boolean, tensor.I8, tensor.U8, tensor.BF16, tensor.F16, tensor.I16, tensor.U16, tensor.F32,
		tensor.I32, tensor.U32, tensor.F64, tensor.I64, tensor.U64:
		size := et.BitWidth() / 8
		return func(dst []byte, dstIdx int, src []byte, srcIdx int) {
			copy(dst[dstIdx*size:(dstIdx+1)*size], src[srcIdx*size:(srcIdx+1)*size])
		}
	case tensor.Undefined:
	}
	panic(&UnsupportedTypeError{Type: et, Op: op})
}

// strides returns the row-major strides of a shape.
func strides(shape []int) []int {
	s := make([]int, len(shape))
	stride := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		s[axis] = stride
		stride *= shape[axis]
	}
	return s
}

// broadcastIndices maps every flat index of outShape to the flat index of inShape it reads from under
// NumPy broadcasting: inShape is right-aligned and its axes of size 1 are repeated.
func broadcastIndices(outShape, inShape []int) []int {
	size := 1
	for _, d := range outShape {
		size *= d
	}
	inStrides := strides(inShape)
	offset := len(outShape) - len(inShape)
	indices := make([]int, size)
	outIdx := make([]int, len(outShape))
	for flat := range size {
		in := 0
		for axis := range inShape {
			if inShape[axis] != 1 {
				in += outIdx[axis+offset] * inStrides[axis]
			}
		}
		indices[flat] = in
		nextIndex(outIdx, outShape)
	}
	return indices
}
