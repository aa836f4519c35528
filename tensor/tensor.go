package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is an immutable dense tensor value: element type, static shape and raw little-endian data.
//
// Packed (sub-byte) element types store elements LSB-first: element i of a 4-bit type lives in the low
// nibble of byte i/2 when i is even, and in the high nibble otherwise. U1 stores 8 elements per byte.
type Tensor struct {
	et    ElementType
	shape []int
	data  []byte
}

// New creates a tensor from raw data. The data is copied.
func New(et ElementType, shape []int, data []byte) (*Tensor, error) {
	if !et.IsValid() {
		return nil, errors.Errorf("invalid element type %s for tensor", et)
	}
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if want := et.ByteSize(size); len(data) != want {
		return nil, errors.Errorf("tensor of type %s and shape %v requires %d bytes, got %d", et, shape, want, len(data))
	}
	return &Tensor{et: et, shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// Zeros creates a tensor filled with zero bits.
func Zeros(et ElementType, shape []int) (*Tensor, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	return New(et, shape, make([]byte, et.ByteSize(size)))
}

// wrap creates a tensor taking ownership of data; used internally after encoding.
func wrap(et ElementType, shape []int, data []byte) *Tensor {
	return &Tensor{et: et, shape: slices.Clone(shape), data: data}
}

func shapeSize(shape []int) (int, error) {
	size := 1
	for axis, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("tensor shape %v has negative dimension at axis %d", shape, axis)
		}
		size *= d
	}
	return size, nil
}

// FromFloat32 creates an F32 tensor.
func FromFloat32(shape []int, values []float32) (*Tensor, error) {
	f64 := make([]float64, len(values))
	for i, v := range values {
		f64[i] = float64(v)
	}
	return FromFloats(F32, shape, f64)
}

// FromFloat64 creates an F64 tensor.
func FromFloat64(shape []int, values []float64) (*Tensor, error) {
	return FromFloats(F64, shape, values)
}

// FromInt64 creates an I64 tensor.
func FromInt64(shape []int, values []int64) (*Tensor, error) {
	return FromInts(I64, shape, values)
}

// FromInt32 creates an I32 tensor.
func FromInt32(shape []int, values []int32) (*Tensor, error) {
	i64 := make([]int64, len(values))
	for i, v := range values {
		i64[i] = int64(v)
	}
	return FromInts(I32, shape, i64)
}

// FromBool creates a Boolean tensor.
func FromBool(shape []int, values []bool) (*Tensor, error) {
	i64 := make([]int64, len(values))
	for i, v := range values {
		if v {
			i64[i] = 1
		}
	}
	return FromInts(Boolean, shape, i64)
}

// FromFloats encodes float64 values into a tensor of the given element type.
// Float types round to the target precision; integer and boolean types truncate towards zero.
func FromFloats(et ElementType, shape []int, values []float64) (*Tensor, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != size {
		return nil, errors.Errorf("tensor of shape %v requires %d values, got %d", shape, size, len(values))
	}
	switch et {
	case F32:
		data := make([]byte, 4*size)
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(v)))
		}
		return wrap(et, shape, data), nil
	case F64:
		data := make([]byte, 8*size)
		for i, v := range values {
			binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
		}
		return wrap(et, shape, data), nil
	case F16:
		data := make([]byte, 2*size)
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return wrap(et, shape, data), nil
	case BF16:
		f32 := make([]float32, size)
		for i, v := range values {
			f32[i] = roundToBFloat16(float32(v))
		}
		return wrap(et, shape, bfloat16.EncodeFloat32(f32)), nil
	case Boolean, I4, I8, I16, I32, I64, U1, U4, U8, U16, U32, U64:
		ints := make([]int64, size)
		for i, v := range values {
			if et == Boolean {
				if v != 0 {
					ints[i] = 1
				}
				continue
			}
			ints[i] = int64(v)
		}
		return FromInts(et, shape, ints)
	case Undefined:
		return nil, errors.Errorf("cannot encode values to element type %s", et)
	default:
		return nil, errors.Errorf("unsupported element type %s", et)
	}
}

// roundToBFloat16 rounds f to nearest-even at bfloat16 precision, leaving the low 16 bits zero:
// bfloat16.EncodeFloat32 drops them. NaNs stay NaNs.
func roundToBFloat16(f float32) float32 {
	bits := math.Float32bits(f)
	if f != f {
		return math.Float32frombits(bits | 0x0040_0000)
	}
	bits += 0x7fff + (bits>>16)&1
	return math.Float32frombits(bits &^ 0xffff)
}

// FromInts encodes int64 values into a tensor of the given element type.
// Values are truncated to the bit width of the type; float types convert the value.
func FromInts(et ElementType, shape []int, values []int64) (*Tensor, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != size {
		return nil, errors.Errorf("tensor of shape %v requires %d values, got %d", shape, size, len(values))
	}
	switch et {
	case BF16, F16, F32, F64:
		f64 := make([]float64, size)
		for i, v := range values {
			f64[i] = float64(v)
		}
		return FromFloats(et, shape, f64)
	case Boolean, I4, I8, I16, I32, I64, U1, U4, U8, U16, U32, U64:
		data := make([]byte, et.ByteSize(size))
		for i, v := range values {
			if et == Boolean && v != 0 {
				v = 1
			}
			SetBits(data, et, i, uint64(v))
		}
		return wrap(et, shape, data), nil
	case Undefined:
		return nil, errors.Errorf("cannot encode values to element type %s", et)
	default:
		return nil, errors.Errorf("unsupported element type %s", et)
	}
}

// Type returns the element type.
func (t *Tensor) Type() ElementType { return t.et }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, d := range t.shape {
		size *= d
	}
	return size
}

// Bytes returns a copy of the raw data.
func (t *Tensor) Bytes() []byte { return slices.Clone(t.data) }

// ConstBytes calls fn with the raw data, which must not be modified.
func (t *Tensor) ConstBytes(fn func(data []byte)) { fn(t.data) }

// Reshaped returns a tensor with the same data and a new shape of the same size.
func (t *Tensor) Reshaped(shape []int) (*Tensor, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if size != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor %v (size %d) to %v (size %d)", t.shape, t.Size(), shape, size)
	}
	return &Tensor{et: t.et, shape: slices.Clone(shape), data: t.data}, nil
}

// Bits returns the raw bits of element i, zero-extended.
func (t *Tensor) Bits(i int) uint64 { return GetBits(t.data, t.et, i) }

// AsInt64 decodes the elements of an integer or boolean tensor. Signed sub-word types are sign-extended.
// Float tensors are truncated towards zero.
func (t *Tensor) AsInt64() ([]int64, error) {
	size := t.Size()
	out := make([]int64, size)
	switch t.et {
	case Boolean, U1, U4, U8, U16, U32, U64:
		for i := range out {
			out[i] = int64(GetBits(t.data, t.et, i))
		}
	case I4, I8, I16, I32, I64:
		width := t.et.BitWidth()
		for i := range out {
			out[i] = signExtend(GetBits(t.data, t.et, i), width)
		}
	case BF16, F16, F32, F64:
		floats, err := t.AsFloat64()
		if err != nil {
			return nil, err
		}
		for i, v := range floats {
			out[i] = int64(v)
		}
	case Undefined:
		return nil, errors.Errorf("cannot decode tensor of element type %s", t.et)
	default:
		return nil, errors.Errorf("unsupported element type %s", t.et)
	}
	return out, nil
}

// AsFloat64 decodes the elements of a numeric tensor.
func (t *Tensor) AsFloat64() ([]float64, error) {
	size := t.Size()
	out := make([]float64, size)
	switch t.et {
	case F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:])))
		}
	case F64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.data[8*i:]))
		}
	case F16:
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(t.data[2*i:])).Float32())
		}
	case BF16:
		for i, v := range bfloat16.DecodeFloat32(t.data) {
			out[i] = float64(v)
		}
	case Boolean, I4, I8, I16, I32, I64, U1, U4, U8, U16, U32, U64:
		ints, err := t.AsInt64()
		if err != nil {
			return nil, err
		}
		for i, v := range ints {
			if t.et == U64 {
				out[i] = float64(uint64(v))
				continue
			}
			out[i] = float64(v)
		}
	case Undefined:
		return nil, errors.Errorf("cannot decode tensor of element type %s", t.et)
	default:
		return nil, errors.Errorf("unsupported element type %s", t.et)
	}
	return out, nil
}

// Equal returns whether both tensors have the same element type, shape and bit-identical data.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.et == other.et && slices.Equal(t.shape, other.shape) && bytes.Equal(t.data, other.data)
}

// String implements fmt.Stringer. Large tensors are summarized.
func (t *Tensor) String() string {
	const maxShown = 16
	if t.Size() > maxShown {
		return fmt.Sprintf("(%s)%v{%d elements}", t.et, t.shape, t.Size())
	}
	if t.et.IsFloat() {
		values, _ := t.AsFloat64()
		return fmt.Sprintf("(%s)%v%v", t.et, t.shape, values)
	}
	values, _ := t.AsInt64()
	return fmt.Sprintf("(%s)%v%v", t.et, t.shape, values)
}

// GetBits returns the raw bits of element i of data holding elements of type et.
func GetBits(data []byte, et ElementType, i int) uint64 {
	width := et.BitWidth()
	switch width {
	case 1, 4:
		perByte := 8 / width
		shift := uint((i % perByte) * width)
		mask := byte(1<<width - 1)
		return uint64((data[i/perByte] >> shift) & mask)
	case 8:
		return uint64(data[i])
	case 16:
		return uint64(binary.LittleEndian.Uint16(data[2*i:]))
	case 32:
		return uint64(binary.LittleEndian.Uint32(data[4*i:]))
	case 64:
		return binary.LittleEndian.Uint64(data[8*i:])
	}
	exceptions.Panicf("element type %s has unsupported bit width %d", et, width)
	return 0
}

// SetBits sets the raw bits of element i of data holding elements of type et. Bits above the width are dropped.
func SetBits(data []byte, et ElementType, i int, bits uint64) {
	width := et.BitWidth()
	switch width {
	case 1, 4:
		perByte := 8 / width
		shift := uint((i % perByte) * width)
		mask := byte(1<<width - 1)
		b := &data[i/perByte]
		*b = (*b &^ (mask << shift)) | (byte(bits)&mask)<<shift
	case 8:
		data[i] = byte(bits)
	case 16:
		binary.LittleEndian.PutUint16(data[2*i:], uint16(bits))
	case 32:
		binary.LittleEndian.PutUint32(data[4*i:], uint32(bits))
	case 64:
		binary.LittleEndian.PutUint64(data[8*i:], bits)
	default:
		exceptions.Panicf("element type %s has unsupported bit width %d", et, width)
	}
}

func signExtend(bits uint64, width int) int64 {
	shift := 64 - uint(width)
	return int64(bits<<shift) >> shift
}
