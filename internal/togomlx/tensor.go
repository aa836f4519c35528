// Package togomlx converts graphpass tensors and element types to and from GoMLX, and implements a
// fold.Evaluator that runs on a GoMLX backend.
package togomlx

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/graphpass/tensor"
)

// DTypeOf converts an element type to a GoMLX dtype. Packed sub-byte types have no GoMLX equivalent.
func DTypeOf(et tensor.ElementType) (dtypes.DType, error) {
	switch et {
	case tensor.F32:
		return dtypes.Float32, nil
	case tensor.F16:
		return dtypes.Float16, nil
	case tensor.BF16:
		return dtypes.BFloat16, nil
	case tensor.F64:
		return dtypes.Float64, nil
	case tensor.I8:
		return dtypes.Int8, nil
	case tensor.I16:
		return dtypes.Int16, nil
	case tensor.I32:
		return dtypes.Int32, nil
	case tensor.I64:
		return dtypes.Int64, nil
	case tensor.U8:
		return dtypes.Uint8, nil
	case tensor.U16:
		return dtypes.Uint16, nil
	case tensor.U32:
		return dtypes.Uint32, nil
	case tensor.U64:
		return dtypes.Uint64, nil
	case tensor.Boolean:
		return dtypes.Bool, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("element type %s has no GoMLX dtype", et)
	}
}

// ElementTypeOf converts a GoMLX dtype to an element type.
func ElementTypeOf(dtype dtypes.DType) (tensor.ElementType, error) {
	switch dtype {
	case dtypes.Float32:
		return tensor.F32, nil
	case dtypes.Float16:
		return tensor.F16, nil
	case dtypes.BFloat16:
		return tensor.BF16, nil
	case dtypes.Float64:
		return tensor.F64, nil
	case dtypes.Int8:
		return tensor.I8, nil
	case dtypes.Int16:
		return tensor.I16, nil
	case dtypes.Int32:
		return tensor.I32, nil
	case dtypes.Int64:
		return tensor.I64, nil
	case dtypes.Uint8:
		return tensor.U8, nil
	case dtypes.Uint16:
		return tensor.U16, nil
	case dtypes.Uint32:
		return tensor.U32, nil
	case dtypes.Uint64:
		return tensor.U64, nil
	case dtypes.Bool:
		return tensor.Boolean, nil
	default:
		return tensor.Undefined, errors.Errorf("unsupported GoMLX dtype %s", dtype)
	}
}

// ToGoMLX copies t to a new GoMLX tensor.
// Both use the same in-memory encoding of the elements (little-endian on the supported platforms).
func ToGoMLX(t *tensor.Tensor) (result *tensors.Tensor, err error) {
	dtype, err := DTypeOf(t.Type())
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtype, t.Shape()...)
	result = tensors.FromShape(shape)
	t.ConstBytes(func(src []byte) {
		accessErr := result.MutableBytes(func(data []byte) {
			if len(data) != len(src) {
				err = errors.Errorf("tensor shaped %s uses %d bytes, but %s tensor shaped %v has %d bytes",
					shape, len(data), t.Type(), t.Shape(), len(src))
				return
			}
			copy(data, src)
		})
		if err == nil && accessErr != nil {
			err = errors.WithMessagef(accessErr, "while copying to GoMLX tensor shaped %s", shape)
		}
	})
	if err != nil {
		result.FinalizeAll()
		return nil, err
	}
	return result, nil
}

// FromGoMLX copies a GoMLX tensor to a new tensor.Tensor.
func FromGoMLX(t *tensors.Tensor) (*tensor.Tensor, error) {
	et, err := ElementTypeOf(t.DType())
	if err != nil {
		return nil, err
	}
	var data []byte
	err = t.ConstBytes(func(src []byte) {
		data = append([]byte(nil), src...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading GoMLX tensor shaped %s", t.Shape())
	}
	result, err := tensor.New(et, t.Shape().Dimensions, data)
	if err != nil {
		return nil, errors.WithMessagef(err, "while converting GoMLX tensor shaped %s", t.Shape())
	}
	return result, nil
}
