package graph

import "github.com/pkg/errors"

// OpKind enumerates the operator types known to the core.
type OpKind int

const (
	OpInvalid OpKind = iota
	OpParameter
	OpConstant
	OpResult

	OpBatchToSpace
	OpSpaceToBatch
	OpConvolution
	OpGroupConvolution
	OpDeformableConvolution
	OpMatMul
	OpTranspose
	OpReshape
	OpSqueeze
	OpUnsqueeze
	OpConcat
	OpBroadcast
	OpShapeOf

	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpMaximum
	OpMinimum
	OpEqual
	OpLess
	OpGreater
	OpSelect

	OpReduceSum
	OpReduceMean
	OpReduceMax
	OpReduceMin
	OpReduceProd

	OpSoftmax
	OpRelu
	OpSigmoid
	OpTanh
	OpExp
	OpConvert
	OpFakeQuantize
	OpGatherElements
	OpBucketize

	numOpKinds
)

var opNames = [numOpKinds]string{
	OpInvalid:               "Invalid",
	OpParameter:             "Parameter",
	OpConstant:              "Constant",
	OpResult:                "Result",
	OpBatchToSpace:          "BatchToSpace",
	OpSpaceToBatch:          "SpaceToBatch",
	OpConvolution:           "Convolution",
	OpGroupConvolution:      "GroupConvolution",
	OpDeformableConvolution: "DeformableConvolution",
	OpMatMul:                "MatMul",
	OpTranspose:             "Transpose",
	OpReshape:               "Reshape",
	OpSqueeze:               "Squeeze",
	OpUnsqueeze:             "Unsqueeze",
	OpConcat:                "Concat",
	OpBroadcast:             "Broadcast",
	OpShapeOf:               "ShapeOf",
	OpAdd:                   "Add",
	OpSubtract:              "Subtract",
	OpMultiply:              "Multiply",
	OpDivide:                "Divide",
	OpMaximum:               "Maximum",
	OpMinimum:               "Minimum",
	OpEqual:                 "Equal",
	OpLess:                  "Less",
	OpGreater:               "Greater",
	OpSelect:                "Select",
	OpReduceSum:             "ReduceSum",
	OpReduceMean:            "ReduceMean",
	OpReduceMax:             "ReduceMax",
	OpReduceMin:             "ReduceMin",
	OpReduceProd:            "ReduceProd",
	OpSoftmax:               "Softmax",
	OpRelu:                  "Relu",
	OpSigmoid:               "Sigmoid",
	OpTanh:                  "Tanh",
	OpExp:                   "Exp",
	OpConvert:               "Convert",
	OpFakeQuantize:          "FakeQuantize",
	OpGatherElements:        "GatherElements",
	OpBucketize:             "Bucketize",
}

// String implements fmt.Stringer.
func (op OpKind) String() string {
	if op < 0 || op >= numOpKinds {
		return "Unknown"
	}
	return opNames[op]
}

// ParseOpKind converts an operator name to its OpKind.
func ParseOpKind(name string) (OpKind, error) {
	for op := OpParameter; op < numOpKinds; op++ {
		if opNames[op] == name {
			return op, nil
		}
	}
	return OpInvalid, errors.Errorf("unknown operator type %q", name)
}

// IsElementwiseBinary returns whether the op is a NumPy-broadcasting binary operator.
func (op OpKind) IsElementwiseBinary() bool {
	return op >= OpAdd && op <= OpGreater
}

// IsComparison returns whether the op outputs booleans.
func (op OpKind) IsComparison() bool {
	return op == OpEqual || op == OpLess || op == OpGreater
}

// IsReduction returns whether the op is one of the Reduce* operators.
func (op OpKind) IsReduction() bool {
	return op >= OpReduceSum && op <= OpReduceProd
}

// IsUnaryElementwise returns whether the op keeps the shape of its single data input.
func (op OpKind) IsUnaryElementwise() bool {
	switch op {
	case OpRelu, OpSigmoid, OpTanh, OpExp, OpConvert, OpSoftmax:
		return true
	}
	return false
}

// Attribute names used by the operators.
const (
	AttrTransposeA       = "transpose_a"
	AttrTransposeB       = "transpose_b"
	AttrStrides          = "strides"
	AttrDilations        = "dilations"
	AttrPadsBegin        = "pads_begin"
	AttrPadsEnd          = "pads_end"
	AttrAutoPad          = "auto_pad"
	AttrGroup            = "group"
	AttrDeformableGroup  = "deformable_group"
	AttrAxis             = "axis"
	AttrKeepDims         = "keep_dims"
	AttrSpecialZero      = "special_zero"
	AttrDestinationType  = "destination_type"
	AttrOutputType       = "output_type"
	AttrLevels           = "levels"
	AttrWithRightBound   = "with_right_bound"
	AttrBilinearPadding  = "bilinear_interpolation_pad"
	AttrBroadcastMode    = "mode"
	AttrOriginalOperator = "original_op"
)

// Values of AttrAutoPad.
const (
	PadExplicit  = "explicit"
	PadSameUpper = "same_upper"
	PadSameLower = "same_lower"
	PadValid     = "valid"
)
