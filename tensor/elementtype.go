// Package tensor defines the element types and the immutable constant tensors carried by Constant nodes.
package tensor

import (
	"strings"

	"github.com/pkg/errors"
)

// ElementType is the closed enumeration of supported tensor element types.
//
// Every switch over ElementType in this module lists all values explicitly and has a default branch
// that fails naming the type: adding a value here is a compile-visible change for all dispatchers.
type ElementType uint8

const (
	Undefined ElementType = iota
	Boolean
	BF16
	F16
	F32
	F64
	I4
	I8
	I16
	I32
	I64
	U1
	U4
	U8
	U16
	U32
	U64

	// numElementTypes must be the last entry.
	numElementTypes
)

var elementTypeNames = [numElementTypes]string{
	Undefined: "undefined",
	Boolean:   "boolean",
	BF16:      "bf16",
	F16:       "f16",
	F32:       "f32",
	F64:       "f64",
	I4:        "i4",
	I8:        "i8",
	I16:       "i16",
	I32:       "i32",
	I64:       "i64",
	U1:        "u1",
	U4:        "u4",
	U8:        "u8",
	U16:       "u16",
	U32:       "u32",
	U64:       "u64",
}

var elementTypeBits = [numElementTypes]int{
	Boolean: 8,
	BF16:    16,
	F16:     16,
	F32:     32,
	F64:     64,
	I4:      4,
	I8:      8,
	I16:     16,
	I32:     32,
	I64:     64,
	U1:      1,
	U4:      4,
	U8:      8,
	U16:     16,
	U32:     32,
	U64:     64,
}

// AllElementTypes lists every defined element type, in enumeration order.
func AllElementTypes() []ElementType {
	all := make([]ElementType, 0, numElementTypes-1)
	for et := Boolean; et < numElementTypes; et++ {
		all = append(all, et)
	}
	return all
}

// String implements fmt.Stringer.
func (et ElementType) String() string {
	if et >= numElementTypes {
		return "invalid"
	}
	return elementTypeNames[et]
}

// ParseElementType converts a type name (as returned by String) to an ElementType.
func ParseElementType(name string) (ElementType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for et := Boolean; et < numElementTypes; et++ {
		if elementTypeNames[et] == name {
			return et, nil
		}
	}
	return Undefined, errors.Errorf("unknown element type %q", name)
}

// IsValid returns whether et is a defined element type other than Undefined.
func (et ElementType) IsValid() bool { return et > Undefined && et < numElementTypes }

// BitWidth returns the number of bits used by one element, or 0 for Undefined.
func (et ElementType) BitWidth() int {
	if et >= numElementTypes {
		return 0
	}
	return elementTypeBits[et]
}

// IsPacked returns whether more than one element fits in a byte (sub-byte types).
func (et ElementType) IsPacked() bool {
	return et.IsValid() && et.BitWidth() < 8
}

// IsFloat returns whether et is a floating point type.
func (et ElementType) IsFloat() bool {
	return et == BF16 || et == F16 || et == F32 || et == F64
}

// IsInteger returns whether et is a signed or unsigned integer type, packed types included.
func (et ElementType) IsInteger() bool {
	switch et {
	case I4, I8, I16, I32, I64, U1, U4, U8, U16, U32, U64:
		return true
	}
	return false
}

// IsSigned returns whether et can represent negative values.
func (et ElementType) IsSigned() bool {
	switch et {
	case I4, I8, I16, I32, I64, BF16, F16, F32, F64:
		return true
	}
	return false
}

// ByteSize returns the number of bytes needed to store n elements of the type.
func (et ElementType) ByteSize(n int) int {
	return (n*et.BitWidth() + 7) / 8
}
