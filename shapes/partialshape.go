package shapes

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// PartialShape is the shape of a tensor where the rank and/or individual dimensions may be unknown.
//
// The zero value is a shape of unknown rank, same as DynamicRank().
// PartialShape values are treated as immutable: methods return new values and never modify the receiver,
// except MergeInto, which updates its target on success.
type PartialShape struct {
	dims      []Dim
	rankKnown bool
}

// DynamicRank returns a shape with unknown rank (and hence unknown dimensions).
func DynamicRank() PartialShape {
	return PartialShape{}
}

// DynamicOfRank returns a shape of known rank with all dimensions dynamic.
func DynamicOfRank(rank int) PartialShape {
	dims := make([]Dim, rank)
	for i := range dims {
		dims[i] = DynamicDim()
	}
	return PartialShape{dims: dims, rankKnown: true}
}

// Of returns a shape of known rank with the given dimensions.
func Of(dims ...Dim) PartialShape {
	return PartialShape{dims: slices.Clone(dims), rankKnown: true}
}

// Static returns a shape with all dimensions known. Negative values are taken as dynamic dimensions.
func Static(dims ...int) PartialShape {
	ps := PartialShape{dims: make([]Dim, len(dims)), rankKnown: true}
	for i, d := range dims {
		ps.dims[i] = StaticDim(d)
	}
	return ps
}

// Scalar returns the rank-0 shape.
func Scalar() PartialShape {
	return PartialShape{dims: []Dim{}, rankKnown: true}
}

// RankKnown returns whether the rank is known.
func (ps PartialShape) RankKnown() bool { return ps.rankKnown }

// Rank returns the rank, or -1 if it is unknown.
func (ps PartialShape) Rank() int {
	if !ps.rankKnown {
		return -1
	}
	return len(ps.dims)
}

// RankDim returns the rank as a Dim: dynamic if the rank is unknown.
func (ps PartialShape) RankDim() Dim {
	if !ps.rankKnown {
		return DynamicDim()
	}
	return StaticDim(len(ps.dims))
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics if the rank is unknown or the axis is out of range.
func (ps PartialShape) Dim(axis int) Dim {
	if axis < 0 {
		axis += len(ps.dims)
	}
	return ps.dims[axis]
}

// Dims returns a copy of the dimensions, or nil if the rank is unknown.
func (ps PartialShape) Dims() []Dim {
	if !ps.rankKnown {
		return nil
	}
	return slices.Clone(ps.dims)
}

// IsStatic returns whether the rank and all dimensions are known.
func (ps PartialShape) IsStatic() bool {
	if !ps.rankKnown {
		return false
	}
	for _, d := range ps.dims {
		if !d.IsStatic() {
			return false
		}
	}
	return true
}

// IsDynamic is the negation of IsStatic.
func (ps PartialShape) IsDynamic() bool { return !ps.IsStatic() }

// ToInts returns the dimensions as ints, with -1 for dynamic dimensions. It returns nil for unknown rank.
func (ps PartialShape) ToInts() []int {
	if !ps.rankKnown {
		return nil
	}
	ints := make([]int, len(ps.dims))
	for i, d := range ps.dims {
		ints[i] = d.Value()
	}
	return ints
}

// Size returns the number of elements, or -1 if the shape is not static.
func (ps PartialShape) Size() int {
	if !ps.IsStatic() {
		return -1
	}
	size := 1
	for _, d := range ps.dims {
		size *= d.lo
	}
	return size
}

// Clone returns a deep copy.
func (ps PartialShape) Clone() PartialShape {
	return PartialShape{dims: slices.Clone(ps.dims), rankKnown: ps.rankKnown}
}

// Equal returns whether both shapes have exactly the same rank knowledge and dimension bounds.
func (ps PartialShape) Equal(other PartialShape) bool {
	if ps.rankKnown != other.rankKnown || len(ps.dims) != len(other.dims) {
		return false
	}
	for i, d := range ps.dims {
		if !d.RelaxedEqual(other.dims[i]) {
			return false
		}
	}
	return true
}

// Compatible returns whether both shapes may describe the same concrete shape.
func (ps PartialShape) Compatible(other PartialShape) bool {
	merged := ps.Clone()
	return MergeInto(&merged, other)
}

// With returns a copy of the shape with the axis dimension replaced.
func (ps PartialShape) With(axis int, d Dim) PartialShape {
	out := ps.Clone()
	if axis < 0 {
		axis += len(out.dims)
	}
	out.dims[axis] = d
	return out
}

// MergeInto merges other into target, setting target to the most specific shape compatible with both.
//
// It returns false if the shapes are incompatible (different known ranks, or some pair of dimensions that
// don't intersect), in which case target is left unchanged.
func MergeInto(target *PartialShape, other PartialShape) bool {
	if !other.rankKnown {
		return true
	}
	if !target.rankKnown {
		*target = other.Clone()
		return true
	}
	if len(target.dims) != len(other.dims) {
		return false
	}
	merged := make([]Dim, len(target.dims))
	for i, d := range target.dims {
		m, ok := d.Merge(other.dims[i])
		if !ok {
			return false
		}
		merged[i] = m
	}
	*target = PartialShape{dims: merged, rankKnown: true}
	return true
}

// BroadcastMerge returns the NumPy-style broadcast of both shapes: dimensions are right-aligned and
// missing leading axes are taken as 1.
func BroadcastMerge(a, b PartialShape) (PartialShape, error) {
	if !a.rankKnown || !b.rankKnown {
		return DynamicRank(), nil
	}
	rank := max(len(a.dims), len(b.dims))
	out := make([]Dim, rank)
	for i := range rank {
		aDim, bDim := StaticDim(1), StaticDim(1)
		if ai := len(a.dims) - rank + i; ai >= 0 {
			aDim = a.dims[ai]
		}
		if bi := len(b.dims) - rank + i; bi >= 0 {
			bDim = b.dims[bi]
		}
		d, ok := Broadcast(aDim, bDim)
		if !ok {
			return PartialShape{}, errors.Errorf("shapes %s and %s are not broadcast-compatible at axis %d", a, b, i)
		}
		out[i] = d
	}
	return PartialShape{dims: out, rankKnown: true}, nil
}

// AdjustAxis returns the non-negative version of axis for the given rank: negative axes count from the end.
func AdjustAxis(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return -1, errors.Errorf("axis %d is out of range for rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

// String implements fmt.Stringer: "[1,?,2..8]", or "[...]" for unknown rank.
func (ps PartialShape) String() string {
	if !ps.rankKnown {
		return "[...]"
	}
	parts := make([]string, len(ps.dims))
	for i, d := range ps.dims {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
