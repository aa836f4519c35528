// Package shapes defines Dim and PartialShape, the dimension model used by shape inference.
//
// A Dim is a closed interval [min, max] of non-negative integers, where max may be Unbounded:
//
//   - Static dimension: min == max, e.g. StaticDim(3).
//   - Dynamic dimension: [0, Unbounded], see DynamicDim. Compatible with anything.
//   - Interval dimension: any other bounds, e.g. IntervalDim(2, 8).
//
// A PartialShape is an ordered list of Dim, or an unknown rank ("fully dynamic").
// The zero value of PartialShape is a shape of unknown rank.
//
// Arithmetic on dimensions is conservative: if the result is not provably determined, the result
// interval is widened (up to fully dynamic), never guessed.
package shapes

import (
	"fmt"

	"github.com/pkg/errors"
)

// Unbounded is the value of Dim.Max for dimensions without an upper bound.
const Unbounded = -1

// Dim is a possibly unknown non-negative tensor dimension, represented as an interval.
//
// Use StaticDim, DynamicDim or IntervalDim to create one. The zero value is the static dimension 0.
type Dim struct {
	lo, hi int
}

// StaticDim returns a dimension with the known value n.
func StaticDim(n int) Dim {
	if n < 0 {
		return DynamicDim()
	}
	return Dim{lo: n, hi: n}
}

// DynamicDim returns a fully unknown dimension.
func DynamicDim() Dim {
	return Dim{lo: 0, hi: Unbounded}
}

// IntervalDim returns a dimension known to be in [min, max]. Use max=Unbounded for no upper bound.
// Negative min is clamped to 0 and an empty interval becomes fully dynamic.
func IntervalDim(min, max int) Dim {
	if min < 0 {
		min = 0
	}
	if max != Unbounded && max < min {
		return DynamicDim()
	}
	return Dim{lo: min, hi: max}
}

// Min returns the lower bound.
func (d Dim) Min() int { return d.lo }

// Max returns the upper bound, or Unbounded.
func (d Dim) Max() int { return d.hi }

// IsStatic returns whether the dimension value is known.
func (d Dim) IsStatic() bool { return d.hi != Unbounded && d.lo == d.hi }

// IsDynamic returns whether the dimension value is not known (interval or fully dynamic).
func (d Dim) IsDynamic() bool { return !d.IsStatic() }

// IsFullyDynamic returns whether nothing is known about the dimension.
func (d Dim) IsFullyDynamic() bool { return d.lo == 0 && d.hi == Unbounded }

// Value returns the static value of the dimension, or -1 if it is dynamic.
func (d Dim) Value() int {
	if !d.IsStatic() {
		return -1
	}
	return d.lo
}

// Contains returns whether the value n is within the dimension bounds.
func (d Dim) Contains(n int) bool {
	return n >= d.lo && (d.hi == Unbounded || n <= d.hi)
}

// Compatible returns whether the two dimensions may describe the same value: their intervals intersect.
// It is symmetric.
func (d Dim) Compatible(other Dim) bool {
	_, ok := d.Merge(other)
	return ok
}

// Merge returns the most specific dimension compatible with both d and other (the interval intersection),
// and whether it exists.
func (d Dim) Merge(other Dim) (Dim, bool) {
	lo := max(d.lo, other.lo)
	hi := minBound(d.hi, other.hi)
	if hi != Unbounded && hi < lo {
		return Dim{}, false
	}
	return Dim{lo: lo, hi: hi}, true
}

// RelaxedEqual returns whether both dimensions have exactly the same bounds.
func (d Dim) RelaxedEqual(other Dim) bool {
	return d.lo == other.lo && d.hi == other.hi
}

// Add returns d+other.
func (d Dim) Add(other Dim) Dim {
	return Dim{lo: d.lo + other.lo, hi: addBound(d.hi, other.hi)}
}

// Sub returns d-other, with the lower bound clamped to 0.
func (d Dim) Sub(other Dim) Dim {
	lo := 0
	if other.hi != Unbounded {
		lo = max(0, d.lo-other.hi)
	}
	hi := Unbounded
	if d.hi != Unbounded {
		hi = max(0, d.hi-other.lo)
	}
	return Dim{lo: lo, hi: hi}
}

// Mul returns d*other.
//
// Multiplying by a static 1 keeps the dimension, and by a static 0 yields 0. Otherwise, an unbounded
// operand yields an unbounded result.
func (d Dim) Mul(other Dim) Dim {
	switch {
	case other.IsStatic() && other.lo == 1:
		return d
	case d.IsStatic() && d.lo == 1:
		return other
	case other.IsStatic() && other.lo == 0, d.IsStatic() && d.lo == 0:
		return StaticDim(0)
	}
	return Dim{lo: d.lo * other.lo, hi: mulBound(d.hi, other.hi)}
}

// Div returns d/divisor.
//
// A static dimension is floor-divided. For intervals the result holds the quotients of exactly divisible
// values of the interval. A non-static or zero divisor yields a fully dynamic dimension.
// See CheckDividedResult to validate static divisions.
func (d Dim) Div(divisor Dim) Dim {
	if !divisor.IsStatic() || divisor.lo == 0 {
		return DynamicDim()
	}
	n := divisor.lo
	if n == 1 {
		return d
	}
	if d.IsStatic() {
		return StaticDim(d.lo / n)
	}
	lo := (d.lo + n - 1) / n
	hi := Unbounded
	if d.hi != Unbounded {
		hi = d.hi / n
		if hi < lo {
			hi = lo
		}
	}
	return Dim{lo: lo, hi: hi}
}

// FloorDiv returns floor(d/divisor) for a static divisor > 0, bound by bound. Used by sliding-window
// operators (convolutions, pooling), where the division is not required to be exact.
func (d Dim) FloorDiv(divisor int) Dim {
	if divisor <= 0 {
		return DynamicDim()
	}
	hi := Unbounded
	if d.hi != Unbounded {
		hi = d.hi / divisor
	}
	return Dim{lo: d.lo / divisor, hi: hi}
}

// CeilDiv returns ceil(d/divisor) for a static divisor > 0, bound by bound.
func (d Dim) CeilDiv(divisor int) Dim {
	if divisor <= 0 {
		return DynamicDim()
	}
	hi := Unbounded
	if d.hi != Unbounded {
		hi = (d.hi + divisor - 1) / divisor
	}
	return Dim{lo: (d.lo + divisor - 1) / divisor, hi: hi}
}

// CheckDividedResult validates that quotient = dividend / divisor was an exact division.
//
// It only validates when both dividend and divisor are static. A divisor of 1 is always exact.
// A dynamic dividend with any other divisor can't be validated and is accepted as is.
func CheckDividedResult(quotient, dividend, divisor Dim) error {
	if divisor.IsStatic() && divisor.lo == 1 {
		return nil
	}
	if !dividend.IsStatic() || !divisor.IsStatic() || !quotient.IsStatic() {
		return nil
	}
	if quotient.lo*divisor.lo != dividend.lo {
		return errors.Errorf("dimension value %s must be a multiple of divisor %s", dividend, divisor)
	}
	return nil
}

// Broadcast returns the dimension resulting from NumPy-style broadcasting of one axis, and whether the
// two dimensions can be broadcast together.
func Broadcast(a, b Dim) (Dim, bool) {
	switch {
	case a.IsStatic() && a.lo == 1:
		return b, true
	case b.IsStatic() && b.lo == 1:
		return a, true
	case b.IsStatic():
		// Either a is 1 at runtime, or it must be equal to b.
		if a.Contains(1) || a.Contains(b.lo) {
			return b, true
		}
		return Dim{}, false
	case a.IsStatic():
		if b.Contains(1) || b.Contains(a.lo) {
			return a, true
		}
		return Dim{}, false
	}
	if !a.Contains(1) && !b.Contains(1) {
		return a.Merge(b)
	}
	return hull(a, b), true
}

// hull returns the smallest interval containing both a and b.
func hull(a, b Dim) Dim {
	hi := Unbounded
	if a.hi != Unbounded && b.hi != Unbounded {
		hi = max(a.hi, b.hi)
	}
	return Dim{lo: min(a.lo, b.lo), hi: hi}
}

// String implements fmt.Stringer: "3", "?" or "2..8".
func (d Dim) String() string {
	switch {
	case d.IsStatic():
		return fmt.Sprintf("%d", d.lo)
	case d.IsFullyDynamic():
		return "?"
	case d.hi == Unbounded:
		return fmt.Sprintf("%d..", d.lo)
	}
	return fmt.Sprintf("%d..%d", d.lo, d.hi)
}

func minBound(a, b int) int {
	if a == Unbounded {
		return b
	}
	if b == Unbounded {
		return a
	}
	return min(a, b)
}

func addBound(a, b int) int {
	if a == Unbounded || b == Unbounded {
		return Unbounded
	}
	return a + b
}

func mulBound(a, b int) int {
	if a == Unbounded || b == Unbounded {
		return Unbounded
	}
	return a * b
}
