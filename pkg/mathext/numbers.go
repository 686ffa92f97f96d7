// Copyright (C) 2025  tcpbbr authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package mathext provides generic numeric helpers shared by the
// congestion control code.
package mathext

import (
	"math"
	"math/bits"
)

type SignedInteger interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type UnsignedInteger interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

type Integer interface {
	SignedInteger | UnsignedInteger
}

type Float interface {
	~float32 | ~float64
}

type Number interface {
	Integer | Float
}

// Min returns the minimum value between two input numbers.
func Min[T Number](a, b T) T {
	if a <= b {
		return a
	}
	return b
}

// Max returns the maximum value between two input numbers.
func Max[T Number](a, b T) T {
	if a >= b {
		return a
	}
	return b
}

// Mid returns the median value of three input numbers.
func Mid[T Number](a, b, c T) T {
	return Max(Min(a, b), Min(Max(a, b), c))
}

// Abs returns the absolute value of the input number.
func Abs[T Number](a T) T {
	if a >= 0 {
		return a
	}
	return -a
}

// Clamp limits v to the closed interval [lo, hi].
// If lo > hi, lo wins.
func Clamp[T Number](v, lo, hi T) T {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// WithinRange returns true if a is within [b - delta, b + delta].
func WithinRange[T Number](a, b, delta T) bool {
	return a >= b-delta && a <= b+delta
}

// DivRoundUp returns the quotient of a / b rounded towards positive infinity.
// b must be positive.
func DivRoundUp[T Integer](a, b T) T {
	if b <= 0 {
		panic("DivRoundUp() divisor must be positive")
	}
	if a <= 0 {
		return a / b
	}
	return (a + b - 1) / b
}

// RoundUpTo rounds a up to the next multiple of unit.
func RoundUpTo[T Integer](a, unit T) T {
	return DivRoundUp(a, unit) * unit
}

// MulDiv computes a * b / c for non-negative operands without intermediate
// overflow. The result saturates at math.MaxInt64.
func MulDiv(a, b, c int64) int64 {
	if a < 0 || b < 0 || c <= 0 {
		panic("MulDiv() requires non-negative operands and a positive divisor")
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
