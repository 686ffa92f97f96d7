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

// Package seqnum defines TCP sequence number arithmetic.
// All comparisons are modulo 2^32.
package seqnum

import (
	"fmt"
)

// Value is a sequence number.
type Value uint32

// Size is the length of a sequence range.
type Size uint32

// LessThan checks if v is before w.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v == w or v is before w.
func (v Value) LessThanEq(w Value) bool {
	if v == w {
		return true
	}
	return v.LessThan(w)
}

// GreaterThan checks if v is after w.
func (v Value) GreaterThan(w Value) bool {
	return w.LessThan(v)
}

// GreaterThanEq returns true if v == w or v is after w.
func (v Value) GreaterThanEq(w Value) bool {
	return w.LessThanEq(v)
}

// InRange checks if v is in the range [a, b).
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at first and
// spans size sequence numbers.
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add returns v + s.
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size returns the number of sequence numbers in [v, w).
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// UpdateForward moves v forward by s.
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// Max returns the later one of v and w.
func Max(v, w Value) Value {
	if v.LessThan(w) {
		return w
	}
	return v
}

// Min returns the earlier one of v and w.
func Min(v, w Value) Value {
	if v.LessThan(w) {
		return v
	}
	return w
}

// Block is the half open sequence range [Start, End).
type Block struct {
	Start Value
	End   Value
}

// Size returns the number of sequence numbers covered by the block.
// An inverted block has size 0.
func (b Block) Size() Size {
	if b.End.LessThanEq(b.Start) {
		return 0
	}
	return b.Start.Size(b.End)
}

// Empty returns true if the block covers no sequence number.
func (b Block) Empty() bool {
	return b.End.LessThanEq(b.Start)
}

// Contains returns true if o is fully inside b.
func (b Block) Contains(o Block) bool {
	return b.Start.LessThanEq(o.Start) && o.End.LessThanEq(b.End)
}

// ContainsSeq returns true if seq is inside b.
func (b Block) ContainsSeq(seq Value) bool {
	return b.Start.LessThanEq(seq) && seq.LessThan(b.End)
}

// Overlaps returns true if b and o share at least one sequence number.
func (b Block) Overlaps(o Block) bool {
	return b.Start.LessThan(o.End) && o.Start.LessThan(b.End)
}

// Touches returns true if b and o overlap or abut.
func (b Block) Touches(o Block) bool {
	return b.Start.LessThanEq(o.End) && o.Start.LessThanEq(b.End)
}

// Union returns the smallest block covering both b and o.
func (b Block) Union(o Block) Block {
	return Block{Start: Min(b.Start, o.Start), End: Max(b.End, o.End)}
}

// Intersect returns the common part of b and o. The result is
// empty if they don't overlap.
func (b Block) Intersect(o Block) Block {
	r := Block{Start: Max(b.Start, o.Start), End: Min(b.End, o.End)}
	if r.Empty() {
		return Block{Start: r.Start, End: r.Start}
	}
	return r
}

func (b Block) String() string {
	return fmt.Sprintf("[%d, %d)", b.Start, b.End)
}
