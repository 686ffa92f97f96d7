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

package seqnum

import (
	"math"
	"testing"
)

func TestCompareWrap(t *testing.T) {
	a := Value(math.MaxUint32 - 10)
	b := a.Add(20)
	if !a.LessThan(b) {
		t.Errorf("%d.LessThan(%d) = false, want true", a, b)
	}
	if b.LessThan(a) {
		t.Errorf("%d.LessThan(%d) = true, want false", b, a)
	}
	if got := a.Size(b); got != 20 {
		t.Errorf("Size() = %d, want 20", got)
	}
	if !Value(5).InRange(a, b) {
		t.Errorf("5 is not in range [%d, %d)", a, b)
	}
	if Value(9).InRange(a, b) {
		t.Errorf("9 is in range [%d, %d)", a, b)
	}
	if Max(a, b) != b || Min(a, b) != a {
		t.Errorf("Max() / Min() don't handle wrap around")
	}
}

func TestBlock(t *testing.T) {
	a := Block{Start: 100, End: 200}
	b := Block{Start: 150, End: 300}
	c := Block{Start: 200, End: 250}
	d := Block{Start: 400, End: 300}

	if a.Size() != 100 {
		t.Errorf("Size() = %d, want 100", a.Size())
	}
	if !d.Empty() || d.Size() != 0 {
		t.Errorf("inverted block %v is not empty", d)
	}
	if !a.Overlaps(b) || a.Overlaps(c) {
		t.Errorf("Overlaps() is wrong")
	}
	if !a.Touches(c) {
		t.Errorf("%v.Touches(%v) = false, want true", a, c)
	}
	if got := a.Union(b); got != (Block{100, 300}) {
		t.Errorf("Union() = %v, want [100, 300)", got)
	}
	if got := a.Intersect(b); got != (Block{150, 200}) {
		t.Errorf("Intersect() = %v, want [150, 200)", got)
	}
	if got := a.Intersect(c); !got.Empty() {
		t.Errorf("Intersect() = %v, want empty", got)
	}
	if !a.Union(b).Contains(c) {
		t.Errorf("Contains() = false, want true")
	}
	if !a.ContainsSeq(199) || a.ContainsSeq(200) {
		t.Errorf("ContainsSeq() is wrong at the right edge")
	}
	if a.String() != "[100, 200)" {
		t.Errorf("String() = %q", a.String())
	}
}
