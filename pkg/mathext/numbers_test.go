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

package mathext

import (
	"math"
	"testing"
	"time"
)

const (
	oneSecond         time.Duration = 1 * time.Second
	twoSeconds        time.Duration = 2 * time.Second
	threeSeconds      time.Duration = 3 * time.Second
	negativeOneSecond time.Duration = -oneSecond
)

func TestMinMax(t *testing.T) {
	if got := Min(oneSecond, twoSeconds); got != oneSecond {
		t.Errorf("Min() = %v, want %v", got, oneSecond)
	}
	if got := Min(twoSeconds, oneSecond); got != oneSecond {
		t.Errorf("Min() = %v, want %v", got, oneSecond)
	}
	if got := Max(oneSecond, twoSeconds); got != twoSeconds {
		t.Errorf("Max() = %v, want %v", got, twoSeconds)
	}
	if got := Max(twoSeconds, oneSecond); got != twoSeconds {
		t.Errorf("Max() = %v, want %v", got, twoSeconds)
	}
}

func TestMid(t *testing.T) {
	testCases := [][3]time.Duration{
		{threeSeconds, twoSeconds, oneSecond},
		{oneSecond, twoSeconds, threeSeconds},
		{twoSeconds, threeSeconds, oneSecond},
		{oneSecond, threeSeconds, twoSeconds},
	}
	for _, tc := range testCases {
		if got := Mid(tc[0], tc[1], tc[2]); got != twoSeconds {
			t.Errorf("Mid(%v, %v, %v) = %v, want %v", tc[0], tc[1], tc[2], got, twoSeconds)
		}
	}
}

func TestAbs(t *testing.T) {
	if Abs(oneSecond) != oneSecond {
		t.Errorf("Abs() = %v, want %v", Abs(oneSecond), oneSecond)
	}
	if Abs(negativeOneSecond) != oneSecond {
		t.Errorf("Abs() = %v, want %v", Abs(negativeOneSecond), oneSecond)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 1, 3); got != 3 {
		t.Errorf("Clamp(5, 1, 3) = %d, want 3", got)
	}
	if got := Clamp(-5, 1, 3); got != 1 {
		t.Errorf("Clamp(-5, 1, 3) = %d, want 1", got)
	}
	if got := Clamp(2, 1, 3); got != 2 {
		t.Errorf("Clamp(2, 1, 3) = %d, want 2", got)
	}
}

func TestWithinRange(t *testing.T) {
	if !WithinRange(threeSeconds, twoSeconds, oneSecond) {
		t.Errorf("WithinRange(3, 2, 1) = %v, want %v", false, true)
	}
	if WithinRange(negativeOneSecond, twoSeconds, oneSecond) {
		t.Errorf("WithinRange(-1, 2, 1) = %v, want %v", true, false)
	}
}

func TestDivRoundUp(t *testing.T) {
	testCases := []struct {
		a, b, want int64
	}{
		{0, 1460, 0},
		{1, 1460, 1},
		{1460, 1460, 1},
		{1461, 1460, 2},
	}
	for _, tc := range testCases {
		if got := DivRoundUp(tc.a, tc.b); got != tc.want {
			t.Errorf("DivRoundUp(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
	if got := RoundUpTo(1461, 1460); got != 2920 {
		t.Errorf("RoundUpTo(1461, 1460) = %d, want 2920", got)
	}
}

func TestMulDiv(t *testing.T) {
	if got := MulDiv(1<<40, 1<<30, 1<<35); got != 1<<35 {
		t.Errorf("MulDiv() = %d, want %d", got, int64(1<<35))
	}
	if got := MulDiv(math.MaxInt64, math.MaxInt64, 1); got != math.MaxInt64 {
		t.Errorf("MulDiv() = %d, want saturation", got)
	}
	if got := MulDiv(1500, 1000000, 3); got != 500000000 {
		t.Errorf("MulDiv() = %d, want %d", got, 500000000)
	}
}
