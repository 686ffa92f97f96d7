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

package rng

import (
	"sync"
	"testing"
	"time"
)

func TestScaledIntn(t *testing.T) {
	src := NewSource(1)
	numbers := make([]int, 10)
	for i := 0; i < 100000; i++ {
		n := ScaledIntn(src, 10)
		numbers[n] += 1
	}
	for i := 0; i+1 < 10; i++ {
		if numbers[i] < numbers[i+1] {
			t.Errorf("unexpected scale down: numbers[%d] = %d < numbers[%d] = %d", i, numbers[i], i+1, numbers[i+1])
		}
	}
	if got := ScaledIntn(src, 0); got != 0 {
		t.Errorf("ScaledIntn(0) = %d, want 0", got)
	}
}

func TestDeterministicSource(t *testing.T) {
	a := NewSource(42)
	b := NewSource(42)
	for i := 0; i < 100; i++ {
		if x, y := a.Intn(1000), b.Intn(1000); x != y {
			t.Fatalf("sources with the same seed diverge: %d != %d", x, y)
		}
	}
}

func TestIntRangeAndDuration(t *testing.T) {
	src := NewSource(7)
	for i := 0; i < 1000; i++ {
		v := IntRange(src, 1, 8)
		if v < 1 || v >= 8 {
			t.Fatalf("IntRange(1, 8) = %d, out of range", v)
		}
		d := Duration(src, time.Millisecond)
		if d < 0 || d >= time.Millisecond {
			t.Fatalf("Duration(1ms) = %v, out of range", d)
		}
	}
	if got := IntRange(src, 5, 5); got != 5 {
		t.Errorf("IntRange(5, 5) = %d, want 5", got)
	}
}

func TestDefaultConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				Default().Intn(10)
			}
		}()
	}
	wg.Wait()
}
