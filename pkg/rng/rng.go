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

// Package rng provides the random sources used by the congestion
// controller and the network simulator.
package rng

import (
	mrand "math/rand"
	"sync"
	"time"
)

// Source is a source of uniformly distributed random numbers.
// A Source returned by this package is not safe for concurrent use
// unless stated otherwise.
type Source interface {
	// Intn returns a random int from [0, n). It panics if n <= 0.
	Intn(n int) int

	// Int63n returns a random int64 from [0, n). It panics if n <= 0.
	Int63n(n int64) int64

	// Float64 returns a random float64 from [0.0, 1.0).
	Float64() float64
}

// NewSource returns a deterministic Source seeded with seed.
func NewSource(seed int64) Source {
	return mrand.New(mrand.NewSource(seed))
}

// lockedSource is a Source safe for concurrent use.
type lockedSource struct {
	mu  sync.Mutex
	src *mrand.Rand
}

func (s *lockedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Intn(n)
}

func (s *lockedSource) Int63n(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63n(n)
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Float64()
}

var (
	defaultSource Source
	once          sync.Once
)

// Default returns a process wide Source seeded from the current time.
// It is safe for concurrent use.
func Default() Source {
	once.Do(func() {
		defaultSource = &lockedSource{src: mrand.New(mrand.NewSource(time.Now().UnixNano()))}
	})
	return defaultSource
}

// ScaledIntn returns a random int from [0, n) with scale down distribution:
// a smaller number has higher probability to occur than a bigger number.
func ScaledIntn(src Source, n int) int {
	if n <= 0 {
		return 0
	}
	return int(float64(n) * scaleDown(src))
}

// IntRange returns a random int from [m, n) with uniform distribution.
func IntRange(src Source, m, n int) int {
	if n <= m {
		return m
	}
	return m + src.Intn(n-m)
}

// Duration returns a random duration from [0, d).
func Duration(src Source, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(src.Int63n(int64(d)))
}

// scaleDown returns a random number from [0.0, 1.0), where
// a smaller number has higher probability to occur compared to a bigger number.
func scaleDown(src Source) float64 {
	base := src.Float64()
	return base * base
}
