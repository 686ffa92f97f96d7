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

package congestion

import "github.com/enfein/tcpbbr/pkg/mathext"

// WindowedFilter tracks the best (maximum or minimum) sample of a stream
// over a sliding window of epochs, using Kathleen Nichols' algorithm.
//
// The filter keeps three candidates: the best, the best from the second
// quarter of the window and the best from the second half of the window.
// Their epochs are non-decreasing. A sample better than a candidate replaces
// it and every later candidate. When the best one expires, the next
// candidates are promoted and the newest sample fills the tail.
//
// An epoch is any monotonic int64: a round trip count for the bandwidth
// filter or a microsecond timestamp for the RTT filter.
type WindowedFilter[V mathext.Number] struct {
	// windowLength is the number of epochs after which a candidate expires.
	windowLength int64

	// zeroValue is never a valid sample. It marks an empty filter.
	zeroValue V

	// latest is the newest epoch ever passed to Update or Reset.
	latest int64

	estimates [3]Sample[V]
	compare   func(V, V) int
}

// Sample is a filter candidate.
type Sample[V mathext.Number] struct {
	Value V
	Epoch int64
}

// NewWindowedFilter returns an empty filter. The compare function returns
// a positive value if the left hand side is a better sample.
func NewWindowedFilter[V mathext.Number](windowLength int64, zeroValue V, compare func(V, V) int) *WindowedFilter[V] {
	if windowLength <= 0 {
		panic("window length must be a positive number")
	}
	wf := &WindowedFilter[V]{
		windowLength: windowLength,
		zeroValue:    zeroValue,
		compare:      compare,
	}
	wf.Reset(zeroValue, 0)
	return wf
}

// WindowLength returns the current window length.
func (wf *WindowedFilter[V]) WindowLength() int64 {
	return wf.windowLength
}

// SetWindowLength changes the window length at run time.
// The current best sample is kept unless it is stale under the new length,
// measured from the newest epoch seen so far.
func (wf *WindowedFilter[V]) SetWindowLength(windowLength int64) {
	if windowLength <= 0 {
		panic("window length must be a positive number")
	}
	wf.windowLength = windowLength
	if wf.IsEmpty() {
		return
	}
	for i := 0; i < 2 && wf.expired(wf.estimates[0], wf.latest); i++ {
		wf.estimates[0] = wf.estimates[1]
		wf.estimates[1] = wf.estimates[2]
	}
}

// IsEmpty returns true if the filter has no valid sample.
func (wf *WindowedFilter[V]) IsEmpty() bool {
	return wf.compare(wf.estimates[0].Value, wf.zeroValue) == 0
}

// Update feeds a new sample taken at the given epoch.
func (wf *WindowedFilter[V]) Update(value V, epoch int64) {
	if epoch > wf.latest {
		wf.latest = epoch
	}
	s := Sample[V]{value, epoch}

	// Start over if the filter is empty, the sample is a new best,
	// or even the newest candidate has left the window.
	if wf.IsEmpty() || wf.compare(value, wf.estimates[0].Value) >= 0 || wf.expired(wf.estimates[2], epoch) {
		wf.Reset(value, epoch)
		return
	}

	if wf.compare(value, wf.estimates[1].Value) >= 0 {
		wf.estimates[1] = s
		wf.estimates[2] = s
	} else if wf.compare(value, wf.estimates[2].Value) >= 0 {
		wf.estimates[2] = s
	}

	if wf.expired(wf.estimates[0], epoch) {
		// Promote the second and third candidates. The second one may be
		// stale as well, in which case promote once more.
		wf.estimates[0] = wf.estimates[1]
		wf.estimates[1] = wf.estimates[2]
		wf.estimates[2] = s
		if wf.expired(wf.estimates[0], epoch) {
			wf.estimates[0] = wf.estimates[1]
			wf.estimates[1] = wf.estimates[2]
		}
		return
	}

	if wf.estimates[1] == wf.estimates[0] && epoch-wf.estimates[1].Epoch > wf.windowLength/4 {
		// A quarter of the window passed without a better sample.
		// Take the second best from the second quarter of the window.
		wf.estimates[1] = s
		wf.estimates[2] = s
		return
	}

	if wf.estimates[2] == wf.estimates[1] && epoch-wf.estimates[2].Epoch > wf.windowLength/2 {
		// Half of the window passed without a better sample.
		// Take the third best from the second half of the window.
		wf.estimates[2] = s
	}
}

// Reset drops the history and seeds every candidate with the sample.
func (wf *WindowedFilter[V]) Reset(value V, epoch int64) {
	if epoch > wf.latest {
		wf.latest = epoch
	}
	s := Sample[V]{value, epoch}
	wf.estimates = [3]Sample[V]{s, s, s}
}

// GetBest returns the best estimate.
func (wf *WindowedFilter[V]) GetBest() V {
	return wf.estimates[0].Value
}

// GetSecondBest returns the second best estimate.
func (wf *WindowedFilter[V]) GetSecondBest() V {
	return wf.estimates[1].Value
}

// GetThirdBest returns the third best estimate.
func (wf *WindowedFilter[V]) GetThirdBest() V {
	return wf.estimates[2].Value
}

// BestEpoch returns the epoch of the best estimate.
func (wf *WindowedFilter[V]) BestEpoch() int64 {
	return wf.estimates[0].Epoch
}

func (wf *WindowedFilter[V]) expired(s Sample[V], now int64) bool {
	return now-s.Epoch > wf.windowLength
}

// MaxFilter compares two values and returns 1 if lhs is bigger,
// -1 if lhs is smaller, or 0 if two values are the same.
func MaxFilter[V mathext.Number](lhs, rhs V) int {
	if lhs > rhs {
		return 1
	} else if lhs < rhs {
		return -1
	}
	return 0
}

// MinFilter compares two values and returns 1 if lhs is smaller,
// -1 if lhs is bigger, or 0 if two values are the same.
func MinFilter[V mathext.Number](lhs, rhs V) int {
	if lhs < rhs {
		return 1
	} else if lhs > rhs {
		return -1
	}
	return 0
}
