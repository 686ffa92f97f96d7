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

import (
	"fmt"
	"math"
	"time"

	"github.com/enfein/tcpbbr/pkg/mathext"
)

// Bandwidth is a data rate in bytes per second.
type Bandwidth int64

const (
	// InfiniteBandwidth is larger than any measured rate.
	InfiniteBandwidth Bandwidth = math.MaxInt64

	BytesPerSecond     Bandwidth = 1
	KilobytesPerSecond           = 1000 * BytesPerSecond
	MegabitsPerSecond            = 125 * KilobytesPerSecond
)

// BandwidthFromDelta returns the rate of delivering bytes over d.
// It returns zero if d is not positive.
func BandwidthFromDelta(bytes int64, d time.Duration) Bandwidth {
	if d <= 0 || bytes <= 0 {
		return 0
	}
	return Bandwidth(mathext.MulDiv(bytes, int64(time.Second), int64(d)))
}

// BytesIn returns the number of bytes delivered at this rate over d.
func (bw Bandwidth) BytesIn(d time.Duration) int64 {
	if bw <= 0 || d <= 0 {
		return 0
	}
	return mathext.MulDiv(int64(bw), int64(d), int64(time.Second))
}

// TimeToSend returns the time needed to send bytes at this rate.
// It returns zero if the rate is not positive.
func (bw Bandwidth) TimeToSend(bytes int64) time.Duration {
	if bw <= 0 || bytes <= 0 {
		return 0
	}
	return time.Duration(mathext.MulDiv(bytes, int64(time.Second), int64(bw)))
}

// Scale multiplies the rate by gain.
func (bw Bandwidth) Scale(gain float64) Bandwidth {
	v := float64(bw) * gain
	if v >= math.MaxInt64 {
		return InfiniteBandwidth
	}
	if v <= 0 {
		return 0
	}
	return Bandwidth(v)
}

// Mbps returns the rate in megabits per second.
func (bw Bandwidth) Mbps() float64 {
	return float64(bw) * 8 / 1e6
}

func (bw Bandwidth) String() string {
	return fmt.Sprintf("%.3f Mbps", bw.Mbps())
}
