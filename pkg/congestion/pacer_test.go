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
	"testing"
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
)

func TestPacer(t *testing.T) {
	pacer := NewPacer(1000, 10000, 100)
	now := time.Now().Truncate(time.Second)
	pacer.OnSent(now, 1000, 1000)

	// Budget at now is 0.
	if can := pacer.CanSend(now, 1, 1000); can {
		t.Errorf("CanSend() = %v, want %v", can, false)
	}

	if can := pacer.CanSend(now.Add(time.Second), 999, 1000); !can {
		t.Errorf("CanSend() = %v, want %v", can, true)
	}

	// Minimum pacing rate is 100.
	if can := pacer.CanSend(now.Add(time.Second), 99, 10); !can {
		t.Errorf("CanSend() = %v, want %v", can, true)
	}

	// Maximum budget is 10000.
	if can := pacer.CanSend(now.Add(time.Second), 10001, 100000); can {
		t.Errorf("CanSend() = %v, want %v", can, false)
	}

	if got := pacer.Deficit(now, 300, 1000); got != 300 {
		t.Errorf("Deficit() = %d, want %d", got, 300)
	}
}

func newTestScheduler(srtt time.Duration) (*config.Config, *PacingScheduler) {
	cfg := config.Default()
	rtt := NewRTTStats(cfg)
	if srtt > 0 {
		rtt.UpdateRTT(srtt)
	}
	return cfg, NewPacingScheduler(cfg, rtt)
}

func TestPacingDelay(t *testing.T) {
	_, s := newTestScheduler(100 * time.Millisecond)
	bw := Bandwidth(1460 * 1000)
	testCases := []struct {
		bytes int64
		gain  float64
		want  time.Duration
	}{
		{1460, 1, time.Millisecond},
		{1460, 2, 500 * time.Microsecond},
		{2920, 1, 2 * time.Millisecond},
		{0, 1, 0},
		// Clamped to half of the smoothed RTT.
		{1460 * 1000, 1, 50 * time.Millisecond},
	}
	for _, tc := range testCases {
		if got := s.PacingDelay(tc.bytes, tc.gain, bw); got != tc.want {
			t.Errorf("PacingDelay(%d, %v, %v) = %v, want %v", tc.bytes, tc.gain, bw, got, tc.want)
		}
	}
}

func TestPacingPolicedDiscount(t *testing.T) {
	_, s := newTestScheduler(0)
	if got := s.Rate(1, 1000000); got != 1000000 {
		t.Errorf("Rate() = %v, want %v", got, Bandwidth(1000000))
	}
	s.SetPoliced(true)
	if got := s.Rate(1, 1000000); got != 990000 {
		t.Errorf("Rate() when policed = %d, want %d", int64(got), 990000)
	}
}

func TestSegmentSize(t *testing.T) {
	_, s := newTestScheduler(0)
	testCases := []struct {
		rate Bandwidth
		want int64
	}{
		{100 * MegabitsPerSecond, 11680},
		{1000 * KilobytesPerSecond, 1460},
		{1000000 * KilobytesPerSecond, 64240},
		{0, 1460},
	}
	for _, tc := range testCases {
		if got := s.SegmentSize(tc.rate); got != tc.want {
			t.Errorf("SegmentSize(%v) = %d, want %d", tc.rate, got, tc.want)
		}
	}
}

func TestSegmentSizeAfterMSSShrink(t *testing.T) {
	_, s := newTestScheduler(0)
	s.SetMSS(500)
	testCases := []struct {
		rate Bandwidth
		want int64
	}{
		{0, 1500},
		{1000 * KilobytesPerSecond, 1500},
		{100 * MegabitsPerSecond, 12500},
	}
	for _, tc := range testCases {
		if got := s.SegmentSize(tc.rate); got != tc.want {
			t.Errorf("SegmentSize(%v) = %d, want %d", tc.rate, got, tc.want)
		}
	}
}

func TestNextSend(t *testing.T) {
	_, s := newTestScheduler(0)
	now := time.Unix(1000, 0)
	rate := 100 * MegabitsPerSecond

	size, delay := s.NextSend(now, 1<<20, rate)
	if size != 11680 || delay != 0 {
		t.Fatalf("NextSend() = (%d, %v), want (%d, %v)", size, delay, 11680, time.Duration(0))
	}
	s.OnSent(now, size, rate)

	size, delay = s.NextSend(now, 1<<20, rate)
	if size != 11680 {
		t.Errorf("NextSend() size = %d, want %d", size, 11680)
	}
	if want := 700800 * time.Nanosecond; delay != want {
		t.Errorf("NextSend() delay = %v, want %v", delay, want)
	}

	// Less data than a full segment.
	size, _ = s.NextSend(now, 100, rate)
	if size != 100 {
		t.Errorf("NextSend() size = %d, want %d", size, 100)
	}
}
