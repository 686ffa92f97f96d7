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

package netsim

import (
	"time"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/mathext"
	"github.com/enfein/tcpbbr/pkg/rng"
)

// LinkStats counts what happened to the segments on the forward path.
type LinkStats struct {
	Delivered      uint64
	Reordered      uint64
	DroppedQueue   uint64
	DroppedRandom  uint64
	DroppedPolicer uint64
	MaxQueueBytes  int64
}

// Dropped returns the number of segments lost for any reason.
func (s LinkStats) Dropped() uint64 {
	return s.DroppedQueue + s.DroppedRandom + s.DroppedPolicer
}

// tokenBucket polices the rate entering the bottleneck.
type tokenBucket struct {
	rate   congestion.Bandwidth
	burst  int64
	tokens int64
	last   time.Time
}

func newTokenBucket(p *Policer, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:   congestion.MegabitsPerSecond.Scale(p.RateMbps),
		burst:  p.BurstBytes,
		tokens: p.BurstBytes,
		last:   now,
	}
}

func (b *tokenBucket) take(now time.Time, size int64) bool {
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = mathext.Min(b.burst, b.tokens+b.rate.BytesIn(elapsed))
		b.last = now
	}
	if size > b.tokens {
		return false
	}
	b.tokens -= size
	return true
}

// link is a drop tail bottleneck followed by a propagation delay.
type link struct {
	bw           congestion.Bandwidth
	delay        time.Duration
	buffer       int64
	lossRate     float64
	reorderRate  float64
	reorderDelay time.Duration
	policer      *tokenBucket
	rand         rng.Source

	busyUntil time.Time
	stats     LinkStats
}

func newLink(l Link, rand rng.Source, now time.Time) *link {
	out := &link{
		bw:           l.Bandwidth(),
		delay:        l.RTT / 2,
		buffer:       l.BufferBytes,
		lossRate:     l.LossRate,
		reorderRate:  l.ReorderRate,
		reorderDelay: l.ReorderDelay,
		rand:         rand,
		busyUntil:    now,
	}
	if l.Policer != nil {
		out.policer = newTokenBucket(l.Policer, now)
	}
	return out
}

// queued returns the number of bytes waiting in front of the bottleneck.
func (l *link) queued(now time.Time) int64 {
	if !l.busyUntil.After(now) {
		return 0
	}
	return l.bw.BytesIn(l.busyUntil.Sub(now))
}

// transmit sends a segment of size bytes at now. It returns the arrival
// time at the far end, or false if the segment was dropped.
func (l *link) transmit(now time.Time, size int64) (time.Time, bool) {
	if l.policer != nil && !l.policer.take(now, size) {
		l.stats.DroppedPolicer++
		return time.Time{}, false
	}
	queued := l.queued(now)
	if queued+size > l.buffer {
		l.stats.DroppedQueue++
		return time.Time{}, false
	}
	if l.lossRate > 0 && l.rand.Float64() < l.lossRate {
		l.stats.DroppedRandom++
		return time.Time{}, false
	}
	l.stats.MaxQueueBytes = mathext.Max(l.stats.MaxQueueBytes, queued+size)

	start := l.busyUntil
	if start.Before(now) {
		start = now
	}
	l.busyUntil = start.Add(l.bw.TimeToSend(size))
	arrival := l.busyUntil.Add(l.delay)
	if l.reorderRate > 0 && l.rand.Float64() < l.reorderRate {
		arrival = arrival.Add(l.reorderDelay)
		l.stats.Reordered++
	}
	l.stats.Delivered++
	return arrival, true
}
