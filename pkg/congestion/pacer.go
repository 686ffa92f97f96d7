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
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/mathext"
)

// Pacer is a token budget. The budget grows at the pacing rate and is
// capped by the maximum burst size. A segment may leave when the budget
// covers its size.
type Pacer struct {
	budgetAtLastSent int64
	maxBudget        int64
	minPacingRate    Bandwidth
	lastSentTime     time.Time
}

// NewPacer returns a pacer that starts with initialBudget bytes.
func NewPacer(initialBudget, maxBudget int64, minPacingRate Bandwidth) *Pacer {
	if initialBudget <= 0 {
		panic("initial budget must be a positive number")
	}
	if maxBudget < initialBudget {
		panic("max budget is smaller than initial budget")
	}
	if minPacingRate <= 0 {
		panic("min pacing rate must be a positive number")
	}
	return &Pacer{
		budgetAtLastSent: initialBudget,
		maxBudget:        maxBudget,
		minPacingRate:    minPacingRate,
	}
}

// SetMaxBudget changes the burst size.
func (p *Pacer) SetMaxBudget(maxBudget int64) {
	if maxBudget > 0 {
		p.maxBudget = maxBudget
		p.budgetAtLastSent = mathext.Min(p.budgetAtLastSent, maxBudget)
	}
}

// OnSent consumes the budget of a segment sent at sentTime.
func (p *Pacer) OnSent(sentTime time.Time, bytes int64, rate Bandwidth) {
	budget := p.Budget(sentTime, rate)
	p.budgetAtLastSent = mathext.Max(budget-bytes, 0)
	p.lastSentTime = sentTime
}

// CanSend returns true if a segment of the given size may leave now.
func (p *Pacer) CanSend(now time.Time, bytes int64, rate Bandwidth) bool {
	return p.Budget(now, rate) >= bytes
}

// Budget returns the number of bytes that may leave now.
func (p *Pacer) Budget(now time.Time, rate Bandwidth) int64 {
	rate = mathext.Max(rate, p.minPacingRate)
	if p.lastSentTime.IsZero() || !now.After(p.lastSentTime) {
		return p.budgetAtLastSent
	}
	budget := p.budgetAtLastSent + rate.BytesIn(now.Sub(p.lastSentTime))
	if budget < 0 {
		// overflow
		return p.maxBudget
	}
	return mathext.Min(budget, p.maxBudget)
}

// Deficit returns the number of bytes missing from the budget to send
// a segment of the given size.
func (p *Pacer) Deficit(now time.Time, bytes int64, rate Bandwidth) int64 {
	return mathext.Max(bytes-p.Budget(now, rate), 0)
}

// PacingScheduler converts the bandwidth model into pacing decisions.
// The timer that fires the next send is owned by the caller.
type PacingScheduler struct {
	cfg      *config.Config
	rttStats *RTTStats
	pacer    *Pacer
	mss      int64

	// policed is true when the long term bandwidth is in use.
	policed bool
}

// NewPacingScheduler returns a scheduler.
func NewPacingScheduler(cfg *config.Config, rttStats *RTTStats) *PacingScheduler {
	mss := int64(cfg.MSS)
	burst := int64(cfg.PacerMaxBurstSegments) * mss
	return &PacingScheduler{
		cfg:      cfg,
		rttStats: rttStats,
		pacer:    NewPacer(burst, burst, BandwidthFromDelta(mss, time.Second)),
		mss:      mss,
	}
}

// Pacer returns the token budget.
func (s *PacingScheduler) Pacer() *Pacer { return s.pacer }

// SetMSS changes the segment size.
func (s *PacingScheduler) SetMSS(mss int) {
	s.mss = int64(mss)
	s.pacer.SetMaxBudget(int64(s.cfg.PacerMaxBurstSegments) * s.mss)
}

// SetPoliced tells the scheduler whether the long term bandwidth is in use.
func (s *PacingScheduler) SetPoliced(policed bool) {
	s.policed = policed
}

// Policed returns true if the policed discount is applied.
func (s *PacingScheduler) Policed() bool {
	return s.policed
}

// Rate returns the pacing rate for the gain and the bandwidth.
func (s *PacingScheduler) Rate(gain float64, bw Bandwidth) Bandwidth {
	rate := bw.Scale(gain)
	if s.policed {
		rate = rate.Scale(s.cfg.PolicedPacingDiscount)
	}
	return rate
}

// PacingDelay returns the time needed to send bytes at gain times bw.
// The delay never exceeds half of the smoothed RTT.
func (s *PacingScheduler) PacingDelay(bytes int64, gain float64, bw Bandwidth) time.Duration {
	return s.DelayForRate(bytes, s.Rate(gain, bw))
}

// DelayForRate returns the time needed to send bytes at rate.
// The delay never exceeds half of the smoothed RTT.
func (s *PacingScheduler) DelayForRate(bytes int64, rate Bandwidth) time.Duration {
	if bytes <= 0 {
		return 0
	}
	var delay time.Duration
	if rate > 0 {
		delay = rate.TimeToSend(bytes)
	}
	if srtt := s.rttStats.SmoothedRTT(); srtt > 0 {
		delay = mathext.Min(delay, srtt/2)
	}
	return delay
}

// SegmentSize returns the number of bytes to send in one go at the rate:
// the bytes of one pacing slot, clamped to the configured range and
// rounded down to a whole number of segments. It is rounded up instead
// if rounding down would go below the configured minimum.
func (s *PacingScheduler) SegmentSize(rate Bandwidth) int64 {
	floor := int64(s.cfg.MinSegmentSize)
	size := rate.BytesIn(s.cfg.PacingSlot)
	size = mathext.Clamp(size, floor, int64(s.cfg.MaxSegmentSize))
	size = size / s.mss * s.mss
	if size < floor {
		size = mathext.DivRoundUp(floor, s.mss) * s.mss
	}
	return size
}

// NextSend decides how to send up to available bytes at rate now.
// It returns the size of the next segment and the delay before it may leave.
func (s *PacingScheduler) NextSend(now time.Time, available int64, rate Bandwidth) (int64, time.Duration) {
	size := s.SegmentSize(rate)
	if available > 0 && available < size {
		size = available
	}
	deficit := s.pacer.Deficit(now, size, rate)
	if deficit == 0 {
		return size, 0
	}
	return size, s.DelayForRate(deficit, mathext.Max(rate, s.pacer.minPacingRate))
}

// OnSent consumes the pacing budget.
func (s *PacingScheduler) OnSent(now time.Time, bytes int64, rate Bandwidth) {
	s.pacer.OnSent(now, bytes, rate)
}
