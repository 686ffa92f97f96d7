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
	"github.com/enfein/tcpbbr/pkg/log"
)

// Estimator turns rate samples into the bottleneck bandwidth and the
// round trip propagation time.
//
// Bandwidth is the maximum delivery rate over the last few round trips.
// Round trips are counted by delivered data rather than wall clock time,
// so a burst of losses does not shorten the window. RTT-prop is the minimum
// RTT over a time window.
type Estimator struct {
	cfg *config.Config

	sampler  *DeliveryRateSampler
	longTerm *LongTermSampler

	roundCount         int64
	nextRoundDelivered int64
	roundStart         bool

	maxBandwidth *WindowedFilter[Bandwidth]

	minRTT      *WindowedFilter[time.Duration]
	minRTTStamp time.Time

	// epochBase converts times into the microsecond epochs of minRTT.
	epochBase time.Time
}

// EstimatorUpdate tells the caller what changed in one update.
type EstimatorUpdate struct {
	// RoundStart is true if the sample starts a new round trip.
	RoundStart bool

	// MinRTTExpired is true if RTT-prop was not refreshed within the
	// PROBE_RTT interval before this sample.
	MinRTTExpired bool

	// BandwidthAccepted is true if the sample was fed to the bandwidth filter.
	BandwidthAccepted bool

	LongTerm LongTermUpdate
}

// NewEstimator returns an estimator with its own delivery rate sampler.
func NewEstimator(cfg *config.Config) *Estimator {
	return &Estimator{
		cfg:          cfg,
		sampler:      NewDeliveryRateSampler(),
		longTerm:     NewLongTermSampler(cfg),
		maxBandwidth: NewWindowedFilter(cfg.BandwidthWindowRounds, 0, MaxFilter[Bandwidth]),
		minRTT:       NewWindowedFilter(cfg.MinRTTWindow.Microseconds(), 0, MinFilter[time.Duration]),
	}
}

// Sampler returns the delivery rate sampler.
func (e *Estimator) Sampler() *DeliveryRateSampler { return e.sampler }

// LongTerm returns the policer detector.
func (e *Estimator) LongTerm() *LongTermSampler { return e.longTerm }

// RoundCount returns the number of round trips so far.
func (e *Estimator) RoundCount() int64 { return e.roundCount }

// RoundStart returns true if the latest update started a new round.
func (e *Estimator) RoundStart() bool { return e.roundStart }

// MaxBandwidth returns the windowed maximum delivery rate.
func (e *Estimator) MaxBandwidth() Bandwidth { return e.maxBandwidth.GetBest() }

// BandwidthFilter returns the bandwidth filter.
func (e *Estimator) BandwidthFilter() *WindowedFilter[Bandwidth] { return e.maxBandwidth }

// Bandwidth returns the bandwidth estimate used by the model.
// It is the long term bandwidth if the flow is policed.
func (e *Estimator) Bandwidth() Bandwidth {
	if e.longTerm.InUse() {
		return e.longTerm.Bandwidth()
	}
	return e.maxBandwidth.GetBest()
}

// RTTProp returns the windowed minimum RTT. Zero if unknown.
func (e *Estimator) RTTProp() time.Duration { return e.minRTT.GetBest() }

// MinRTTFilter returns the RTT-prop filter.
func (e *Estimator) MinRTTFilter() *WindowedFilter[time.Duration] { return e.minRTT }

// MinRTTStamp returns the time RTT-prop was last refreshed.
func (e *Estimator) MinRTTStamp() time.Time { return e.minRTTStamp }

// MinRTTExpired returns true if RTT-prop was not refreshed within the
// PROBE_RTT interval.
func (e *Estimator) MinRTTExpired(now time.Time) bool {
	if e.minRTTStamp.IsZero() {
		return false
	}
	return now.Sub(e.minRTTStamp) > e.cfg.ProbeRTTInterval
}

// RefreshMinRTTStamp restarts the PROBE_RTT interval.
func (e *Estimator) RefreshMinRTTStamp(now time.Time) {
	e.minRTTStamp = now
}

// StartRoundNow makes the next delivered segment end the current round.
func (e *Estimator) StartRoundNow() {
	e.nextRoundDelivered = e.sampler.Delivered()
}

func (e *Estimator) epoch(t time.Time) int64 {
	if e.epochBase.IsZero() {
		e.epochBase = t
	}
	return t.Sub(e.epochBase).Microseconds()
}

// Update consumes the rate sample of one ACK. inProbeBW is true if the
// state machine is in PROBE_BW, which bounds the use of the long term
// bandwidth.
func (e *Estimator) Update(rs RateSample, now time.Time, inProbeBW bool) EstimatorUpdate {
	var u EstimatorUpdate
	e.roundStart = false

	if rs.NewlyDelivered > 0 && rs.PriorDelivered >= e.nextRoundDelivered {
		e.nextRoundDelivered = e.sampler.Delivered()
		e.roundCount++
		e.roundStart = true
		u.RoundStart = true
	}

	u.LongTerm = e.longTerm.Update(rs, e.roundStart, inProbeBW, e.sampler.Delivered(), e.sampler.Lost(), e.sampler.DeliveredTime())

	// An application limited sample is only used if it raises the estimate.
	if rs.Valid() && rs.DeliveryRate > 0 && (!rs.IsAppLimited || rs.DeliveryRate >= e.maxBandwidth.GetBest()) {
		e.maxBandwidth.Update(rs.DeliveryRate, e.roundCount)
		u.BandwidthAccepted = true
	}

	u.MinRTTExpired = e.updateMinRTT(rs.RTT, now)
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[Estimator] %v round=%d bw=%v rttProp=%v", rs, e.roundCount, e.Bandwidth(), e.RTTProp())
	}
	return u
}

// OnRTTSample feeds an RTT sample that does not come with a rate sample,
// for example one taken from a timestamp echo.
func (e *Estimator) OnRTTSample(rtt time.Duration, now time.Time) bool {
	return e.updateMinRTT(rtt, now)
}

func (e *Estimator) updateMinRTT(rtt time.Duration, now time.Time) bool {
	expired := e.MinRTTExpired(now)
	if rtt <= 0 {
		return expired
	}
	epoch := e.epoch(now)
	if e.minRTT.IsEmpty() || expired {
		// Start over from the current sample. A PROBE_RTT will follow
		// and bring the minimum down if the path allows.
		e.minRTT.Reset(rtt, epoch)
		e.minRTTStamp = now
		return expired
	}
	if rtt <= e.minRTT.GetBest() {
		e.minRTTStamp = now
	}
	e.minRTT.Update(rtt, epoch)
	return expired
}
