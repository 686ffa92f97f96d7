// MIT License
//
// Copyright (c) 2016 the quic-go authors & Google, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package congestion

import (
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/mathext"
)

const (
	rttAlpha      = 0.125
	oneMinusAlpha = 1 - rttAlpha
	rttBeta       = 0.25
	oneMinusBeta  = 1 - rttBeta

	// minRTTVarGranularity is the lower bound of the RTT variance term in RTO.
	minRTTVarGranularity = time.Millisecond
)

// RTTStats provides round-trip statistics and the retransmission timeout.
type RTTStats struct {
	hasMeasurement bool

	minRTT        time.Duration
	latestRTT     time.Duration
	smoothedRTT   time.Duration
	meanDeviation time.Duration

	initialRTO  time.Duration
	minRTO      time.Duration
	maxRTO      time.Duration
	maxAckDelay time.Duration

	// backoff is the number of consecutive RTO expirations.
	backoff int
}

// NewRTTStats makes a properly initialized RTTStats object.
func NewRTTStats(cfg *config.Config) *RTTStats {
	return &RTTStats{
		initialRTO:  cfg.InitialRTO,
		minRTO:      cfg.MinRTO,
		maxRTO:      cfg.MaxRTO,
		maxAckDelay: cfg.MaxAckDelay,
	}
}

// HasMeasurement returns true if at least one RTT sample was taken.
func (r *RTTStats) HasMeasurement() bool { return r.hasMeasurement }

// MinRTT returns the minRTT for the entire connection.
// May return zero if no valid updates have occurred.
func (r *RTTStats) MinRTT() time.Duration { return r.minRTT }

// LatestRTT returns the most recent rtt measurement.
// May return zero if no valid updates have occurred.
func (r *RTTStats) LatestRTT() time.Duration { return r.latestRTT }

// SmoothedRTT returns the smoothed RTT for the connection.
// May return zero if no valid updates have occurred.
func (r *RTTStats) SmoothedRTT() time.Duration { return r.smoothedRTT }

// MeanDeviation gets the mean deviation.
func (r *RTTStats) MeanDeviation() time.Duration { return r.meanDeviation }

// Backoff returns the number of consecutive RTO expirations.
func (r *RTTStats) Backoff() int { return r.backoff }

// RTO returns the retransmission timeout including the exponential backoff.
func (r *RTTStats) RTO() time.Duration {
	rto := r.initialRTO
	if r.hasMeasurement {
		rto = r.smoothedRTT + mathext.Max(4*r.meanDeviation, minRTTVarGranularity) + r.maxAckDelay
	}
	rto = mathext.Clamp(rto, r.minRTO, r.maxRTO)
	for i := 0; i < r.backoff && rto < r.maxRTO; i++ {
		rto *= 2
	}
	return mathext.Min(rto, r.maxRTO)
}

// UpdateRTT updates the RTT based on a new sample.
// A valid sample also clears the RTO backoff.
func (r *RTTStats) UpdateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	r.backoff = 0

	if r.minRTT == 0 || r.minRTT > sample {
		r.minRTT = sample
	}

	r.latestRTT = sample
	if !r.hasMeasurement {
		r.hasMeasurement = true
		r.smoothedRTT = sample
		r.meanDeviation = sample / 2
	} else {
		r.meanDeviation = time.Duration(oneMinusBeta*float64(r.meanDeviation/time.Microsecond)+rttBeta*float64(mathext.Abs(r.smoothedRTT-sample)/time.Microsecond)) * time.Microsecond
		r.smoothedRTT = time.Duration((float64(r.smoothedRTT/time.Microsecond)*oneMinusAlpha)+(float64(sample/time.Microsecond)*rttAlpha)) * time.Microsecond
	}
}

// OnRTOExpired doubles the RTO. It returns the new backoff count.
func (r *RTTStats) OnRTOExpired() int {
	r.backoff++
	return r.backoff
}

// SetMaxAckDelay sets the max_ack_delay added to RTO.
func (r *RTTStats) SetMaxAckDelay(mad time.Duration) {
	r.maxAckDelay = mad
}

// Reset clears every measurement.
func (r *RTTStats) Reset() {
	r.hasMeasurement = false
	r.latestRTT = 0
	r.minRTT = 0
	r.smoothedRTT = 0
	r.meanDeviation = 0
	r.backoff = 0
}

// ExpireSmoothedMetrics causes the smoothed RTT to be increased to the latest RTT
// if the latest RTT is larger. The mean deviation is increased to the most recent
// deviation if it's larger.
func (r *RTTStats) ExpireSmoothedMetrics() {
	r.meanDeviation = mathext.Max(r.meanDeviation, mathext.Abs(r.smoothedRTT-r.latestRTT))
	r.smoothedRTT = mathext.Max(r.smoothedRTT, r.latestRTT)
}
