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
	"github.com/enfein/tcpbbr/pkg/mathext"
)

// LongTermSampler detects token bucket policers.
//
// Sampling starts at the first loss. An interval spans a few rounds and ends
// at a loss once the loss ratio of the interval is high. When two consecutive
// intervals deliver at about the same rate, the flow is considered policed and
// the average of the two rates is used as the long term bandwidth.
type LongTermSampler struct {
	cfg *config.Config

	sampling bool
	inUse    bool
	bw       Bandwidth

	// rounds counts round trips of the current interval, or round trips
	// spent using the long term bandwidth.
	rounds int64

	startDelivered int64
	startLost      int64
	startTime      time.Time
}

// LongTermUpdate tells the caller what changed in one update.
type LongTermUpdate struct {
	// Started is true when the long term bandwidth starts to be used.
	Started bool

	// Expired is true when the long term bandwidth stops to be used.
	// The caller should restart bandwidth probing.
	Expired bool
}

// NewLongTermSampler returns a long term sampler.
func NewLongTermSampler(cfg *config.Config) *LongTermSampler {
	return &LongTermSampler{cfg: cfg}
}

// InUse returns true if the flow is considered policed.
func (l *LongTermSampler) InUse() bool { return l.inUse }

// Bandwidth returns the long term bandwidth. Zero if it is not known.
func (l *LongTermSampler) Bandwidth() Bandwidth { return l.bw }

// IsSampling returns true if an interval is open.
func (l *LongTermSampler) IsSampling() bool { return l.sampling }

// Reset stops using the long term bandwidth and drops any interval.
func (l *LongTermSampler) Reset() {
	l.sampling = false
	l.inUse = false
	l.bw = 0
	l.rounds = 0
}

func (l *LongTermSampler) resetInterval(delivered, lost int64, now time.Time) {
	l.startDelivered = delivered
	l.startLost = lost
	l.startTime = now
	l.rounds = 0
}

// Update feeds one rate sample. delivered and lost are the connection totals
// after the sample, deliveredTime is the time of the latest delivery.
func (l *LongTermSampler) Update(rs RateSample, roundStart, inProbeBW bool, delivered, lost int64, deliveredTime time.Time) LongTermUpdate {
	var u LongTermUpdate
	if !l.cfg.LongTermEnabled {
		return u
	}

	if l.inUse {
		if inProbeBW && roundStart {
			l.rounds++
			if l.rounds >= l.cfg.LongTermMaxRounds {
				l.Reset()
				u.Expired = true
			}
		}
		return u
	}

	// Let the policer exhaust its tokens first.
	if !l.sampling {
		if rs.Losses <= 0 {
			return u
		}
		l.resetInterval(delivered, lost, deliveredTime)
		l.sampling = true
	}

	// An application limited sample underestimates the rate.
	if rs.IsAppLimited {
		l.Reset()
		return u
	}

	if roundStart {
		l.rounds++
	}
	if l.rounds < l.cfg.LongTermMinIntervalRounds {
		return u
	}
	if l.rounds > l.cfg.LongTermMaxIntervalRounds {
		l.Reset()
		return u
	}

	// End the interval at a loss, when the tokens are exhausted.
	if rs.Losses <= 0 {
		return u
	}
	intervalLost := lost - l.startLost
	intervalDelivered := delivered - l.startDelivered
	if intervalDelivered <= 0 || float64(intervalLost) < l.cfg.LongTermLossThreshold*float64(intervalDelivered) {
		return u
	}
	d := deliveredTime.Sub(l.startTime)
	if d < time.Millisecond {
		return u
	}
	bw := BandwidthFromDelta(intervalDelivered, d)

	if l.bw > 0 {
		diff := mathext.Abs(bw - l.bw)
		if float64(diff) <= l.cfg.LongTermBwRatio*float64(l.bw) || int64(diff) <= l.cfg.LongTermBwDiff {
			l.bw = (bw + l.bw) / 2
			l.inUse = true
			l.rounds = 0
			u.Started = true
			if log.IsLevelEnabled(log.DebugLevel) {
				log.Debugf("[LongTermSampler] policer detected, long term bandwidth %v", l.bw)
			}
			return u
		}
	}
	l.bw = bw
	l.resetInterval(delivered, lost, deliveredTime)
	return u
}
