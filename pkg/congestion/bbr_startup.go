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

	"github.com/enfein/tcpbbr/pkg/log"
)

// checkFullBandwidthReached decides whether STARTUP has filled the pipe.
// The pipe is full when the bandwidth fails to grow by the growth target
// for a number of consecutive rounds, or optionally when the loss rate of
// a round is high while the cwnd was not the limit.
func (b *BBR) checkFullBandwidthReached(rs RateSample, roundStart bool) {
	b.roundDelivered += rs.NewlyDelivered
	b.roundLost += rs.Losses
	if !roundStart {
		return
	}
	delivered, lost := b.roundDelivered, b.roundLost
	b.roundDelivered, b.roundLost = 0, 0
	b.prevRoundCwndLimited = b.cwndLimited
	b.cwndLimited = false

	if b.fullBandwidthReached {
		return
	}
	if b.cfg.StartupLossExit && b.mode == ModeStartup && !b.prevRoundCwndLimited && delivered+lost > 0 {
		if float64(lost) > b.cfg.StartupLossThreshold*float64(delivered+lost) {
			b.fullBandwidthReached = true
			log.Debugf("[BBR] STARTUP exit on loss: lost=%d delivered=%d", lost, delivered)
			return
		}
	}
	if rs.IsAppLimited {
		return
	}

	maxBw := b.est.MaxBandwidth()
	threshold := b.fullBandwidth.Scale(b.cfg.StartupGrowthTarget)
	if maxBw >= threshold && maxBw > b.fullBandwidth {
		b.fullBandwidth = maxBw
		b.fullBandwidthCount = 0
		return
	}
	b.fullBandwidthCount++
	if b.fullBandwidthCount >= b.cfg.StartupFullBwRounds {
		b.fullBandwidthReached = true
	}
}

func (b *BBR) enterStartup(now time.Time) {
	b.setMode(ModeStartup, now)
	b.pacingGain = b.cfg.HighGain
	b.cwndGain = b.cfg.HighGain
}

// checkDrain moves from STARTUP to DRAIN once the pipe is full, and from
// DRAIN to PROBE_BW once the queue built in STARTUP is gone.
func (b *BBR) checkDrain(now time.Time, inFlight int64) {
	if b.mode == ModeStartup && b.fullBandwidthReached {
		b.setMode(ModeDrain, now)
		b.pacingGain = b.cfg.DrainGain
		b.cwndGain = b.cfg.HighGain
	}
	if b.mode == ModeDrain && inFlight <= b.TargetCwnd(1) {
		b.enterProbeBW(now)
	}
}
