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
)

// drainCycleIndex is the PROBE_BW substate that drains the queue built by
// the gain substate before it.
const drainCycleIndex = 1

func (b *BBR) enterProbeBW(now time.Time) {
	b.setMode(ModeProbeBW, now)
	b.cwndGain = b.cfg.CwndGain

	// Pick a random offset for the gain cycle out of {0, 2..7} range. 1 is
	// excluded because in that case increased gain and decreased gain would not
	// follow each other.
	offset := b.rand.Intn(config.ProbeBWCycleLength - 1)
	if offset >= drainCycleIndex {
		offset++
	}
	b.cycleIndex = offset
	b.cycleStamp = now
	b.updateGains()
}

func (b *BBR) updateCyclePhase(now time.Time, rs RateSample) {
	if b.mode != ModeProbeBW || !b.isNextCyclePhase(now, rs) {
		return
	}
	b.cycleIndex = (b.cycleIndex + 1) % config.ProbeBWCycleLength
	b.cycleStamp = now
}

// isNextCyclePhase returns true if the current gain substate is over.
// Every substate lasts one RTT-prop. The gain substate also waits for the
// flight to reach its target unless there are losses, and the drain
// substate ends early once the flight is down to the BDP.
func (b *BBR) isNextCyclePhase(now time.Time, rs RateSample) bool {
	fullLength := now.Sub(b.cycleStamp) > b.est.RTTProp()
	gain := b.pacingGain
	if gain == 1 {
		return fullLength
	}
	inFlight := rs.PriorInFlight
	if gain > 1 {
		return fullLength && (rs.Losses > 0 || inFlight >= b.TargetCwnd(gain))
	}
	return fullLength || inFlight <= b.TargetCwnd(1)
}
