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
)

// onRestartFromIdle is called when a segment is sent with nothing in
// flight after the idle threshold.
func (b *BBR) onRestartFromIdle(now time.Time) {
	b.idleRestart = true
	if b.mode == ModeProbeRTT {
		// The flight is already drained.
		b.checkProbeRTTDone(now)
		return
	}
	if !b.cfg.IdleRestart {
		return
	}
	if b.mode == ModeProbeBW || b.mode == ModeDrain {
		b.setMode(ModeIdleExit, now)
		b.updateGains()
		// Restart at the estimated bandwidth rather than a gain cycle
		// rate computed before the idle period.
		if bw := b.est.Bandwidth(); bw > 0 {
			b.pacingRate = b.sched.Rate(1, bw)
		}
	}
}

// checkIdleExit leaves IDLE_EXIT once the flight reaches the BDP.
func (b *BBR) checkIdleExit(now time.Time, inFlight int64) {
	if b.mode == ModeIdleExit && inFlight >= b.TargetCwnd(1) {
		b.resetMode(now)
	}
}
