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

	"github.com/enfein/tcpbbr/pkg/mathext"
)

// updateProbeRTT enters PROBE_RTT when RTT-prop expired and leaves it once
// the flight was held at the minimum for max(RTT-prop, ProbeRTTMinDuration)
// and at least one round.
func (b *BBR) updateProbeRTT(now time.Time, inFlight int64, roundStart, minRTTExpired bool) {
	if minRTTExpired && !b.idleRestart && b.mode != ModeProbeRTT {
		b.saveCwnd()
		b.setMode(ModeProbeRTT, now)
		b.probeRTTDoneStamp = time.Time{}
		b.probeRTTRoundDone = false
	}
	if b.mode != ModeProbeRTT {
		return
	}

	// Samples taken while the cwnd is clamped underestimate the bandwidth.
	b.est.Sampler().OnAppLimited(inFlight)
	if b.probeRTTDoneStamp.IsZero() {
		if inFlight <= b.probeRTTCwnd() {
			b.probeRTTDoneStamp = now.Add(mathext.Max(b.est.RTTProp(), b.cfg.ProbeRTTMinDuration))
			b.probeRTTRoundDone = false
			b.est.StartRoundNow()
		}
		return
	}
	if roundStart {
		b.probeRTTRoundDone = true
	}
	if b.probeRTTRoundDone {
		b.checkProbeRTTDone(now)
	}
}

func (b *BBR) checkProbeRTTDone(now time.Time) {
	if b.probeRTTDoneStamp.IsZero() || now.Before(b.probeRTTDoneStamp) {
		return
	}
	b.est.RefreshMinRTTStamp(now)
	b.cwnd = mathext.Max(b.cwnd, b.priorCwnd)
	b.resetMode(now)
}

// resetMode leaves PROBE_RTT or IDLE_EXIT.
func (b *BBR) resetMode(now time.Time) {
	if b.fullBandwidthReached {
		b.enterProbeBW(now)
	} else {
		b.enterStartup(now)
	}
}
