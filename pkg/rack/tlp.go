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

package rack

import (
	"time"

	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/mathext"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

type tlpState struct {
	// probes is the number of probes sent since the last forward progress.
	probes int

	// rxtOut is true if a probe retransmission is unacknowledged.
	rxtOut bool

	// highRxt is snd_max when the probe retransmission was sent.
	highRxt seqnum.Value
}

func (t *tlpState) reset() {
	*t = tlpState{}
}

// Probe is what a tail loss probe sends.
type Probe struct {
	// NewData is true if the probe sends the next segment of new data.
	NewData bool

	// Record is the record to retransmit when NewData is false.
	Record scoreboard.Record
}

// AckInfo is what the TLP logic needs to know about an ACK.
type AckInfo struct {
	CumAck seqnum.Value

	// Advanced is true if the ACK moved the cumulative ACK forward.
	Advanced bool

	// Duplicate is true if the ACK neither advanced nor updated the window.
	Duplicate bool

	Sacks []seqnum.Block
	DSACK bool
}

// ProbesSent returns the number of probes since the last forward progress.
func (d *Detector) ProbesSent() int { return d.tlp.probes }

// ShouldArmTLP returns true if the probe timer should be armed instead of
// the retransmission timer. A late segment is expected while reordering
// is recent, so no probe is sent then.
func (d *Detector) ShouldArmTLP(sb *scoreboard.Scoreboard, now time.Time) bool {
	return d.cfg.TLPEnabled &&
		!d.inRecovery &&
		!d.reorderRecent(now) &&
		sb.SackedBytes() == 0 &&
		sb.InFlightBytes() > 0 &&
		d.tlp.probes < d.cfg.TLPMaxProbes
}

// ProbeTimeout returns the probe timeout. It is two SRTTs, plus the worst
// case delayed ACK time when a single record is in flight, and never
// more than the RTO.
func (d *Detector) ProbeTimeout(sb *scoreboard.Scoreboard) time.Duration {
	rto := d.rtt.RTO()
	srtt := d.rtt.SmoothedRTT()
	if srtt == 0 {
		return rto
	}
	pto := 2 * srtt
	if inFlightRecords(sb, 2) == 1 {
		pto += d.cfg.TLPDelayedAckComp
	}
	return mathext.Min(pto, rto)
}

// ChooseProbe picks what the probe sends. New data is preferred when it
// fits in the window. Otherwise the highest unacknowledged record that
// the receiver window still accepts is retransmitted.
func (d *Detector) ChooseProbe(sb *scoreboard.Scoreboard, newDataFits bool) (Probe, bool) {
	if newDataFits {
		return Probe{NewData: true}, true
	}
	if d.tlp.rxtOut {
		return Probe{}, false
	}
	var p Probe
	found := false
	sb.Descend(func(r scoreboard.Record) bool {
		if r.Flags.Any(scoreboard.FlagAcked | scoreboard.FlagSacked | scoreboard.FlagWindowCollapsed) {
			return true
		}
		p.Record = r
		found = true
		return false
	})
	return p, found
}

// OnProbeSent records a probe. sndMax is the highest sequence number sent.
func (d *Detector) OnProbeSent(sndMax seqnum.Value, retransmit bool) {
	d.tlp.probes++
	d.stats.Probes++
	if retransmit {
		d.tlp.rxtOut = true
		d.tlp.highRxt = sndMax
	}
}

// OnTLPAck checks whether an ACK completes a probe episode. It returns
// true if the probe repaired a loss, which needs the same congestion
// response as a fast recovery.
func (d *Detector) OnTLPAck(a AckInfo) bool {
	if a.Advanced {
		d.tlp.probes = 0
	}
	if !d.tlp.rxtOut {
		return false
	}

	// A duplicate ACK for the probe without new SACK above it means both
	// the original and the probe arrived.
	if a.Duplicate && a.CumAck == d.tlp.highRxt {
		above := false
		for _, b := range a.Sacks {
			if d.tlp.highRxt.LessThan(b.End) {
				above = true
				break
			}
		}
		if !above {
			d.tlp.rxtOut = false
			return false
		}
	}

	if d.tlp.highRxt.LessThanEq(a.CumAck) {
		d.tlp.rxtOut = false
		if !a.DSACK {
			d.stats.ProbeLosses++
			log.Debugf("[rack] tail loss probe repaired a loss below %d", d.tlp.highRxt)
			return true
		}
	}
	return false
}

func inFlightRecords(sb *scoreboard.Scoreboard, limit int) int {
	n := 0
	sb.AscendTime(func(r scoreboard.Record) bool {
		if r.InFlight() {
			n++
		}
		return n < limit
	})
	return n
}
