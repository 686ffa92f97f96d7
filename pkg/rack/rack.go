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

// Package rack implements time based loss detection: RACK, tail loss
// probes and the retransmission timeout.
package rack

import (
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/mathext"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

// maxReorderSteps bounds the reorder window multiplier.
const maxReorderSteps = 255

// Detector holds the RACK and TLP state of a connection.
type Detector struct {
	cfg *config.Config
	rtt *congestion.RTTStats

	// xmitTime and endSeq identify the most recently sent record that
	// was delivered.
	xmitTime time.Time
	endSeq   seqnum.Value

	// rackRTT is the RTT of that record.
	rackRTT time.Duration

	// fack is the highest delivered sequence number.
	fack    seqnum.Value
	hasFack bool

	reorderSeen bool
	lastReorder time.Time

	// reorderSteps multiplies the reorder window after DSACKs.
	// It goes back to 1 after reorderPersist recoveries without DSACK.
	reorderSteps   int
	reorderPersist int
	dsackRound     int64
	dsackCounted   bool

	inRecovery    bool
	recoveryPoint seqnum.Value

	tlp tlpState

	stats Stats
}

// Stats are the counters of a detector.
type Stats struct {
	RackLosses  uint64
	RTOLosses   uint64
	Reorders    uint64
	DSACKs      uint64
	Recoveries  uint64
	Probes      uint64
	ProbeLosses uint64
	RTOs        uint64
}

// New returns a detector that reads SRTT and RTO from rttStats.
func New(cfg *config.Config, rttStats *congestion.RTTStats) *Detector {
	return &Detector{
		cfg:          cfg,
		rtt:          rttStats,
		reorderSteps: 1,
	}
}

// Stats returns a copy of the counters.
func (d *Detector) Stats() Stats { return d.stats }

// InRecovery returns true during a loss episode.
func (d *Detector) InRecovery() bool { return d.inRecovery }

// ReorderSeen returns true if reordering was ever observed.
func (d *Detector) ReorderSeen() bool { return d.reorderSeen }

// ReorderSteps returns the reorder window multiplier.
func (d *Detector) ReorderSteps() int { return d.reorderSteps }

// RackRTT returns the RTT of the most recently sent record that was delivered.
func (d *Detector) RackRTT() time.Duration { return d.rackRTT }

// OnDelivered updates RACK with a record that was just acknowledged or
// SACKed.
func (d *Detector) OnDelivered(rec scoreboard.Record, now time.Time) {
	sent := rec.LastSend()
	rtt := now.Sub(sent)

	// A retransmitted record acknowledged faster than the minimum RTT
	// was likely delivered by its original transmission.
	spurious := rec.RetransCount > 0 && rtt < d.rtt.MinRTT()
	if !spurious {
		d.rackRTT = rtt
		if d.xmitTime.Before(sent) || (sent.Equal(d.xmitTime) && d.endSeq.LessThan(rec.Block.End)) {
			d.xmitTime = sent
			d.endSeq = rec.Block.End
		}
	}

	end := rec.Block.End
	if !d.hasFack || d.fack.LessThan(end) {
		d.fack = end
		d.hasFack = true
		return
	}
	// An original transmission delivered below the forward ACK arrived
	// out of order.
	if rec.RetransCount == 0 && end.LessThan(d.fack) {
		d.onReorder(now)
	}
}

func (d *Detector) onReorder(now time.Time) {
	if !d.reorderSeen {
		log.Debugf("[rack] reordering detected")
	}
	d.reorderSeen = true
	d.lastReorder = now
	d.stats.Reorders++
}

// OnDSACK widens the reorder window. Only the first DSACK of a round
// counts.
func (d *Detector) OnDSACK(now time.Time, round int64) {
	d.stats.DSACKs++
	d.onReorder(now)
	if d.dsackCounted && d.dsackRound == round {
		return
	}
	d.dsackCounted = true
	d.dsackRound = round
	if d.reorderSteps < maxReorderSteps {
		d.reorderSteps++
	}
	d.reorderPersist = d.cfg.ReorderPersistRounds
}

func (d *Detector) reorderRecent(now time.Time) bool {
	return d.reorderSeen && now.Sub(d.lastReorder) <= d.cfg.ReorderFade
}

// ReorderAllowance returns the extra time a record gets before it is
// declared lost. It is zero unless reordering was observed within the
// fade period.
func (d *Detector) ReorderAllowance(now time.Time) time.Duration {
	if !d.reorderRecent(now) {
		return 0
	}
	srtt := d.rtt.SmoothedRTT()
	base := d.rtt.MinRTT()
	if base == 0 {
		base = srtt
	}
	return mathext.Min(base/4*time.Duration(d.reorderSteps), srtt)
}

// Threshold returns the time after its last send at which an
// unacknowledged record is lost.
func (d *Detector) Threshold(now time.Time) time.Duration {
	rto := d.rtt.RTO()
	srtt := d.rtt.SmoothedRTT()
	if srtt == 0 {
		return rto
	}
	return mathext.Min(srtt+d.ReorderAllowance(now), rto)
}

// DetectLoss marks lost every in flight record whose last send is at
// least Threshold old. It returns the newly lost records and the time
// until the next record would expire, or zero if there is none.
func (d *Detector) DetectLoss(sb *scoreboard.Scoreboard, now time.Time) ([]scoreboard.Record, time.Duration) {
	return d.detect(sb, now, false)
}

// DetectLossOnAck is DetectLoss restricted to the records sent no later
// than the most recently delivered one.
func (d *Detector) DetectLossOnAck(sb *scoreboard.Scoreboard, now time.Time) ([]scoreboard.Record, time.Duration) {
	if d.xmitTime.IsZero() {
		return nil, 0
	}
	return d.detect(sb, now, true)
}

func (d *Detector) detect(sb *scoreboard.Scoreboard, now time.Time, ordered bool) ([]scoreboard.Record, time.Duration) {
	threshold := d.Threshold(now)
	var lost []scoreboard.Handle
	var timeout time.Duration
	sb.AscendTime(func(r scoreboard.Record) bool {
		if ordered && !d.sentBefore(r) {
			return false
		}
		if r.Flags.Has(scoreboard.FlagLost) {
			return true
		}
		elapsed := now.Sub(r.LastSend())
		if elapsed >= threshold {
			lost = append(lost, r.Handle)
			return true
		}
		timeout = threshold - elapsed
		return false
	})
	var out []scoreboard.Record
	for _, h := range lost {
		if sb.MarkLost(h) {
			r, _ := sb.Get(h)
			out = append(out, r)
		}
	}
	d.stats.RackLosses += uint64(len(out))
	if len(out) > 0 && log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[rack] %d records lost, threshold %v", len(out), threshold)
	}
	return out, timeout
}

// sentBefore returns true if r was sent before the most recently
// delivered record.
func (d *Detector) sentBefore(r scoreboard.Record) bool {
	sent := r.LastSend()
	return sent.Before(d.xmitTime) || (sent.Equal(d.xmitTime) && r.Block.End.LessThanEq(d.endSeq))
}

// EnterRecovery starts a loss episode ending when sndMax is cumulatively
// acknowledged. It returns false if an episode is already running, so the
// congestion signal fires once per episode.
func (d *Detector) EnterRecovery(sndMax seqnum.Value) bool {
	if d.inRecovery {
		return false
	}
	d.inRecovery = true
	d.recoveryPoint = sndMax
	d.stats.Recoveries++
	return true
}

// MaybeExitRecovery ends the loss episode once cumAck reaches the
// recovery point. It returns true if the episode ended.
func (d *Detector) MaybeExitRecovery(cumAck seqnum.Value) bool {
	if !d.inRecovery || cumAck.LessThan(d.recoveryPoint) {
		return false
	}
	d.inRecovery = false
	if d.reorderPersist > 0 {
		d.reorderPersist--
		if d.reorderPersist == 0 {
			d.reorderSteps = 1
		}
	}
	return true
}

// RTOResult is the outcome of a retransmission timeout.
type RTOResult struct {
	// Lost holds the records newly marked lost.
	Lost []scoreboard.Record

	// Backoff is the number of consecutive timeouts.
	Backoff int

	// Drop is true if the connection should be abandoned.
	Drop bool
}

// OnRTO marks every in flight record lost and backs off the timer.
func (d *Detector) OnRTO(sb *scoreboard.Scoreboard, now time.Time) RTOResult {
	d.stats.RTOs++
	res := RTOResult{Backoff: d.rtt.OnRTOExpired()}
	if res.Backoff > d.cfg.MaxRTOBackoffs {
		log.Warnf("[rack] %d consecutive retransmission timeouts", res.Backoff)
		res.Drop = true
		return res
	}
	var hs []scoreboard.Handle
	sb.AscendTime(func(r scoreboard.Record) bool {
		if r.InFlight() {
			hs = append(hs, r.Handle)
		}
		return true
	})
	for _, h := range hs {
		if sb.MarkLost(h) {
			r, _ := sb.Get(h)
			res.Lost = append(res.Lost, r)
		}
	}
	d.stats.RTOLosses += uint64(len(res.Lost))
	d.tlp.reset()
	d.inRecovery = true
	d.recoveryPoint = sb.Max()
	log.Debugf("[rack] RTO #%d at %v marked %d records lost", res.Backoff, now.Format("15:04:05.000"), len(res.Lost))
	return res
}
