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

package engine

import (
	"fmt"
	"time"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/rack"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
)

// OnAck processes an ACK: the cumulative ACK, the SACK blocks in the
// order the peer sent them, and the echoed timestamp, zero if absent.
//
// An ACK beyond SndMax or behind SndUna is a protocol anomaly and changes
// nothing. Running out of scoreboard records defers the SACK blocks that
// could not be recorded and returns a retryable error; the rest of the
// ACK is still applied.
func (e *Engine) OnAck(cumAck seqnum.Value, sacks []seqnum.Block, tsEcr time.Time) (AckResult, error) {
	var res AckResult
	if e.dropped {
		return res, ErrConnectionDropped
	}
	now := e.timers.Now()
	sndUna, sndMax := e.sb.Min(), e.sb.Max()
	if sndMax.LessThan(cumAck) {
		err := stderror.NewProtocolAnomaly("ack %d beyond snd_max %d", cumAck, sndMax)
		e.noteError(err)
		return res, err
	}
	if cumAck.LessThan(sndUna) {
		err := stderror.NewProtocolAnomaly("ack %d behind snd_una %d", cumAck, sndUna)
		e.noteError(err)
		return res, err
	}
	e.stats.acks++
	advanced := sndUna.LessThan(cumAck)
	priorInFlight := e.sb.InFlightBytes()

	sacks, dsack := splitDSACK(sacks, cumAck)
	if dsack {
		e.stats.dsacks++
		e.rack.OnDSACK(now, e.est.RoundCount())
	}
	blocks := e.filter.Filter(sacks, cumAck, sndMax)
	if !advanced && len(blocks) == 0 {
		e.stats.dupAcks++
	}

	var delivered []scoreboard.Record
	var deferred error
	if advanced {
		// A refused split of the record straddling cumAck is fine, the
		// record is trimmed by RemoveThrough.
		newly, err := e.sb.MarkAcked(seqnum.Block{Start: sndUna, End: cumAck})
		if err != nil {
			e.noteError(err)
		}
		delivered = append(delivered, newly...)
	}
	var highestSack seqnum.Value
	hasSack := false
	for _, b := range blocks {
		newly, err := e.sb.MarkSacked(b)
		if err != nil {
			e.filter.Reject(b)
			e.noteError(err)
			deferred = fmt.Errorf("SACK %v deferred: %w", b, err)
		}
		for _, r := range newly {
			res.NewlySacked += r.Size()
		}
		delivered = append(delivered, newly...)
		if !hasSack || highestSack.LessThan(b.Start) {
			highestSack = b.Start
			hasSack = true
		}
	}
	if len(blocks) > 0 {
		e.sb.MergeAcked()
	}
	res.NewlyAcked = e.sb.RemoveThrough(cumAck)
	e.stats.bytesAcked += res.NewlyAcked
	if advanced {
		e.checkRenege(now, cumAck)
	}

	rttExpired := e.sampleRTT(now, delivered, tsEcr)
	sampler := e.est.Sampler()
	for _, r := range delivered {
		e.rack.OnDelivered(r, now)
		sampler.OnDelivered(r.State, r.LastSend(), r.Size(), r.RetransCount > 0)
	}
	if hasSack {
		e.sb.MarkSackPassed(highestSack)
	}

	if e.rack.MaybeExitRecovery(cumAck) {
		e.bbr.OnRecoveryExit(now)
		e.obs.OnRecovery(now, false)
	}
	lost, rackTimeout := e.rack.DetectLossOnAck(e.sb, now)
	lostBytes := e.onLost(now, LossRACK, lost)
	if e.rack.OnTLPAck(rack.AckInfo{
		CumAck:    cumAck,
		Advanced:  advanced,
		Duplicate: !advanced && len(blocks) == 0,
		Sacks:     sacks,
		DSACK:     dsack,
	}) {
		e.enterRecovery(now)
	}

	rs := sampler.Generate(now, lostBytes, priorInFlight, e.est.RTTProp())
	e.bbr.OnAck(congestion.AckEvent{Now: now, Sample: rs, InFlight: e.sb.InFlightBytes(), MinRTTExpired: rttExpired})
	if e.bbr.LastUpdate().BandwidthAccepted {
		e.obs.OnBandwidthSample(now, rs, e.est.Bandwidth())
	}

	res.BecameAppLimited = e.checkAppLimited()
	e.rearm(now, rackTimeout)
	return res, deferred
}

// splitDSACK removes a leading duplicate SACK block. The first block is
// a DSACK if it is below the cumulative ACK or inside the second block.
func splitDSACK(sacks []seqnum.Block, cumAck seqnum.Value) ([]seqnum.Block, bool) {
	if len(sacks) == 0 || sacks[0].Empty() {
		return sacks, false
	}
	first := sacks[0]
	if first.End.LessThanEq(cumAck) || (len(sacks) > 1 && sacks[1].Contains(first)) {
		return sacks[1:], true
	}
	return sacks, false
}

// checkRenege detects a receiver that dropped SACKed data. After the
// cumulative ACK moved forward, a SACKed record right at it would have
// been covered as well, unless the receiver discarded it.
func (e *Engine) checkRenege(now time.Time, cumAck seqnum.Value) {
	r, ok := e.sb.Get(e.sb.Head())
	if !ok || r.Block.Start != cumAck || !r.Flags.Has(scoreboard.FlagSacked) {
		return
	}
	var sacked []scoreboard.Handle
	e.sb.Ascend(func(r scoreboard.Record) bool {
		if r.Flags.Has(scoreboard.FlagSacked) {
			sacked = append(sacked, r.Handle)
		}
		return true
	})
	for _, h := range sacked {
		e.sb.Renege(h)
	}
	e.filter.Reset()
	e.stats.reneges++
	log.Debugf("[engine] receiver reneged %d SACKed records at %d", len(sacked), cumAck)
}

// sampleRTT takes an RTT sample from the echoed timestamp or, following
// Karn's rule, from the latest delivered record that was never resent.
// An echoed timestamp is valid for resent data too, so it also feeds
// RTT-prop. It returns true if RTT-prop turned out to be expired.
func (e *Engine) sampleRTT(now time.Time, delivered []scoreboard.Record, tsEcr time.Time) bool {
	if len(delivered) == 0 {
		return false
	}
	if !tsEcr.IsZero() {
		rtt := now.Sub(tsEcr)
		if rtt <= 0 {
			return false
		}
		e.rtt.UpdateRTT(rtt)
		return e.est.OnRTTSample(rtt, now)
	}
	var latest time.Time
	for _, r := range delivered {
		if r.RetransCount == 0 && r.LastSend().After(latest) {
			latest = r.LastSend()
		}
	}
	if !latest.IsZero() {
		if rtt := now.Sub(latest); rtt > 0 {
			e.rtt.UpdateRTT(rtt)
		}
	}
	return false
}

// onLost accounts records declared lost and returns their size.
func (e *Engine) onLost(now time.Time, reason LossReason, lost []scoreboard.Record) int64 {
	if len(lost) == 0 {
		return 0
	}
	var bytes int64
	for _, r := range lost {
		bytes += r.Size()
	}
	e.est.Sampler().OnLost(bytes)
	e.obs.OnLoss(now, reason, lost)
	if reason == LossRACK {
		e.enterRecovery(now)
	}
	return bytes
}

// enterRecovery starts a loss episode. The congestion signal fires once
// per episode.
func (e *Engine) enterRecovery(now time.Time) {
	if e.rack.EnterRecovery(e.sb.Max()) {
		e.bbr.OnCongestionSignal(now, e.sb.InFlightBytes())
		e.obs.OnRecovery(now, true)
	}
}
