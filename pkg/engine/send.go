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
	"github.com/enfein/tcpbbr/pkg/mathext"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
)

// NextSendDecision decides what to send next given the number of new
// bytes the host has queued. A pending probe goes first, then lost
// records, then new data within the congestion and receiver windows.
func (e *Engine) NextSendDecision(available int64) Decision {
	if e.dropped {
		return Decision{}
	}
	now := e.timers.Now()
	if e.probe != nil {
		if d, ok := e.probeDecision(available); ok {
			return d
		}
		e.probe = nil
	}

	room := e.bbr.CongestionWindow() - e.sb.InFlightBytes()
	if room <= 0 {
		return Decision{}
	}
	rate := e.bbr.PacingRate()
	if r, ok := e.firstLost(); ok {
		b := r.Block
		size, delay := e.sched.NextSend(now, mathext.Min(r.Size(), room), rate)
		if size < r.Size() {
			b.End = b.Start.Add(seqnum.Size(size))
		}
		return Decision{SegmentSize: size, PacingDelay: delay, Retransmit: &b}
	}

	limit := mathext.Min(available, mathext.Min(room, e.windowRoom()))
	if limit <= 0 {
		return Decision{}
	}
	size, delay := e.sched.NextSend(now, limit, rate)
	return Decision{SegmentSize: size, PacingDelay: delay}
}

// probeDecision sends the probe regardless of the congestion window.
func (e *Engine) probeDecision(available int64) (Decision, bool) {
	if e.probe.NewData {
		size := mathext.Min(int64(e.mss), mathext.Min(available, e.windowRoom()))
		if size <= 0 {
			return Decision{}, false
		}
		return Decision{SegmentSize: size, Probe: true}, true
	}
	want := e.probe.Record.Block
	h, ok := e.sb.Find(want.Start)
	if !ok {
		return Decision{}, false
	}
	r, _ := e.sb.Get(h)
	if r.Flags.Any(scoreboard.FlagAcked | scoreboard.FlagSacked) {
		return Decision{}, false
	}
	// Resend the highest segment of the record.
	b := r.Block
	if b.Size() > seqnum.Size(e.mss) {
		b.Start = b.Start.Add(b.Size() - seqnum.Size(e.mss))
	}
	return Decision{SegmentSize: int64(b.Size()), Retransmit: &b, Probe: true}, true
}

// Transmit sends what NextSendDecision returned through the sink and
// updates the books.
func (e *Engine) Transmit(d Decision) error {
	if e.dropped {
		return ErrConnectionDropped
	}
	if d.SegmentSize <= 0 {
		return nil
	}
	if d.Retransmit != nil {
		return e.retransmit(*d.Retransmit, d.Probe)
	}
	start := e.sb.Max()
	b := seqnum.Block{Start: start, End: start.Add(seqnum.Size(d.SegmentSize))}
	if err := e.sink.Send(b, 0); err != nil {
		return err
	}
	if err := e.OnSent(b, 0); err != nil {
		return err
	}
	if d.Probe {
		e.rack.OnProbeSent(e.sb.Max(), false)
		e.probe = nil
	}
	return nil
}

func (e *Engine) retransmit(b seqnum.Block, probe bool) error {
	now := e.timers.Now()
	h, err := e.carve(b)
	if err != nil {
		return err
	}
	r, _ := e.sb.Get(h)
	if r.Flags.Any(scoreboard.FlagAcked | scoreboard.FlagSacked) {
		return fmt.Errorf("retransmit %v: %w", r.Block, stderror.ErrInvalidArgument)
	}
	if err := e.sink.Send(r.Block, r.Flags&(scoreboard.FlagSYN|scoreboard.FlagFIN)); err != nil {
		return err
	}
	state := e.onResend(now, r.Size())
	if err := e.sb.MarkRetransmitted(h, now, state, probe); err != nil {
		return err
	}
	e.stats.retransmits++
	e.stats.bytesRetrans += r.Size()
	if probe {
		e.rack.OnProbeSent(e.sb.Max(), true)
		e.probe = nil
	}
	e.rearmOnSend(now)
	return nil
}

// carve returns the record that covers exactly b, splitting the record
// that contains b.Start if needed. When a split is refused the whole
// record is resent.
func (e *Engine) carve(b seqnum.Block) (scoreboard.Handle, error) {
	h, ok := e.sb.Find(b.Start)
	if !ok {
		return h, fmt.Errorf("retransmit %v: %w", b, stderror.ErrNotFound)
	}
	r, _ := e.sb.Get(h)
	if r.Block.Start != b.Start {
		right, err := e.sb.Split(h, b.Start)
		if err != nil {
			e.noteError(err)
		} else {
			h = right
			r, _ = e.sb.Get(h)
		}
	}
	if b.End.LessThan(r.Block.End) {
		if _, err := e.sb.Split(h, b.End); err != nil {
			e.noteError(err)
		}
	}
	return h, nil
}

func (e *Engine) onResend(now time.Time, size int64) congestion.SendState {
	inFlight := e.sb.InFlightBytes()
	e.bbr.OnSend(now, inFlight, size)
	state := e.est.Sampler().OnSent(now, inFlight, size)
	e.sched.OnSent(now, size, e.bbr.PacingRate())
	e.stats.segmentsSent++
	e.stats.bytesSent += size
	return state
}
