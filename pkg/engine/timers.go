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
	"time"

	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/mathext"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/timer"
)

// OnTimer handles an expired timer and tells the host what to do.
// A timer that was cancelled or replaced in the meantime does nothing.
func (e *Engine) OnTimer(kind timer.Kind) Action {
	if e.dropped || !e.timers.Fired(kind) {
		return Action{}
	}
	now := e.timers.Now()
	e.obs.OnTimerFired(now, kind)
	switch kind {
	case timer.RACK:
		lost, timeout := e.rack.DetectLossOnAck(e.sb, now)
		e.onLost(now, LossRACK, lost)
		e.rearm(now, timeout)
		if len(lost) > 0 {
			return Action{Kind: ActionRetransmit, Range: lost[0].Block}
		}
	case timer.TLP:
		return e.onProbeTimer(now)
	case timer.RTO:
		return e.onRTO(now)
	case timer.Persist:
		e.timers.Arm(timer.Persist, e.rtt.RTO())
		return Action{Kind: ActionSendProbe}
	case timer.DelayedAck:
		e.rearm(now, 0)
		return Action{Kind: ActionSendAck}
	case timer.Keepalive:
		if e.cfg.KeepaliveInterval > 0 {
			e.timers.Arm(timer.Keepalive, e.cfg.KeepaliveInterval)
		}
		return Action{Kind: ActionSendProbe}
	}
	return Action{}
}

func (e *Engine) onProbeTimer(now time.Time) Action {
	available := e.buf.BytesAvailable()
	size := mathext.Min(int64(e.mss), available)
	fits := size > 0 && e.windowRoom() >= size
	probe, ok := e.rack.ChooseProbe(e.sb, fits)
	// The probe is followed by the retransmission timer.
	e.timers.Arm(timer.RTO, e.rtt.RTO())
	if !ok {
		return Action{}
	}
	e.probe = &probe
	if probe.NewData {
		start := e.sb.Max()
		return Action{Kind: ActionProbeNewOrOld, Range: seqnum.Block{Start: start, End: start.Add(seqnum.Size(size))}}
	}
	return Action{Kind: ActionProbeNewOrOld, Range: probe.Record.Block}
}

func (e *Engine) onRTO(now time.Time) Action {
	wasInRecovery := e.rack.InRecovery()
	res := e.rack.OnRTO(e.sb, now)
	if res.Drop {
		log.Infof("[engine] dropping connection after %d retransmission timeouts", res.Backoff)
		e.dropped = true
		e.probe = nil
		e.timers.CancelAll()
		return Action{Kind: ActionDropConnection}
	}
	if !wasInRecovery {
		e.obs.OnRecovery(now, true)
	}
	e.probe = nil
	e.onLost(now, LossRTO, res.Lost)
	e.bbr.OnRTO(now)
	e.timers.Arm(timer.RTO, e.rtt.RTO())
	if r, ok := e.firstLost(); ok {
		return Action{Kind: ActionRetransmit, Range: r.Block}
	}
	return Action{}
}

// rearm arms the loss timer that fits the scoreboard. rackTimeout is the
// time until the oldest record still in the reordering window is lost,
// zero if there is none.
func (e *Engine) rearm(now time.Time, rackTimeout time.Duration) {
	if e.dropped {
		return
	}
	if e.sb.Empty() {
		e.timers.Cancel(timer.RACK)
		e.timers.Cancel(timer.TLP)
		e.timers.Cancel(timer.RTO)
		switch {
		case e.rcvWnd == 0 && e.buf.BytesAvailable() > 0:
			e.timers.Arm(timer.Persist, e.rtt.RTO())
		case e.cfg.KeepaliveInterval > 0:
			e.timers.Arm(timer.Keepalive, e.cfg.KeepaliveInterval)
		}
		return
	}
	switch {
	case rackTimeout > 0:
		e.timers.Arm(timer.RACK, rackTimeout)
	case e.rack.ShouldArmTLP(e.sb, now):
		e.timers.Arm(timer.TLP, e.rack.ProbeTimeout(e.sb))
	default:
		e.timers.Arm(timer.RTO, e.rtt.RTO())
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		kind, _ := e.timers.Armed()
		log.Tracef("[engine] %v armed at %v", kind, now)
	}
}

// rearmOnSend keeps a pending RACK or retransmission timer and moves the
// probe timer after the newest segment.
func (e *Engine) rearmOnSend(now time.Time) {
	if kind, ok := e.timers.Armed(); ok && (kind == timer.RACK || kind == timer.RTO) {
		return
	}
	e.rearm(now, 0)
}

// firstLost returns the lowest record waiting for retransmission.
func (e *Engine) firstLost() (scoreboard.Record, bool) {
	var found scoreboard.Record
	ok := false
	if e.sb.LostBytes() == 0 {
		return found, false
	}
	e.sb.Ascend(func(r scoreboard.Record) bool {
		if r.Flags.Has(scoreboard.FlagLost) && !r.Flags.Has(scoreboard.FlagWindowCollapsed) {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}
