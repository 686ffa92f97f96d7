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

// Package engine ties the congestion control and loss recovery components
// of one connection together behind the interfaces of a host TCP stack.
//
// An Engine is not safe for concurrent use. The host serializes the
// events of a connection, and different connections share nothing.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/rack"
	"github.com/enfein/tcpbbr/pkg/rng"
	"github.com/enfein/tcpbbr/pkg/sackfilter"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
	"github.com/enfein/tcpbbr/pkg/timer"
)

// headerOverhead is the IPv4 and TCP header size without options.
const headerOverhead = 40

// minMSS is the smallest segment size accepted after an MTU change.
const minMSS = 88

// ErrConnectionDropped is returned once the engine gave up the connection.
var ErrConnectionDropped = errors.New("connection dropped after repeated retransmission timeouts")

// Sink transmits segments. Building headers and checksums is up to the host.
type Sink interface {
	Send(b seqnum.Block, flags scoreboard.Flags) error
}

// Buffer reports the send buffer of the host.
type Buffer interface {
	// BytesAvailable returns the number of bytes queued but never sent.
	BytesAvailable() int64
}

// Deps are the collaborators of an engine.
type Deps struct {
	Sink   Sink
	Timers timer.Service
	Buffer Buffer

	// Observer is optional.
	Observer Observer

	// Rand drives the PROBE_BW start offset. Optional.
	Rand rng.Source
}

// ActionKind tells the host what to do after a timer fired.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionRetransmit
	ActionProbeNewOrOld
	ActionSendAck
	ActionSendProbe
	ActionDropConnection
)

var actionNames = [...]string{"NONE", "RETRANSMIT", "PROBE_NEW_OR_OLD", "SEND_ACK", "SEND_PROBE", "DROP_CONNECTION"}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("ActionKind(%d)", k)
}

// Action is the result of a timer.
type Action struct {
	Kind ActionKind

	// Range is the sequence range concerned by a retransmission or a probe.
	Range seqnum.Block
}

// AckResult is the result of an ACK.
type AckResult struct {
	// NewlyAcked is the number of sequence numbers newly covered by the
	// cumulative ACK.
	NewlyAcked int64

	// NewlySacked is the number of bytes newly covered by SACK blocks.
	NewlySacked int64

	// BecameAppLimited is true if the connection ran out of data to send
	// with room left in the congestion window.
	BecameAppLimited bool
}

// Decision tells the host what to send next.
type Decision struct {
	// SegmentSize is the number of bytes to send. Zero means nothing
	// can be sent until the next ACK or timer.
	SegmentSize int64

	// PacingDelay is how long to wait before sending.
	PacingDelay time.Duration

	// Retransmit is the range to resend. Nil means new data.
	Retransmit *seqnum.Block

	// Probe is true if the segment is a tail loss probe.
	Probe bool
}

// Engine is the congestion control engine of one connection.
type Engine struct {
	cfg *config.Config

	sink   Sink
	buf    Buffer
	obs    Observer
	timers *timer.Arbiter

	sb     *scoreboard.Scoreboard
	filter *sackfilter.Filter
	rtt    *congestion.RTTStats
	est    *congestion.Estimator
	sched  *congestion.PacingScheduler
	bbr    *congestion.BBR
	rack   *rack.Detector

	mss    int
	rcvWnd seqnum.Size

	// probe is set when the probe timer fired and the probe is not sent yet.
	probe *rack.Probe

	dropped bool
	stats   counters
}

// counters are the engine level statistics.
type counters struct {
	acks          uint64
	dupAcks       uint64
	dsacks        uint64
	reneges       uint64
	anomalies     uint64
	deferrals     uint64
	segmentsSent  uint64
	bytesSent     int64
	retransmits   uint64
	bytesRetrans  int64
	bytesAcked    int64
	appLimited    uint64
	mtuRetransmit uint64
}

// New returns an engine for a connection whose first sequence number is iss.
// cfg must be valid and is not modified.
func New(cfg *config.Config, deps Deps, iss seqnum.Value) *Engine {
	if deps.Sink == nil || deps.Timers == nil || deps.Buffer == nil {
		panic("engine dependencies Sink, Timers and Buffer are required")
	}
	obs := deps.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	rtt := congestion.NewRTTStats(cfg)
	est := congestion.NewEstimator(cfg)
	sched := congestion.NewPacingScheduler(cfg, rtt)
	e := &Engine{
		cfg:    cfg,
		sink:   deps.Sink,
		buf:    deps.Buffer,
		obs:    obs,
		timers: timer.NewArbiter(deps.Timers),
		sb:     scoreboard.New(cfg, iss),
		filter: sackfilter.New(cfg),
		rtt:    rtt,
		est:    est,
		sched:  sched,
		bbr:    congestion.NewBBR(cfg, est, sched, rtt, deps.Rand),
		rack:   rack.New(cfg, rtt),
		mss:    cfg.MSS,
		rcvWnd: seqnum.Size(cfg.MaxCwndSegments * cfg.MSS),
	}
	e.bbr.SetTransitionListener(e.obs.OnStateTransition)
	return e
}

// Scoreboard returns the scoreboard. The caller must not modify it.
func (e *Engine) Scoreboard() *scoreboard.Scoreboard { return e.sb }

// BBR returns the state machine. The caller must not modify it.
func (e *Engine) BBR() *congestion.BBR { return e.bbr }

// RTTStats returns the RTT statistics.
func (e *Engine) RTTStats() *congestion.RTTStats { return e.rtt }

// MSS returns the current segment size.
func (e *Engine) MSS() int { return e.mss }

// SndUna returns the lowest unacknowledged sequence number.
func (e *Engine) SndUna() seqnum.Value { return e.sb.Min() }

// SndMax returns the sequence number after the highest one sent.
func (e *Engine) SndMax() seqnum.Value { return e.sb.Max() }

// Dropped returns true if the engine gave up the connection.
func (e *Engine) Dropped() bool { return e.dropped }

// CancelAll stops the armed timer. It is called on teardown.
func (e *Engine) CancelAll() {
	e.timers.CancelAll()
	e.probe = nil
}

// OnSent records a segment the host sent on its own, for example a SYN or
// a FIN. The range must start at SndMax.
func (e *Engine) OnSent(b seqnum.Block, flags scoreboard.Flags) error {
	if e.dropped {
		return ErrConnectionDropped
	}
	now := e.timers.Now()
	size := int64(b.Size())
	inFlight := e.sb.InFlightBytes()
	e.bbr.OnSend(now, inFlight, size)
	state := e.est.Sampler().OnSent(now, inFlight, size)
	if _, err := e.sb.Insert(b, now, flags, state); err != nil {
		e.noteError(err)
		return err
	}
	e.sched.OnSent(now, size, e.bbr.PacingRate())
	e.stats.segmentsSent++
	e.stats.bytesSent += size
	e.checkAppLimited()
	e.rearmOnSend(now)
	return nil
}

// OnMTUChange applies a new path MTU. When the segment size shrinks, the
// records larger than the new size are marked lost so that they are sent
// again in smaller pieces. This is not a congestion signal.
func (e *Engine) OnMTUChange(mtu int) {
	mss := mtu - headerOverhead
	if mss < minMSS {
		mss = minMSS
	}
	if mss == e.mss {
		return
	}
	shrink := mss < e.mss
	e.mss = mss
	e.bbr.SetMSS(mss)
	if e.cfg.SackFilterMinNewBytes == 0 {
		e.filter.SetMinNewBytes(mss)
	}
	if !shrink {
		return
	}
	var lost []scoreboard.Record
	for _, h := range e.sb.MarkOversized(mss) {
		if e.sb.MarkLost(h) {
			r, _ := e.sb.Get(h)
			lost = append(lost, r)
		}
	}
	if len(lost) > 0 {
		e.stats.mtuRetransmit += uint64(len(lost))
		e.obs.OnLoss(e.timers.Now(), LossMTU, lost)
	}
	log.Debugf("[engine] MSS changed to %d, %d records to resend", mss, len(lost))
}

// OnWindowUpdate applies the receiver window advertised by the peer,
// relative to SndUna. Records beyond a shrunk window are flagged but kept.
func (e *Engine) OnWindowUpdate(rcvWnd seqnum.Size) {
	e.rcvWnd = rcvWnd
	edge := e.sb.Min().Add(rcvWnd)
	e.sb.CollapseWindow(edge)
	e.sb.ReopenWindow(edge)
	now := e.timers.Now()
	if rcvWnd == 0 {
		if e.sb.InFlightBytes() == 0 && e.buf.BytesAvailable() > 0 {
			e.timers.Arm(timer.Persist, e.rtt.RTO())
		}
		return
	}
	if kind, ok := e.timers.Armed(); ok && kind == timer.Persist {
		e.timers.Cancel(timer.Persist)
		e.rearm(now, 0)
	}
}

// ScheduleDelayedAck arms the delayed ACK timer unless a more important
// timer is armed. The host calls it when it holds back the ACK of
// received data, and sends the ACK right away if it returns false.
func (e *Engine) ScheduleDelayedAck() bool {
	return e.timers.Arm(timer.DelayedAck, e.cfg.DelayedAckTimeout)
}

// CancelDelayedAck stops the delayed ACK timer. The host calls it when an
// ACK left before the timer fired.
func (e *Engine) CancelDelayedAck() {
	e.timers.Cancel(timer.DelayedAck)
}

// windowRoom returns the number of new bytes the receiver accepts.
func (e *Engine) windowRoom() int64 {
	used := int64(e.sb.Min().Size(e.sb.Max()))
	return int64(e.rcvWnd) - used
}

func (e *Engine) noteError(err error) {
	if errors.Is(err, scoreboard.ErrSplitRefused) {
		return
	}
	if errors.Is(err, stderror.ErrNoMemory) {
		e.stats.deferrals++
		AllocDeferrals.Add(1)
		return
	}
	e.stats.anomalies++
	AckAnomalies.Add(1)
}

func (e *Engine) checkAppLimited() bool {
	sampler := e.est.Sampler()
	inFlight := e.sb.InFlightBytes()
	if e.buf.BytesAvailable() > 0 || inFlight >= e.bbr.CongestionWindow() || sampler.IsAppLimited() {
		return false
	}
	sampler.OnAppLimited(inFlight)
	e.stats.appLimited++
	return true
}
