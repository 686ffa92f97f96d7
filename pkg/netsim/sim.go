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

package netsim

import (
	"context"
	"errors"
	"time"

	"github.com/google/btree"

	"github.com/enfein/tcpbbr/pkg/clock"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/engine"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/rng"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
	"github.com/enfein/tcpbbr/pkg/timer"
)

const (
	// unlimited is what the send buffer reports for an endless transfer.
	unlimited = 1 << 30

	// maxBurst bounds the segments sent in one go without a pacing delay.
	maxBurst = 1024

	// ctxCheckInterval is the number of events between context checks.
	ctxCheckInterval = 4096
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type eventKind uint8

const (
	evData eventKind = iota
	evAck
	evTimer
	evPump
	evMTU
)

type event struct {
	at   time.Time
	seq  uint64
	kind eventKind

	block  seqnum.Block
	cumAck seqnum.Value
	sacks  []seqnum.Block
	timer  timer.Kind
	peer   bool
	mtu    int
}

func eventLess(a, b *event) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Simulator runs one scenario. It is not safe for concurrent use.
type Simulator struct {
	sc    *Scenario
	clock *clock.Virtual

	events *btree.BTreeG[*event]
	seq    uint64

	timers     *timerSet
	peerTimers *timerSet
	pumpEv     *event

	link *link
	rcv  *receiver
	eng  *engine.Engine
	iss  seqnum.Value
	log  *transitionLog

	// peer is the receiving endpoint. Only its delayed ACK timer runs.
	peer       *engine.Engine
	ackPending bool

	processed   uint64
	ackErrors   uint64
	probes      uint64
	dropped     bool
	completedAt time.Time
}

// New returns a simulator for a prepared scenario. obs receives the
// engine events in addition to the simulator's own bookkeeping. It may
// be nil.
func New(sc *Scenario, obs engine.Observer) *Simulator {
	if sc.cfg == nil {
		panic("scenario is not prepared")
	}
	rand := rng.NewSource(sc.Seed)
	s := &Simulator{
		sc:     sc,
		clock:  clock.NewVirtual(start),
		events: btree.NewG[*event](16, eventLess),
		link:   newLink(sc.Link, rand, start),
		iss:    seqnum.Value(sc.ISS),
		log:    &transitionLog{},
	}
	s.timers = newTimerSet(s, false)
	s.peerTimers = newTimerSet(s, true)
	s.rcv = newReceiver(s.iss, sc.Receiver)
	observers := engine.MultiObserver{s.log}
	if obs != nil {
		observers = append(observers, obs)
	}
	s.eng = engine.New(sc.cfg, engine.Deps{
		Sink:     (*simSink)(s),
		Timers:   s.timers,
		Buffer:   (*simBuffer)(s),
		Observer: observers,
		Rand:     rand,
	}, s.iss)
	peerCfg := sc.cfg.Clone()
	peerCfg.DelayedAckTimeout = sc.Receiver.DelayedAck
	peerCfg.KeepaliveInterval = 0
	s.peer = engine.New(peerCfg, engine.Deps{
		Sink:   idleSink{},
		Timers: s.peerTimers,
		Buffer: idleSink{},
	}, 0)
	return s
}

// Engine returns the simulated engine.
func (s *Simulator) Engine() *engine.Engine { return s.eng }

// Now returns the simulated time.
func (s *Simulator) Now() time.Time { return s.clock.Now() }

// Run simulates the scenario until the transfer completes, the time
// limit is reached, the engine drops the connection or ctx is done.
func (s *Simulator) Run(ctx context.Context) (*Result, error) {
	end := start.Add(s.sc.Duration)
	for _, c := range s.sc.MTUChanges {
		s.schedule(start.Add(c.At), &event{kind: evMTU, mtu: c.MTU})
	}
	s.pump()
	for !s.finished() {
		if s.processed%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ev, ok := s.events.DeleteMin()
		if !ok {
			break
		}
		if ev.at.After(end) {
			s.clock.Set(end)
			break
		}
		s.clock.Set(ev.at)
		s.processed++
		s.handle(ev)
		s.pump()
	}
	return s.result(), nil
}

func (s *Simulator) finished() bool {
	if s.dropped || !s.completedAt.IsZero() {
		return true
	}
	if s.sc.Bytes > 0 && int64(s.iss.Size(s.eng.SndUna())) >= s.sc.Bytes {
		s.completedAt = s.Now()
		return true
	}
	return false
}

func (s *Simulator) handle(ev *event) {
	switch ev.kind {
	case evData:
		dsack, immediate := s.rcv.onData(ev.block)
		switch {
		case immediate:
			s.sendAck(dsack)
		case s.ackPending:
		case s.peer.ScheduleDelayedAck():
			s.ackPending = true
		default:
			s.sendAck(nil)
		}
	case evAck:
		if _, err := s.eng.OnAck(ev.cumAck, ev.sacks, time.Time{}); err != nil {
			s.onAckError(err)
		}
	case evTimer:
		if ev.peer {
			delete(s.peerTimers.pending, ev.timer)
			s.onPeerTimer(ev.timer)
			return
		}
		delete(s.timers.pending, ev.timer)
		s.onTimer(ev.timer)
	case evPump:
		s.pumpEv = nil
	case evMTU:
		s.eng.OnMTUChange(ev.mtu)
	}
}

func (s *Simulator) onAckError(err error) {
	s.ackErrors++
	switch {
	case errors.Is(err, engine.ErrConnectionDropped):
		s.dropped = true
	case stderror.ShouldRetry(err):
		log.Debugf("[netsim] %s: ACK partially deferred: %v", s.sc.Name, err)
	default:
		log.Warnf("[netsim] %s: ACK rejected: %v", s.sc.Name, err)
	}
}

func (s *Simulator) onTimer(kind timer.Kind) {
	a := s.eng.OnTimer(kind)
	switch a.Kind {
	case engine.ActionDropConnection:
		log.Infof("[netsim] %s: connection dropped at %v", s.sc.Name, s.Now().Sub(start))
		s.dropped = true
	case engine.ActionSendProbe:
		// The zero window and keepalive probes carry no new data.
		s.probes++
	}
}

func (s *Simulator) onPeerTimer(kind timer.Kind) {
	if a := s.peer.OnTimer(kind); a.Kind == engine.ActionSendAck && s.ackPending {
		s.sendAck(nil)
	}
}

// sendAck sends the receiver's acknowledgement back to the sender.
func (s *Simulator) sendAck(dsack *seqnum.Block) {
	if s.ackPending {
		s.peer.CancelDelayedAck()
		s.ackPending = false
	}
	cumAck, sacks := s.rcv.ack(dsack)
	s.schedule(s.Now().Add(s.link.delay), &event{kind: evAck, cumAck: cumAck, sacks: sacks})
}

// pump transmits what the engine allows now, and schedules itself
// after the pacing delay.
func (s *Simulator) pump() {
	if s.pumpEv != nil || s.eng.Dropped() {
		return
	}
	for i := 0; i < maxBurst; i++ {
		d := s.eng.NextSendDecision(s.available())
		if d.SegmentSize <= 0 {
			return
		}
		if d.PacingDelay > 0 {
			s.pumpEv = s.schedule(s.Now().Add(d.PacingDelay), &event{kind: evPump})
			return
		}
		if err := s.eng.Transmit(d); err != nil {
			log.Debugf("[netsim] %s: transmit failed: %v", s.sc.Name, err)
			return
		}
	}
}

func (s *Simulator) available() int64 {
	if s.sc.Bytes == 0 {
		return unlimited
	}
	sent := int64(s.iss.Size(s.eng.SndMax()))
	if sent >= s.sc.Bytes {
		return 0
	}
	return s.sc.Bytes - sent
}

func (s *Simulator) schedule(at time.Time, ev *event) *event {
	s.seq++
	ev.at = at
	ev.seq = s.seq
	s.events.ReplaceOrInsert(ev)
	return ev
}

// simSink puts segments on the link, one MSS at a time.
type simSink Simulator

func (k *simSink) Send(b seqnum.Block, flags scoreboard.Flags) error {
	s := (*Simulator)(k)
	now := s.Now()
	mss := seqnum.Size(s.eng.MSS())
	for seg := b; !seg.Empty(); {
		piece := seg
		if piece.Size() > mss {
			piece.End = piece.Start.Add(mss)
		}
		seg.Start = piece.End
		if arrival, ok := s.link.transmit(now, int64(piece.Size())); ok {
			s.schedule(arrival, &event{kind: evData, block: piece})
		}
	}
	return nil
}

// timerSet runs the timers of one endpoint on the event queue.
type timerSet struct {
	s       *Simulator
	peer    bool
	pending map[timer.Kind]*event
}

func newTimerSet(s *Simulator, peer bool) *timerSet {
	return &timerSet{s: s, peer: peer, pending: make(map[timer.Kind]*event)}
}

func (t *timerSet) Arm(kind timer.Kind, delay time.Duration) {
	t.Cancel(kind)
	t.pending[kind] = t.s.schedule(t.s.Now().Add(delay), &event{kind: evTimer, timer: kind, peer: t.peer})
}

func (t *timerSet) Cancel(kind timer.Kind) {
	if ev, ok := t.pending[kind]; ok {
		t.s.events.Delete(ev)
		delete(t.pending, kind)
	}
}

func (t *timerSet) Now() time.Time {
	return t.s.Now()
}

// simBuffer reports the bytes of the transfer not sent yet.
type simBuffer Simulator

func (b *simBuffer) BytesAvailable() int64 {
	return (*Simulator)(b).available()
}

// idleSink serves the receiving endpoint, which sends no data.
type idleSink struct{}

func (idleSink) Send(seqnum.Block, scoreboard.Flags) error { return nil }

func (idleSink) BytesAvailable() int64 { return 0 }

// transitionLog keeps the BBR mode changes of a run.
type transitionLog struct {
	engine.NopObserver
	transitions []Transition
}

func (l *transitionLog) OnStateTransition(from, to congestion.Mode, now time.Time) {
	l.transitions = append(l.transitions, Transition{At: now.Sub(start), From: from, To: to})
}
