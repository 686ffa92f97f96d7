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

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/timer"
)

// LossReason tells why records were declared lost.
type LossReason uint8

const (
	LossRACK LossReason = iota
	LossRTO
	LossMTU
)

func (r LossReason) String() string {
	switch r {
	case LossRACK:
		return "RACK"
	case LossRTO:
		return "RTO"
	case LossMTU:
		return "MTU"
	default:
		return "UNKNOWN"
	}
}

// Observer is told about the notable events of an engine.
// Methods are called synchronously and must not call back into the engine.
type Observer interface {
	// OnStateTransition is called when the BBR mode changes.
	OnStateTransition(from, to congestion.Mode, now time.Time)

	// OnLoss is called when records are declared lost.
	OnLoss(now time.Time, reason LossReason, lost []scoreboard.Record)

	// OnBandwidthSample is called when a delivery rate sample is accepted
	// by the bandwidth filter. bw is the resulting estimate.
	OnBandwidthSample(now time.Time, rs congestion.RateSample, bw congestion.Bandwidth)

	// OnRecovery is called when a loss episode starts or ends.
	OnRecovery(now time.Time, enter bool)

	// OnTimerFired is called when a loss recovery timer fires.
	OnTimerFired(now time.Time, kind timer.Kind)
}

// NopObserver ignores every event. Embed it to implement part of Observer.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnStateTransition(from, to congestion.Mode, now time.Time) {}

func (NopObserver) OnLoss(now time.Time, reason LossReason, lost []scoreboard.Record) {}

func (NopObserver) OnBandwidthSample(now time.Time, rs congestion.RateSample, bw congestion.Bandwidth) {
}

func (NopObserver) OnRecovery(now time.Time, enter bool) {}

func (NopObserver) OnTimerFired(now time.Time, kind timer.Kind) {}

// MultiObserver forwards every event to each observer in order.
type MultiObserver []Observer

var _ Observer = MultiObserver{}

func (m MultiObserver) OnStateTransition(from, to congestion.Mode, now time.Time) {
	for _, o := range m {
		o.OnStateTransition(from, to, now)
	}
}

func (m MultiObserver) OnLoss(now time.Time, reason LossReason, lost []scoreboard.Record) {
	for _, o := range m {
		o.OnLoss(now, reason, lost)
	}
}

func (m MultiObserver) OnBandwidthSample(now time.Time, rs congestion.RateSample, bw congestion.Bandwidth) {
	for _, o := range m {
		o.OnBandwidthSample(now, rs, bw)
	}
}

func (m MultiObserver) OnRecovery(now time.Time, enter bool) {
	for _, o := range m {
		o.OnRecovery(now, enter)
	}
}

func (m MultiObserver) OnTimerFired(now time.Time, kind timer.Kind) {
	for _, o := range m {
		o.OnTimerFired(now, kind)
	}
}

// LogObserver writes events to the log. Bandwidth samples are logged at
// trace level, everything else at debug level.
type LogObserver struct {
	// Name identifies the connection in the log.
	Name string
}

var _ Observer = LogObserver{}

func (o LogObserver) OnStateTransition(from, to congestion.Mode, now time.Time) {
	log.WithFields(log.Fields{
		"conn": o.Name,
		"from": from.String(),
		"to":   to.String(),
	}).Debug("state transition")
}

func (o LogObserver) OnLoss(now time.Time, reason LossReason, lost []scoreboard.Record) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	var bytes int64
	for _, r := range lost {
		bytes += r.Size()
	}
	log.WithFields(log.Fields{
		"conn":    o.Name,
		"reason":  reason.String(),
		"records": len(lost),
		"bytes":   bytes,
	}).Debug("loss detected")
}

func (o LogObserver) OnBandwidthSample(now time.Time, rs congestion.RateSample, bw congestion.Bandwidth) {
	if !log.IsLevelEnabled(log.TraceLevel) {
		return
	}
	log.WithFields(log.Fields{
		"conn":   o.Name,
		"sample": rs.DeliveryRate.String(),
		"bw":     bw.String(),
	}).Trace("bandwidth sample")
}

func (o LogObserver) OnRecovery(now time.Time, enter bool) {
	msg := "recovery exit"
	if enter {
		msg = "recovery enter"
	}
	log.WithFields(log.Fields{"conn": o.Name}).Debug(msg)
}

func (o LogObserver) OnTimerFired(now time.Time, kind timer.Kind) {
	log.WithFields(log.Fields{"conn": o.Name, "timer": kind.String()}).Debug("timer fired")
}
