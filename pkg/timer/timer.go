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

// Package timer arbitrates the single timer slot of a connection.
package timer

import (
	"fmt"
	"time"

	"github.com/enfein/tcpbbr/pkg/log"
)

// Kind is a connection timer.
type Kind uint8

const (
	// RACK fires when the reorder window of the oldest outstanding record ends.
	RACK Kind = iota
	// TLP sends a tail loss probe.
	TLP
	// RTO is the retransmission timeout.
	RTO
	// Persist probes a zero receive window.
	Persist
	// DelayedAck sends an ACK held back by the receiver.
	DelayedAck
	// Keepalive probes an idle connection.
	Keepalive
)

var kindNames = [...]string{"RACK", "TLP", "RTO", "PERSIST", "DELAYED_ACK", "KEEPALIVE"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Priority returns the priority class of the timer. Loss recovery timers
// share the highest class.
func (k Kind) Priority() int {
	switch k {
	case RACK, TLP, RTO:
		return 3
	case Persist:
		return 2
	case DelayedAck:
		return 1
	default:
		return 0
	}
}

// Service is the timer service of the host stack.
type Service interface {
	// Arm fires the timer after delay. It replaces an armed timer of the same kind.
	Arm(kind Kind, delay time.Duration)

	// Cancel stops the timer. Cancelling an unarmed timer is a no-op.
	Cancel(kind Kind)

	// Now returns the current monotonic time.
	Now() time.Time
}

// Arbiter keeps at most one timer armed. Arming a timer cancels a timer
// of the same or a lower priority class. A timer of a lower class than
// the armed one is refused.
type Arbiter struct {
	svc Service

	active   bool
	armed    Kind
	deadline time.Time
}

// NewArbiter returns an arbiter on top of svc.
func NewArbiter(svc Service) *Arbiter {
	return &Arbiter{svc: svc}
}

// Now returns the current time of the timer service.
func (a *Arbiter) Now() time.Time {
	return a.svc.Now()
}

// Arm arms the timer. It returns false if a timer of a higher class is armed.
func (a *Arbiter) Arm(kind Kind, delay time.Duration) bool {
	if a.active && a.armed.Priority() > kind.Priority() {
		if log.IsLevelEnabled(log.TraceLevel) {
			log.Tracef("[timer] %v refused, %v is armed", kind, a.armed)
		}
		return false
	}
	if delay < 0 {
		delay = 0
	}
	if a.active && a.armed != kind {
		a.svc.Cancel(a.armed)
	}
	a.svc.Arm(kind, delay)
	a.active = true
	a.armed = kind
	a.deadline = a.svc.Now().Add(delay)
	return true
}

// Cancel stops the timer if it is the armed one.
func (a *Arbiter) Cancel(kind Kind) {
	if !a.active || a.armed != kind {
		return
	}
	a.svc.Cancel(kind)
	a.active = false
}

// CancelAll stops the armed timer, whatever its kind.
func (a *Arbiter) CancelAll() {
	if !a.active {
		return
	}
	a.svc.Cancel(a.armed)
	a.active = false
}

// Armed returns the armed timer.
func (a *Arbiter) Armed() (Kind, bool) {
	return a.armed, a.active
}

// Deadline returns when the armed timer fires.
func (a *Arbiter) Deadline() (time.Time, bool) {
	return a.deadline, a.active
}

// Fired must be called when the service fires a timer. It returns false
// for a timer the arbiter no longer considers armed.
func (a *Arbiter) Fired(kind Kind) bool {
	if !a.active || a.armed != kind {
		return false
	}
	a.active = false
	return true
}
