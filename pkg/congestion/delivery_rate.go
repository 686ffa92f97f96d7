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
	"fmt"
	"time"

	"github.com/enfein/tcpbbr/pkg/mathext"
)

// SendState is the connection state captured when a segment is sent.
// It is stored with the segment and returned to the sampler when the
// segment is delivered.
type SendState struct {
	// Delivered is the total number of delivered bytes when the segment was sent.
	Delivered int64

	// DeliveredTime is the time when Delivered was last updated.
	DeliveredTime time.Time

	// FirstSendTime is the send time of the most recently delivered segment
	// at the time the segment was sent. It starts the send interval.
	FirstSendTime time.Time

	// BytesInFlight is the number of bytes in flight including the segment.
	BytesInFlight int64

	// Lost is the total number of lost bytes when the segment was sent.
	Lost int64

	// AppLimited is true if the connection was application limited.
	AppLimited bool
}

// IsZero returns true if the state was never captured.
func (s SendState) IsZero() bool {
	return s.DeliveredTime.IsZero()
}

// RateSample is a delivery rate sample produced from one ACK.
type RateSample struct {
	// DeliveryRate is Delivered over Interval. Zero if the sample is invalid.
	DeliveryRate Bandwidth

	// Interval is the larger one of the send interval and the ACK interval.
	Interval time.Duration

	// Delivered is the number of bytes delivered over Interval.
	Delivered int64

	// PriorDelivered is the total delivered bytes when the most recently
	// sent segment of this ACK was sent.
	PriorDelivered int64

	// PriorInFlight is the number of bytes in flight before the ACK.
	PriorInFlight int64

	// NewlyDelivered is the number of bytes acked or sacked by this ACK.
	NewlyDelivered int64

	// Losses is the number of bytes newly marked lost while processing this ACK.
	Losses int64

	// RTT is the round trip time of the most recently sent segment of
	// this ACK. Zero if it was retransmitted.
	RTT time.Duration

	// IsAppLimited is true if the most recently sent segment was sent
	// while the connection was application limited.
	IsAppLimited bool

	// IsRetransmit is true if the most recently sent segment was a retransmission.
	IsRetransmit bool
}

// Valid returns true if the sample has a delivery rate.
func (rs RateSample) Valid() bool {
	return rs.Interval > 0 && rs.Delivered > 0
}

func (rs RateSample) String() string {
	return fmt.Sprintf("RateSample{rate=%v, interval=%v, delivered=%d, newly=%d, losses=%d, rtt=%v, appLimited=%v}", rs.DeliveryRate, rs.Interval, rs.Delivered, rs.NewlyDelivered, rs.Losses, rs.RTT, rs.IsAppLimited)
}

// DeliveryRateSampler estimates the delivery rate from ACKs.
//
// Every sent segment takes a SendState snapshot. When segments are acked or
// sacked, the snapshot of the most recently sent one is used to compute how
// many bytes were delivered and over which interval.
type DeliveryRateSampler struct {
	delivered     int64
	deliveredTime time.Time
	firstSendTime time.Time
	lost          int64

	// appLimitedUntil is the delivered count that ends the current
	// application limited phase. Zero means not application limited.
	appLimitedUntil int64

	// Candidate of the ACK being processed.
	pending        bool
	priorState     SendState
	priorSendTime  time.Time
	priorRetrans   bool
	newlyDelivered int64
}

// NewDeliveryRateSampler returns a new sampler.
func NewDeliveryRateSampler() *DeliveryRateSampler {
	return &DeliveryRateSampler{}
}

// Delivered returns the total number of delivered bytes.
func (s *DeliveryRateSampler) Delivered() int64 { return s.delivered }

// DeliveredTime returns the time of the latest delivery.
func (s *DeliveryRateSampler) DeliveredTime() time.Time { return s.deliveredTime }

// Lost returns the total number of bytes marked lost.
func (s *DeliveryRateSampler) Lost() int64 { return s.lost }

// IsAppLimited returns true if the sampler is in an application limited phase.
func (s *DeliveryRateSampler) IsAppLimited() bool { return s.appLimitedUntil != 0 }

// OnSent captures the state for a segment sent at now.
// inFlight is the number of bytes in flight before the segment is sent.
func (s *DeliveryRateSampler) OnSent(now time.Time, inFlight, size int64) SendState {
	if inFlight <= 0 || s.deliveredTime.IsZero() {
		// Nothing in flight: the send and ACK intervals restart here.
		s.firstSendTime = now
		s.deliveredTime = now
	}
	return SendState{
		Delivered:     s.delivered,
		DeliveredTime: s.deliveredTime,
		FirstSendTime: s.firstSendTime,
		BytesInFlight: inFlight + size,
		Lost:          s.lost,
		AppLimited:    s.IsAppLimited(),
	}
}

// OnAppLimited marks the connection application limited until every byte
// currently in flight is delivered.
func (s *DeliveryRateSampler) OnAppLimited(inFlight int64) {
	s.appLimitedUntil = mathext.Max(s.delivered+inFlight, 1)
}

// OnLost accounts bytes newly marked lost.
func (s *DeliveryRateSampler) OnLost(bytes int64) {
	if bytes > 0 {
		s.lost += bytes
	}
}

// OnDelivered records one delivered segment of the ACK being processed.
// A segment without a snapshot only counts toward the delivered bytes.
func (s *DeliveryRateSampler) OnDelivered(state SendState, sendTime time.Time, bytes int64, retransmitted bool) {
	s.newlyDelivered += bytes
	if state.IsZero() {
		return
	}
	// Use the most recently sent segment. Later sends carry larger
	// delivered counts, ties are broken by the send time.
	if !s.pending || state.Delivered > s.priorState.Delivered ||
		(state.Delivered == s.priorState.Delivered && sendTime.After(s.priorSendTime)) {
		s.pending = true
		s.priorState = state
		s.priorSendTime = sendTime
		s.priorRetrans = retransmitted
		s.firstSendTime = sendTime
	}
}

// Generate produces the rate sample of the ACK being processed and resets
// the per ACK state. minRTT filters out intervals too short to be trusted.
func (s *DeliveryRateSampler) Generate(now time.Time, losses, priorInFlight int64, minRTT time.Duration) RateSample {
	rs := RateSample{
		NewlyDelivered: s.newlyDelivered,
		Losses:         losses,
		PriorInFlight:  priorInFlight,
		PriorDelivered: -1,
	}
	if s.newlyDelivered > 0 {
		s.delivered += s.newlyDelivered
		s.deliveredTime = now
	}
	// The application limited phase ends once its bubble is delivered.
	if s.appLimitedUntil != 0 && s.delivered > s.appLimitedUntil {
		s.appLimitedUntil = 0
	}
	pending := s.pending
	state, sendTime, retrans := s.priorState, s.priorSendTime, s.priorRetrans
	s.pending = false
	s.newlyDelivered = 0
	s.priorState = SendState{}
	if !pending {
		return rs
	}

	rs.PriorDelivered = state.Delivered
	rs.IsAppLimited = state.AppLimited
	rs.IsRetransmit = retrans
	if !retrans {
		rs.RTT = now.Sub(sendTime)
	}
	rs.Delivered = s.delivered - state.Delivered
	sendInterval := sendTime.Sub(state.FirstSendTime)
	ackInterval := now.Sub(state.DeliveredTime)
	rs.Interval = mathext.Max(sendInterval, ackInterval)
	if rs.Interval <= 0 || (minRTT > 0 && rs.Interval < minRTT) {
		// Too short to be meaningful, for example an ACK compressed with
		// segments from a different flight.
		rs.Interval = 0
		return rs
	}
	rs.DeliveryRate = BandwidthFromDelta(rs.Delivered, rs.Interval)
	return rs
}

// Sample is a shortcut of OnDelivered followed by Generate for an ACK
// that delivers one segment.
func (s *DeliveryRateSampler) Sample(state SendState, sendTime time.Time, ackedBytes int64, now time.Time) RateSample {
	s.OnDelivered(state, sendTime, ackedBytes, false)
	return s.Generate(now, 0, state.BytesInFlight, 0)
}
