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
	"math"
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/mathext"
	"github.com/enfein/tcpbbr/pkg/rng"
)

// Mode is the state of the BBR state machine.
type Mode int

const (
	// Startup phase of the connection. Bandwidth is probed exponentially.
	ModeStartup Mode = iota

	// After achieving the highest possible bandwidth during the startup, lower
	// the pacing rate in order to drain the queue.
	ModeDrain

	// Cruising mode.
	ModeProbeBW

	// Temporarily slow down sending in order to empty the buffer and measure
	// the real minimum RTT.
	ModeProbeRTT

	// Sending resumed after a long idle period. Ramp at unity gain until
	// the pipe is full again.
	ModeIdleExit
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "STARTUP"
	case ModeDrain:
		return "DRAIN"
	case ModeProbeBW:
		return "PROBE_BW"
	case ModeProbeRTT:
		return "PROBE_RTT"
	case ModeIdleExit:
		return "IDLE_EXIT"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Indicates how the congestion control limits the amount of bytes in flight.
type recoveryState int

const (
	// Do not limit.
	stateNotInRecovery recoveryState = iota

	// Allow 1 extra outstanding byte for each byte acknowledged.
	stateConservation

	// Allow 2 extra outstanding bytes for each byte acknowledged (slow start).
	stateGrowth
)

// AckEvent is the input of BBR for one ACK.
type AckEvent struct {
	Now time.Time

	// Sample is the rate sample generated for the ACK.
	Sample RateSample

	// InFlight is the number of bytes in flight after the ACK is processed.
	InFlight int64

	// MinRTTExpired is true if an RTT sample fed outside the rate sample,
	// such as a timestamp echo, found RTT-prop expired.
	MinRTTExpired bool
}

// TransitionListener is called when the mode changes.
type TransitionListener func(from, to Mode, now time.Time)

// BBR is the congestion control state machine of one connection.
// It is not safe for concurrent use.
type BBR struct {
	cfg      *config.Config
	est      *Estimator
	sched    *PacingScheduler
	rttStats *RTTStats
	rand     rng.Source

	mss int64

	mode       Mode
	pacingGain float64
	cwndGain   float64

	// PROBE_BW gain cycle.
	cycleIndex int
	cycleStamp time.Time

	// STARTUP exit.
	fullBandwidth        Bandwidth
	fullBandwidthCount   int
	fullBandwidthReached bool
	roundDelivered       int64
	roundLost            int64
	cwndLimited          bool
	prevRoundCwndLimited bool

	cwnd       int64
	priorCwnd  int64
	pacingRate Bandwidth

	recovery       recoveryState
	recoveryWindow int64

	// PROBE_RTT. A zero done stamp means the flight has not been drained yet.
	probeRTTDoneStamp time.Time
	probeRTTRoundDone bool

	// Set when sending restarts from idle, cleared when data is delivered.
	idleRestart  bool
	lastSendTime time.Time

	listener TransitionListener

	// lastUpdate is what the estimator reported for the latest ACK.
	lastUpdate EstimatorUpdate
}

// NewBBR returns a state machine in STARTUP.
func NewBBR(cfg *config.Config, est *Estimator, sched *PacingScheduler, rttStats *RTTStats, rand rng.Source) *BBR {
	if rand == nil {
		rand = rng.Default()
	}
	b := &BBR{
		cfg:      cfg,
		est:      est,
		sched:    sched,
		rttStats: rttStats,
		rand:     rand,
		mss:      int64(cfg.MSS),
		mode:     ModeStartup,
	}
	b.cwnd = b.initialCwnd()
	b.pacingGain = cfg.HighGain
	b.cwndGain = cfg.HighGain
	b.initPacingRate()
	return b
}

// SetTransitionListener registers the function called on every mode change.
func (b *BBR) SetTransitionListener(l TransitionListener) {
	b.listener = l
}

// Mode returns the current mode.
func (b *BBR) Mode() Mode { return b.mode }

// PacingGain returns the gain applied to the bandwidth to get the pacing rate.
func (b *BBR) PacingGain() float64 { return b.pacingGain }

// CwndGain returns the gain applied to the BDP to get the target cwnd.
func (b *BBR) CwndGain() float64 { return b.cwndGain }

// CycleIndex returns the PROBE_BW gain substate.
func (b *BBR) CycleIndex() int { return b.cycleIndex }

// FullBandwidthReached returns true once STARTUP has filled the pipe.
func (b *BBR) FullBandwidthReached() bool { return b.fullBandwidthReached }

// InRecovery returns true if the recovery window is in effect.
func (b *BBR) InRecovery() bool { return b.recovery != stateNotInRecovery }

// Estimator returns the bandwidth and RTT-prop model.
func (b *BBR) Estimator() *Estimator { return b.est }

// LastUpdate returns what the estimator reported for the latest ACK.
func (b *BBR) LastUpdate() EstimatorUpdate { return b.lastUpdate }

// PacingRate returns the current pacing rate.
func (b *BBR) PacingRate() Bandwidth { return b.pacingRate }

// MSS returns the segment size used for cwnd computations.
func (b *BBR) MSS() int64 { return b.mss }

// SetMSS changes the segment size. The cwnd is kept in bytes but never
// falls under the new minimum.
func (b *BBR) SetMSS(mss int) {
	if mss <= 0 {
		return
	}
	b.mss = int64(mss)
	b.sched.SetMSS(mss)
	b.cwnd = mathext.Clamp(b.cwnd, b.minCwnd(), b.maxCwnd())
}

// CongestionWindow returns the maximum number of bytes in flight.
func (b *BBR) CongestionWindow() int64 {
	cwnd := b.cwnd
	if b.mode == ModeProbeRTT {
		cwnd = mathext.Min(cwnd, b.probeRTTCwnd())
	}
	if b.InRecovery() && b.recoveryWindow > 0 {
		cwnd = mathext.Min(cwnd, b.recoveryWindow)
	}
	return cwnd
}

func (b *BBR) initialCwnd() int64 {
	return int64(b.cfg.InitialCwndSegments) * b.mss
}

func (b *BBR) minCwnd() int64 {
	return int64(b.cfg.MinCwndSegments) * b.mss
}

func (b *BBR) maxCwnd() int64 {
	return int64(b.cfg.MaxCwndSegments) * b.mss
}

func (b *BBR) probeRTTCwnd() int64 {
	return int64(b.cfg.ProbeRTTCwndSegments) * b.mss
}

// TargetCwnd returns gain * BDP rounded up to the segment size plus the
// quantization allowance. It falls back to the initial cwnd when the model
// has no bandwidth or RTT-prop yet.
func (b *BBR) TargetCwnd(gain float64) int64 {
	target := b.bdpTarget(gain)
	if b.cfg.CwndCapMultiple > 0 && gain > 1 {
		target = mathext.Min(target, int64(b.cfg.CwndCapMultiple*float64(b.bdpTarget(1))))
	}
	return mathext.Max(target, b.minCwnd())
}

func (b *BBR) bdpTarget(gain float64) int64 {
	bw := b.est.Bandwidth()
	rttProp := b.est.RTTProp()
	if bw <= 0 || rttProp <= 0 {
		return b.initialCwnd()
	}
	bdp := float64(bw.BytesIn(rttProp)) * gain
	if bdp >= math.MaxInt64/2 {
		return b.maxCwnd()
	}
	target := mathext.RoundUpTo(int64(math.Ceil(bdp)), b.mss)
	target += int64(b.cfg.QuantaSegments) * b.mss
	return mathext.Max(target, b.minCwnd())
}

// OnSend is called before a segment of the given size is sent.
// inFlight is the number of bytes in flight before the segment.
func (b *BBR) OnSend(now time.Time, inFlight, bytes int64) {
	if inFlight <= 0 && !b.lastSendTime.IsZero() && now.Sub(b.lastSendTime) >= b.cfg.IdleRestartThreshold {
		b.onRestartFromIdle(now)
	}
	if inFlight+bytes >= b.CongestionWindow() {
		b.cwndLimited = true
	}
	b.lastSendTime = now
}

// OnAck updates the model and the control parameters from one ACK.
func (b *BBR) OnAck(ev AckEvent) {
	rs := ev.Sample
	u := b.est.Update(rs, ev.Now, b.mode == ModeProbeBW)
	u.MinRTTExpired = u.MinRTTExpired || ev.MinRTTExpired
	b.lastUpdate = u

	if u.LongTerm.Started {
		b.pacingGain = 1
	}
	if u.LongTerm.Expired {
		b.enterProbeBW(ev.Now)
	}
	b.sched.SetPoliced(b.est.LongTerm().InUse())

	b.updateRecoveryState(u.RoundStart)
	b.updateCyclePhase(ev.Now, rs)
	b.checkFullBandwidthReached(rs, u.RoundStart)
	b.checkDrain(ev.Now, ev.InFlight)
	b.checkIdleExit(ev.Now, ev.InFlight)
	b.updateProbeRTT(ev.Now, ev.InFlight, u.RoundStart, u.MinRTTExpired)
	if rs.NewlyDelivered > 0 {
		b.idleRestart = false
	}
	b.updateGains()

	b.calculatePacingRate()
	b.calculateCwnd(rs.NewlyDelivered)
	b.calculateRecoveryWindow(ev.InFlight, rs.NewlyDelivered, rs.Losses)

	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[BBR] OnAck(inFlight=%d) mode=%v cwnd=%d pacingRate=%v bw=%v rttProp=%v", ev.InFlight, b.mode, b.CongestionWindow(), b.pacingRate, b.est.Bandwidth(), b.est.RTTProp())
	}
}

// OnCongestionSignal is called once per loss episode, when recovery starts.
func (b *BBR) OnCongestionSignal(now time.Time, inFlight int64) {
	if b.InRecovery() {
		return
	}
	b.saveCwnd()
	b.recovery = stateConservation
	// Set up by calculateRecoveryWindow on the next ACK.
	b.recoveryWindow = 0
	// The conservation phase lasts a whole round starting now.
	b.est.StartRoundNow()
	log.Debugf("[BBR] congestion signal at %v, inFlight=%d, cwnd=%d", now.Format(timeFormat), inFlight, b.cwnd)
}

// OnRecoveryExit is called when the loss episode ends.
func (b *BBR) OnRecoveryExit(now time.Time) {
	if !b.InRecovery() {
		return
	}
	b.recovery = stateNotInRecovery
	b.recoveryWindow = 0
	b.cwnd = mathext.Max(b.cwnd, b.priorCwnd)
	log.Debugf("[BBR] recovery exit at %v, cwnd=%d", now.Format(timeFormat), b.cwnd)
}

// OnRTO collapses the cwnd after a retransmission timeout. The RTO counts
// as a loss for policer detection and restarts the STARTUP growth check.
func (b *BBR) OnRTO(now time.Time) {
	b.saveCwnd()
	b.recovery = stateNotInRecovery
	b.recoveryWindow = 0
	b.cwnd = b.minCwnd()
	b.fullBandwidth = 0
	sampler := b.est.Sampler()
	b.est.LongTerm().Update(RateSample{Losses: 1}, true, b.mode == ModeProbeBW, sampler.Delivered(), sampler.Lost(), sampler.DeliveredTime())
	b.sched.SetPoliced(b.est.LongTerm().InUse())
	log.Debugf("[BBR] RTO at %v, prior cwnd=%d", now.Format(timeFormat), b.priorCwnd)
}

func (b *BBR) setMode(to Mode, now time.Time) {
	from := b.mode
	if from == to {
		return
	}
	b.mode = to
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[BBR] %v -> %v at %v, bw=%v, rttProp=%v", from, to, now.Format(timeFormat), b.est.Bandwidth(), b.est.RTTProp())
	}
	if b.listener != nil {
		b.listener(from, to, now)
	}
}

func (b *BBR) updateGains() {
	switch b.mode {
	case ModeStartup:
		b.pacingGain = b.cfg.HighGain
		b.cwndGain = b.cfg.HighGain
	case ModeDrain:
		b.pacingGain = b.cfg.DrainGain
		b.cwndGain = b.cfg.HighGain
	case ModeProbeBW:
		if b.est.LongTerm().InUse() {
			b.pacingGain = 1
		} else {
			b.pacingGain = b.cfg.ProbeBWGains[b.cycleIndex]
		}
		b.cwndGain = b.cfg.CwndGain
	case ModeProbeRTT, ModeIdleExit:
		b.pacingGain = 1
		b.cwndGain = 1
		if b.mode == ModeIdleExit {
			b.cwndGain = b.cfg.CwndGain
		}
	}
}

// saveCwnd remembers the last known good cwnd before a reduction.
func (b *BBR) saveCwnd() {
	if !b.InRecovery() && b.mode != ModeProbeRTT {
		b.priorCwnd = b.cwnd
	} else {
		b.priorCwnd = mathext.Max(b.priorCwnd, b.cwnd)
	}
}

func (b *BBR) initPacingRate() {
	rtt := b.rttStats.SmoothedRTT()
	if rtt <= 0 {
		rtt = time.Millisecond
	}
	b.pacingRate = BandwidthFromDelta(b.initialCwnd(), rtt).Scale(b.cfg.HighGain)
}

func (b *BBR) calculatePacingRate() {
	bw := b.est.Bandwidth()
	if bw <= 0 {
		if !b.fullBandwidthReached {
			b.initPacingRate()
		}
		return
	}
	rate := b.sched.Rate(b.pacingGain, bw)
	if b.fullBandwidthReached || rate > b.pacingRate {
		b.pacingRate = rate
	}
}

func (b *BBR) calculateCwnd(bytesAcked int64) {
	if bytesAcked > 0 {
		target := b.TargetCwnd(b.cwndGain)
		// Grow the cwnd towards the target by only increasing it
		// bytesAcked at a time.
		if b.fullBandwidthReached {
			b.cwnd = mathext.Min(target, b.cwnd+bytesAcked)
		} else if b.cwnd < target || b.est.Sampler().Delivered() < b.initialCwnd() {
			// Don't decrease the cwnd before the pipe is full.
			b.cwnd += bytesAcked
		}
		b.cwnd = mathext.Max(b.cwnd, b.minCwnd())
	}
	b.cwnd = mathext.Min(b.cwnd, b.maxCwnd())
	if b.mode == ModeProbeRTT {
		b.cwnd = mathext.Min(b.cwnd, b.probeRTTCwnd())
	}
}

func (b *BBR) updateRecoveryState(roundStart bool) {
	if b.recovery == stateConservation && roundStart {
		b.recovery = stateGrowth
	}
}

func (b *BBR) calculateRecoveryWindow(inFlight, bytesAcked, bytesLost int64) {
	if b.recovery == stateNotInRecovery {
		return
	}
	if b.recoveryWindow <= 0 {
		// Set up the initial recovery window.
		b.recoveryWindow = mathext.Max(inFlight+bytesAcked, b.minCwnd())
		return
	}

	// Remove losses from the recovery window, while accounting for a potential
	// integer underflow.
	if b.recoveryWindow >= bytesLost {
		b.recoveryWindow -= bytesLost
	} else {
		b.recoveryWindow = b.mss
	}
	// In conservation, subtracting losses is sufficient. In growth, release
	// additional bytesAcked to achieve a slow-start-like behavior.
	if b.recovery == stateGrowth {
		b.recoveryWindow += bytesAcked
	}

	// Always allow to send at least bytesAcked in response.
	b.recoveryWindow = mathext.Max(b.recoveryWindow, inFlight+bytesAcked)
	b.recoveryWindow = mathext.Max(b.recoveryWindow, b.minCwnd())
}

func (b *BBR) String() string {
	return fmt.Sprintf("BBR{mode=%v, cwnd=%d, pacingRate=%v, pacingGain=%.2f, cwndGain=%.2f, bw=%v, rttProp=%v}", b.mode, b.CongestionWindow(), b.pacingRate, b.pacingGain, b.cwndGain, b.est.Bandwidth(), b.est.RTTProp())
}

const timeFormat = "15:04:05.000"
