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

package rack

import (
	"testing"
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type fixture struct {
	cfg *config.Config
	rtt *congestion.RTTStats
	sb  *scoreboard.Scoreboard
	d   *Detector
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	f := &fixture{cfg: cfg, rtt: congestion.NewRTTStats(cfg), sb: scoreboard.New(cfg, 0)}
	f.rtt.UpdateRTT(ms(100))
	f.d = New(cfg, f.rtt)
	return f
}

// send appends a record of size bytes sent at t0 + at.
func (f *fixture) send(t *testing.T, size int, at time.Duration) scoreboard.Handle {
	t.Helper()
	start := f.sb.Max()
	h, err := f.sb.Insert(seqnum.Block{Start: start, End: start.Add(seqnum.Size(size))}, t0.Add(at), 0, congestion.SendState{})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	return h
}

func (f *fixture) sack(t *testing.T, h scoreboard.Handle, at time.Duration) {
	t.Helper()
	r, _ := f.sb.Get(h)
	newly, err := f.sb.MarkSacked(r.Block)
	if err != nil {
		t.Fatalf("MarkSacked() failed: %v", err)
	}
	for _, rec := range newly {
		f.d.OnDelivered(rec, t0.Add(at))
	}
}

func TestLossThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, 1000, 0)
	if got := f.d.Threshold(t0); got != ms(100) {
		t.Fatalf("Threshold() = %v, want %v", got, ms(100))
	}

	lost, timeout := f.d.DetectLoss(f.sb, t0.Add(ms(99)))
	if len(lost) != 0 {
		t.Errorf("DetectLoss() at 99ms = %v, want nothing", lost)
	}
	if timeout != ms(1) {
		t.Errorf("DetectLoss() timeout = %v, want %v", timeout, ms(1))
	}
	lost, _ = f.d.DetectLoss(f.sb, t0.Add(ms(101)))
	if len(lost) != 1 || !lost[0].Flags.Has(scoreboard.FlagLost) {
		t.Errorf("DetectLoss() at 101ms = %v, want one lost record", lost)
	}
	if lost, _ = f.d.DetectLoss(f.sb, t0.Add(ms(200))); len(lost) != 0 {
		t.Errorf("repeated DetectLoss() = %v, want nothing", lost)
	}
	if f.sb.LostBytes() != 1000 {
		t.Errorf("LostBytes() = %d, want 1000", f.sb.LostBytes())
	}
}

func TestSackedRecordIsNeverLost(t *testing.T) {
	f := newFixture(t, nil)
	h := f.send(t, 1000, 0)
	f.sack(t, h, ms(50))
	if lost, timeout := f.d.DetectLoss(f.sb, t0.Add(ms(500))); len(lost) != 0 || timeout != 0 {
		t.Errorf("DetectLoss() = %v, %v, want nothing", lost, timeout)
	}
}

func TestThresholdCappedByRTO(t *testing.T) {
	cfg := config.Default()
	cfg.MinRTO = ms(10)
	f := newFixture(t, cfg)
	for i := 0; i < 19; i++ {
		f.rtt.UpdateRTT(ms(100))
	}
	if got := f.rtt.RTO(); got != ms(126) {
		t.Fatalf("RTO() = %v, want %v", got, ms(126))
	}
	f.d.OnDSACK(t0, 1)
	if got := f.d.ReorderAllowance(t0); got != ms(50) {
		t.Errorf("ReorderAllowance() = %v, want %v", got, ms(50))
	}
	if got := f.d.Threshold(t0); got != ms(126) {
		t.Errorf("Threshold() = %v, want %v", got, ms(126))
	}
}

func TestReorderDetection(t *testing.T) {
	f := newFixture(t, nil)
	a := f.send(t, 100, 0)
	b := f.send(t, 100, ms(1))
	if got := f.d.ReorderAllowance(t0); got != 0 {
		t.Errorf("ReorderAllowance() without reordering = %v, want 0", got)
	}
	f.sack(t, b, ms(100))
	if f.d.ReorderSeen() {
		t.Fatalf("reordering detected after in order delivery")
	}
	f.sack(t, a, ms(102))
	if !f.d.ReorderSeen() {
		t.Fatalf("reordering not detected")
	}
	now := t0.Add(ms(102))
	if got := f.d.ReorderAllowance(now); got != ms(25) {
		t.Errorf("ReorderAllowance() = %v, want %v", got, ms(25))
	}
	if got := f.d.Threshold(now); got != ms(125) {
		t.Errorf("Threshold() = %v, want %v", got, ms(125))
	}
	if got := f.d.ReorderAllowance(now.Add(f.cfg.ReorderFade + time.Second)); got != 0 {
		t.Errorf("ReorderAllowance() after fade = %v, want 0", got)
	}
}

func TestDSACKWidensWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.d.OnDSACK(t0, 1)
	f.d.OnDSACK(t0, 1)
	if f.d.ReorderSteps() != 2 {
		t.Errorf("ReorderSteps() = %d, want 2", f.d.ReorderSteps())
	}
	f.d.OnDSACK(t0, 2)
	if got := f.d.ReorderAllowance(t0); got != ms(75) {
		t.Errorf("ReorderAllowance() = %v, want %v", got, ms(75))
	}
	for i := 0; i < 10; i++ {
		f.d.OnDSACK(t0, int64(3+i))
	}
	if got := f.d.ReorderAllowance(t0); got != ms(100) {
		t.Errorf("ReorderAllowance() = %v, want SRTT", got)
	}

	for i := 0; i < f.cfg.ReorderPersistRounds; i++ {
		if f.d.ReorderSteps() == 1 {
			t.Fatalf("reorder window reset after %d recoveries", i)
		}
		f.d.EnterRecovery(100)
		f.d.MaybeExitRecovery(100)
	}
	if f.d.ReorderSteps() != 1 {
		t.Errorf("ReorderSteps() = %d, want 1", f.d.ReorderSteps())
	}
}

func TestDetectLossOnAckFollowsSendOrder(t *testing.T) {
	f := newFixture(t, nil)
	a := f.send(t, 100, 0)
	b := f.send(t, 100, ms(10))
	c := f.send(t, 100, ms(20))

	if lost, _ := f.d.DetectLossOnAck(f.sb, t0.Add(ms(500))); len(lost) != 0 {
		t.Errorf("DetectLossOnAck() before any delivery = %v, want nothing", lost)
	}

	f.sack(t, b, ms(50))
	lost, timeout := f.d.DetectLossOnAck(f.sb, t0.Add(ms(50)))
	if len(lost) != 0 || timeout != ms(50) {
		t.Errorf("DetectLossOnAck() = %v, %v, want nothing, %v", lost, timeout, ms(50))
	}

	lost, timeout = f.d.DetectLossOnAck(f.sb, t0.Add(ms(150)))
	if len(lost) != 1 || lost[0].Handle != a {
		t.Fatalf("DetectLossOnAck() = %v, want record %d", lost, a)
	}
	if timeout != 0 {
		t.Errorf("DetectLossOnAck() timeout = %v, want 0", timeout)
	}
	if r, _ := f.sb.Get(c); !r.InFlight() {
		t.Errorf("record sent after the delivered one was marked lost: %v", r)
	}
}

func TestRecoveryEpisode(t *testing.T) {
	f := newFixture(t, nil)
	if !f.d.EnterRecovery(300) {
		t.Fatalf("EnterRecovery() = false, want true")
	}
	if f.d.EnterRecovery(400) {
		t.Errorf("second EnterRecovery() = true, want false")
	}
	if f.d.MaybeExitRecovery(200) {
		t.Errorf("MaybeExitRecovery(200) = true, want false")
	}
	if !f.d.MaybeExitRecovery(300) || f.d.InRecovery() {
		t.Errorf("MaybeExitRecovery(300) didn't end the episode")
	}
	if f.d.Stats().Recoveries != 1 {
		t.Errorf("Recoveries = %d, want 1", f.d.Stats().Recoveries)
	}
}

func TestProbeTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, 100, 0)
	// 2*SRTT plus the delayed ACK allowance is capped by the RTO.
	if got := f.d.ProbeTimeout(f.sb); got != ms(325) {
		t.Errorf("ProbeTimeout() with one record = %v, want %v", got, ms(325))
	}
	f.send(t, 100, 0)
	if got := f.d.ProbeTimeout(f.sb); got != ms(200) {
		t.Errorf("ProbeTimeout() = %v, want %v", got, ms(200))
	}
}

func TestTailLossProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, 100, 0)
	b := f.send(t, 100, 0)
	c := f.send(t, 100, 0)
	if !f.d.ShouldArmTLP(f.sb, t0) {
		t.Fatalf("ShouldArmTLP() = false, want true")
	}

	if p, ok := f.d.ChooseProbe(f.sb, true); !ok || !p.NewData {
		t.Errorf("ChooseProbe() with new data = %+v, %v", p, ok)
	}
	p, ok := f.d.ChooseProbe(f.sb, false)
	if !ok || p.NewData || p.Record.Handle != c {
		t.Errorf("ChooseProbe() = %+v, %v, want record %d", p, ok, c)
	}
	f.sb.CollapseWindow(250)
	p, ok = f.d.ChooseProbe(f.sb, false)
	if !ok || p.Record.Handle != b {
		t.Errorf("ChooseProbe() with collapsed window = %+v, %v, want record %d", p, ok, b)
	}

	f.d.OnProbeSent(f.sb.Max(), true)
	if _, ok := f.d.ChooseProbe(f.sb, false); ok {
		t.Errorf("ChooseProbe() with an outstanding probe returned a record")
	}
	f.d.OnProbeSent(f.sb.Max(), false)
	if f.d.ShouldArmTLP(f.sb, t0) {
		t.Errorf("ShouldArmTLP() after %d probes = true, want false", f.cfg.TLPMaxProbes)
	}

	if !f.d.OnTLPAck(AckInfo{CumAck: 300, Advanced: true}) {
		t.Errorf("OnTLPAck() = false, want a loss response")
	}
	if f.d.ProbesSent() != 0 {
		t.Errorf("ProbesSent() = %d, want 0", f.d.ProbesSent())
	}
}

func TestTailLossProbeWithoutLoss(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, 100, 0)
	f.d.OnProbeSent(100, true)
	// The DSACK says the original arrived too.
	if f.d.OnTLPAck(AckInfo{CumAck: 100, Advanced: true, DSACK: true}) {
		t.Errorf("OnTLPAck() with DSACK = true, want false")
	}

	f.d.OnProbeSent(100, true)
	if f.d.OnTLPAck(AckInfo{CumAck: 100, Duplicate: true}) {
		t.Errorf("OnTLPAck() with duplicate ACK = true, want false")
	}
	if f.d.Stats().ProbeLosses != 0 {
		t.Errorf("ProbeLosses = %d, want 0", f.d.Stats().ProbeLosses)
	}
}

func TestRTO(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRTOBackoffs = 2
	f := newFixture(t, cfg)
	f.send(t, 100, 0)
	b := f.send(t, 100, 0)
	f.send(t, 100, 0)
	f.sack(t, b, ms(10))

	res := f.d.OnRTO(f.sb, t0.Add(time.Second))
	if len(res.Lost) != 2 || res.Backoff != 1 || res.Drop {
		t.Fatalf("OnRTO() = %+v, want 2 lost records and backoff 1", res)
	}
	if !f.d.InRecovery() {
		t.Errorf("InRecovery() = false after RTO")
	}
	if f.sb.InFlightBytes() != 0 {
		t.Errorf("InFlightBytes() = %d, want 0", f.sb.InFlightBytes())
	}
	if res = f.d.OnRTO(f.sb, t0.Add(2*time.Second)); res.Drop || len(res.Lost) != 0 {
		t.Errorf("second OnRTO() = %+v", res)
	}
	if res = f.d.OnRTO(f.sb, t0.Add(3*time.Second)); !res.Drop {
		t.Errorf("OnRTO() after %d backoffs = %+v, want drop", cfg.MaxRTOBackoffs, res)
	}
}

func TestNoTLPWhileReordering(t *testing.T) {
	f := newFixture(t, nil)
	f.send(t, 100, 0)
	f.send(t, 100, 0)
	if !f.d.ShouldArmTLP(f.sb, t0) {
		t.Fatalf("ShouldArmTLP() = false, want true")
	}

	f.d.OnDSACK(t0.Add(ms(10)), 1)
	if f.d.ShouldArmTLP(f.sb, t0.Add(ms(20))) {
		t.Errorf("ShouldArmTLP() right after reordering = true, want false")
	}
	faded := t0.Add(ms(10) + f.cfg.ReorderFade + time.Second)
	if !f.d.ShouldArmTLP(f.sb, faded) {
		t.Errorf("ShouldArmTLP() after the reordering faded = false, want true")
	}
}
