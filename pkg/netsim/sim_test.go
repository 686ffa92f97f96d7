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
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/engine"
	"github.com/enfein/tcpbbr/pkg/log"
)

func mustScenario(t *testing.T, s *Scenario) *Scenario {
	t.Helper()
	if err := s.Prepare(); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	return s
}

func TestCleanTransfer(t *testing.T) {
	log.SetOutputToTest(t)
	sc := mustScenario(t, &Scenario{
		Name:     "clean",
		Seed:     1,
		Duration: 20 * time.Second,
		Bytes:    1 << 20,
		ISS:      4000000000,
		Link:     Link{BandwidthMbps: 10, RTT: 50 * time.Millisecond, BufferBytes: 1 << 20},
	})
	sim := New(sc, nil)
	res, err := sim.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !res.Completed || res.Dropped {
		t.Fatalf("Completed = %v, Dropped = %v, want a completed transfer", res.Completed, res.Dropped)
	}
	if res.BytesAcked != sc.Bytes {
		t.Errorf("BytesAcked = %d, want %d", res.BytesAcked, sc.Bytes)
	}
	if res.Goodput <= 0 || res.Goodput > sc.Link.Bandwidth() {
		t.Errorf("Goodput = %v, want within (0, %v]", res.Goodput, sc.Link.Bandwidth())
	}
	if res.Link.Dropped() != 0 {
		t.Errorf("link dropped %d segments with a large buffer", res.Link.Dropped())
	}
	if len(res.Transitions) == 0 {
		t.Errorf("no mode transition recorded")
	}
	if err := sim.Engine().Scoreboard().CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() = %v", err)
	}
}

func TestLossyTransfer(t *testing.T) {
	log.SetOutputToTest(t)
	sc := mustScenario(t, &Scenario{
		Name:     "lossy",
		Seed:     7,
		Duration: 60 * time.Second,
		Bytes:    512 << 10,
		Link: Link{
			BandwidthMbps: 10,
			RTT:           40 * time.Millisecond,
			LossRate:      0.01,
			ReorderRate:   0.02,
			ReorderDelay:  3 * time.Millisecond,
		},
	})
	sim := New(sc, nil)
	res, err := sim.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !res.Completed {
		t.Fatalf("transfer not completed: acked %d of %d bytes", res.BytesAcked, sc.Bytes)
	}
	if res.Link.DroppedRandom > 0 && res.Engine.Retransmits == 0 {
		t.Errorf("link dropped %d segments but nothing was retransmitted", res.Link.DroppedRandom)
	}
	if err := sim.Engine().Scoreboard().CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() = %v", err)
	}
}

func TestDeterministicRun(t *testing.T) {
	newScenario := func() *Scenario {
		return mustScenario(t, &Scenario{
			Name:     "repeat",
			Seed:     42,
			Duration: 3 * time.Second,
			Link:     Link{BandwidthMbps: 5, RTT: 30 * time.Millisecond, LossRate: 0.005},
		})
	}
	a, err := New(newScenario(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	b, err := New(newScenario(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if a.Events != b.Events || a.BytesAcked != b.BytesAcked || a.Engine.BytesSent != b.Engine.BytesSent {
		t.Errorf("runs with the same seed differ: events %d/%d, acked %d/%d, sent %d/%d",
			a.Events, b.Events, a.BytesAcked, b.BytesAcked, a.Engine.BytesSent, b.Engine.BytesSent)
	}
	if a.Link != b.Link {
		t.Errorf("link stats differ: %+v vs %+v", a.Link, b.Link)
	}
}

func TestDelayedAckHoldsLoneSegment(t *testing.T) {
	log.SetOutputToTest(t)
	sc := mustScenario(t, &Scenario{
		Name:     "delayed-ack",
		Seed:     1,
		Duration: 5 * time.Second,
		Bytes:    1000,
		Link:     Link{BandwidthMbps: 100, RTT: 50 * time.Millisecond, BufferBytes: 1 << 20},
		Receiver: Receiver{AckEvery: 2, DelayedAck: 100 * time.Millisecond},
	})
	sc.Config().TLPEnabled = false
	sim := New(sc, nil)
	res, err := sim.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !res.Completed {
		t.Fatalf("Completed = false, want a completed transfer")
	}
	// One round trip plus the receiver's delayed ACK timeout.
	if res.Elapsed < 150*time.Millisecond || res.Elapsed >= 200*time.Millisecond {
		t.Errorf("Elapsed = %v, want about 150ms", res.Elapsed)
	}
	if res.Engine.SmoothedRTT < 150*time.Millisecond {
		t.Errorf("SmoothedRTT = %v, want the delayed ACK included", res.Engine.SmoothedRTT)
	}
	if len(sim.peerTimers.pending) != 0 || sim.ackPending {
		t.Errorf("receiver still holds an ACK after the run")
	}
}

func TestRunCancelled(t *testing.T) {
	sc := mustScenario(t, &Scenario{Name: "cancelled"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(sc, nil).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want %v", err, context.Canceled)
	}
}

func TestNewPanicsOnUnpreparedScenario(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("New() didn't panic")
		}
	}()
	New(&Scenario{}, nil)
}

type countingObserver struct {
	engine.NopObserver
	transitions int
}

func (o *countingObserver) OnStateTransition(from, to congestion.Mode, now time.Time) {
	o.transitions++
}

func TestRunParallel(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	var scenarios []*Scenario
	for i, name := range names {
		scenarios = append(scenarios, mustScenario(t, &Scenario{
			Name:     name,
			Seed:     int64(i),
			Duration: 2 * time.Second,
			Bytes:    int64(i+1) * 64 << 10,
		}))
	}
	observers := make(map[string]*countingObserver)
	for _, sc := range scenarios {
		observers[sc.Name] = &countingObserver{}
	}
	results, err := RunParallel(context.Background(), scenarios, 2, func(sc *Scenario) engine.Observer {
		return observers[sc.Name]
	})
	if err != nil {
		t.Fatalf("RunParallel() failed: %v", err)
	}
	if len(results) != len(names) {
		t.Fatalf("got %d results, want %d", len(results), len(names))
	}
	for i, res := range results {
		if res.Name != names[i] {
			t.Errorf("results[%d].Name = %q, want %q", i, res.Name, names[i])
		}
		if got := observers[res.Name].transitions; got != len(res.Transitions) {
			t.Errorf("observer of %q saw %d transitions, want %d", res.Name, got, len(res.Transitions))
		}
	}
}

func TestResultToProto(t *testing.T) {
	sc := mustScenario(t, &Scenario{Name: "proto", Duration: time.Second, Bytes: 100 << 10})
	res, err := New(sc, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	pb, err := res.ToProto()
	if err != nil {
		t.Fatalf("ToProto() failed: %v", err)
	}
	if got := pb.Fields["name"].GetStringValue(); got != "proto" {
		t.Errorf("name = %q, want %q", got, "proto")
	}
	if pb.Fields["engine"].GetStructValue() == nil {
		t.Errorf("engine stats are missing")
	}
	if pb.Fields["link"].GetStructValue().Fields["delivered"].GetNumberValue() <= 0 {
		t.Errorf("link.delivered is not positive")
	}
	if _, err := protojson.Marshal(pb); err != nil {
		t.Errorf("protojson.Marshal() failed: %v", err)
	}
}
