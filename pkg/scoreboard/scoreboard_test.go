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

package scoreboard

import (
	"errors"
	"testing"
	"time"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/rng"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func blk(start, end uint32) seqnum.Block {
	return seqnum.Block{Start: seqnum.Value(start), End: seqnum.Value(end)}
}

// fill inserts count records of size bytes, sent one millisecond apart.
func fill(t *testing.T, s *Scoreboard, count, size int) []Handle {
	t.Helper()
	var hs []Handle
	for i := 0; i < count; i++ {
		start := s.Max()
		h, err := s.Insert(seqnum.Block{Start: start, End: start.Add(seqnum.Size(size))}, t0.Add(time.Duration(i)*time.Millisecond), 0, congestion.SendState{})
		if err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		hs = append(hs, h)
	}
	return hs
}

func mustCheck(t *testing.T, s *Scoreboard) {
	t.Helper()
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() failed: %v", err)
	}
}

func TestPartialCumulativeAck(t *testing.T) {
	s := New(config.Default(), 1000)
	if _, err := s.Insert(blk(1000, 2000), t0, 0, congestion.SendState{}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	newly, err := s.MarkAcked(blk(1000, 1500))
	if err != nil {
		t.Fatalf("MarkAcked() failed: %v", err)
	}
	if len(newly) != 1 || newly[0].Block != blk(1000, 1500) {
		t.Fatalf("MarkAcked() = %v, want one record [1000, 1500)", newly)
	}
	if got := s.RemoveThrough(1500); got != 500 {
		t.Errorf("RemoveThrough() = %d, want 500", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	r, _ := s.Get(s.Head())
	if r.Block != blk(1500, 2000) {
		t.Errorf("head = %v, want [1500, 2000)", r.Block)
	}
	if !r.InFlight() {
		t.Errorf("remaining record is not in flight: %v", r)
	}
	if s.Min() != 1500 || s.Max() != 2000 {
		t.Errorf("range = [%d, %d), want [1500, 2000)", s.Min(), s.Max())
	}
	if s.InFlightBytes() != 500 {
		t.Errorf("InFlightBytes() = %d, want 500", s.InFlightBytes())
	}
	mustCheck(t, s)

	// The same cumulative ACK again changes nothing.
	if got := s.RemoveThrough(1500); got != 0 {
		t.Errorf("repeated RemoveThrough() = %d, want 0", got)
	}
	mustCheck(t, s)
}

func TestInsertErrors(t *testing.T) {
	s := New(config.Default(), 1000)
	fill(t, s, 1, 1000)

	if _, err := s.Insert(blk(2100, 2200), t0, 0, congestion.SendState{}); !stderror.IsProtocolAnomaly(err) {
		t.Errorf("Insert() with gap error = %v, want protocol anomaly", err)
	}
	if _, err := s.Insert(blk(1500, 2500), t0, 0, congestion.SendState{}); !errors.Is(err, stderror.ErrAlreadyExist) {
		t.Errorf("Insert() overlap error = %v, want %v", err, stderror.ErrAlreadyExist)
	}
	if _, err := s.Insert(blk(2000, 2000), t0, 0, congestion.SendState{}); !errors.Is(err, stderror.ErrInvalidArgument) {
		t.Errorf("Insert() empty error = %v, want %v", err, stderror.ErrInvalidArgument)
	}
	mustCheck(t, s)
}

func TestLimits(t *testing.T) {
	cfg := config.Default()
	cfg.ScoreboardMaxRecords = 2
	s := New(cfg, 0)
	fill(t, s, 2, 100)
	_, err := s.Insert(blk(200, 300), t0, 0, congestion.SendState{})
	if !errors.Is(err, stderror.ErrNoMemory) || !stderror.ShouldRetry(err) {
		t.Errorf("Insert() over record limit error = %v, want retryable %v", err, stderror.ErrNoMemory)
	}
	if _, err := s.Split(s.Head(), 50); !errors.Is(err, stderror.ErrNoMemory) {
		t.Errorf("Split() over record limit error = %v, want %v", err, stderror.ErrNoMemory)
	}
	if s.AllocFailures() != 2 {
		t.Errorf("AllocFailures() = %d, want 2", s.AllocFailures())
	}

	cfg = config.Default()
	cfg.ScoreboardMaxSpan = 1000
	s = New(cfg, 0)
	fill(t, s, 1, 1000)
	if _, err := s.Insert(blk(1000, 1001), t0, 0, congestion.SendState{}); !errors.Is(err, stderror.ErrNoMemory) {
		t.Errorf("Insert() over span limit error = %v, want %v", err, stderror.ErrNoMemory)
	}
	s.RemoveThrough(500)
	if _, err := s.Insert(blk(1000, 1400), t0, 0, congestion.SendState{}); err != nil {
		t.Errorf("Insert() after RemoveThrough() failed: %v", err)
	}
	mustCheck(t, s)
}

func TestFind(t *testing.T) {
	cfg := config.Default()
	cfg.ScoreboardBucketSize = 100
	s := New(cfg, 10)
	fill(t, s, 10, 30)
	big, _ := s.Insert(blk(310, 700), t0, 0, congestion.SendState{})
	if r, _ := s.Get(big); !r.Flags.Has(FlagStraddle) {
		t.Errorf("record %v crossing buckets has no STRADDLE flag", r)
	}
	if r, _ := s.Get(s.Head()); r.Flags.Has(FlagStraddle) {
		t.Errorf("record %v inside one bucket has STRADDLE flag", r)
	}
	for seq := uint32(10); seq < 700; seq++ {
		h, ok := s.Find(seqnum.Value(seq))
		if !ok {
			t.Fatalf("Find(%d) found nothing", seq)
		}
		r, _ := s.Get(h)
		if !r.Block.ContainsSeq(seqnum.Value(seq)) {
			t.Fatalf("Find(%d) = %v", seq, r.Block)
		}
	}
	for _, seq := range []uint32{9, 700, 1000} {
		if _, ok := s.Find(seqnum.Value(seq)); ok {
			t.Errorf("Find(%d) found a record outside the scoreboard", seq)
		}
	}
	mustCheck(t, s)
}

func TestWraparound(t *testing.T) {
	cfg := config.Default()
	cfg.ScoreboardBucketSize = 64
	iss := seqnum.Value(^uint32(0) - 149)
	s := New(cfg, iss)
	fill(t, s, 3, 100)
	if s.Max() != 150 {
		t.Fatalf("Max() = %d, want 150", s.Max())
	}
	for _, seq := range []uint32{^uint32(0) - 149, ^uint32(0), 0, 10, 49, 50, 149} {
		h, ok := s.Find(seqnum.Value(seq))
		if !ok {
			t.Fatalf("Find(%d) found nothing", seq)
		}
		if r, _ := s.Get(h); !r.Block.ContainsSeq(seqnum.Value(seq)) {
			t.Errorf("Find(%d) = %v", seq, r.Block)
		}
	}
	if _, err := s.MarkAcked(blk(^uint32(0)-149, 20)); err != nil {
		t.Fatalf("MarkAcked() failed: %v", err)
	}
	if got := s.RemoveThrough(20); got != 170 {
		t.Errorf("RemoveThrough() = %d, want 170", got)
	}
	if r, _ := s.Get(s.Head()); r.Block != blk(20, 50) {
		t.Errorf("head = %v, want [20, 50)", r.Block)
	}
	mustCheck(t, s)
}

func TestSplitKeepsSynAndFin(t *testing.T) {
	s := New(config.Default(), 0)
	h, _ := s.Insert(blk(0, 1000), t0, FlagSYN|FlagFIN, congestion.SendState{Delivered: 7})
	right, err := s.Split(h, 400)
	if err != nil {
		t.Fatalf("Split() failed: %v", err)
	}
	l, _ := s.Get(h)
	r, _ := s.Get(right)
	if !l.Flags.Has(FlagSYN) || l.Flags.Has(FlagFIN) {
		t.Errorf("left flags = %v, want SYN only", l.Flags)
	}
	if !r.Flags.Has(FlagFIN) || r.Flags.Has(FlagSYN) {
		t.Errorf("right flags = %v, want FIN only", r.Flags)
	}
	if l.Block != blk(0, 400) || r.Block != blk(400, 1000) {
		t.Errorf("Split() = %v, %v", l.Block, r.Block)
	}
	if !r.LastSend().Equal(t0) || r.State.Delivered != 7 {
		t.Errorf("right half lost its send history: %v", r)
	}
	for _, at := range []uint32{0, 400, 1000, 2000} {
		if _, err := s.Split(h, seqnum.Value(at)); !errors.Is(err, stderror.ErrOutOfRange) {
			t.Errorf("Split(%d) error = %v, want %v", at, err, stderror.ErrOutOfRange)
		}
	}
	mustCheck(t, s)
}

func TestSmallRecordCeiling(t *testing.T) {
	cfg := config.Default()
	cfg.ScoreboardSmallRecordBytes = 100
	cfg.ScoreboardMaxSmallRecords = 1
	s := New(cfg, 0)
	h := fill(t, s, 1, 1000)[0]

	right, err := s.Split(h, 50)
	if err != nil {
		t.Fatalf("Split() failed: %v", err)
	}
	if s.SmallRecords() != 1 {
		t.Errorf("SmallRecords() = %d, want 1", s.SmallRecords())
	}
	if _, err := s.Split(right, 960); !IsSplitRefused(err) {
		t.Errorf("Split() error = %v, want refused", err)
	}
	if s.RefusedSplits() != 1 {
		t.Errorf("RefusedSplits() = %d, want 1", s.RefusedSplits())
	}

	// The tail of the SACK would need a small record, so the partly
	// covered record stays as it is.
	newly, err := s.MarkSacked(blk(500, 960))
	if err != nil || len(newly) != 0 {
		t.Errorf("MarkSacked() = %v, %v, want nothing", newly, err)
	}
	mustCheck(t, s)
}

func TestSackLossAndRenege(t *testing.T) {
	s := New(config.Default(), 0)
	hs := fill(t, s, 5, 100)

	newly, err := s.MarkSacked(blk(200, 300))
	if err != nil || len(newly) != 1 {
		t.Fatalf("MarkSacked() = %v, %v, want one record", newly, err)
	}
	if again, _ := s.MarkSacked(blk(200, 300)); len(again) != 0 {
		t.Errorf("repeated MarkSacked() = %v, want nothing", again)
	}
	if s.SackedBytes() != 100 || s.InFlightBytes() != 400 {
		t.Errorf("sacked, in flight = %d, %d, want 100, 400", s.SackedBytes(), s.InFlightBytes())
	}
	if n := s.MarkSackPassed(200); n != 2 {
		t.Errorf("MarkSackPassed() = %d, want 2", n)
	}
	if !s.MarkLost(hs[0]) {
		t.Errorf("MarkLost() = false, want true")
	}
	if s.MarkLost(hs[0]) {
		t.Errorf("repeated MarkLost() = true, want false")
	}
	if s.MarkLost(hs[2]) {
		t.Errorf("MarkLost() of a SACKed record = true, want false")
	}
	if s.LostBytes() != 100 || s.InFlightBytes() != 300 {
		t.Errorf("lost, in flight = %d, %d, want 100, 300", s.LostBytes(), s.InFlightBytes())
	}
	mustCheck(t, s)

	// A late SACK of a lost record clears the loss.
	s.MarkSacked(blk(0, 100))
	if s.LostBytes() != 0 || s.SackedBytes() != 200 {
		t.Errorf("lost, sacked = %d, %d, want 0, 200", s.LostBytes(), s.SackedBytes())
	}

	if !s.Renege(hs[2]) {
		t.Fatalf("Renege() = false, want true")
	}
	r, _ := s.Get(hs[2])
	if !r.InFlight() || !r.Flags.Has(FlagRenegedOnce) {
		t.Errorf("reneged record = %v, want in flight and RENEGED", r)
	}
	if s.Renege(hs[3]) {
		t.Errorf("Renege() of an unSACKed record = true, want false")
	}
	mustCheck(t, s)
}

func TestRetransmitHistory(t *testing.T) {
	s := New(config.Default(), 0)
	hs := fill(t, s, 3, 100)
	if s.Oldest() != hs[0] {
		t.Fatalf("Oldest() = %d, want %d", s.Oldest(), hs[0])
	}
	s.MarkLost(hs[0])
	var last time.Time
	for i := 1; i <= 4; i++ {
		last = t0.Add(time.Duration(i) * time.Second)
		if err := s.MarkRetransmitted(hs[0], last, congestion.SendState{}, i == 4); err != nil {
			t.Fatalf("MarkRetransmitted() failed: %v", err)
		}
	}
	r, _ := s.Get(hs[0])
	if r.NumSends != MaxSendTimes || r.RetransCount != 4 {
		t.Errorf("sends, retrans = %d, %d, want %d, 4", r.NumSends, r.RetransCount, MaxSendTimes)
	}
	if !r.LastSend().Equal(last) || !r.FirstSend().Equal(t0.Add(2*time.Second)) {
		t.Errorf("send times = %v", r.SendTimes)
	}
	if !r.Flags.Has(FlagRetransmitted|FlagProbe) || r.Flags.Has(FlagLost) {
		t.Errorf("flags = %v, want RXT|PROBE", r.Flags)
	}
	if s.RetransBytes() != 100 {
		t.Errorf("RetransBytes() = %d, want 100", s.RetransBytes())
	}
	if s.Oldest() != hs[1] {
		t.Errorf("Oldest() = %d, want %d", s.Oldest(), hs[1])
	}
	var order []Handle
	s.AscendTime(func(r Record) bool {
		order = append(order, r.Handle)
		return true
	})
	if len(order) != 3 || order[0] != hs[1] || order[1] != hs[2] || order[2] != hs[0] {
		t.Errorf("AscendTime() order = %v", order)
	}

	s.MarkSacked(blk(100, 200))
	if err := s.MarkRetransmitted(hs[1], last, congestion.SendState{}, false); !errors.Is(err, stderror.ErrInvalidArgument) {
		t.Errorf("MarkRetransmitted() of a SACKed record error = %v, want %v", err, stderror.ErrInvalidArgument)
	}
	mustCheck(t, s)
}

func TestMerge(t *testing.T) {
	s := New(config.Default(), 0)
	hs := fill(t, s, 4, 100)
	s.MarkRetransmitted(hs[2], t0, congestion.SendState{}, false)
	s.MarkSacked(blk(100, 300))

	if err := s.Merge(hs[0], hs[1]); !errors.Is(err, stderror.ErrInvalidArgument) {
		t.Errorf("Merge() of in flight and SACKed error = %v, want %v", err, stderror.ErrInvalidArgument)
	}
	if err := s.Merge(hs[1], hs[3]); !errors.Is(err, stderror.ErrInvalidArgument) {
		t.Errorf("Merge() of non adjacent records error = %v, want %v", err, stderror.ErrInvalidArgument)
	}
	if err := s.Merge(hs[1], hs[2]); err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	r, _ := s.Get(hs[1])
	if r.Block != blk(100, 300) || r.RetransCount != 1 {
		t.Errorf("merged record = %v", r)
	}
	if _, ok := s.Get(hs[2]); ok {
		t.Errorf("merged away record is still valid")
	}
	if s.Len() != 3 || s.SackedBytes() != 200 {
		t.Errorf("Len(), SackedBytes() = %d, %d, want 3, 200", s.Len(), s.SackedBytes())
	}
	mustCheck(t, s)

	s.MarkSacked(blk(300, 400))
	if n := s.MergeAcked(); n != 1 {
		t.Errorf("MergeAcked() = %d, want 1", n)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	mustCheck(t, s)
}

func TestWindowAndMTU(t *testing.T) {
	s := New(config.Default(), 0)
	hs := fill(t, s, 4, 1000)
	s.MarkSacked(blk(3000, 4000))

	if n := s.CollapseWindow(1500); n != 2 {
		t.Errorf("CollapseWindow() = %d, want 2", n)
	}
	if r, _ := s.Get(hs[1]); !r.Flags.Has(FlagWindowCollapsed) {
		t.Errorf("record %v beyond the window isn't collapsed", r)
	}
	if n := s.ReopenWindow(2000); n != 1 {
		t.Errorf("ReopenWindow() = %d, want 1", n)
	}
	if r, _ := s.Get(hs[2]); !r.Flags.Has(FlagWindowCollapsed) {
		t.Errorf("record %v still beyond the window was reopened", r)
	}

	over := s.MarkOversized(600)
	if len(over) != 3 {
		t.Fatalf("MarkOversized() = %v, want 3 records", over)
	}
	if r, _ := s.Get(over[0]); !r.Flags.Has(FlagOversized | FlagSackPassed) {
		t.Errorf("oversized record flags = %v", r.Flags)
	}
	mustCheck(t, s)
}

func TestRandomOperationsKeepPartition(t *testing.T) {
	cfg := config.Default()
	cfg.ScoreboardBucketSize = 512
	cfg.ScoreboardSmallRecordBytes = 64
	cfg.ScoreboardMaxSmallRecords = 32
	r := rng.NewSource(1)
	s := New(cfg, seqnum.Value(^uint32(0)-5000))
	now := t0

	for i := 0; i < 3000; i++ {
		now = now.Add(time.Millisecond)
		switch op := r.Intn(10); {
		case op < 4:
			start := s.Max()
			end := start.Add(seqnum.Size(1 + r.Intn(1500)))
			if _, err := s.Insert(seqnum.Block{Start: start, End: end}, now, 0, congestion.SendState{}); err != nil {
				t.Fatalf("Insert() failed: %v", err)
			}
		case op < 6:
			if s.Empty() {
				continue
			}
			span := int(s.Min().Size(s.Max()))
			start := s.Min().Add(seqnum.Size(r.Intn(span)))
			end := start.Add(seqnum.Size(1 + r.Intn(3000)))
			if _, err := s.MarkSacked(seqnum.Block{Start: start, End: end}); err != nil {
				t.Fatalf("MarkSacked() failed: %v", err)
			}
		case op == 6:
			if s.Empty() {
				continue
			}
			span := int(s.Min().Size(s.Max()))
			ack := s.Min().Add(seqnum.Size(r.Intn(span + 1)))
			if _, err := s.MarkAcked(seqnum.Block{Start: s.Min(), End: ack}); err != nil {
				t.Fatalf("MarkAcked() failed: %v", err)
			}
			s.RemoveThrough(ack)
		case op == 7:
			if h := s.Oldest(); h != InvalidHandle {
				s.MarkLost(h)
				if err := s.MarkRetransmitted(h, now, congestion.SendState{}, false); err != nil {
					t.Fatalf("MarkRetransmitted() failed: %v", err)
				}
			}
		case op == 8:
			s.MergeAcked()
		default:
			if h := s.Tail(); h != InvalidHandle {
				s.Renege(h)
			}
		}
		if err := s.CheckInvariants(); err != nil {
			t.Fatalf("step %d: CheckInvariants() failed: %v", i, err)
		}
	}
}
