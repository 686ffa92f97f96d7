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

// Package scoreboard keeps the authoritative record of the byte ranges
// sent but not yet cumulatively acknowledged.
//
// Records live in an arena and are referred to by Handle. Two indexes
// point into the arena: a sequence index made of buckets, each holding a
// start ordered chain, and a time index ordered by the last send time.
// Records also form a doubly linked list in sequence order. Together they
// partition [Min(), Max()) without gaps or overlaps.
package scoreboard

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/btree"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
)

// ErrSplitRefused is returned when a split would create a small record
// while the small record ceiling is reached. The caller keeps going with
// less precision.
var ErrSplitRefused = fmt.Errorf("split refused: %w", stderror.ErrFull)

// Scoreboard is the record of sent data of one connection.
// It is not safe for concurrent use.
type Scoreboard struct {
	arena []record
	free  []Handle
	count int

	head, tail Handle
	min, max   seqnum.Value

	buckets    map[uint32][]Handle
	bucketSize uint32
	byTime     *btree.BTreeG[timeItem]

	maxSpan         seqnum.Size
	maxRecords      int
	maxSmallRecords int
	smallBytes      seqnum.Size

	sackedBytes   int64
	lostBytes     int64
	inFlightBytes int64
	retransBytes  int64
	smallRecords  int

	allocFailures uint64
	refusedSplits uint64
}

// New returns an empty scoreboard. The first record must start at iss.
func New(cfg *config.Config, iss seqnum.Value) *Scoreboard {
	bucketSize := cfg.ScoreboardBucketSize
	if bucketSize == 0 {
		bucketSize = 1 << 16
	}
	return &Scoreboard{
		head:            InvalidHandle,
		tail:            InvalidHandle,
		min:             iss,
		max:             iss,
		buckets:         make(map[uint32][]Handle),
		bucketSize:      bucketSize,
		byTime:          btree.NewG[timeItem](8, timeLess),
		maxSpan:         seqnum.Size(cfg.ScoreboardMaxSpan),
		maxRecords:      cfg.ScoreboardMaxRecords,
		maxSmallRecords: cfg.ScoreboardMaxSmallRecords,
		smallBytes:      seqnum.Size(cfg.ScoreboardSmallRecordBytes),
	}
}

// Min returns the lowest sequence number not cumulatively acknowledged.
func (s *Scoreboard) Min() seqnum.Value { return s.min }

// Max returns the sequence number after the highest one sent.
func (s *Scoreboard) Max() seqnum.Value { return s.max }

// Len returns the number of records.
func (s *Scoreboard) Len() int { return s.count }

// Empty returns true if there is no record.
func (s *Scoreboard) Empty() bool { return s.count == 0 }

// SackedBytes returns the number of bytes covered by SACK.
func (s *Scoreboard) SackedBytes() int64 { return s.sackedBytes }

// LostBytes returns the number of bytes marked lost and not resent.
func (s *Scoreboard) LostBytes() int64 { return s.lostBytes }

// InFlightBytes returns the number of bytes neither acknowledged nor lost.
func (s *Scoreboard) InFlightBytes() int64 { return s.inFlightBytes }

// RetransBytes returns the number of retransmitted bytes in flight.
func (s *Scoreboard) RetransBytes() int64 { return s.retransBytes }

// SmallRecords returns the number of records smaller than the small
// record threshold.
func (s *Scoreboard) SmallRecords() int { return s.smallRecords }

// AllocFailures returns the number of operations that failed because a
// limit was reached.
func (s *Scoreboard) AllocFailures() uint64 { return s.allocFailures }

// RefusedSplits returns the number of splits refused by the small
// record ceiling.
func (s *Scoreboard) RefusedSplits() uint64 { return s.refusedSplits }

// Head returns the record at Min(), or InvalidHandle.
func (s *Scoreboard) Head() Handle { return s.head }

// Tail returns the record ending at Max(), or InvalidHandle.
func (s *Scoreboard) Tail() Handle { return s.tail }

// Next returns the record after h in sequence order, or InvalidHandle.
func (s *Scoreboard) Next(h Handle) Handle {
	if !s.valid(h) {
		return InvalidHandle
	}
	return s.arena[h].next
}

// Prev returns the record before h in sequence order, or InvalidHandle.
func (s *Scoreboard) Prev(h Handle) Handle {
	if !s.valid(h) {
		return InvalidHandle
	}
	return s.arena[h].prev
}

// Get returns a copy of the record.
func (s *Scoreboard) Get(h Handle) (Record, bool) {
	if !s.valid(h) {
		return Record{}, false
	}
	return s.arena[h].Record, true
}

// Oldest returns the record with the earliest last send time among the
// records that are not acknowledged, or InvalidHandle.
func (s *Scoreboard) Oldest() Handle {
	item, ok := s.byTime.Min()
	if !ok {
		return InvalidHandle
	}
	return item.h
}

// Ascend calls fn for every record in sequence order until fn returns false.
func (s *Scoreboard) Ascend(fn func(Record) bool) {
	for h := s.head; h != InvalidHandle; h = s.arena[h].next {
		if !fn(s.arena[h].Record) {
			return
		}
	}
}

// Descend calls fn for every record in reverse sequence order until fn
// returns false.
func (s *Scoreboard) Descend(fn func(Record) bool) {
	for h := s.tail; h != InvalidHandle; h = s.arena[h].prev {
		if !fn(s.arena[h].Record) {
			return
		}
	}
}

// AscendTime calls fn for every record that is not acknowledged, ordered
// by the last send time, until fn returns false.
func (s *Scoreboard) AscendTime(fn func(Record) bool) {
	s.byTime.Ascend(func(item timeItem) bool {
		return fn(s.arena[item.h].Record)
	})
}

// Insert appends a newly sent range. The range must start at Max().
func (s *Scoreboard) Insert(b seqnum.Block, sendTime time.Time, flags Flags, state congestion.SendState) (Handle, error) {
	if b.Empty() {
		return InvalidHandle, fmt.Errorf("insert empty range %v: %w", b, stderror.ErrInvalidArgument)
	}
	if b.Start != s.max {
		if b.Start.LessThan(s.max) {
			return InvalidHandle, fmt.Errorf("insert %v below %d: %w", b, s.max, stderror.ErrAlreadyExist)
		}
		return InvalidHandle, stderror.NewProtocolAnomaly("insert %v leaves a gap after %d", b, s.max)
	}
	if s.maxSpan > 0 && s.min.Size(b.End) > s.maxSpan {
		s.allocFailures++
		return InvalidHandle, fmt.Errorf("insert %v exceeds span limit %d: %w", b, s.maxSpan, stderror.ErrNoMemory)
	}
	h, err := s.alloc()
	if err != nil {
		return InvalidHandle, err
	}
	r := &s.arena[h]
	r.Block = b
	r.Flags = flags & (FlagSYN | FlagFIN)
	r.SendTimes[0] = sendTime
	r.NumSends = 1
	r.State = state
	r.prev = s.tail
	r.next = InvalidHandle
	if s.tail != InvalidHandle {
		s.arena[s.tail].next = h
	} else {
		s.head = h
	}
	s.tail = h
	s.max = b.End
	s.attach(h)
	return h, nil
}

// Find returns the record containing seq.
func (s *Scoreboard) Find(seq seqnum.Value) (Handle, bool) {
	if !seq.InRange(s.min, s.max) {
		return InvalidHandle, false
	}
	k := s.key(seq)
	last := s.key(s.min)
	for {
		chain := s.buckets[k]
		if len(chain) > 0 {
			// The record with the largest start not after seq.
			i := sort.Search(len(chain), func(i int) bool {
				return uint32(s.arena[chain[i]].Block.Start) > uint32(seq)
			})
			if k != s.key(seq) {
				i = len(chain)
			}
			if i > 0 {
				h := chain[i-1]
				if s.arena[h].Block.ContainsSeq(seq) {
					return h, true
				}
				// Records are contiguous, so the closest start owns seq.
				return InvalidHandle, false
			}
		}
		if k == last {
			return InvalidHandle, false
		}
		k = s.prevKey(k)
	}
}

// Split divides the record at the given sequence number. The left half
// keeps the handle. The right half is returned.
// Send history, retransmission count and flags are copied. SYN stays in
// the left half and FIN in the right half.
func (s *Scoreboard) Split(h Handle, at seqnum.Value) (Handle, error) {
	if !s.valid(h) {
		return InvalidHandle, fmt.Errorf("split invalid handle %d: %w", h, stderror.ErrNotFound)
	}
	b := s.arena[h].Block
	if !b.Start.LessThan(at) || !at.LessThan(b.End) {
		return InvalidHandle, fmt.Errorf("split %v at %d: %w", b, at, stderror.ErrOutOfRange)
	}
	left := seqnum.Block{Start: b.Start, End: at}
	right := seqnum.Block{Start: at, End: b.End}
	newSmall := s.smallCount(left) + s.smallCount(right) - s.smallCount(b)
	if newSmall > 0 && s.maxSmallRecords > 0 && s.smallRecords+newSmall > s.maxSmallRecords {
		s.refusedSplits++
		return InvalidHandle, ErrSplitRefused
	}
	rh, err := s.alloc()
	if err != nil {
		return InvalidHandle, err
	}

	orig := s.arena[h].Record
	s.update(h, func(r *record) {
		r.Block = left
		r.Flags &^= FlagFIN
	})

	r := &s.arena[rh]
	r.Record = orig
	r.Handle = rh
	r.Block = right
	r.Flags &^= FlagSYN | FlagStraddle
	r.prev = h
	r.next = s.arena[h].next
	if r.next != InvalidHandle {
		s.arena[r.next].prev = rh
	} else {
		s.tail = rh
	}
	s.arena[h].next = rh
	s.attach(rh)
	return rh, nil
}

// Merge joins two abutting records. Both must be acknowledged the same
// way: either both cumulatively acknowledged or both SACKed.
func (s *Scoreboard) Merge(l, r Handle) error {
	if !s.valid(l) || !s.valid(r) {
		return fmt.Errorf("merge invalid handles %d, %d: %w", l, r, stderror.ErrNotFound)
	}
	lr, rr := &s.arena[l], &s.arena[r]
	if lr.next != r || lr.Block.End != rr.Block.Start {
		return fmt.Errorf("merge %v and %v: not adjacent: %w", lr.Block, rr.Block, stderror.ErrInvalidArgument)
	}
	if !mergeable(lr.Flags, rr.Flags) {
		return fmt.Errorf("merge %v (%v) and %v (%v): %w", lr.Block, lr.Flags, rr.Block, rr.Flags, stderror.ErrInvalidArgument)
	}
	end := rr.Block.End
	rxt := rr.RetransCount
	fin := rr.Flags & FlagFIN
	s.remove(r)
	s.update(l, func(rec *record) {
		rec.Block.End = end
		rec.RetransCount += rxt
		rec.Flags |= fin
	})
	return nil
}

func mergeable(a, b Flags) bool {
	if a.Has(FlagAcked) && b.Has(FlagAcked) {
		return true
	}
	return a.Has(FlagSacked) && b.Has(FlagSacked) && !a.Any(FlagAcked) && !b.Any(FlagAcked)
}

// MergeAcked merges every pair of adjacent records acknowledged the same
// way. It returns the number of merges.
func (s *Scoreboard) MergeAcked() int {
	merged := 0
	h := s.head
	for h != InvalidHandle {
		next := s.arena[h].next
		if next != InvalidHandle && mergeable(s.arena[h].Flags, s.arena[next].Flags) {
			if err := s.Merge(h, next); err == nil {
				merged++
				continue
			}
		}
		h = next
	}
	return merged
}

// RemoveThrough drops everything below cumAck. A record straddling cumAck
// is trimmed. It returns the number of sequence numbers removed.
func (s *Scoreboard) RemoveThrough(cumAck seqnum.Value) int64 {
	if cumAck.LessThanEq(s.min) {
		return 0
	}
	if s.max.LessThan(cumAck) {
		cumAck = s.max
	}
	removed := int64(s.min.Size(cumAck))
	for s.head != InvalidHandle {
		h := s.head
		b := s.arena[h].Block
		if b.End.LessThanEq(cumAck) {
			s.remove(h)
			continue
		}
		if b.Start.LessThan(cumAck) {
			s.update(h, func(r *record) {
				r.Block.Start = cumAck
				r.Flags &^= FlagSYN
			})
		}
		break
	}
	s.min = cumAck
	return removed
}

func (s *Scoreboard) valid(h Handle) bool {
	return h >= 0 && int(h) < len(s.arena) && s.arena[h].inUse
}

func (s *Scoreboard) alloc() (Handle, error) {
	if s.maxRecords > 0 && s.count >= s.maxRecords {
		s.allocFailures++
		return InvalidHandle, fmt.Errorf("scoreboard has %d records: %w", s.count, stderror.ErrNoMemory)
	}
	var h Handle
	if n := len(s.free); n > 0 {
		h = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.arena = append(s.arena, record{})
		h = Handle(len(s.arena) - 1)
	}
	s.arena[h] = record{inUse: true, prev: InvalidHandle, next: InvalidHandle}
	s.arena[h].Handle = h
	s.count++
	return h, nil
}

// attach adds a new record to the indexes and the counters.
func (s *Scoreboard) attach(h Handle) {
	r := &s.arena[h]
	s.setStraddle(r)
	s.bucketAdd(h)
	s.smallRecords += s.smallCount(r.Block)
	s.account(r, 1)
	s.timeAdd(r)
}

// remove unlinks a record and frees it.
func (s *Scoreboard) remove(h Handle) {
	r := &s.arena[h]
	s.account(r, -1)
	s.timeRemove(r)
	s.bucketRemove(h, r.Block.Start)
	s.smallRecords -= s.smallCount(r.Block)
	if r.prev != InvalidHandle {
		s.arena[r.prev].next = r.next
	} else {
		s.head = r.next
	}
	if r.next != InvalidHandle {
		s.arena[r.next].prev = r.prev
	} else {
		s.tail = r.prev
	}
	s.arena[h] = record{prev: InvalidHandle, next: InvalidHandle}
	s.free = append(s.free, h)
	s.count--
}

// update applies fn to a record and keeps indexes and counters in sync.
// fn must not change the scoreboard.
func (s *Scoreboard) update(h Handle, fn func(r *record)) {
	r := &s.arena[h]
	oldBlock := r.Block
	s.account(r, -1)
	s.timeRemove(r)
	fn(r)
	if r.Block.Start != oldBlock.Start {
		s.bucketRemove(h, oldBlock.Start)
		s.bucketAdd(h)
	}
	if r.Block != oldBlock {
		s.smallRecords += s.smallCount(r.Block) - s.smallCount(oldBlock)
		s.setStraddle(r)
	}
	s.account(r, 1)
	s.timeAdd(r)
}

func (s *Scoreboard) account(r *record, sign int64) {
	a := r.accounting()
	s.sackedBytes += sign * a.sacked
	s.lostBytes += sign * a.lost
	s.inFlightBytes += sign * a.inFlight
	s.retransBytes += sign * a.retrans
}

func (s *Scoreboard) smallCount(b seqnum.Block) int {
	if b.Size() < s.smallBytes {
		return 1
	}
	return 0
}

func (s *Scoreboard) timeAdd(r *record) {
	if !r.timeIndexed() {
		return
	}
	r.timeKey = timeItem{sent: r.LastSend(), start: r.Block.Start, h: r.Handle}
	r.inTime = true
	s.byTime.ReplaceOrInsert(r.timeKey)
}

func (s *Scoreboard) timeRemove(r *record) {
	if !r.inTime {
		return
	}
	s.byTime.Delete(r.timeKey)
	r.inTime = false
}

func (s *Scoreboard) key(v seqnum.Value) uint32 {
	return uint32(v) / s.bucketSize
}

func (s *Scoreboard) prevKey(k uint32) uint32 {
	if k == 0 {
		return s.key(seqnum.Value(^uint32(0)))
	}
	return k - 1
}

func (s *Scoreboard) setStraddle(r *record) {
	if r.Block.Empty() || s.key(r.Block.Start) == s.key(r.Block.End-1) {
		r.Flags &^= FlagStraddle
	} else {
		r.Flags |= FlagStraddle
	}
}

func (s *Scoreboard) bucketAdd(h Handle) {
	start := s.arena[h].Block.Start
	k := s.key(start)
	chain := s.buckets[k]
	i := sort.Search(len(chain), func(i int) bool {
		return uint32(s.arena[chain[i]].Block.Start) > uint32(start)
	})
	chain = append(chain, InvalidHandle)
	copy(chain[i+1:], chain[i:])
	chain[i] = h
	s.buckets[k] = chain
}

func (s *Scoreboard) bucketRemove(h Handle, start seqnum.Value) {
	k := s.key(start)
	chain := s.buckets[k]
	for i, c := range chain {
		if c == h {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(s.buckets, k)
	} else {
		s.buckets[k] = chain
	}
}

// CheckInvariants verifies that the records partition [Min(), Max()) and
// that the indexes and counters agree with the records.
func (s *Scoreboard) CheckInvariants() error {
	var want accounting
	small, n := 0, 0
	next := s.min
	prev := InvalidHandle
	timeCount := 0
	for h := s.head; h != InvalidHandle; h = s.arena[h].next {
		r := &s.arena[h]
		if !r.inUse {
			return internalError("record %d in list is free", h)
		}
		if r.prev != prev {
			return internalError("record %d prev = %d, want %d", h, r.prev, prev)
		}
		if r.Block.Start != next {
			return internalError("record %v doesn't start at %d", r.Block, next)
		}
		if r.Block.Empty() {
			return internalError("record %d is empty", h)
		}
		if found, ok := s.Find(r.Block.Start); !ok || found != h {
			return internalError("Find(%d) = %d, want %d", r.Block.Start, found, h)
		}
		if r.timeIndexed() != r.inTime {
			return internalError("record %v time index membership is %v", r.Block, r.inTime)
		}
		if r.inTime {
			timeCount++
		}
		a := r.accounting()
		want.sacked += a.sacked
		want.lost += a.lost
		want.inFlight += a.inFlight
		want.retrans += a.retrans
		small += s.smallCount(r.Block)
		next = r.Block.End
		prev = h
		n++
	}
	if next != s.max {
		return internalError("records end at %d, want %d", next, s.max)
	}
	if prev != s.tail {
		return internalError("tail = %d, want %d", s.tail, prev)
	}
	if n != s.count {
		return internalError("%d records in list, count = %d", n, s.count)
	}
	if timeCount != s.byTime.Len() {
		return internalError("time index has %d items, want %d", s.byTime.Len(), timeCount)
	}
	got := accounting{sacked: s.sackedBytes, lost: s.lostBytes, inFlight: s.inFlightBytes, retrans: s.retransBytes}
	if got != want {
		return internalError("counters = %+v, want %+v", got, want)
	}
	if small != s.smallRecords {
		return internalError("small records = %d, want %d", s.smallRecords, small)
	}
	return nil
}

func internalError(format string, a ...any) error {
	err := fmt.Errorf("%w: %s", stderror.ErrInternal, fmt.Sprintf(format, a...))
	log.Debugf("[scoreboard] %v", err)
	return err
}

// IsSplitRefused returns true if err comes from the small record ceiling.
func IsSplitRefused(err error) bool {
	return errors.Is(err, ErrSplitRefused)
}
