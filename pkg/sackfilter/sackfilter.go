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

// Package sackfilter removes SACK information that was already processed.
//
// A receiver repeats its SACK blocks in every ACK. The filter remembers the
// ranges it has passed on, so the scoreboard only sees genuinely new
// ranges. The board holds a small number of ranges. When it is full,
// the least recently used range is evicted.
package sackfilter

import (
	"sort"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

type entry struct {
	block    seqnum.Block
	lastUsed uint64
}

// Filter is the SACK filter of one connection. It is not safe for
// concurrent use.
type Filter struct {
	board    []entry
	capacity int

	// minNewBytes and edgeProximity control the anti fragmentation rule.
	minNewBytes   seqnum.Size
	edgeProximity seqnum.Size

	cumAck    seqnum.Value
	hasCumAck bool
	tick      uint64

	// Statistics.
	dropped       uint64
	ignoredSmall  uint64
	passedThrough uint64
}

// New returns an empty filter.
func New(cfg *config.Config) *Filter {
	capacity := cfg.SackFilterCapacity
	if capacity <= 0 || capacity > config.MaxSackFilterCapacity {
		capacity = config.MaxSackFilterCapacity
	}
	return &Filter{
		board:         make([]entry, 0, capacity),
		capacity:      capacity,
		minNewBytes:   seqnum.Size(cfg.MinNewSackBytes()),
		edgeProximity: seqnum.Size(cfg.SackFilterEdgeProximity),
	}
}

// SetMinNewBytes changes the smallest new remainder worth reporting.
// It follows MSS changes.
func (f *Filter) SetMinNewBytes(n int) {
	if n > 0 {
		f.minNewBytes = seqnum.Size(n)
	}
}

// Len returns the number of remembered ranges.
func (f *Filter) Len() int {
	return len(f.board)
}

// Entries returns the remembered ranges ordered by start.
func (f *Filter) Entries() []seqnum.Block {
	out := make([]seqnum.Block, 0, len(f.board))
	for _, e := range f.board {
		out = append(out, e.block)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.LessThan(out[j].Start)
	})
	return out
}

// Reset forgets every remembered range.
func (f *Filter) Reset() {
	f.board = f.board[:0]
	f.hasCumAck = false
}

// Dropped returns the number of blocks removed because they were
// already processed.
func (f *Filter) Dropped() uint64 { return f.dropped }

// IgnoredSmall returns the number of blocks treated as processed by the
// anti fragmentation rule.
func (f *Filter) IgnoredSmall() uint64 { return f.ignoredSmall }

// PassedThrough returns the number of new blocks passed on without
// being remembered because the board was full.
func (f *Filter) PassedThrough() uint64 { return f.passedThrough }

// Filter returns the new parts of the SACK blocks in. cumAck is the
// cumulative ACK of the same segment and sndMax is the highest sequence
// number sent. Blocks at or below cumAck are dropped, so D-SACK blocks
// must be taken out by the caller first.
func (f *Filter) Filter(in []seqnum.Block, cumAck, sndMax seqnum.Value) []seqnum.Block {
	f.prune(cumAck)
	var out []seqnum.Block
	for _, b := range in {
		if b.Start.LessThan(cumAck) {
			b.Start = cumAck
		}
		if sndMax.LessThan(b.End) {
			b.End = sndMax
		}
		if b.Empty() {
			f.dropped++
			continue
		}
		out = f.filterOne(b, sndMax, out)
	}
	f.collapse()
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[sackfilter] Filter(%v, cumAck=%d, sndMax=%d) = %v, board=%v", in, cumAck, sndMax, out, f.Entries())
	}
	return out
}

// Reject takes back a range passed on by Filter that the caller could
// not process. Board entries whose edges exactly match the range are
// trimmed or removed.
func (f *Filter) Reject(b seqnum.Block) {
	kept := f.board[:0]
	for _, e := range f.board {
		switch {
		case e.block == b:
			continue
		case e.block.Start == b.Start && b.End.LessThan(e.block.End):
			e.block.Start = b.End
		case e.block.End == b.End && e.block.Start.LessThan(b.Start):
			e.block.End = b.Start
		}
		kept = append(kept, e)
	}
	f.board = kept
}

// prune drops board entries below cumAck and trims the ones straddling it.
func (f *Filter) prune(cumAck seqnum.Value) {
	if f.hasCumAck && cumAck.LessThanEq(f.cumAck) {
		return
	}
	f.cumAck = cumAck
	f.hasCumAck = true
	kept := f.board[:0]
	for _, e := range f.board {
		if e.block.End.LessThanEq(cumAck) {
			continue
		}
		if e.block.Start.LessThan(cumAck) {
			e.block.Start = cumAck
		}
		kept = append(kept, e)
	}
	f.board = kept
}

func (f *Filter) filterOne(b seqnum.Block, sndMax seqnum.Value, out []seqnum.Block) []seqnum.Block {
	f.tick++
	var touching []int
	for i := range f.board {
		e := &f.board[i]
		if e.block.Contains(b) {
			e.lastUsed = f.tick
			f.dropped++
			return out
		}
		if e.block.Touches(b) {
			touching = append(touching, i)
		}
	}

	if len(touching) == 0 {
		return f.insertNew(b, out)
	}

	pieces := newPieces(b, f.board, touching)
	var newBytes seqnum.Size
	for _, p := range pieces {
		newBytes += p.Size()
	}
	if newBytes < f.minNewBytes && len(pieces) > 0 {
		high := pieces[len(pieces)-1].End
		if high.Size(sndMax) > f.edgeProximity {
			// Too small to be worth a split, and not at the tail where a
			// small segment is expected.
			f.ignoredSmall++
			return out
		}
	}

	// Grow the first touching entry to the union and drop the others.
	union := b
	for _, i := range touching {
		union = union.Union(f.board[i].block)
	}
	first := touching[0]
	f.board[first].block = union
	f.board[first].lastUsed = f.tick
	for k := len(touching) - 1; k >= 1; k-- {
		i := touching[k]
		f.board = append(f.board[:i], f.board[i+1:]...)
	}
	return append(out, pieces...)
}

// newPieces returns the parts of b not covered by the touching entries.
func newPieces(b seqnum.Block, board []entry, touching []int) []seqnum.Block {
	covers := make([]seqnum.Block, 0, len(touching))
	for _, i := range touching {
		covers = append(covers, board[i].block)
	}
	sort.Slice(covers, func(i, j int) bool {
		return covers[i].Start.LessThan(covers[j].Start)
	})
	var pieces []seqnum.Block
	cur := b.Start
	for _, c := range covers {
		if cur.LessThan(c.Start) {
			end := seqnum.Min(c.Start, b.End)
			if cur.LessThan(end) {
				pieces = append(pieces, seqnum.Block{Start: cur, End: end})
			}
		}
		cur = seqnum.Max(cur, c.End)
	}
	if cur.LessThan(b.End) {
		pieces = append(pieces, seqnum.Block{Start: cur, End: b.End})
	}
	return pieces
}

func (f *Filter) insertNew(b seqnum.Block, out []seqnum.Block) []seqnum.Block {
	if len(f.board) < f.capacity {
		f.board = append(f.board, entry{block: b, lastUsed: f.tick})
		return append(out, b)
	}
	if b.Size() < f.minNewBytes {
		// Not worth an eviction. Pass it on without remembering it.
		f.passedThrough++
		return append(out, b)
	}
	lru := 0
	for i := range f.board {
		if f.board[i].lastUsed < f.board[lru].lastUsed {
			lru = i
		}
	}
	f.board[lru] = entry{block: b, lastUsed: f.tick}
	return append(out, b)
}

// collapse merges overlapping or abutting entries.
func (f *Filter) collapse() {
	if len(f.board) < 2 {
		return
	}
	sort.Slice(f.board, func(i, j int) bool {
		return f.board[i].block.Start.LessThan(f.board[j].block.Start)
	})
	merged := f.board[:1]
	for _, e := range f.board[1:] {
		last := &merged[len(merged)-1]
		if last.block.Touches(e.block) {
			last.block = last.block.Union(e.block)
			if e.lastUsed > last.lastUsed {
				last.lastUsed = e.lastUsed
			}
			continue
		}
		merged = append(merged, e)
	}
	f.board = merged
}
