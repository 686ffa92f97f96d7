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
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

// receiver reassembles the byte stream and builds cumulative and
// selective acknowledgements.
type receiver struct {
	rcvNxt seqnum.Value

	// ooo holds the out of order data, sorted and disjoint, above rcvNxt.
	ooo []seqnum.Block

	// latest is the out of order block that changed last. It is reported
	// first.
	latest    seqnum.Block
	hasLatest bool

	ackEvery int
	maxSacks int
	pending  int

	// Statistics.
	segments   uint64
	duplicates uint64
	acks       uint64
}

func newReceiver(iss seqnum.Value, cfg Receiver) *receiver {
	return &receiver{
		rcvNxt:   iss,
		ackEvery: cfg.AckEvery,
		maxSacks: cfg.MaxSackBlocks,
	}
}

// onData takes a segment. It returns the duplicate range to report with
// a DSACK, if any, and whether an ACK must be sent right away.
func (r *receiver) onData(b seqnum.Block) (dsack *seqnum.Block, immediate bool) {
	r.segments++
	if b.End.LessThanEq(r.rcvNxt) || r.covered(b) {
		r.duplicates++
		dup := b
		return &dup, true
	}

	if b.Start.LessThanEq(r.rcvNxt) {
		filling := len(r.ooo) > 0
		r.rcvNxt = b.End
		r.drain()
		if filling {
			return nil, true
		}
		r.pending++
		return nil, r.pending >= r.ackEvery
	}

	r.insert(b)
	return nil, true
}

// covered returns true if b is entirely held out of order.
func (r *receiver) covered(b seqnum.Block) bool {
	for _, o := range r.ooo {
		if o.Contains(b) {
			return true
		}
	}
	return false
}

// drain moves the out of order blocks reached by rcvNxt.
func (r *receiver) drain() {
	i := 0
	for ; i < len(r.ooo) && r.ooo[i].Start.LessThanEq(r.rcvNxt); i++ {
		r.rcvNxt = seqnum.Max(r.rcvNxt, r.ooo[i].End)
	}
	r.ooo = r.ooo[i:]
	if r.hasLatest && r.latest.End.LessThanEq(r.rcvNxt) {
		r.hasLatest = false
	}
}

// insert adds an out of order block, merging the blocks it touches.
func (r *receiver) insert(b seqnum.Block) {
	merged := b
	out := make([]seqnum.Block, 0, len(r.ooo)+1)
	placed := false
	for _, o := range r.ooo {
		switch {
		case o.Touches(merged):
			merged = merged.Union(o)
		case o.End.LessThan(merged.Start):
			out = append(out, o)
		default:
			if !placed {
				out = append(out, merged)
				placed = true
			}
			out = append(out, o)
		}
	}
	if !placed {
		out = append(out, merged)
	}
	r.ooo = out
	r.latest = merged
	r.hasLatest = true
}

// ack builds an acknowledgement: the cumulative ACK and up to maxSacks
// blocks, the DSACK first, then the latest block, then the others from
// the highest down.
func (r *receiver) ack(dsack *seqnum.Block) (seqnum.Value, []seqnum.Block) {
	r.pending = 0
	r.acks++
	var sacks []seqnum.Block
	if dsack != nil {
		sacks = append(sacks, *dsack)
	}
	if r.hasLatest && len(sacks) < r.maxSacks {
		sacks = append(sacks, r.latest)
	}
	for i := len(r.ooo) - 1; i >= 0 && len(sacks) < r.maxSacks; i-- {
		if r.hasLatest && r.ooo[i] == r.latest {
			continue
		}
		sacks = append(sacks, r.ooo[i])
	}
	return r.rcvNxt, sacks
}
