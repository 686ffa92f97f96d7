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
	"fmt"
	"strings"
	"time"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

// MaxSendTimes is the number of send timestamps kept per record.
const MaxSendTimes = 3

// Flags describe a record.
type Flags uint16

const (
	// FlagSYN marks a record that carries the SYN. It occupies one sequence number.
	FlagSYN Flags = 1 << iota

	// FlagFIN marks a record that carries the FIN. It occupies one sequence number.
	FlagFIN

	// FlagAcked marks a record covered by the cumulative ACK.
	FlagAcked

	// FlagSacked marks a record covered by a SACK block.
	FlagSacked

	// FlagLost marks a record declared lost and not yet retransmitted.
	FlagLost

	// FlagRetransmitted marks a record sent more than once.
	FlagRetransmitted

	// FlagSackPassed marks a record with a SACKed record after it.
	FlagSackPassed

	// FlagRenegedOnce marks a record whose SACK was taken back by the peer.
	FlagRenegedOnce

	// FlagWindowCollapsed marks a record beyond the receiver window after
	// the peer shrank it.
	FlagWindowCollapsed

	// FlagOversized marks a record larger than the current MSS.
	FlagOversized

	// FlagStraddle marks a record that crosses a bucket boundary.
	FlagStraddle

	// FlagProbe marks a record whose last transmission was a tail loss probe.
	FlagProbe
)

var flagNames = []string{
	"SYN", "FIN", "ACKED", "SACKED", "LOST", "RXT", "SACK_PASSED",
	"RENEGED", "WND_COLLAPSED", "OVERSIZED", "STRADDLE", "PROBE",
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Has returns true if every flag of g is set.
func (f Flags) Has(g Flags) bool {
	return f&g == g
}

// Any returns true if any flag of g is set.
func (f Flags) Any(g Flags) bool {
	return f&g != 0
}

// Handle identifies a record. A handle is valid until the record is
// removed or merged into another record.
type Handle int

// InvalidHandle is never a valid handle.
const InvalidHandle Handle = -1

// Record is a copy of a scoreboard entry.
type Record struct {
	Handle Handle
	Block  seqnum.Block
	Flags  Flags

	// SendTimes holds the last NumSends send times, the oldest first.
	SendTimes [MaxSendTimes]time.Time
	NumSends  int

	// RetransCount is the number of retransmissions, including the
	// ones whose send times were dropped.
	RetransCount int

	// State is the delivery rate state captured at the last send.
	State congestion.SendState
}

// Size returns the number of sequence numbers of the record.
func (r Record) Size() int64 {
	return int64(r.Block.Size())
}

// LastSend returns the time of the latest transmission.
func (r Record) LastSend() time.Time {
	if r.NumSends == 0 {
		return time.Time{}
	}
	return r.SendTimes[r.NumSends-1]
}

// FirstSend returns the oldest send time still remembered.
func (r Record) FirstSend() time.Time {
	return r.SendTimes[0]
}

// InFlight returns true if the record is neither acknowledged nor lost.
func (r Record) InFlight() bool {
	return !r.Flags.Any(FlagAcked | FlagSacked | FlagLost)
}

func (r Record) String() string {
	return fmt.Sprintf("Record{%v, flags=%v, sends=%d, rxt=%d}", r.Block, r.Flags, r.NumSends, r.RetransCount)
}

// record is the arena entry.
type record struct {
	Record

	inUse      bool
	prev, next Handle

	// inTime is true if the record is in the time index under timeKey.
	inTime  bool
	timeKey timeItem
}

// timeItem orders records by last send time, then by sequence.
type timeItem struct {
	sent  time.Time
	start seqnum.Value
	h     Handle
}

func timeLess(a, b timeItem) bool {
	if !a.sent.Equal(b.sent) {
		return a.sent.Before(b.sent)
	}
	if a.start != b.start {
		return a.start.LessThan(b.start)
	}
	return a.h < b.h
}

// timeIndexed returns true if the record belongs to the time index.
func (r *record) timeIndexed() bool {
	return !r.Flags.Any(FlagAcked|FlagSacked) && r.NumSends > 0
}

// accounting is the contribution of a record to the counters.
type accounting struct {
	sacked, lost, inFlight, retrans int64
}

func (r *record) accounting() accounting {
	var a accounting
	size := int64(r.Block.Size())
	switch {
	case r.Flags.Has(FlagAcked):
	case r.Flags.Has(FlagSacked):
		a.sacked = size
	case r.Flags.Has(FlagLost):
		a.lost = size
	default:
		a.inFlight = size
		if r.Flags.Has(FlagRetransmitted) {
			a.retrans = size
		}
	}
	return a
}
