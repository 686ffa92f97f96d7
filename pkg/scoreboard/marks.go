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
	"fmt"
	"time"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/seqnum"
	"github.com/enfein/tcpbbr/pkg/stderror"
)

// forRange splits records at the edges of b and calls visit for each
// record fully inside b. A refused split leaves the partly covered record
// out. Only running out of records is reported.
func (s *Scoreboard) forRange(b seqnum.Block, visit func(h Handle)) error {
	b = b.Intersect(seqnum.Block{Start: s.min, End: s.max})
	if b.Empty() {
		return nil
	}
	h, ok := s.Find(b.Start)
	if !ok {
		return nil
	}
	for h != InvalidHandle && s.arena[h].Block.Start.LessThan(b.End) {
		rb := s.arena[h].Block
		if rb.Start.LessThan(b.Start) {
			right, err := s.Split(h, b.Start)
			if err != nil {
				if errors.Is(err, stderror.ErrNoMemory) {
					return err
				}
				h = s.arena[h].next
				continue
			}
			h = right
			continue
		}
		if b.End.LessThan(rb.End) {
			if _, err := s.Split(h, b.End); err != nil {
				if errors.Is(err, stderror.ErrNoMemory) {
					return err
				}
				return nil
			}
		}
		next := s.arena[h].next
		visit(h)
		h = next
	}
	return nil
}

// MarkAcked marks the records inside b as cumulatively acknowledged.
// It returns the records that were neither acknowledged nor SACKed before.
func (s *Scoreboard) MarkAcked(b seqnum.Block) ([]Record, error) {
	var newly []Record
	err := s.forRange(b, func(h Handle) {
		f := s.arena[h].Flags
		if f.Has(FlagAcked) {
			return
		}
		s.update(h, func(r *record) {
			r.Flags |= FlagAcked
			r.Flags &^= FlagLost | FlagWindowCollapsed
		})
		if !f.Has(FlagSacked) {
			newly = append(newly, s.arena[h].Record)
		}
	})
	return newly, err
}

// MarkSacked marks the records inside b as SACKed. A SACKed record is no
// longer lost. It returns the records that were neither acknowledged nor
// SACKed before.
func (s *Scoreboard) MarkSacked(b seqnum.Block) ([]Record, error) {
	var newly []Record
	err := s.forRange(b, func(h Handle) {
		if s.arena[h].Flags.Any(FlagAcked | FlagSacked) {
			return
		}
		s.update(h, func(r *record) {
			r.Flags |= FlagSacked
			r.Flags &^= FlagLost
		})
		newly = append(newly, s.arena[h].Record)
	})
	return newly, err
}

// MarkLost marks an in flight record lost. It returns false if the
// record was acknowledged or already lost.
func (s *Scoreboard) MarkLost(h Handle) bool {
	if !s.valid(h) || !s.arena[h].InFlight() {
		return false
	}
	s.update(h, func(r *record) {
		r.Flags |= FlagLost
	})
	return true
}

// Renege takes back the SACK of a record. The record is in flight again
// and keeps its send history.
func (s *Scoreboard) Renege(h Handle) bool {
	if !s.valid(h) || !s.arena[h].Flags.Has(FlagSacked) || s.arena[h].Flags.Has(FlagAcked) {
		return false
	}
	s.update(h, func(r *record) {
		r.Flags &^= FlagSacked | FlagSackPassed
		r.Flags |= FlagRenegedOnce
	})
	return true
}

// MarkRetransmitted records another transmission of the record.
// The oldest send time is dropped once MaxSendTimes are remembered.
func (s *Scoreboard) MarkRetransmitted(h Handle, now time.Time, state congestion.SendState, probe bool) error {
	if !s.valid(h) {
		return fmt.Errorf("retransmit invalid handle %d: %w", h, stderror.ErrNotFound)
	}
	if s.arena[h].Flags.Any(FlagAcked | FlagSacked) {
		return fmt.Errorf("retransmit acknowledged record %v: %w", s.arena[h].Block, stderror.ErrInvalidArgument)
	}
	s.update(h, func(r *record) {
		if r.NumSends == MaxSendTimes {
			copy(r.SendTimes[:], r.SendTimes[1:])
			r.NumSends--
		}
		r.SendTimes[r.NumSends] = now
		r.NumSends++
		r.RetransCount++
		r.State = state
		r.Flags |= FlagRetransmitted
		r.Flags &^= FlagLost | FlagSackPassed | FlagOversized
		if probe {
			r.Flags |= FlagProbe
		} else {
			r.Flags &^= FlagProbe
		}
	})
	return nil
}

// MarkSackPassed flags the in flight records ending at or before the
// given sequence number. It returns the number of newly flagged records.
func (s *Scoreboard) MarkSackPassed(before seqnum.Value) int {
	n := 0
	for h := s.head; h != InvalidHandle; h = s.arena[h].next {
		r := &s.arena[h]
		if before.LessThan(r.Block.End) {
			break
		}
		if r.Flags.Any(FlagAcked | FlagSacked | FlagSackPassed) {
			continue
		}
		s.update(h, func(r *record) {
			r.Flags |= FlagSackPassed
		})
		n++
	}
	return n
}

// CollapseWindow flags the unacknowledged records that reach beyond the
// receiver window edge. It returns the number of newly flagged records.
func (s *Scoreboard) CollapseWindow(edge seqnum.Value) int {
	n := 0
	for h := s.tail; h != InvalidHandle; h = s.arena[h].prev {
		r := &s.arena[h]
		if r.Block.End.LessThanEq(edge) {
			break
		}
		if r.Flags.Any(FlagAcked | FlagSacked | FlagWindowCollapsed) {
			continue
		}
		s.update(h, func(r *record) {
			r.Flags |= FlagWindowCollapsed
		})
		n++
	}
	return n
}

// ReopenWindow clears the collapsed flag of the records that fit in the
// receiver window again. It returns the number of cleared records.
func (s *Scoreboard) ReopenWindow(edge seqnum.Value) int {
	n := 0
	for h := s.head; h != InvalidHandle; h = s.arena[h].next {
		r := &s.arena[h]
		if edge.LessThan(r.Block.End) {
			break
		}
		if !r.Flags.Has(FlagWindowCollapsed) {
			continue
		}
		s.update(h, func(r *record) {
			r.Flags &^= FlagWindowCollapsed
		})
		n++
	}
	return n
}

// MarkOversized flags the in flight records larger than mss after the
// path MTU shrank. They are also flagged as SACK passed so loss
// detection considers them. It returns their handles.
func (s *Scoreboard) MarkOversized(mss int) []Handle {
	var hs []Handle
	for h := s.head; h != InvalidHandle; h = s.arena[h].next {
		r := &s.arena[h]
		if r.Flags.Any(FlagAcked|FlagSacked) || r.Size() <= int64(mss) {
			continue
		}
		s.update(h, func(r *record) {
			r.Flags |= FlagOversized | FlagSackPassed
		})
		hs = append(hs, h)
	}
	return hs
}
