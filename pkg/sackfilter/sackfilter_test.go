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

package sackfilter

import (
	"reflect"
	"testing"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

func blk(start, end seqnum.Value) seqnum.Block {
	return seqnum.Block{Start: start, End: end}
}

func newFilter(minNewBytes int) *Filter {
	cfg := config.Default()
	cfg.SackFilterMinNewBytes = minNewBytes
	return New(cfg)
}

func TestFilterSupersetReturnsNewPortion(t *testing.T) {
	f := New(config.Default())
	got := f.Filter([]seqnum.Block{blk(100, 200)}, 0, 300)
	if want := []seqnum.Block{blk(100, 200)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Filter() = %v, want %v", got, want)
	}
	got = f.Filter([]seqnum.Block{blk(100, 300)}, 0, 300)
	if want := []seqnum.Block{blk(200, 300)}; !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
	if want := []seqnum.Block{blk(100, 300)}; !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}
}

func TestFilterRoundTrip(t *testing.T) {
	testCases := []seqnum.Block{
		blk(1000, 2460),
		blk(5000, 50000),
		blk(4294967000, 1000), // wraps around
	}
	for _, b := range testCases {
		f := newFilter(1)
		cumAck := b.Start - 10
		sndMax := b.End + 100000
		if got := f.Filter([]seqnum.Block{b}, cumAck, sndMax); len(got) != 1 || got[0] != b {
			t.Errorf("first Filter(%v) = %v, want %v", b, got, b)
		}
		if got := f.Filter([]seqnum.Block{b}, cumAck, sndMax); len(got) != 0 {
			t.Errorf("second Filter(%v) = %v, want empty", b, got)
		}
		superset := blk(b.Start-5, b.End+7)
		want := []seqnum.Block{blk(b.Start-5, b.Start), blk(b.End, b.End+7)}
		if got := f.Filter([]seqnum.Block{superset}, cumAck, sndMax); !reflect.DeepEqual(got, want) {
			t.Errorf("Filter(%v) = %v, want %v", superset, got, want)
		}
	}
}

func TestFilterDropsOldAndEmptyBlocks(t *testing.T) {
	f := New(config.Default())
	in := []seqnum.Block{blk(500, 900), blk(900, 1000), blk(3000, 2000), blk(4000, 4000)}
	if got := f.Filter(in, 1000, 10000); len(got) != 0 {
		t.Errorf("Filter() = %v, want empty", got)
	}
	if f.Dropped() != 4 {
		t.Errorf("Dropped() = %d, want %d", f.Dropped(), 4)
	}

	// A block straddling the cumulative ACK is trimmed.
	got := f.Filter([]seqnum.Block{blk(500, 3000)}, 1000, 10000)
	if want := []seqnum.Block{blk(1000, 3000)}; !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestFilterPrune(t *testing.T) {
	f := New(config.Default())
	f.Filter([]seqnum.Block{blk(1000, 3000)}, 0, 10000)
	f.Filter(nil, 2000, 10000)
	if want := []seqnum.Block{blk(2000, 3000)}; !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}
	f.Filter(nil, 3000, 10000)
	if f.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.Len())
	}
}

func TestFilterIgnoresSmallRemainder(t *testing.T) {
	f := New(config.Default())
	f.Filter([]seqnum.Block{blk(1000, 5000)}, 0, 100000)
	if got := f.Filter([]seqnum.Block{blk(1000, 5100)}, 0, 100000); len(got) != 0 {
		t.Errorf("Filter() = %v, want empty", got)
	}
	if f.IgnoredSmall() != 1 {
		t.Errorf("IgnoredSmall() = %d, want %d", f.IgnoredSmall(), 1)
	}
	if want := []seqnum.Block{blk(1000, 5000)}; !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}

	// Close to snd_max a small remainder is expected.
	got := f.Filter([]seqnum.Block{blk(1000, 5100)}, 0, 5100)
	if want := []seqnum.Block{blk(5000, 5100)}; !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestFilterCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.SackFilterCapacity = 2
	f := New(cfg)
	f.Filter([]seqnum.Block{blk(1000, 3000)}, 0, 100000)
	f.Filter([]seqnum.Block{blk(5000, 7000)}, 0, 100000)
	f.Filter([]seqnum.Block{blk(9000, 11000)}, 0, 100000)
	want := []seqnum.Block{blk(5000, 7000), blk(9000, 11000)}
	if !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}

	// A small new block is passed on but not remembered.
	got := f.Filter([]seqnum.Block{blk(20000, 20100)}, 0, 100000)
	if want := []seqnum.Block{blk(20000, 20100)}; !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
	if f.Len() != 2 || f.PassedThrough() != 1 {
		t.Errorf("Len() = %d, PassedThrough() = %d, want 2, 1", f.Len(), f.PassedThrough())
	}
}

func TestFilterCollapse(t *testing.T) {
	f := newFilter(1)
	f.Filter([]seqnum.Block{blk(1000, 2000), blk(3000, 4000)}, 0, 100000)
	got := f.Filter([]seqnum.Block{blk(1500, 3500)}, 0, 100000)
	if want := []seqnum.Block{blk(2000, 3000)}; !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
	if want := []seqnum.Block{blk(1000, 4000)}; !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}
}

func TestFilterReject(t *testing.T) {
	f := newFilter(1)
	f.Filter([]seqnum.Block{blk(1000, 3000)}, 0, 100000)
	f.Reject(blk(1000, 3000))
	if f.Len() != 0 {
		t.Errorf("Len() = %d after Reject(), want 0", f.Len())
	}

	f.Filter([]seqnum.Block{blk(1000, 5000)}, 0, 100000)
	f.Reject(blk(1000, 2000))
	if want := []seqnum.Block{blk(2000, 5000)}; !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}
	f.Reject(blk(4000, 5000))
	if want := []seqnum.Block{blk(2000, 4000)}; !reflect.DeepEqual(f.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", f.Entries(), want)
	}

	// The rejected range is reported again.
	got := f.Filter([]seqnum.Block{blk(1000, 5000)}, 0, 100000)
	want := []seqnum.Block{blk(1000, 2000), blk(4000, 5000)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}
