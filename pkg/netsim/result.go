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
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/engine"
)

// Transition is a BBR mode change, timed from the start of the run.
type Transition struct {
	At   time.Duration
	From congestion.Mode
	To   congestion.Mode
}

// Result is the outcome of a run.
type Result struct {
	Name string

	// Elapsed is the simulated time of the run.
	Elapsed time.Duration

	// Completed is true if the whole transfer was acknowledged.
	Completed bool

	// Dropped is true if the engine gave up the connection.
	Dropped bool

	BytesAcked int64
	Goodput    congestion.Bandwidth

	Link        LinkStats
	Engine      engine.Stats
	Transitions []Transition

	Events       uint64
	AckErrors    uint64
	WindowProbes uint64
	DupSegments  uint64
}

func (s *Simulator) result() *Result {
	elapsed := s.Now().Sub(start)
	if !s.completedAt.IsZero() {
		elapsed = s.completedAt.Sub(start)
	}
	acked := int64(s.iss.Size(s.eng.SndUna()))
	return &Result{
		Name:         s.sc.Name,
		Elapsed:      elapsed,
		Completed:    !s.completedAt.IsZero(),
		Dropped:      s.dropped,
		BytesAcked:   acked,
		Goodput:      congestion.BandwidthFromDelta(acked, elapsed),
		Link:         s.link.stats,
		Engine:       s.eng.Stats(),
		Transitions:  s.log.transitions,
		Events:       s.processed,
		AckErrors:    s.ackErrors,
		WindowProbes: s.probes,
		DupSegments:  s.rcv.duplicates,
	}
}

// Visited returns true if the run ever entered mode.
func (r *Result) Visited(mode congestion.Mode) bool {
	for _, t := range r.Transitions {
		if t.To == mode {
			return true
		}
	}
	return false
}

// ToProto converts the result to a protobuf struct, ready for protojson.
func (r *Result) ToProto() (*structpb.Struct, error) {
	transitions := make([]any, 0, len(r.Transitions))
	for _, t := range r.Transitions {
		transitions = append(transitions, map[string]any{
			"atMs": durationMs(t.At),
			"from": t.From.String(),
			"to":   t.To.String(),
		})
	}
	pb, err := structpb.NewStruct(map[string]any{
		"name":         r.Name,
		"elapsedMs":    durationMs(r.Elapsed),
		"completed":    r.Completed,
		"dropped":      r.Dropped,
		"bytesAcked":   r.BytesAcked,
		"goodput":      r.Goodput.String(),
		"events":       r.Events,
		"ackErrors":    r.AckErrors,
		"windowProbes": r.WindowProbes,
		"dupSegments":  r.DupSegments,
		"link": map[string]any{
			"delivered":      r.Link.Delivered,
			"reordered":      r.Link.Reordered,
			"droppedQueue":   r.Link.DroppedQueue,
			"droppedRandom":  r.Link.DroppedRandom,
			"droppedPolicer": r.Link.DroppedPolicer,
			"maxQueueBytes":  r.Link.MaxQueueBytes,
		},
		"transitions": transitions,
	})
	if err != nil {
		return nil, err
	}
	stats, err := r.Engine.ToProto()
	if err != nil {
		return nil, err
	}
	pb.Fields["engine"] = structpb.NewStructValue(stats)
	return pb, nil
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
