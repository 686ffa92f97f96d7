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

package engine

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/rack"
	"github.com/enfein/tcpbbr/pkg/seqnum"
)

// Stats is a snapshot of an engine.
type Stats struct {
	Time time.Time

	Mode          congestion.Mode
	Cwnd          int64
	PacingRate    congestion.Bandwidth
	Bandwidth     congestion.Bandwidth
	RTTProp       time.Duration
	SmoothedRTT   time.Duration
	RTO           time.Duration
	RoundCount    int64
	FullBandwidth bool
	Policed       bool
	InRecovery    bool
	MSS           int

	SndUna        seqnum.Value
	SndMax        seqnum.Value
	Records       int
	InFlightBytes int64
	SackedBytes   int64
	LostBytes     int64
	RetransBytes  int64

	Acks             uint64
	DupAcks          uint64
	DSACKs           uint64
	Reneges          uint64
	Anomalies        uint64
	AllocDeferrals   uint64
	SegmentsSent     uint64
	BytesSent        int64
	Retransmits      uint64
	BytesRetrans     int64
	BytesAcked       int64
	AppLimited       uint64
	MTURetransmits   uint64
	RefusedSplits    uint64
	ScoreboardFaults uint64

	Rack rack.Stats
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() Stats {
	return Stats{
		Time:             e.timers.Now(),
		Mode:             e.bbr.Mode(),
		Cwnd:             e.bbr.CongestionWindow(),
		PacingRate:       e.bbr.PacingRate(),
		Bandwidth:        e.est.Bandwidth(),
		RTTProp:          e.est.RTTProp(),
		SmoothedRTT:      e.rtt.SmoothedRTT(),
		RTO:              e.rtt.RTO(),
		RoundCount:       e.est.RoundCount(),
		FullBandwidth:    e.bbr.FullBandwidthReached(),
		Policed:          e.est.LongTerm().InUse(),
		InRecovery:       e.rack.InRecovery(),
		MSS:              e.mss,
		SndUna:           e.sb.Min(),
		SndMax:           e.sb.Max(),
		Records:          e.sb.Len(),
		InFlightBytes:    e.sb.InFlightBytes(),
		SackedBytes:      e.sb.SackedBytes(),
		LostBytes:        e.sb.LostBytes(),
		RetransBytes:     e.sb.RetransBytes(),
		Acks:             e.stats.acks,
		DupAcks:          e.stats.dupAcks,
		DSACKs:           e.stats.dsacks,
		Reneges:          e.stats.reneges,
		Anomalies:        e.stats.anomalies,
		AllocDeferrals:   e.stats.deferrals,
		SegmentsSent:     e.stats.segmentsSent,
		BytesSent:        e.stats.bytesSent,
		Retransmits:      e.stats.retransmits,
		BytesRetrans:     e.stats.bytesRetrans,
		BytesAcked:       e.stats.bytesAcked,
		AppLimited:       e.stats.appLimited,
		MTURetransmits:   e.stats.mtuRetransmit,
		RefusedSplits:    e.sb.RefusedSplits(),
		ScoreboardFaults: e.sb.AllocFailures(),
		Rack:             e.rack.Stats(),
	}
}

// ToProto converts the snapshot to a protobuf struct, ready for protojson.
func (s Stats) ToProto() (*structpb.Struct, error) {
	ts := timestamppb.New(s.Time)
	if err := ts.CheckValid(); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"capturedAt":       ts.AsTime().Format(time.RFC3339Nano),
		"mode":             s.Mode.String(),
		"cwnd":             s.Cwnd,
		"pacingRate":       int64(s.PacingRate),
		"bandwidth":        int64(s.Bandwidth),
		"rttPropMs":        durationMs(s.RTTProp),
		"srttMs":           durationMs(s.SmoothedRTT),
		"rtoMs":            durationMs(s.RTO),
		"roundCount":       s.RoundCount,
		"fullBandwidth":    s.FullBandwidth,
		"policed":          s.Policed,
		"inRecovery":       s.InRecovery,
		"mss":              s.MSS,
		"sndUna":           uint32(s.SndUna),
		"sndMax":           uint32(s.SndMax),
		"records":          s.Records,
		"inFlightBytes":    s.InFlightBytes,
		"sackedBytes":      s.SackedBytes,
		"lostBytes":        s.LostBytes,
		"retransBytes":     s.RetransBytes,
		"acks":             s.Acks,
		"dupAcks":          s.DupAcks,
		"dsacks":           s.DSACKs,
		"reneges":          s.Reneges,
		"anomalies":        s.Anomalies,
		"allocDeferrals":   s.AllocDeferrals,
		"segmentsSent":     s.SegmentsSent,
		"bytesSent":        s.BytesSent,
		"retransmits":      s.Retransmits,
		"bytesRetrans":     s.BytesRetrans,
		"bytesAcked":       s.BytesAcked,
		"appLimited":       s.AppLimited,
		"mtuRetransmits":   s.MTURetransmits,
		"refusedSplits":    s.RefusedSplits,
		"scoreboardFaults": s.ScoreboardFaults,
		"rackLosses":       s.Rack.RackLosses,
		"rtoLosses":        s.Rack.RTOLosses,
		"reorders":         s.Rack.Reorders,
		"recoveries":       s.Rack.Recoveries,
		"probes":           s.Rack.Probes,
		"probeLosses":      s.Rack.ProbeLosses,
		"rtos":             s.Rack.RTOs,
	})
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
