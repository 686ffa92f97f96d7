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

	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/metrics"
	"github.com/enfein/tcpbbr/pkg/scoreboard"
	"github.com/enfein/tcpbbr/pkg/timer"
)

const metricGroup = "congestion"

// Metrics of the "congestion" group. They are shared by every engine that
// uses MetricsObserver.
var (
	// StateTransitions counts BBR mode changes.
	StateTransitions = metrics.RegisterMetric(metricGroup, "StateTransitions", metrics.COUNTER)

	// ProbeRTTEntries counts entries into PROBE_RTT.
	ProbeRTTEntries = metrics.RegisterMetric(metricGroup, "ProbeRTTEntries", metrics.COUNTER)

	// LostRecords counts scoreboard records declared lost.
	LostRecords = metrics.RegisterMetric(metricGroup, "LostRecords", metrics.COUNTER)

	// LostBytes counts bytes declared lost, whatever the reason.
	LostBytes = metrics.RegisterMetric(metricGroup, "LostBytes", metrics.COUNTER)

	// RTOLostBytes counts bytes declared lost by a retransmission timeout.
	RTOLostBytes = metrics.RegisterMetric(metricGroup, "RTOLostBytes", metrics.COUNTER)

	// BandwidthSamples counts samples accepted by the bandwidth filter.
	BandwidthSamples = metrics.RegisterMetric(metricGroup, "BandwidthSamples", metrics.COUNTER)

	// LastBandwidth is the latest bandwidth estimate in bytes per second.
	LastBandwidth = metrics.RegisterMetric(metricGroup, "LastBandwidthBytesPerSecond", metrics.GAUGE)

	// Recoveries counts loss recovery episodes.
	Recoveries = metrics.RegisterMetric(metricGroup, "Recoveries", metrics.COUNTER)

	// InRecovery is the number of connections in loss recovery.
	InRecovery = metrics.RegisterMetric(metricGroup, "InRecovery", metrics.GAUGE)

	// TLPFired counts tail loss probe timer expirations.
	TLPFired = metrics.RegisterMetric(metricGroup, "TLPFired", metrics.COUNTER)

	// RTOFired counts retransmission timer expirations.
	RTOFired = metrics.RegisterMetric(metricGroup, "RTOFired", metrics.COUNTER)

	// RACKFired counts RACK reorder timer expirations.
	RACKFired = metrics.RegisterMetric(metricGroup, "RACKFired", metrics.COUNTER)

	// AckAnomalies counts ACKs rejected as protocol anomalies.
	AckAnomalies = metrics.RegisterMetric(metricGroup, "AckAnomalies", metrics.COUNTER)

	// AllocDeferrals counts operations deferred because the scoreboard was full.
	AllocDeferrals = metrics.RegisterMetric(metricGroup, "AllocDeferrals", metrics.COUNTER)
)

// MetricsObserver updates the process wide "congestion" metric group.
type MetricsObserver struct{}

var _ Observer = MetricsObserver{}

func (MetricsObserver) OnStateTransition(from, to congestion.Mode, now time.Time) {
	StateTransitions.Add(1)
	if to == congestion.ModeProbeRTT {
		ProbeRTTEntries.Add(1)
	}
}

func (MetricsObserver) OnLoss(now time.Time, reason LossReason, lost []scoreboard.Record) {
	var bytes int64
	for _, r := range lost {
		bytes += r.Size()
	}
	LostRecords.Add(int64(len(lost)))
	LostBytes.Add(bytes)
	if reason == LossRTO {
		RTOLostBytes.Add(bytes)
	}
}

func (MetricsObserver) OnBandwidthSample(now time.Time, rs congestion.RateSample, bw congestion.Bandwidth) {
	BandwidthSamples.Add(1)
	LastBandwidth.Store(int64(bw / congestion.BytesPerSecond))
}

func (MetricsObserver) OnRecovery(now time.Time, enter bool) {
	if enter {
		Recoveries.Add(1)
		InRecovery.Add(1)
	} else {
		InRecovery.Add(-1)
	}
}

func (MetricsObserver) OnTimerFired(now time.Time, kind timer.Kind) {
	switch kind {
	case timer.TLP:
		TLPFired.Add(1)
	case timer.RTO:
		RTOFired.Add(1)
	case timer.RACK:
		RACKFired.Add(1)
	}
}
