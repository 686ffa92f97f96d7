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

// Package config holds the tunables of the congestion engine.
//
// A Config is built once, validated, and then shared read only by
// every component of a connection. Components never modify it.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/enfein/tcpbbr/pkg/stderror"
	"gopkg.in/yaml.v3"
)

const (
	// MaxSackFilterCapacity is the largest number of ranges the SACK
	// filter board can remember.
	MaxSackFilterCapacity = 15

	// ProbeBWCycleLength is the number of PROBE_BW gain substates.
	ProbeBWCycleLength = 8
)

// Config is the set of engine tunables.
type Config struct {
	// MSS is the initial maximum segment size in bytes.
	MSS int `yaml:"mss"`

	// InitialCwndSegments is the initial congestion window in segments.
	InitialCwndSegments int `yaml:"initial_cwnd_segments"`

	// MinCwndSegments is the floor of the congestion window in segments.
	MinCwndSegments int `yaml:"min_cwnd_segments"`

	// MaxCwndSegments is the ceiling of the congestion window in segments.
	MaxCwndSegments int `yaml:"max_cwnd_segments"`

	// Bandwidth and RTT estimation.
	BandwidthWindowRounds int64         `yaml:"bandwidth_window_rounds"`
	MinRTTWindow          time.Duration `yaml:"min_rtt_window"`

	// SACK filter.
	SackFilterCapacity int `yaml:"sack_filter_capacity"`

	// SackFilterMinNewBytes is the smallest new SACK remainder that is
	// worth a scoreboard split. Zero means one MSS.
	SackFilterMinNewBytes int `yaml:"sack_filter_min_new_bytes"`

	// SackFilterEdgeProximity is the distance in bytes from snd_max
	// within which a small remainder is still accepted.
	SackFilterEdgeProximity int `yaml:"sack_filter_edge_proximity"`

	// Scoreboard.
	ScoreboardBucketSize       uint32 `yaml:"scoreboard_bucket_size"`
	ScoreboardMaxSpan          uint32 `yaml:"scoreboard_max_span"`
	ScoreboardMaxRecords       int    `yaml:"scoreboard_max_records"`
	ScoreboardMaxSmallRecords  int    `yaml:"scoreboard_max_small_records"`
	ScoreboardSmallRecordBytes int    `yaml:"scoreboard_small_record_bytes"`

	// RACK, TLP and RTO.
	ReorderFade          time.Duration `yaml:"reorder_fade"`
	ReorderPersistRounds int           `yaml:"reorder_persist_rounds"`
	TLPEnabled           bool          `yaml:"tlp_enabled"`
	TLPMaxProbes         int           `yaml:"tlp_max_probes"`
	TLPDelayedAckComp    time.Duration `yaml:"tlp_delayed_ack_comp"`
	InitialRTO           time.Duration `yaml:"initial_rto"`
	MinRTO               time.Duration `yaml:"min_rto"`
	MaxRTO               time.Duration `yaml:"max_rto"`
	MaxRTOBackoffs       int           `yaml:"max_rto_backoffs"`
	MaxAckDelay          time.Duration `yaml:"max_ack_delay"`

	// BBR gains.
	HighGain     float64   `yaml:"high_gain"`
	DrainGain    float64   `yaml:"drain_gain"`
	CwndGain     float64   `yaml:"cwnd_gain"`
	ProbeBWGains []float64 `yaml:"probe_bw_gains"`

	// STARTUP exit.
	StartupGrowthTarget  float64 `yaml:"startup_growth_target"`
	StartupFullBwRounds  int     `yaml:"startup_full_bw_rounds"`
	StartupLossExit      bool    `yaml:"startup_loss_exit"`
	StartupLossThreshold float64 `yaml:"startup_loss_threshold"`

	// PROBE_RTT.
	ProbeRTTInterval     time.Duration `yaml:"probe_rtt_interval"`
	ProbeRTTCwndSegments int           `yaml:"probe_rtt_cwnd_segments"`
	ProbeRTTMinDuration  time.Duration `yaml:"probe_rtt_min_duration"`

	// IDLE_EXIT.
	IdleRestart          bool          `yaml:"idle_restart"`
	IdleRestartThreshold time.Duration `yaml:"idle_restart_threshold"`

	// Target cwnd shaping.
	QuantaSegments  int     `yaml:"quanta_segments"`
	CwndCapMultiple float64 `yaml:"cwnd_cap_multiple"`

	// Long term bandwidth (policer) detection.
	LongTermEnabled           bool    `yaml:"long_term_enabled"`
	LongTermMinIntervalRounds int64   `yaml:"long_term_min_interval_rounds"`
	LongTermMaxIntervalRounds int64   `yaml:"long_term_max_interval_rounds"`
	LongTermLossThreshold     float64 `yaml:"long_term_loss_threshold"`
	LongTermBwRatio           float64 `yaml:"long_term_bw_ratio"`
	LongTermBwDiff            int64   `yaml:"long_term_bw_diff"`
	LongTermMaxRounds         int64   `yaml:"long_term_max_rounds"`

	// Pacing.
	PacingSlot            time.Duration `yaml:"pacing_slot"`
	MinSegmentSize        int           `yaml:"min_segment_size"`
	MaxSegmentSize        int           `yaml:"max_segment_size"`
	PolicedPacingDiscount float64       `yaml:"policed_pacing_discount"`
	PacerMaxBurstSegments int           `yaml:"pacer_max_burst_segments"`

	// Low priority timers.
	DelayedAckTimeout time.Duration `yaml:"delayed_ack_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	c := &Config{
		MSS:                 1460,
		InitialCwndSegments: 10,
		MinCwndSegments:     4,
		MaxCwndSegments:     10000,

		BandwidthWindowRounds: 10,
		MinRTTWindow:          10 * time.Second,

		SackFilterCapacity:      MaxSackFilterCapacity,
		SackFilterMinNewBytes:   0,
		SackFilterEdgeProximity: 0,

		ScoreboardBucketSize:       1 << 16,
		ScoreboardMaxSpan:          1 << 30,
		ScoreboardMaxRecords:       1 << 17,
		ScoreboardMaxSmallRecords:  1024,
		ScoreboardSmallRecordBytes: 256,

		ReorderFade:          60 * time.Second,
		ReorderPersistRounds: 16,
		TLPEnabled:           true,
		TLPMaxProbes:         2,
		TLPDelayedAckComp:    200 * time.Millisecond,
		InitialRTO:           time.Second,
		MinRTO:               200 * time.Millisecond,
		MaxRTO:               60 * time.Second,
		MaxRTOBackoffs:       12,
		MaxAckDelay:          25 * time.Millisecond,

		HighGain:     2.77,
		CwndGain:     2.0,
		ProbeBWGains: []float64{1.25, 0.75, 1, 1, 1, 1, 1, 1},

		StartupGrowthTarget:  1.25,
		StartupFullBwRounds:  3,
		StartupLossExit:      false,
		StartupLossThreshold: 0.02,

		ProbeRTTInterval:     10 * time.Second,
		ProbeRTTCwndSegments: 4,
		ProbeRTTMinDuration:  200 * time.Millisecond,

		IdleRestart:          true,
		IdleRestartThreshold: time.Second,

		QuantaSegments:  2,
		CwndCapMultiple: 0,

		LongTermEnabled:           true,
		LongTermMinIntervalRounds: 4,
		LongTermMaxIntervalRounds: 16,
		LongTermLossThreshold:     0.2,
		LongTermBwRatio:           0.125,
		LongTermBwDiff:            500,
		LongTermMaxRounds:         48,

		PacingSlot:            time.Millisecond,
		MinSegmentSize:        1460,
		MaxSegmentSize:        64 * 1024,
		PolicedPacingDiscount: 0.99,
		PacerMaxBurstSegments: 10,

		DelayedAckTimeout: 40 * time.Millisecond,
		KeepaliveInterval: 0,
	}
	c.fillDerived()
	return c
}

// Parse overlays the YAML document on top of the default configuration
// and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	c.DrainGain = 0
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("parse config failed: %w", err), stderror.CONFIG_ERROR)
	}
	c.fillDerived()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("read config file %q failed: %w", path, err), stderror.CONFIG_ERROR)
	}
	return Parse(data)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	n := *c
	n.ProbeBWGains = append([]float64(nil), c.ProbeBWGains...)
	return &n
}

// fillDerived computes tunables whose zero value means "derive from others".
func (c *Config) fillDerived() {
	if c.DrainGain == 0 && c.HighGain > 0 {
		c.DrainGain = 1 / c.HighGain
	}
}

// MinNewSackBytes returns the effective SackFilterMinNewBytes.
func (c *Config) MinNewSackBytes() int {
	if c.SackFilterMinNewBytes > 0 {
		return c.SackFilterMinNewBytes
	}
	return c.MSS
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.MSS < 88 || c.MSS > 65535 {
		return stderror.NewConfigError("mss %d is out of range [88, 65535]", c.MSS)
	}
	if c.MinCwndSegments < 1 {
		return stderror.NewConfigError("min_cwnd_segments must be positive")
	}
	if c.InitialCwndSegments < c.MinCwndSegments {
		return stderror.NewConfigError("initial_cwnd_segments %d is smaller than min_cwnd_segments %d", c.InitialCwndSegments, c.MinCwndSegments)
	}
	if c.MaxCwndSegments < c.InitialCwndSegments {
		return stderror.NewConfigError("max_cwnd_segments %d is smaller than initial_cwnd_segments %d", c.MaxCwndSegments, c.InitialCwndSegments)
	}
	if c.BandwidthWindowRounds < 1 {
		return stderror.NewConfigError("bandwidth_window_rounds must be positive")
	}
	if c.MinRTTWindow <= 0 {
		return stderror.NewConfigError("min_rtt_window must be positive")
	}
	if c.SackFilterCapacity < 1 || c.SackFilterCapacity > MaxSackFilterCapacity {
		return stderror.NewConfigError("sack_filter_capacity %d is out of range [1, %d]", c.SackFilterCapacity, MaxSackFilterCapacity)
	}
	if c.SackFilterMinNewBytes < 0 || c.SackFilterEdgeProximity < 0 {
		return stderror.NewConfigError("sack filter thresholds can't be negative")
	}
	if c.ScoreboardBucketSize == 0 {
		return stderror.NewConfigError("scoreboard_bucket_size must be positive")
	}
	if c.ScoreboardMaxSpan == 0 || c.ScoreboardMaxSpan > math.MaxInt32 {
		return stderror.NewConfigError("scoreboard_max_span %d is out of range [1, %d]", c.ScoreboardMaxSpan, math.MaxInt32)
	}
	if c.ScoreboardMaxRecords < 1 {
		return stderror.NewConfigError("scoreboard_max_records must be positive")
	}
	if c.ScoreboardMaxSmallRecords < 0 || c.ScoreboardSmallRecordBytes < 0 {
		return stderror.NewConfigError("scoreboard small record limits can't be negative")
	}
	if c.ReorderFade <= 0 || c.ReorderPersistRounds < 1 {
		return stderror.NewConfigError("reorder_fade and reorder_persist_rounds must be positive")
	}
	if c.TLPMaxProbes < 0 {
		return stderror.NewConfigError("tlp_max_probes can't be negative")
	}
	if c.MinRTO <= 0 || c.MaxRTO < c.MinRTO {
		return stderror.NewConfigError("invalid RTO range [%v, %v]", c.MinRTO, c.MaxRTO)
	}
	if c.InitialRTO < c.MinRTO || c.InitialRTO > c.MaxRTO {
		return stderror.NewConfigError("initial_rto %v is out of range [%v, %v]", c.InitialRTO, c.MinRTO, c.MaxRTO)
	}
	if c.MaxRTOBackoffs < 1 {
		return stderror.NewConfigError("max_rto_backoffs must be positive")
	}
	if c.HighGain <= 1 {
		return stderror.NewConfigError("high_gain %v must be larger than 1", c.HighGain)
	}
	if c.DrainGain <= 0 || c.DrainGain >= 1 {
		return stderror.NewConfigError("drain_gain %v is out of range (0, 1)", c.DrainGain)
	}
	if c.CwndGain < 1 {
		return stderror.NewConfigError("cwnd_gain %v must be at least 1", c.CwndGain)
	}
	if len(c.ProbeBWGains) != ProbeBWCycleLength {
		return stderror.NewConfigError("probe_bw_gains must have %d entries, got %d", ProbeBWCycleLength, len(c.ProbeBWGains))
	}
	if c.ProbeBWGains[0] <= 1 {
		return stderror.NewConfigError("the first probe_bw_gains entry %v must be larger than 1", c.ProbeBWGains[0])
	}
	if c.ProbeBWGains[1] >= 1 {
		return stderror.NewConfigError("the second probe_bw_gains entry %v must be smaller than 1", c.ProbeBWGains[1])
	}
	for i, g := range c.ProbeBWGains {
		if g <= 0 {
			return stderror.NewConfigError("probe_bw_gains[%d] = %v must be positive", i, g)
		}
	}
	if c.StartupGrowthTarget <= 1 || c.StartupFullBwRounds < 1 {
		return stderror.NewConfigError("invalid startup exit condition: growth %v, rounds %d", c.StartupGrowthTarget, c.StartupFullBwRounds)
	}
	if c.StartupLossThreshold <= 0 || c.StartupLossThreshold >= 1 {
		return stderror.NewConfigError("startup_loss_threshold %v is out of range (0, 1)", c.StartupLossThreshold)
	}
	if c.ProbeRTTInterval <= 0 || c.ProbeRTTMinDuration < 0 || c.ProbeRTTCwndSegments < 1 {
		return stderror.NewConfigError("invalid PROBE_RTT settings")
	}
	if c.IdleRestart && c.IdleRestartThreshold <= 0 {
		return stderror.NewConfigError("idle_restart_threshold must be positive")
	}
	if c.QuantaSegments < 0 {
		return stderror.NewConfigError("quanta_segments can't be negative")
	}
	if c.CwndCapMultiple != 0 && c.CwndCapMultiple < 1 {
		return stderror.NewConfigError("cwnd_cap_multiple %v must be 0 or at least 1", c.CwndCapMultiple)
	}
	if c.LongTermMinIntervalRounds < 1 || c.LongTermMaxIntervalRounds < c.LongTermMinIntervalRounds {
		return stderror.NewConfigError("invalid long term interval rounds [%d, %d]", c.LongTermMinIntervalRounds, c.LongTermMaxIntervalRounds)
	}
	if c.LongTermLossThreshold <= 0 || c.LongTermLossThreshold >= 1 {
		return stderror.NewConfigError("long_term_loss_threshold %v is out of range (0, 1)", c.LongTermLossThreshold)
	}
	if c.LongTermBwRatio <= 0 || c.LongTermBwDiff < 0 || c.LongTermMaxRounds < 1 {
		return stderror.NewConfigError("invalid long term bandwidth settings")
	}
	if c.PacingSlot <= 0 {
		return stderror.NewConfigError("pacing_slot must be positive")
	}
	if c.MinSegmentSize < 1 || c.MaxSegmentSize < c.MinSegmentSize {
		return stderror.NewConfigError("invalid segment size range [%d, %d]", c.MinSegmentSize, c.MaxSegmentSize)
	}
	if c.PolicedPacingDiscount <= 0 || c.PolicedPacingDiscount > 1 {
		return stderror.NewConfigError("policed_pacing_discount %v is out of range (0, 1]", c.PolicedPacingDiscount)
	}
	if c.PacerMaxBurstSegments < 1 {
		return stderror.NewConfigError("pacer_max_burst_segments must be positive")
	}
	if c.DelayedAckTimeout < 0 || c.KeepaliveInterval < 0 {
		return stderror.NewConfigError("timer intervals can't be negative")
	}
	return nil
}
