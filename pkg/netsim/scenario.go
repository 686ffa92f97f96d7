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

// Package netsim is a discrete event simulator of one connection over a
// bottleneck link. It drives an engine through the same interfaces a host
// stack uses, so the congestion control can be studied without sockets.
package netsim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/enfein/tcpbbr/pkg/config"
	"github.com/enfein/tcpbbr/pkg/congestion"
	"github.com/enfein/tcpbbr/pkg/stderror"
)

const (
	defaultDuration      = 10 * time.Second
	defaultBandwidthMbps = 10
	defaultRTT           = 50 * time.Millisecond
	defaultAckEvery      = 2
	defaultDelayedAck    = 40 * time.Millisecond

	// maxSackBlocks is the number of SACK blocks that fit in the TCP
	// option space without timestamps.
	maxSackBlocks = 4

	// minBufferPackets is the smallest bottleneck buffer.
	minBufferPackets = 10
)

// Scenario describes one simulated transfer.
type Scenario struct {
	Name string `yaml:"name"`

	// Seed makes random loss and reordering reproducible.
	Seed int64 `yaml:"seed"`

	// Duration is the simulated time limit.
	Duration time.Duration `yaml:"duration"`

	// Bytes is the size of the transfer. Zero means the sender always
	// has data until Duration.
	Bytes int64 `yaml:"bytes"`

	// ISS is the first sequence number.
	ISS uint32 `yaml:"iss"`

	Link       Link        `yaml:"link"`
	Receiver   Receiver    `yaml:"receiver"`
	MTUChanges []MTUChange `yaml:"mtu_changes"`

	// Engine overlays the default engine configuration.
	Engine yaml.Node `yaml:"engine"`

	cfg *config.Config
}

// Link is the bottleneck between sender and receiver. The return path
// only adds propagation delay.
type Link struct {
	BandwidthMbps float64       `yaml:"bandwidth_mbps"`
	RTT           time.Duration `yaml:"rtt"`

	// BufferBytes is the drop tail queue size. Zero means one
	// bandwidth-delay product.
	BufferBytes int64 `yaml:"buffer_bytes"`

	LossRate     float64       `yaml:"loss_rate"`
	ReorderRate  float64       `yaml:"reorder_rate"`
	ReorderDelay time.Duration `yaml:"reorder_delay"`

	Policer *Policer `yaml:"policer"`
}

// Policer is a token bucket in front of the bottleneck.
type Policer struct {
	RateMbps   float64 `yaml:"rate_mbps"`
	BurstBytes int64   `yaml:"burst_bytes"`
}

// Receiver controls how the peer acknowledges data.
type Receiver struct {
	// AckEvery is the number of in order segments per ACK.
	AckEvery int `yaml:"ack_every"`

	// DelayedAck is the longest time an ACK is held back.
	DelayedAck time.Duration `yaml:"delayed_ack"`

	MaxSackBlocks int `yaml:"max_sack_blocks"`
}

// MTUChange changes the path MTU at a point in time.
type MTUChange struct {
	At  time.Duration `yaml:"at"`
	MTU int           `yaml:"mtu"`
}

// Config returns the engine configuration of the scenario.
func (s *Scenario) Config() *config.Config {
	return s.cfg
}

// Bandwidth returns the bottleneck rate.
func (l Link) Bandwidth() congestion.Bandwidth {
	return congestion.MegabitsPerSecond.Scale(l.BandwidthMbps)
}

// BDP returns the bandwidth-delay product of the link in bytes.
func (l Link) BDP() int64 {
	return l.Bandwidth().BytesIn(l.RTT)
}

// Prepare fills defaults, parses the engine overlay and validates the
// scenario. It must be called before the scenario is simulated.
func (s *Scenario) Prepare() error {
	if s.Duration <= 0 {
		s.Duration = defaultDuration
	}
	if s.Link.BandwidthMbps <= 0 {
		s.Link.BandwidthMbps = defaultBandwidthMbps
	}
	if s.Link.RTT <= 0 {
		s.Link.RTT = defaultRTT
	}
	if s.Receiver.AckEvery <= 0 {
		s.Receiver.AckEvery = defaultAckEvery
	}
	if s.Receiver.DelayedAck <= 0 {
		s.Receiver.DelayedAck = defaultDelayedAck
	}
	if s.Receiver.MaxSackBlocks <= 0 || s.Receiver.MaxSackBlocks > maxSackBlocks {
		s.Receiver.MaxSackBlocks = maxSackBlocks
	}

	cfg := config.Default()
	if !s.Engine.IsZero() {
		data, err := yaml.Marshal(&s.Engine)
		if err != nil {
			return fmt.Errorf("scenario %q: %w", s.Name, err)
		}
		if cfg, err = config.Parse(data); err != nil {
			return fmt.Errorf("scenario %q: %w", s.Name, err)
		}
	}
	s.cfg = cfg

	if s.Link.BufferBytes <= 0 {
		s.Link.BufferBytes = s.Link.BDP()
	}
	if floor := int64(minBufferPackets * cfg.MSS); s.Link.BufferBytes < floor {
		s.Link.BufferBytes = floor
	}

	switch {
	case s.Bytes < 0:
		return invalid(s, "bytes must not be negative")
	case s.Link.LossRate < 0 || s.Link.LossRate >= 1:
		return invalid(s, "loss_rate must be in [0, 1)")
	case s.Link.ReorderRate < 0 || s.Link.ReorderRate >= 1:
		return invalid(s, "reorder_rate must be in [0, 1)")
	case s.Link.ReorderRate > 0 && s.Link.ReorderDelay <= 0:
		return invalid(s, "reorder_delay is required with reorder_rate")
	case s.Link.Policer != nil && (s.Link.Policer.RateMbps <= 0 || s.Link.Policer.BurstBytes < int64(cfg.MSS)):
		return invalid(s, "policer needs a positive rate and a burst of at least one MSS")
	}
	for _, c := range s.MTUChanges {
		if c.At < 0 || c.MTU <= 0 {
			return invalid(s, "mtu change needs a positive MTU and time")
		}
	}
	return nil
}

func invalid(s *Scenario, msg string) error {
	return stderror.NewConfigError("scenario %q: %s: %w", s.Name, msg, stderror.ErrInvalidArgument)
}

// ParseScenarios reads one or more YAML documents, one scenario each.
func ParseScenarios(data []byte) ([]*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Scenario
	for {
		s := &Scenario{}
		err := dec.Decode(s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stderror.NewConfigError("parse scenario #%d failed: %w", len(out)+1, err)
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("scenario-%d", len(out)+1)
		}
		if err := s.Prepare(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, stderror.NewConfigError("no scenario found: %w", stderror.ErrEmpty)
	}
	return out, nil
}

// LoadScenarios reads scenarios from a YAML file.
func LoadScenarios(path string) ([]*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stderror.NewConfigError("read scenario file %q failed: %w", path, err)
	}
	return ParseScenarios(data)
}
