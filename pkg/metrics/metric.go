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

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/enfein/tcpbbr/pkg/log"
)

type MetricType uint8

const (
	COUNTER MetricType = iota
	GAUGE
)

func (t MetricType) String() string {
	switch t {
	case COUNTER:
		return "COUNTER"
	case GAUGE:
		return "GAUGE"
	default:
		return "UNKNOWN"
	}
}

// Metric defines supported operations of a single metric.
type Metric interface {
	// Name returns the name of metric.
	Name() string

	// Type returns the metric type.
	Type() MetricType

	// Add increase or decrease the metric by the given value.
	Add(delta int64) int64

	// Load returns the current value of the metric.
	Load() int64

	// Store sets the metric to a particular value.
	// This operation is only supported by a GAUGE metric.
	Store(val int64)
}

// Counter holds a named int64 value that can't decrease.
type Counter struct {
	name  string
	value atomic.Int64
}

var _ Metric = &Counter{}

func (c *Counter) Name() string {
	return c.name
}

func (c *Counter) Type() MetricType {
	return COUNTER
}

func (c *Counter) Add(delta int64) int64 {
	if delta < 0 {
		panic("Can't add a negative value to Counter")
	}
	return c.value.Add(delta)
}

func (c *Counter) Load() int64 {
	return c.value.Load()
}

func (c *Counter) Store(val int64) {
	panic("Store() is not supported by Counter")
}

// Gauge holds a named int64 value.
type Gauge struct {
	name  string
	value atomic.Int64
}

var _ Metric = &Gauge{}

func (g *Gauge) Name() string {
	return g.name
}

func (g *Gauge) Type() MetricType {
	return GAUGE
}

func (g *Gauge) Add(delta int64) int64 {
	return g.value.Add(delta)
}

func (g *Gauge) Load() int64 {
	return g.value.Load()
}

func (g *Gauge) Store(val int64) {
	g.value.Store(val)
}

// MetricGroup holds a list of metric under the same group.
type MetricGroup struct {
	name          string
	metrics       sync.Map
	enableLogging atomic.Bool
}

// Name returns the name of the group.
func (g *MetricGroup) Name() string {
	return g.name
}

// GetMetric returns one metric from the metric group.
func (g *MetricGroup) GetMetric(name string) (Metric, bool) {
	v, ok := g.metrics.Load(name)
	if !ok {
		return nil, false
	}
	return v.(Metric), true
}

// Metrics returns all the metrics in the group sorted by name.
func (g *MetricGroup) Metrics() []Metric {
	var list []Metric
	g.metrics.Range(func(k, v any) bool {
		list = append(list, v.(Metric))
		return true
	})
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// IsLoggingEnabled returns if logging is enabled in this MetricGroup.
func (g *MetricGroup) IsLoggingEnabled() bool {
	return g.enableLogging.Load()
}

// EnableLogging enables logging of this MetricGroup.
func (g *MetricGroup) EnableLogging() {
	g.enableLogging.Store(true)
}

// DisableLogging disables logging of this MetricGroup.
func (g *MetricGroup) DisableLogging() {
	g.enableLogging.Store(false)
}

// NewLogMsg creates a base log message without fields from the MetricGroup.
func (g *MetricGroup) NewLogMsg() string {
	return fmt.Sprintf("[metrics - %s]", g.name)
}

// NewLogFields creates log fields from the MetricGroup.
func (g *MetricGroup) NewLogFields() log.Fields {
	f := log.Fields{}
	g.metrics.Range(func(k, v any) bool {
		metric := v.(Metric)
		f[metric.Name()] = metric.Load()
		return true
	})
	return f
}

// MetricGroupList is a list of MetricGroup.
type MetricGroupList []*MetricGroup

// Append adds a new MetricGroup to the end of list.
func (l MetricGroupList) Append(group *MetricGroup) MetricGroupList {
	return append(l, group)
}

// Len implements sort.Interface.
func (l MetricGroupList) Len() int {
	return len(l)
}

// Less implements sort.Interface.
func (l MetricGroupList) Less(i, j int) bool {
	// Compare without case.
	return strings.ToLower(l[i].name) < strings.ToLower(l[j].name)
}

// Swap implements sort.Interface.
func (l MetricGroupList) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
}
