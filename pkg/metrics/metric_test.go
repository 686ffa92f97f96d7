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
	"testing"
)

func TestCounter(t *testing.T) {
	c := RegisterCounter("test counter", "Acks")
	c.Add(3)
	if got := c.Load(); got != 3 {
		t.Errorf("Load() = %d, want 3", got)
	}
	if c.Type() != COUNTER {
		t.Errorf("Type() = %v, want %v", c.Type(), COUNTER)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Add(-1) on Counter didn't panic")
		}
	}()
	c.Add(-1)
}

func TestGauge(t *testing.T) {
	g := RegisterGauge("test gauge", "Cwnd")
	g.Store(100)
	g.Add(-40)
	if got := g.Load(); got != 60 {
		t.Errorf("Load() = %d, want 60", got)
	}
}

func TestRegisterSameMetric(t *testing.T) {
	a := RegisterCounter("test same", "X")
	b := RegisterCounter("test same", "X")
	if a != b {
		t.Errorf("RegisterCounter() returned different objects for the same name")
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("registering a different type didn't panic")
		}
	}()
	RegisterGauge("test same", "X")
}

func TestMetricGroup(t *testing.T) {
	RegisterCounter("test group", "B")
	RegisterCounter("test group", "A")
	group := GetMetricGroupByName("test group")
	if group == nil {
		t.Fatalf("GetMetricGroupByName() = nil")
	}
	list := group.Metrics()
	if len(list) != 2 || list[0].Name() != "A" || list[1].Name() != "B" {
		t.Errorf("Metrics() is not sorted by name")
	}
	if _, ok := group.GetMetric("C"); ok {
		t.Errorf("GetMetric(C) found a metric")
	}
	fields := group.NewLogFields()
	if len(fields) != 2 {
		t.Errorf("NewLogFields() has %d fields, want 2", len(fields))
	}
	if group.NewLogMsg() != "[metrics - test group]" {
		t.Errorf("NewLogMsg() = %q", group.NewLogMsg())
	}
	if GetMetricGroupByName("no such group") != nil {
		t.Errorf("GetMetricGroupByName() found a group that doesn't exist")
	}
}

func TestLogging(t *testing.T) {
	if err := SetLoggingDuration(0); err == nil {
		t.Errorf("SetLoggingDuration(0) returned nil error")
	}
	EnableLogging()
	EnableLogging()
	DisableLogging()
	DisableLogging()
	LogMetricsNow()
}
