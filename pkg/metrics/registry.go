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
	"sync"
)

var metricMap sync.Map

// RegisterMetric registers a new metric.
// The caller should not take the ownership of the returned object.
// If the same metric is registered multiple times, the first object is returned.
// It panics if the same name is registered again with a different type.
func RegisterMetric(groupName, metricName string, metricType MetricType) Metric {
	group, _ := metricMap.LoadOrStore(groupName, &MetricGroup{
		name: groupName,
	})
	metricGroup := group.(*MetricGroup)
	metricGroup.EnableLogging()
	var m Metric
	switch metricType {
	case COUNTER:
		m = &Counter{name: metricName}
	case GAUGE:
		m = &Gauge{name: metricName}
	default:
		panic(fmt.Sprintf("metric type %d is unknown", metricType))
	}
	metric, _ := metricGroup.metrics.LoadOrStore(metricName, m)
	if metric.(Metric).Type() != metricType {
		panic(fmt.Sprintf("metric %q in group %q is already registered as %v", metricName, groupName, metric.(Metric).Type()))
	}
	return metric.(Metric)
}

// RegisterCounter registers a new COUNTER metric.
func RegisterCounter(groupName, metricName string) Metric {
	return RegisterMetric(groupName, metricName, COUNTER)
}

// RegisterGauge registers a new GAUGE metric.
func RegisterGauge(groupName, metricName string) Metric {
	return RegisterMetric(groupName, metricName, GAUGE)
}

// GetMetricGroupByName returns the MetricGroup by name.
// It returns nil if the MetricGroup is not found.
func GetMetricGroupByName(groupName string) *MetricGroup {
	group, ok := metricMap.Load(groupName)
	if !ok {
		return nil
	}
	return group.(*MetricGroup)
}

// GetAllMetricGroups returns all the registered groups sorted by name.
func GetAllMetricGroups() MetricGroupList {
	list := MetricGroupList{}
	metricMap.Range(func(k, v any) bool {
		list = list.Append(v.(*MetricGroup))
		return true
	})
	sort.Sort(list)
	return list
}
