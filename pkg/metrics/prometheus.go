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
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/enfein/tcpbbr/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports every registered metric to prometheus.
// Each metric group becomes a subsystem.
type Collector struct {
	namespace string
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a prometheus collector of the metrics registry.
func NewCollector(namespace string) *Collector {
	return &Collector{namespace: namespace}
}

// Describe implements prometheus.Collector.
// Metrics are registered at run time, so this is an unchecked collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, group := range GetAllMetricGroups() {
		subsystem := PrometheusName(group.Name())
		for _, m := range group.Metrics() {
			valueType := prometheus.GaugeValue
			name := PrometheusName(m.Name())
			if m.Type() == COUNTER {
				valueType = prometheus.CounterValue
				name += "_total"
			}
			desc := prometheus.NewDesc(
				prometheus.BuildFQName(c.namespace, subsystem, name),
				m.Name()+" in metric group "+group.Name(),
				nil, nil,
			)
			ch <- prometheus.MustNewConstMetric(desc, valueType, float64(m.Load()))
		}
	}
}

// PrometheusName converts a CamelCase or spaced name into snake_case.
func PrometheusName(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			prevLower = false
		}
	}
	return strings.Trim(b.String(), "_")
}

// NewRegistry returns a prometheus registry with the Go runtime
// collectors and the metrics registry collector.
func NewRegistry(namespace string) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(NewCollector(namespace))
	return registry
}

// Handler returns the HTTP handler serving the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	})
}

// Serve runs a prometheus endpoint at addr until ctx is done.
func Serve(ctx context.Context, addr, namespace string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(NewRegistry(namespace)))
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	log.Infof("serving prometheus metrics at %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
