// Copyright 2026 The OTA Client authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports the update client's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"regexp"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "otaclient"

var runtimeOnce sync.Once

// Metrics holds the update client's collectors.
type Metrics struct {
	checks        prom.Counter
	outcomes      *prom.CounterVec
	bytes         prom.Counter
	chunkFailures *prom.CounterVec
	reports       *prom.CounterVec
	state         prom.Gauge
}

// New creates the collectors and registers them with reg, if non-nil.
func New(reg prom.Registerer) *Metrics {
	m := &Metrics{
		checks: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "update_checks_total",
			Help:      "Number of times the platform was asked for an update job.",
		}),
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "update_outcomes_total",
			Help:      "Terminal update outcomes, by outcome kind.",
		}, []string{"outcome"}),
		bytes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Image payload bytes staged to flash.",
		}),
		chunkFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_failures_total",
			Help:      "Download sessions ended by a chunk framing failure, by reason.",
		}, []string{"reason"}),
		reports: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Status reports by delivery result.",
		}, []string{"result"}),
		state: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "Current update engine state, as its ordinal.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.checks, m.outcomes, m.bytes, m.chunkFailures, m.reports, m.state)
	}
	return m
}

// RegisterRuntime swaps the default Go collector for one exporting all
// runtime metrics.
func RegisterRuntime() {
	runtimeOnce.Do(func() {
		prom.Unregister(collectors.NewGoCollector())
		prom.Register(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")})))
	})
}

func (m *Metrics) CheckStarted() {
	if m != nil {
		m.checks.Inc()
	}
}

func (m *Metrics) Outcome(outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Downloaded(n int) {
	if m != nil {
		m.bytes.Add(float64(n))
	}
}

func (m *Metrics) ChunkFailure(reason string) {
	if m != nil {
		m.chunkFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Report(result string) {
	if m != nil {
		m.reports.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetState(ordinal int) {
	if m != nil {
		m.state.Set(float64(ordinal))
	}
}
