// Copyright 2025 go-highway Authors
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

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared by every cache registered with the
// same registry. Series are labelled by cache name.
type Metrics struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// DefaultMetrics reports to prometheus.DefaultRegisterer.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates the cache collectors and registers them with reg.
// A nil reg leaves them unregistered. Registering twice with the same
// registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mfa_cache_hits_total",
			Help: "Total number of pipeline cache lookups served from memory",
		}, []string{"cache"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mfa_cache_misses_total",
			Help: "Total number of pipeline cache lookups that required generation",
		}, []string{"cache"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mfa_cache_generation_failures_total",
			Help: "Total number of rejected kernel descriptors",
		}, []string{"cache"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mfa_cache_generation_duration_seconds",
			Help:    "Time spent generating kernel source",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"cache"}),
	}
}
