// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics prometheus metrics exposed by the broadcast broker
type BrokerMetrics struct {
	// Published counts all events published through the broker
	Published prometheus.Counter
	// Dropped counts events discarded by the per-session drop-oldest policy
	Dropped prometheus.Counter
	// ActiveSessions tracks the number of live subscription sessions
	ActiveSessions prometheus.Gauge
}

// GetBrokerMetrics define BrokerMetrics against a registry
func GetBrokerMetrics(registry prometheus.Registerer) (*BrokerMetrics, error) {
	metrics := &BrokerMetrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_events_published_total",
			Help: "Total number of position events published through the broker",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_session_events_dropped_total",
			Help: "Total number of events dropped by the per-session overflow policy",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetrack_active_sessions",
			Help: "Number of live subscription sessions",
		}),
	}
	for _, collector := range []prometheus.Collector{
		metrics.Published, metrics.Dropped, metrics.ActiveSessions,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}
