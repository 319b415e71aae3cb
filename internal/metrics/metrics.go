// Copyright 2019 Google LLC
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

// Package metrics defines the Prometheus metrics exported by the sync
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailpoll"

// Metrics holds every collector.  All fields are safe for concurrent
// use.
type Metrics struct {
	HeadersSynced      prometheus.Counter
	ContentsDownloaded prometheus.Counter
	SyncFailures       prometheus.Counter
	ContentFailures    prometheus.Counter
	Reconnects         prometheus.Counter

	// ConnectionState is the numeric value of the current
	// connection state.
	ConnectionState prometheus.Gauge

	DroppedEvents *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.  A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HeadersSynced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "headers_synced_total",
			Help:      "Number of message headers fetched and cached.",
		}),
		ContentsDownloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contents_downloaded_total",
			Help:      "Number of message bodies downloaded and cached.",
		}),
		SyncFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Number of sync attempts that ended in an error.",
		}),
		ContentFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_failures_total",
			Help:      "Number of content downloads aborted by an error.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Number of times the engine backed off to reconnect.",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 Disconnected, 1 Connecting, 2 LoggingIn, 3 Connected, 4 Reconnecting).",
		}),
		DroppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events not delivered to a subscriber whose buffer was full.",
		}, []string{"topic"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
