// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
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

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ccsdsframe"

// metrics are registered on a per-server registry so several servers can share a process
type metrics struct {
	registry *prometheus.Registry

	ingestBytes prometheus.Counter
	packets     *prometheus.CounterVec
	dispatched  prometheus.Counter
	dropped     prometheus.Counter
}

func newMetrics(server *Server) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		ingestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Stream bytes received.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "framer",
			Name:      "packets_total",
			Help:      "Packets framed, by apid.",
		}, []string{"apid"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_total",
			Help:      "Packet messages queued for realtime clients.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "dropped_total",
			Help:      "Messages dropped because a client queue was full.",
		}),
	}

	skipped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "framer",
		Name:      "skipped_bytes_total",
		Help:      "Bytes discarded while resynchronizing.",
	}, func() float64 { return float64(server.FramerStatus().Skipped) })

	buffered := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "framer",
		Name:      "buffered_bytes",
		Help:      "Bytes waiting in the framer.",
	}, func() float64 { return float64(server.FramerStatus().Buffered) })

	connections := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connections",
		Help:      "Connected realtime clients.",
	}, func() float64 { return float64(len(*server.clients.Load())) })

	m.registry.MustRegister(m.ingestBytes, m.packets, m.dispatched, m.dropped, skipped, buffered, connections)
	return m
}
