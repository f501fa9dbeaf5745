// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sent      *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	received  *prometheus.CounterVec
	reachable prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_transport_messages_sent_total",
			Help: "Messages written to the hub connection",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_transport_messages_dropped_total",
			Help: "Messages dropped before reaching the hub",
		}, []string{"reason"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_transport_messages_received_total",
			Help: "Messages received from the hub",
		}, []string{"kind"}),
		reachable: f.NewGauge(prometheus.GaugeOpts{
			Name: "heartrelay_transport_reachable",
			Help: "Whether the counterpart peer is reachable",
		}),
	}
}
