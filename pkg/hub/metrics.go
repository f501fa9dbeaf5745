// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessionsCreated    prometheus.Counter
	connectionsCreated prometheus.Counter
	messagesRelayed    *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
}

func newMetrics(h *Hub, reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "heartrelay_hub_active_sessions",
		Help: "The total number of active sessions",
	}, func() float64 {
		h.sessionsMutex.RLock()
		defer h.sessionsMutex.RUnlock()

		return float64(len(h.sessions))
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "heartrelay_hub_active_peers",
		Help: "The total number of connected peers",
	}, func() float64 {
		h.sessionsMutex.RLock()
		defer h.sessionsMutex.RUnlock()

		cnt := 0
		for _, s := range h.sessions {
			s.mutex.RLock()
			cnt += len(s.peers)
			s.mutex.RUnlock()
		}

		return float64(cnt)
	})

	return &metrics{
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "heartrelay_hub_sessions",
			Help: "The total number of created sessions",
		}),
		connectionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "heartrelay_hub_connections",
			Help: "The total number of accepted peer connections",
		}),
		messagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_hub_messages",
			Help: "The total number of messages relayed between peers",
		}, []string{"kind"}),
		messagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_hub_messages_dropped",
			Help: "The total number of messages the hub dropped",
		}, []string{"reason"}),
	}
}
