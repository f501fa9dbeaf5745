// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type sensorMetrics struct {
	state    prometheus.Gauge
	sessions prometheus.Counter
	samples  prometheus.Counter
	failures *prometheus.CounterVec
}

func newSensorMetrics(reg prometheus.Registerer) *sensorMetrics {
	f := promauto.With(reg)

	return &sensorMetrics{
		state: f.NewGauge(prometheus.GaugeOpts{
			Name: "heartrelay_sensor_state",
			Help: "State of the sensor agent (0 idle, 1 starting, 2 streaming)",
		}),
		sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "heartrelay_sensor_measurement_sessions_total",
			Help: "Measurement sessions opened on the sensor",
		}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Name: "heartrelay_sensor_samples_forwarded_total",
			Help: "Samples handed to the transport",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_sensor_failures_total",
			Help: "Failures which reverted the sensor agent to idle",
		}, []string{"reason"}),
	}
}

type displayMetrics struct {
	samples  prometheus.Counter
	commands *prometheus.CounterVec
}

func newDisplayMetrics(reg prometheus.Registerer) *displayMetrics {
	f := promauto.With(reg)

	return &displayMetrics{
		samples: f.NewCounter(prometheus.CounterOpts{
			Name: "heartrelay_display_samples_received_total",
			Help: "Samples received from the sensor",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heartrelay_display_commands_total",
			Help: "Start and stop requests by outcome",
		}, []string{"command", "result"}),
	}
}
