// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the two ends of the heart-rate relay: the
// sensor agent on the wearable streams samples while the display agent
// on the phone commands it and records what arrives.
//
// Each agent owns its state on a loop.Loop. Callbacks from the
// transport, the sensor and timers only post work onto that loop.
package relay

import (
	"context"
	"errors"

	"github.com/VILLASframework/heartrelay/pkg"
)

var (
	ErrTransportUnreachable      = errors.New("counterpart is not reachable")
	ErrSensorAuthorizationDenied = errors.New("sensor authorization denied")
	ErrSensorSessionFailure      = errors.New("measurement session failed")
)

// Transport is the part of transport.Adapter the agents use.
type Transport interface {
	Activate(ctx context.Context)
	IsReachable() bool
	Send(msg pkg.Message)

	OnControlMessage(h func(pkg.ControlMessage))
	OnSampleMessage(h func(pkg.SampleMessage))
	OnStatusMessage(h func(pkg.StatusMessage))
	OnReachabilityChanged(h func(bool))
}
