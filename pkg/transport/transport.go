// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package transport connects a peer to its counterpart through the hub.
//
// The Adapter keeps a single websocket connection to the hub alive,
// tracks whether the counterpart is present and delivers messages on a
// best effort basis: Send never blocks and never fails, it drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/clock"
	"github.com/VILLASframework/heartrelay/pkg/codec"
)

const (
	DefaultQueueLength = 32

	// Time allowed to write a message to the hub.
	writeWait = 10 * time.Second

	// Time allowed between two pings from the hub.
	pingWait = 30 * time.Second

	userAgent = "heartrelay-transport"
)

type Config struct {
	Endpoint pkg.Endpoint

	// QueueLength bounds the messages waiting to be written.
	QueueLength int

	Dialer     *websocket.Dialer
	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

type Adapter struct {
	endpoint pkg.Endpoint
	codec    codec.Codec
	dialer   *websocket.Dialer
	clock    clock.Clock

	outbox chan pkg.Message

	mutex       sync.Mutex
	connected   bool
	counterpart bool
	reachable   bool
	cancel      context.CancelFunc
	done        chan struct{}

	handlersMutex  sync.RWMutex
	onControl      []func(pkg.ControlMessage)
	onSample       []func(pkg.SampleMessage)
	onStatus       []func(pkg.StatusMessage)
	onReachability []func(bool)

	metrics *metrics
	logger  *slog.Logger
}

func New(cfg Config) (*Adapter, error) {
	if !cfg.Endpoint.Role.Valid() {
		return nil, fmt.Errorf("invalid role: '%s'", cfg.Endpoint.Role)
	}
	if cfg.Endpoint.Session == "" || cfg.Endpoint.Peer == "" {
		return nil, errors.New("endpoint requires session and peer names")
	}

	c, err := codec.Lookup(cfg.Endpoint.Codec)
	if err != nil {
		return nil, err
	}

	if cfg.Endpoint.Reconnect <= 0 {
		cfg.Endpoint.Reconnect = pkg.DefaultReconnectInterval
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = DefaultQueueLength
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Adapter{
		endpoint: cfg.Endpoint,
		codec:    c,
		dialer:   cfg.Dialer,
		clock:    cfg.Clock,
		outbox:   make(chan pkg.Message, cfg.QueueLength),
		metrics:  newMetrics(cfg.Registerer),
		logger: cfg.Logger.With(
			slog.String("component", "transport"),
			slog.String("session", cfg.Endpoint.Session),
			slog.String("peer", cfg.Endpoint.Peer),
			slog.String("role", string(cfg.Endpoint.Role))),
	}, nil
}

func (a *Adapter) OnControlMessage(h func(pkg.ControlMessage)) {
	a.handlersMutex.Lock()
	defer a.handlersMutex.Unlock()

	a.onControl = append(a.onControl, h)
}

func (a *Adapter) OnSampleMessage(h func(pkg.SampleMessage)) {
	a.handlersMutex.Lock()
	defer a.handlersMutex.Unlock()

	a.onSample = append(a.onSample, h)
}

func (a *Adapter) OnStatusMessage(h func(pkg.StatusMessage)) {
	a.handlersMutex.Lock()
	defer a.handlersMutex.Unlock()

	a.onStatus = append(a.onStatus, h)
}

// OnReachabilityChanged registers h to be called with the new state
// whenever IsReachable flips.
func (a *Adapter) OnReachabilityChanged(h func(bool)) {
	a.handlersMutex.Lock()
	defer a.handlersMutex.Unlock()

	a.onReachability = append(a.onReachability, h)
}

// Activate starts the connection supervisor. Further calls are no-ops
// while it is running.
func (a *Adapter) Activate(ctx context.Context) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.cancel != nil {
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	a.logger.Info("Activating", slog.String("url", a.endpoint.DialURL()))

	go a.supervise(ctx, a.done)
}

func (a *Adapter) IsReachable() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.reachable
}

// Send queues msg for delivery to the counterpart. It never blocks:
// while unreachable or with a full queue the message is dropped.
func (a *Adapter) Send(msg pkg.Message) {
	if !a.IsReachable() {
		a.metrics.dropped.WithLabelValues("unreachable").Inc()
		a.logger.Debug("Counterpart unreachable, dropping message", slog.String("kind", msg.Kind()))
		return
	}

	select {
	case a.outbox <- msg:
	default:
		a.metrics.dropped.WithLabelValues("queue_full").Inc()
		a.logger.Warn("Send queue full, dropping message", slog.String("kind", msg.Kind()))
	}
}

// Close stops the supervisor and closes the connection.
func (a *Adapter) Close() error {
	a.mutex.Lock()
	cancel, done := a.cancel, a.done
	a.mutex.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	return nil
}

func (a *Adapter) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if err := a.connect(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("Connection to hub lost", slog.Any("error", err))
		}

		a.setState(false, false)
		a.drain()

		if !a.wait(ctx, a.endpoint.Reconnect) {
			a.logger.Info("Deactivated")
			return
		}
	}
}

// wait blocks for d or until ctx is cancelled. It reports false if ctx
// was cancelled.
func (a *Adapter) wait(ctx context.Context, d time.Duration) bool {
	expired := make(chan struct{})
	t := a.clock.AfterFunc(d, func() { close(expired) })
	defer t.Stop()

	select {
	case <-expired:
		return true
	case <-ctx.Done():
		return false
	}
}

// connect dials the hub and serves the connection until it fails or ctx
// is cancelled.
func (a *Adapter) connect(ctx context.Context) error {
	hdr := http.Header{}
	hdr.Set("User-Agent", userAgent)

	conn, resp, err := a.dialer.DialContext(ctx, a.endpoint.DialURL(), hdr)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}
	resp.Body.Close()

	a.logger.Info("Connected to hub")
	a.setState(true, false)

	if err := conn.SetReadDeadline(time.Now().Add(pingWait)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	conn.SetPingHandler(func(data string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pingWait)); err != nil {
			return err
		}

		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}

		return err
	})

	stop := make(chan struct{})
	written := make(chan struct{})

	go func() {
		defer close(written)
		a.write(ctx, conn, stop)
	}()

	err = a.read(conn)

	close(stop)
	<-written

	conn.Close()

	return err
}

func (a *Adapter) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}

			return fmt.Errorf("failed to read: %w", err)
		}

		payload, err := a.codec.Unmarshal(data)
		if err != nil {
			a.logger.Warn("Dropping malformed message", slog.Any("error", err))
			continue
		}

		msg, ok := pkg.DecodeMessage(payload)
		if !ok {
			a.logger.Debug("Ignoring unrecognised message", slog.Any("msg", payload))
			continue
		}

		a.metrics.received.WithLabelValues(msg.Kind()).Inc()
		a.dispatch(msg)
	}
}

func (a *Adapter) write(ctx context.Context, conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case <-ctx.Done():
			err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				a.logger.Warn("Failed to send close message", slog.Any("error", err))
			}

			// Give the hub a moment to answer the close frame.
			conn.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
			<-stop
			return

		case msg := <-a.outbox:
			data, err := a.codec.Marshal(pkg.EncodeMessage(msg))
			if err != nil {
				a.metrics.dropped.WithLabelValues("encode").Inc()
				a.logger.Error("Failed to encode message", slog.Any("error", err))
				continue
			}

			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				a.logger.Error("Failed to set write deadline", slog.Any("error", err))
			}
			if err := conn.WriteMessage(a.codec.FrameType(), data); err != nil {
				a.metrics.dropped.WithLabelValues("write").Inc()
				a.logger.Warn("Failed to send message", slog.Any("error", err))
				conn.Close()
				<-stop
				return
			}

			a.metrics.sent.WithLabelValues(msg.Kind()).Inc()
		}
	}
}

// drain discards messages queued for a connection that is gone.
func (a *Adapter) drain() {
	for {
		select {
		case msg := <-a.outbox:
			a.metrics.dropped.WithLabelValues("disconnected").Inc()
			a.logger.Debug("Dropping queued message", slog.String("kind", msg.Kind()))
		default:
			return
		}
	}
}

func (a *Adapter) dispatch(msg pkg.Message) {
	if p, ok := msg.(pkg.PresenceMessage); ok {
		a.setState(true, p.Counterpart(a.endpoint.Peer, a.endpoint.Role))
		return
	}

	a.handlersMutex.RLock()
	defer a.handlersMutex.RUnlock()

	switch m := msg.(type) {
	case pkg.ControlMessage:
		for _, h := range a.onControl {
			h(m)
		}

	case pkg.SampleMessage:
		for _, h := range a.onSample {
			h(m)
		}

	case pkg.StatusMessage:
		for _, h := range a.onStatus {
			h(m)
		}
	}
}

func (a *Adapter) setState(connected, counterpart bool) {
	a.mutex.Lock()
	a.connected = connected
	a.counterpart = counterpart

	reachable := connected && counterpart
	changed := reachable != a.reachable
	a.reachable = reachable
	a.mutex.Unlock()

	if !changed {
		return
	}

	if reachable {
		a.metrics.reachable.Set(1)
	} else {
		a.metrics.reachable.Set(0)
	}

	a.logger.Info("Reachability changed", slog.Bool("reachable", reachable))

	a.handlersMutex.RLock()
	defer a.handlersMutex.RUnlock()

	for _, h := range a.onReachability {
		h(reachable)
	}
}
