// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/codec"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 10 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

type Peer struct {
	Name string
	Role pkg.Role

	codec     codec.Codec
	created   time.Time
	connected time.Time
	remote    string
	userAgent string

	conn    *websocket.Conn
	session *Session

	outbox chan map[string]any

	done      chan struct{}
	closeOnce sync.Once
	closing   bool
	mutex     sync.Mutex

	logger *slog.Logger
}

func (s *Session) newPeer(name string, role pkg.Role, c codec.Codec, conn *websocket.Conn, r *http.Request) *Peer {
	now := time.Now()

	p := &Peer{
		Name:      name,
		Role:      role,
		codec:     c,
		created:   now,
		connected: now,
		remote:    r.RemoteAddr,
		userAgent: r.UserAgent(),
		conn:      conn,
		session:   s,
		outbox:    make(chan map[string]any, s.hub.outboxLength),
		done:      make(chan struct{}),
		logger: s.logger.With(
			slog.String("peer", name),
			slog.String("role", string(role))),
	}

	p.logger.Info("New peer",
		slog.String("remote", p.remote),
		slog.String("codec", c.Name()))

	return p
}

func (p *Peer) String() string {
	return p.Name
}

func (p *Peer) start() error {
	p.conn.SetReadLimit(maxMessageSize)
	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go p.read()
	go p.run()

	return nil
}

// enqueue queues payload for sending without blocking. It reports false
// if the outbox is full and the payload was dropped.
func (p *Peer) enqueue(payload map[string]any) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.outbox <- payload:
		return true
	default:
		p.session.hub.metrics.messagesDropped.WithLabelValues("outbox_full").Inc()
		p.logger.Warn("Outbox full, dropping message")
		return false
	}
}

func (p *Peer) read() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.mutex.Lock()
				closing := p.closing
				p.closing = true
				p.mutex.Unlock()

				if !closing {
					err := p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
					if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
						p.logger.Error("Failed to send close message", slog.Any("error", err))
					}
				}
			} else if !p.isClosing() {
				p.logger.Error("Failed to read", slog.Any("error", err))
			}
			break
		}

		payload, err := p.codec.Unmarshal(data)
		if err != nil {
			p.session.hub.metrics.messagesDropped.WithLabelValues("malformed").Inc()
			p.logger.Warn("Dropping malformed message", slog.Any("error", err))
			continue
		}

		// Presence is only ever originated by the hub.
		delete(payload, pkg.KeyPresence)
		if len(payload) == 0 {
			continue
		}

		p.logger.Debug("Read message", slog.Any("msg", payload))

		p.session.publish(p, payload)
	}

	p.closed()
}

func (p *Peer) run() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return

		case payload := <-p.outbox:
			data, err := p.codec.Marshal(payload)
			if err != nil {
				p.session.hub.metrics.messagesDropped.WithLabelValues("encode").Inc()
				p.logger.Error("Failed to encode message", slog.Any("error", err))
				continue
			}

			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.logger.Error("Failed to set write deadline", slog.Any("error", err))
			}
			if err := p.conn.WriteMessage(p.codec.FrameType(), data); err != nil {
				p.logger.Error("Failed to send message", slog.Any("error", err))
				p.conn.Close() //nolint:errcheck
				return
			}

		case <-ticker.C:
			p.logger.Debug("Send ping message")

			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Error("Failed to ping", slog.Any("error", err))
			}
		}
	}
}

func (p *Peer) isClosing() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.closing
}

// Close asks the remote end to close the connection and waits briefly
// for it to do so.
func (p *Peer) Close() error {
	p.mutex.Lock()
	if p.closing {
		p.mutex.Unlock()
		return nil
	}
	p.closing = true
	p.mutex.Unlock()

	p.logger.Info("Peer closing")

	err := p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		p.conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to send close message: %w", err)
	}

	select {
	case <-p.done:
	case <-time.After(time.Second):
		p.logger.Warn("Timed-out waiting for connection close")
		p.conn.Close() //nolint:errcheck
	}

	return nil
}

func (p *Peer) closed() {
	p.closeOnce.Do(func() {
		close(p.done)

		if err := p.conn.Close(); err != nil {
			p.logger.Debug("Failed to close connection", slog.Any("error", err))
		}

		p.logger.Info("Peer disconnected")

		p.session.removePeer(p)
	})
}

func (p *Peer) Marshal() pkg.Peer {
	return pkg.Peer{
		Name:      p.Name,
		Role:      p.Role,
		Remote:    p.remote,
		UserAgent: p.userAgent,
		Codec:     p.codec.Name(),
		Created:   p.created,
		Connected: p.connected,
	}
}
