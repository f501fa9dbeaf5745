// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/VILLASframework/heartrelay/pkg"
)

var errSessionClosed = errors.New("session is closed")

type envelope struct {
	sender  *Peer
	payload map[string]any
}

type Session struct {
	Name    string
	Created time.Time

	hub *Hub

	peers      map[string]*Peer
	emptySince time.Time
	closed     bool
	mutex      sync.RWMutex

	messages chan envelope
	done     chan struct{}

	logger *slog.Logger
}

func newSession(h *Hub, name string) *Session {
	s := &Session{
		Name:       name,
		Created:    h.clock.Now(),
		hub:        h,
		peers:      map[string]*Peer{},
		emptySince: h.clock.Now(),
		messages:   make(chan envelope, 100),
		done:       make(chan struct{}),
		logger:     h.logger.With(slog.String("session", name)),
	}

	s.logger.Info("Session opened")

	go s.run()

	return s
}

func (s *Session) String() string {
	return s.Name
}

func (s *Session) GetPeer(name string) *Peer {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.peers[name]
}

// addPeer registers p. A connected peer with the same name is replaced
// and disconnected.
func (s *Session) addPeer(p *Peer) error {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return errSessionClosed
	}

	old := s.peers[p.Name]
	s.peers[p.Name] = p
	s.emptySince = time.Time{}

	s.broadcastPresence()

	s.mutex.Unlock()

	if old != nil {
		old.logger.Info("Peer replaced by new connection")

		if err := old.Close(); err != nil {
			old.logger.Warn("Failed to close replaced peer", slog.Any("error", err))
		}
	}

	return nil
}

func (s *Session) removePeer(p *Peer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.peers[p.Name] != p {
		return
	}

	delete(s.peers, p.Name)

	if len(s.peers) == 0 {
		s.emptySince = s.hub.clock.Now()
	}

	s.broadcastPresence()
}

// broadcastPresence sends every peer the current peer list. The caller
// must hold the session lock.
func (s *Session) broadcastPresence() {
	peers := s.marshalPeers()

	for _, p := range s.peers {
		p.enqueue(pkg.EncodeMessage(pkg.PresenceMessage{
			Peer:  p.Name,
			Peers: peers,
		}))
	}
}

// publish queues payload for delivery to all peers except sender. The
// payload is dropped if the fan-out queue is full.
func (s *Session) publish(sender *Peer, payload map[string]any) {
	select {
	case s.messages <- envelope{sender: sender, payload: payload}:
	case <-s.done:
	default:
		s.hub.metrics.messagesDropped.WithLabelValues("session_full").Inc()
		sender.logger.Warn("Dropping message, session queue is full")
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return

		case env := <-s.messages:
			kind := "unknown"
			if msg, ok := pkg.DecodeMessage(env.payload); ok {
				kind = msg.Kind()
			}

			s.mutex.RLock()

			for _, p := range s.peers {
				if p == env.sender {
					continue
				}

				if p.enqueue(env.payload) {
					s.hub.metrics.messagesRelayed.WithLabelValues(kind).Inc()
				}
			}

			s.mutex.RUnlock()
		}
	}
}

func (s *Session) expired(now time.Time, expiry time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.peers) == 0 && !s.emptySince.IsZero() && now.Sub(s.emptySince) > expiry
}

// stop terminates the fan-out goroutine. Later attempts to join fail.
func (s *Session) stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.done)

	s.logger.Info("Session closed")
}

func (s *Session) Close() error {
	s.mutex.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mutex.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.stop()

	return errors.Join(errs...)
}

func (s *Session) Marshal() pkg.Session {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return pkg.Session{
		Name:    s.Name,
		Created: s.Created,
		Peers:   s.marshalPeers(),
	}
}

func (s *Session) marshalPeers() []pkg.Peer {
	peers := make([]pkg.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p.Marshal())
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Name < peers[j].Name
	})

	return peers
}
