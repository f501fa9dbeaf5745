// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package pkg

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultReconnectInterval = 2 * time.Second
	DefaultCodec             = "json"
)

// Endpoint describes where and as whom a peer joins the hub.
//
// The textual form is
//
//	ws[s]://host[:port]/<session>[/<peer>]?role=<role>[&codec=<codec>][&reconnect=<duration>]
type Endpoint struct {
	URL     string
	Session string
	Peer    string
	Role    Role
	Codec   string

	Reconnect time.Duration
}

func ParseEndpoint(arg string) (Endpoint, error) {
	u, err := url.Parse(arg)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return Endpoint{}, errors.New("missing session name")
	} else if len(parts) > 2 {
		return Endpoint{}, fmt.Errorf("invalid path: %s", u.Path)
	}

	q := u.Query()

	e := Endpoint{
		Session:   parts[0],
		Role:      Role(q.Get("role")),
		Codec:     q.Get("codec"),
		Reconnect: DefaultReconnectInterval,
	}

	if len(parts) == 2 {
		e.Peer = parts[1]
	} else {
		e.Peer = uuid.New().String()
	}

	if !e.Role.Valid() {
		return Endpoint{}, fmt.Errorf("invalid role: '%s'", e.Role)
	}

	if e.Codec == "" {
		e.Codec = DefaultCodec
	}

	if r := q.Get("reconnect"); r != "" {
		d, err := time.ParseDuration(r)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid reconnect interval: %w", err)
		}

		e.Reconnect = d
	}

	base := *u
	base.Path = ""
	base.RawPath = ""
	base.RawQuery = ""
	e.URL = base.String()

	return e, nil
}

// DialURL returns the websocket URL the hub expects for this endpoint.
func (e Endpoint) DialURL() string {
	q := url.Values{}
	q.Set("role", string(e.Role))
	q.Set("codec", e.Codec)

	return fmt.Sprintf("%s/%s/%s?%s",
		strings.TrimRight(e.URL, "/"),
		url.PathEscape(e.Session),
		url.PathEscape(e.Peer),
		q.Encode())
}

func (e Endpoint) String() string {
	return e.DialURL()
}
