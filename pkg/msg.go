// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package pkg

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Wire keys of the string-keyed payload map.
const (
	KeyCommand  = "command"
	KeyBPM      = "bpm"
	KeyStatus   = "status"
	KeyPresence = "presence"
)

// StatusAwake is the liveness ping sent by the sensor side.
const StatusAwake = "awake"

type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
)

// Message is one of ControlMessage, SampleMessage, StatusMessage or
// PresenceMessage.
type Message interface {
	Kind() string
	isMessage()
}

type ControlMessage struct {
	Command Command
}

type SampleMessage struct {
	BPM float64
}

type StatusMessage struct {
	Status string
}

// PresenceMessage is sent by the hub whenever the set of peers in a
// session changes. Peer is the name of the receiving peer.
type PresenceMessage struct {
	Peer  string `json:"peer"`
	Peers []Peer `json:"peers"`
}

func (ControlMessage) Kind() string  { return "control" }
func (SampleMessage) Kind() string   { return "sample" }
func (StatusMessage) Kind() string   { return "status" }
func (PresenceMessage) Kind() string { return "presence" }

func (ControlMessage) isMessage()  {}
func (SampleMessage) isMessage()   {}
func (StatusMessage) isMessage()   {}
func (PresenceMessage) isMessage() {}

// Counterpart reports whether a peer with the given role is present.
func (m PresenceMessage) Counterpart(self string, role Role) bool {
	for _, p := range m.Peers {
		if p.Name != self && p.Role == role.Counterpart() {
			return true
		}
	}

	return false
}

// EncodeMessage converts msg into its wire map.
func EncodeMessage(msg Message) map[string]any {
	switch m := msg.(type) {
	case ControlMessage:
		return map[string]any{KeyCommand: string(m.Command)}
	case *ControlMessage:
		return map[string]any{KeyCommand: string(m.Command)}
	case SampleMessage:
		return map[string]any{KeyBPM: m.BPM}
	case *SampleMessage:
		return map[string]any{KeyBPM: m.BPM}
	case StatusMessage:
		return map[string]any{KeyStatus: m.Status}
	case *StatusMessage:
		return map[string]any{KeyStatus: m.Status}
	case PresenceMessage:
		return map[string]any{KeyPresence: presenceMap(m)}
	case *PresenceMessage:
		return map[string]any{KeyPresence: presenceMap(*m)}
	}

	return map[string]any{}
}

// DecodeMessage converts a wire map into a Message. Keys are checked in
// the order command, bpm, status, presence. Unknown keys and values of
// the wrong type are ignored. If no key is recognised, ok is false.
func DecodeMessage(payload map[string]any) (msg Message, ok bool) {
	if v, found := payload[KeyCommand]; found {
		if s, isStr := v.(string); isStr {
			switch cmd := Command(s); cmd {
			case CommandStart, CommandStop:
				return ControlMessage{Command: cmd}, true
			}
		}
	}

	if v, found := payload[KeyBPM]; found {
		if bpm, isNum := toFloat(v); isNum && !math.IsNaN(bpm) && !math.IsInf(bpm, 0) {
			return SampleMessage{BPM: bpm}, true
		}
	}

	if v, found := payload[KeyStatus]; found {
		if s, isStr := v.(string); isStr {
			return StatusMessage{Status: s}, true
		}
	}

	if v, found := payload[KeyPresence]; found {
		if p, err := decodePresence(v); err == nil {
			return p, true
		}
	}

	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}

	return 0, false
}

func presenceMap(m PresenceMessage) map[string]any {
	peers := []any{}
	for _, p := range m.Peers {
		pm := map[string]any{
			"name":    p.Name,
			"role":    string(p.Role),
			"created": p.Created.Format(time.RFC3339Nano),
		}
		if p.Remote != "" {
			pm["remote"] = p.Remote
		}
		if p.UserAgent != "" {
			pm["user_agent"] = p.UserAgent
		}
		if p.Codec != "" {
			pm["codec"] = p.Codec
		}
		if !p.Connected.IsZero() {
			pm["connected"] = p.Connected.Format(time.RFC3339Nano)
		}

		peers = append(peers, pm)
	}

	return map[string]any{
		"peer":  m.Peer,
		"peers": peers,
	}
}

func decodePresence(v any) (PresenceMessage, error) {
	m, ok := asMap(v)
	if !ok {
		return PresenceMessage{}, fmt.Errorf("presence is not an object")
	}

	msg := PresenceMessage{
		Peers: []Peer{},
	}
	msg.Peer, _ = m["peer"].(string)

	list, _ := m["peers"].([]any)
	for _, item := range list {
		pm, ok := asMap(item)
		if !ok {
			continue
		}

		p := Peer{}
		p.Name, _ = pm["name"].(string)
		role, _ := pm["role"].(string)
		p.Role = Role(role)
		p.Remote, _ = pm["remote"].(string)
		p.UserAgent, _ = pm["user_agent"].(string)
		p.Codec, _ = pm["codec"].(string)
		if s, ok := pm["created"].(string); ok {
			p.Created, _ = time.Parse(time.RFC3339Nano, s)
		}
		if s, ok := pm["connected"].(string); ok {
			p.Connected, _ = time.Parse(time.RFC3339Nano, s)
		}

		msg.Peers = append(msg.Peers, p)
	}

	return msg, nil
}

// asMap accepts both map[string]any (JSON) and map[any]any (CBOR).
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = v
		}
		return out, true
	}

	return nil, false
}

func (m ControlMessage) String() string {
	b, _ := json.Marshal(EncodeMessage(m))
	return string(b)
}

func (m SampleMessage) String() string {
	b, _ := json.Marshal(EncodeMessage(m))
	return string(b)
}
