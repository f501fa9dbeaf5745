// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"testing"

	"github.com/gorilla/websocket"

	"github.com/VILLASframework/heartrelay/pkg"
)

func TestLookup(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "cbor": "cbor"} {
		c, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if c.Name() != want {
			t.Errorf("Lookup(%q) = %s, want %s", name, c.Name(), want)
		}
	}

	if _, err := Lookup("xml"); err == nil {
		t.Errorf("expected error for unknown codec")
	}
}

func TestFrameTypes(t *testing.T) {
	if JSON.FrameType() != websocket.TextMessage {
		t.Errorf("JSON frames must be text frames")
	}
	if CBOR.FrameType() != websocket.BinaryMessage {
		t.Errorf("CBOR frames must be binary frames")
	}
}

func TestMessagesSurviveEachCodec(t *testing.T) {
	msgs := []pkg.Message{
		pkg.ControlMessage{Command: pkg.CommandStart},
		pkg.ControlMessage{Command: pkg.CommandStop},
		pkg.SampleMessage{BPM: 58.5},
		pkg.SampleMessage{BPM: 70},
		pkg.StatusMessage{Status: pkg.StatusAwake},
	}

	for _, c := range []Codec{JSON, CBOR} {
		for _, msg := range msgs {
			data, err := c.Marshal(pkg.EncodeMessage(msg))
			if err != nil {
				t.Fatalf("%s: marshal %v: %v", c.Name(), msg, err)
			}

			payload, err := c.Unmarshal(data)
			if err != nil {
				t.Fatalf("%s: unmarshal %v: %v", c.Name(), msg, err)
			}

			got, ok := pkg.DecodeMessage(payload)
			if !ok || got != msg {
				t.Errorf("%s: got %#v, want %#v", c.Name(), got, msg)
			}
		}
	}
}

func TestCBORPresence(t *testing.T) {
	msg := pkg.PresenceMessage{
		Peer: "watch",
		Peers: []pkg.Peer{
			{Name: "watch", Role: pkg.RoleSensor},
			{Name: "phone", Role: pkg.RoleDisplay},
		},
	}

	data, err := CBOR.Marshal(pkg.EncodeMessage(msg))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	payload, err := CBOR.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, ok := pkg.DecodeMessage(payload)
	if !ok {
		t.Fatalf("presence not decoded")
	}

	p := got.(pkg.PresenceMessage)
	if p.Peer != "watch" || !p.Counterpart("watch", pkg.RoleSensor) {
		t.Errorf("unexpected presence: %+v", p)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := JSON.Unmarshal([]byte("{not json")); err == nil {
		t.Errorf("expected JSON error")
	}
	if _, err := CBOR.Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Errorf("expected CBOR error")
	}
}
