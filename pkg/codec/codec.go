// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package codec converts the string-keyed payload maps exchanged between
// peers into websocket frames.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

type Codec interface {
	Name() string
	FrameType() int
	Marshal(payload map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// Lookup returns the codec registered under name. An empty name selects JSON.
func Lookup(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}

	return nil, fmt.Errorf("unknown codec: '%s'", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

func (jsonCodec) Unmarshal(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	payload := map[string]any{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode JSON frame: %w", err)
	}

	return payload, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return cborCodec{
		enc: enc,
		dec: dec,
	}
}

func (cborCodec) Name() string   { return "cbor" }
func (cborCodec) FrameType() int { return websocket.BinaryMessage }

func (c cborCodec) Marshal(payload map[string]any) ([]byte, error) {
	return c.enc.Marshal(payload)
}

func (c cborCodec) Unmarshal(data []byte) (map[string]any, error) {
	payload := map[string]any{}
	if err := c.dec.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR frame: %w", err)
	}

	return payload, nil
}
