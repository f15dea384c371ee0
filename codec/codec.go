/*
 *	subrpc is a JSON-RPC 2.0 subscription client.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec is able to encode and decode whole messages.
// Every call to Encode produces exactly one transport frame.
type Codec interface {
	// Name returns the name used to select the codec in configuration
	Name() string
	// Binary reports whether encoded messages must be sent
	// as binary frames rather than text frames
	Binary() bool
	Encode(val any) ([]byte, error)
	Decode(data []byte, val any) error
}

// Default is the default Codec. JSON-RPC 2.0 is defined
// over JSON, so anything else must be agreed upon with the server.
var Default Codec = JSON

// JSON encodes messages as JSON text. Numbers decoded into
// interface values become json.Number so that large integer
// identifiers survive a round trip unchanged.
var JSON Codec = jsonCodec{}

// Msgpack encodes messages using msgpack. Integers decoded
// into interface values are widened to int64/uint64.
var Msgpack Codec = msgpackCodec{}

// ByName returns the codec with the given name
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSON.Name():
		return JSON, nil
	case Msgpack.Name():
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(val any) ([]byte, error) {
	return json.Marshal(val)
}

func (jsonCodec) Decode(data []byte, val any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(val); err != nil {
		return err
	}
	// A frame must hold exactly one value
	if dec.More() {
		return fmt.Errorf("codec: trailing data after JSON value")
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(val any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	// Use the json tags so both codecs agree on field names
	enc.SetCustomStructTag("json")
	if err := enc.Encode(val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Decode(data []byte, val any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(val)
}
