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

// Package protocol implements the JSON-RPC 2.0 envelopes used by
// subrpc, along with identifier generation and the classification
// of incoming frames.
package protocol

import (
	"fmt"
	"strings"

	"go.arsenm.dev/subrpc/codec"
)

// Version is the value of the jsonrpc member of every envelope
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Method name prefixes of the publish/subscribe extension
const (
	SubscribePrefix   = "subscribe_"
	UnsubscribePrefix = "unsubscribe_"

	// DefaultNotificationPrefix is prepended to a topic to
	// form the method name of its notifications
	DefaultNotificationPrefix = "s_"
)

// Request represents a request or notification sent to the server.
// Notifications have a nil ID, which is omitted from the encoding.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewResponse returns a success response envelope ready for encoding.
// The result member is always present, even when result is nil.
func NewResponse(id, result any) map[string]any {
	return map[string]any{"jsonrpc": Version, "id": id, "result": result}
}

// NewErrorResponse returns an error response envelope ready for encoding
func NewErrorResponse(id any, err *Error) map[string]any {
	return map[string]any{"jsonrpc": Version, "id": id, "error": err}
}

// Notification represents a server-initiated message
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC error object. It is returned to callers
// whenever the server answers a request with an error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// SubscribeMethod returns the method used to subscribe to topic
func SubscribeMethod(topic string) string {
	return SubscribePrefix + topic
}

// UnsubscribeMethod returns the method used to unsubscribe from topic
func UnsubscribeMethod(topic string) string {
	return UnsubscribePrefix + topic
}

// SubscribeTopic returns the topic of a subscribe method, and false
// if method does not follow the subscribe naming convention
func SubscribeTopic(method string) (string, bool) {
	topic, ok := strings.CutPrefix(method, SubscribePrefix)
	return topic, ok && topic != ""
}

// UnsubscribeTopic returns the topic of an unsubscribe method, and
// false if method does not follow the unsubscribe naming convention
func UnsubscribeTopic(method string) (string, bool) {
	topic, ok := strings.CutPrefix(method, UnsubscribePrefix)
	return topic, ok && topic != ""
}

// UnsubscribeParams returns the params of an unsubscribe call
func UnsubscribeParams(subID any) map[string]any {
	return map[string]any{"id": subID}
}

// Encoder encodes outgoing envelopes
type Encoder struct {
	codec codec.Codec
	ids   IDGenerator
}

// NewEncoder creates an encoder using the given codec and id generator.
// Nil values select codec.Default and a UUIDGenerator.
func NewEncoder(c codec.Codec, ids IDGenerator) *Encoder {
	if c == nil {
		c = codec.Default
	}
	if ids == nil {
		ids = UUIDGenerator{}
	}
	return &Encoder{codec: c, ids: ids}
}

// Codec returns the codec used by the encoder
func (e *Encoder) Codec() codec.Codec {
	return e.codec
}

// EncodeCall encodes a request expecting a response, and
// returns the freshly generated identifier along with it
func (e *Encoder) EncodeCall(method string, params any) (any, []byte, error) {
	id, err := e.ids.NextID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate request id: %w", err)
	}

	data, err := e.codec.Encode(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", method, err)
	}

	return id, data, nil
}

// EncodeNotification encodes a request that expects no response
func (e *Encoder) EncodeNotification(method string, params any) ([]byte, error) {
	data, err := e.codec.Encode(Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return data, nil
}
