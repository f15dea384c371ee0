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

// Package fakeserver implements an in-process server following the
// subscribe_<topic> / s_<topic> / unsubscribe_<topic> convention. It
// exists to exercise the client without a real relayer.
package fakeserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gofrs/uuid"
	"go.arsenm.dev/subrpc/codec"
	"go.arsenm.dev/subrpc/protocol"
	"go.arsenm.dev/subrpc/transport"
	"golang.org/x/net/websocket"
)

// MethodFunc handles a regular method call
type MethodFunc func(params any) (any, *protocol.Error)

// Option configures a server
type Option func(*Server)

// WithCodec sets the codec used by the server
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithPrefix sets the notification method prefix
func WithPrefix(prefix string) Option {
	return func(s *Server) { s.prefix = prefix }
}

// WithSubscriptionIDs sets the function generating subscription
// identifiers. It receives the topic and the amount of subscriptions
// created so far, including this one. Random UUIDs are used by default.
func WithSubscriptionIDs(fn func(topic string, n int) any) Option {
	return func(s *Server) { s.nextSubID = fn }
}

// WithWrappedNotifications sends notification params as
// {"subscription": <id>, "result": <params>}
func WithWrappedNotifications() Option {
	return func(s *Server) { s.wrap = true }
}

// Server is a fake subscription server
type Server struct {
	codec     codec.Codec
	prefix    string
	wrap      bool
	nextSubID func(topic string, n int) any

	mtx      sync.Mutex
	topics   map[string]struct{}
	methods  map[string]MethodFunc
	failures map[string]*protocol.Error
	ignored  map[string]struct{}
	sessions map[*session]struct{}
	requests []protocol.Request
	subCount int
	conns    chan struct{}
}

type session struct {
	tr      transport.Transport
	sendMtx sync.Mutex

	// subscription id key -> topic, guarded by the server mutex
	subs map[string]subscription
}

type subscription struct {
	topic string
	id    any
}

// New creates and returns a new server
func New(opts ...Option) *Server {
	out := &Server{
		codec:  codec.Default,
		prefix: protocol.DefaultNotificationPrefix,
		nextSubID: func(string, int) any {
			return uuid.Must(uuid.NewV4()).String()
		},
		topics:   map[string]struct{}{},
		methods:  map[string]MethodFunc{},
		failures: map[string]*protocol.Error{},
		ignored:  map[string]struct{}{},
		sessions: map[*session]struct{}{},
		conns:    make(chan struct{}, 16),
	}

	for _, opt := range opts {
		opt(out)
	}

	return out
}

// RegisterTopic makes topics available for subscription
func (s *Server) RegisterTopic(topics ...string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
	}
}

// Register registers a regular method
func (s *Server) Register(method string, fn MethodFunc) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.methods[method] = fn
}

// FailSubscribe makes subscribe calls for topic fail with err
func (s *Server) FailSubscribe(topic string, err *protocol.Error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.failures[topic] = err
}

// Ignore makes the server record calls to method without ever answering
func (s *Server) Ignore(method string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.ignored[method] = struct{}{}
}

// Connections returns a channel receiving a value whenever a
// connection starts being served
func (s *Server) Connections() <-chan struct{} {
	return s.conns
}

// Requests returns every request received so far
func (s *Server) Requests() []protocol.Request {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]protocol.Request(nil), s.requests...)
}

// Calls returns the requests received for method
func (s *Server) Calls(method string) []protocol.Request {
	var out []protocol.Request
	for _, req := range s.Requests() {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// Subscriptions returns the amount of subscriptions held by clients
func (s *Server) Subscriptions() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	n := 0
	for sess := range s.sessions {
		n += len(sess.subs)
	}
	return n
}

// ServeWS returns a handler serving clients over WebSocket
func (s *Server) ServeWS(ctx context.Context) http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			s.ServeConn(ctx, transport.NewWebSocket(conn, s.codec.Binary()))
		},
	}
}

// ServeConn serves a single client until the transport is closed
func (s *Server) ServeConn(ctx context.Context, tr transport.Transport) error {
	sess := &session{tr: tr, subs: map[string]subscription{}}

	s.mtx.Lock()
	s.sessions[sess] = struct{}{}
	s.mtx.Unlock()

	defer func() {
		s.mtx.Lock()
		delete(s.sessions, sess)
		s.mtx.Unlock()
	}()

	select {
	case s.conns <- struct{}{}:
	default:
	}

	for {
		data, err := tr.Recv(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
			return nil
		} else if err != nil {
			return err
		}

		if err = s.handle(ctx, sess, data); err != nil {
			return err
		}
	}
}

// handle handles a single request
func (s *Server) handle(ctx context.Context, sess *session, data []byte) error {
	var msg map[string]any
	if err := s.codec.Decode(data, &msg); err != nil || msg == nil {
		return s.send(ctx, sess, protocol.NewErrorResponse(nil, &protocol.Error{
			Code:    protocol.CodeParseError,
			Message: "Parse error",
		}))
	}

	method, _ := msg["method"].(string)
	id, hasID := msg["id"]
	req := protocol.Request{
		JSONRPC: protocol.Version,
		ID:      id,
		Method:  method,
		Params:  msg["params"],
	}

	s.mtx.Lock()
	s.requests = append(s.requests, req)
	_, ignored := s.ignored[method]
	s.mtx.Unlock()

	// Notifications and ignored methods get no response
	if !hasID || ignored {
		return nil
	}

	result, rpcErr := s.execute(sess, req)
	if rpcErr != nil {
		return s.send(ctx, sess, protocol.NewErrorResponse(req.ID, rpcErr))
	}
	return s.send(ctx, sess, protocol.NewResponse(req.ID, result))
}

// execute runs a request and returns its result
func (s *Server) execute(sess *session, req protocol.Request) (any, *protocol.Error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if topic, ok := protocol.SubscribeTopic(req.Method); ok {
		if _, ok := s.topics[topic]; !ok {
			return nil, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "Method not found"}
		}
		if err, ok := s.failures[topic]; ok {
			return nil, err
		}

		s.subCount++
		subID := s.nextSubID(topic, s.subCount)
		key, err := protocol.IDKey(subID)
		if err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
		}
		sess.subs[key] = subscription{topic: topic, id: subID}
		return subID, nil
	}

	if topic, ok := protocol.UnsubscribeTopic(req.Method); ok {
		params, _ := req.Params.(map[string]any)
		key, err := protocol.IDKey(params["id"])
		if err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "Invalid params"}
		}

		sub, ok := sess.subs[key]
		if !ok || sub.topic != topic {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "Invalid subscription ID"}
		}
		delete(sess.subs, key)
		return true, nil
	}

	fn, ok := s.methods[req.Method]
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "Method not found"}
	}
	return fn(req.Params)
}

// Publish sends a notification for topic to every subscribed client
// and returns the amount of notifications sent
func (s *Server) Publish(ctx context.Context, topic string, params any) (int, error) {
	type target struct {
		sess  *session
		subID any
	}

	s.mtx.Lock()
	var targets []target
	for sess := range s.sessions {
		for _, sub := range sess.subs {
			if sub.topic == topic {
				targets = append(targets, target{sess, sub.id})
			}
		}
	}
	s.mtx.Unlock()

	for _, t := range targets {
		p := params
		if s.wrap {
			p = map[string]any{"subscription": t.subID, "result": params}
		}

		err := s.send(ctx, t.sess, protocol.Notification{
			JSONRPC: protocol.Version,
			Method:  s.prefix + topic,
			Params:  p,
		})
		if err != nil {
			return 0, err
		}
	}

	return len(targets), nil
}

// SendRaw sends data as-is to every connected client
func (s *Server) SendRaw(ctx context.Context, data []byte) error {
	s.mtx.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mtx.Unlock()

	for _, sess := range sessions {
		sess.sendMtx.Lock()
		err := sess.tr.Send(ctx, data)
		sess.sendMtx.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) send(ctx context.Context, sess *session, v any) error {
	data, err := s.codec.Encode(v)
	if err != nil {
		return err
	}

	sess.sendMtx.Lock()
	defer sess.sendMtx.Unlock()
	return sess.tr.Send(ctx, data)
}
