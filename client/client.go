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

// Package client implements a JSON-RPC 2.0 client for servers using
// the subscribe_<topic> / unsubscribe_<topic> publish/subscribe
// convention.
package client

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.arsenm.dev/subrpc/codec"
	"go.arsenm.dev/subrpc/internal/pending"
	"go.arsenm.dev/subrpc/internal/reflectutil"
	"go.arsenm.dev/subrpc/internal/subscription"
	"go.arsenm.dev/subrpc/metrics"
	"go.arsenm.dev/subrpc/protocol"
	"go.arsenm.dev/subrpc/transport"
	"golang.org/x/time/rate"
)

// DialFunc establishes the connection used by the client
type DialFunc func(ctx context.Context) (transport.Transport, error)

// Notification is a message pushed by the server
type Notification struct {
	// Topic is the topic recovered from the method name,
	// or empty if the method does not belong to a topic
	Topic  string
	Method string
	// Subscription is the subscription identifier carried
	// by the notification, if the server sends one
	Subscription any
	Params       any
}

// Decode converts the notification params into v
func (n *Notification) Decode(v any) error {
	return reflectutil.Decode(n.Params, v)
}

// Handler handles notifications. Handlers are called from the
// dispatch goroutine, one at a time and in arrival order, so
// they must not block.
type Handler func(n *Notification)

// Client is a subrpc client
type Client struct {
	codec         codec.Codec
	ids           protocol.IDGenerator
	enc           *protocol.Encoder
	log           *slog.Logger
	metrics       *metrics.Metrics
	limiter       *rate.Limiter
	topicOf       TopicFunc
	topics        []Topic
	grace         time.Duration
	maxUnsub      int
	onProtocolErr func(*ProtocolError)

	calls *pending.Table
	subs  *subscription.Registry

	handlerMtx sync.RWMutex
	handlers   map[string]Handler
	fallback   Handler

	mtx       sync.Mutex
	state     State
	tr        transport.Transport
	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
	readDone  chan struct{}
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// New creates and returns a new client. The client does
// nothing until Start or Run is called.
func New(opts ...Option) *Client {
	out := &Client{
		codec:    codec.Default,
		log:      slog.Default(),
		topicOf:  PrefixTopicFunc(protocol.DefaultNotificationPrefix),
		grace:    DefaultShutdownGrace,
		maxUnsub: DefaultMaxConcurrentUnsubscribes,
		calls:    pending.New(),
		subs:     subscription.New(),
		handlers: map[string]Handler{},
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(out)
	}

	if out.maxUnsub < 1 {
		out.maxUnsub = 1
	}
	if out.grace <= 0 {
		out.grace = DefaultShutdownGrace
	}
	out.enc = protocol.NewEncoder(out.codec, out.ids)
	out.fallback = out.unhandled

	return out
}

// Call calls a method on the server and decodes its result into ret.
// If ret is nil, the result is discarded.
//
// An error returned by the server is returned as a *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, ret any) error {
	if reserved(method) {
		return &StateError{Op: "call", Topic: method, Err: ErrReservedMethod}
	}

	res, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}

	// If there is no return value, stop now
	if ret == nil {
		return nil
	}

	return reflectutil.Decode(res, ret)
}

// Notify sends a notification to the server. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if reserved(method) {
		return &StateError{Op: "notify", Topic: method, Err: ErrReservedMethod}
	}

	tr, err := c.activeTransport("notify")
	if err != nil {
		return err
	}

	if err = c.wait(ctx); err != nil {
		return err
	}

	data, err := c.enc.EncodeNotification(method, params)
	if err != nil {
		return err
	}

	if err = tr.Send(ctx, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// call sends a request and waits for its outcome
func (c *Client) call(ctx context.Context, method string, params any) (any, error) {
	tr, err := c.activeTransport("call")
	if err != nil {
		return nil, err
	}

	if err = c.wait(ctx); err != nil {
		return nil, err
	}

	id, data, err := c.enc.EncodeCall(method, params)
	if err != nil {
		return nil, err
	}

	// Register the call before sending, so the response
	// cannot arrive before it can be correlated
	call, err := c.calls.Register(id, method)
	if err != nil {
		return nil, err
	}
	c.metrics.SetPending(c.calls.Len())

	if err = tr.Send(ctx, data); err != nil {
		c.calls.Abandon(id)
		c.metrics.SetPending(c.calls.Len())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "send", Err: err}
	}

	c.log.Debug("call sent", slog.String("method", method), slog.Any("id", id))

	out, err := c.await(ctx, call)
	if err != nil {
		c.metrics.SetPending(c.calls.Len())
		c.metrics.CallDone("abandoned", call.Started)
		return nil, err
	}

	if out.Err != nil {
		c.metrics.CallDone("error", call.Started)
	} else {
		c.metrics.CallDone("ok", call.Started)
	}
	return out.Result, out.Err
}

// await waits for the outcome of call. If ctx ends first, the call is
// abandoned, unless the dispatcher has already taken it, in which case
// its outcome is returned since it may have changed the registry.
func (c *Client) await(ctx context.Context, call *pending.Call) (pending.Outcome, error) {
	select {
	case out := <-call.Done():
		return out, nil
	case <-ctx.Done():
		// A late response will be reported as unknown
		if c.calls.Abandon(call.ID) {
			return pending.Outcome{}, ctx.Err()
		}
		return <-call.Done(), nil
	}
}

// wait blocks until the rate limiter allows another message
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// activeTransport returns the transport if calls may be sent
func (c *Client) activeTransport(op string) (transport.Transport, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case Ready, ShuttingDown:
		return c.tr, nil
	case Closed:
		return nil, &StateError{Op: op, Err: ErrClientClosed}
	default:
		return nil, &StateError{Op: op, Err: ErrNotReady}
	}
}

// Handle registers the handler for notifications of topic,
// replacing any previous one. A nil handler removes it.
func (c *Client) Handle(topic string, h Handler) {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()

	if h == nil {
		delete(c.handlers, topic)
		return
	}
	c.handlers[topic] = h
}

// HandleFallback registers the handler for notifications that
// do not belong to an active subscription with a handler. A nil
// handler restores the default, which logs the notification.
func (c *Client) HandleFallback(h Handler) {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()

	if h == nil {
		h = c.unhandled
	}
	c.fallback = h
}

// Subscriptions returns a snapshot of the active subscriptions,
// as topic and server-issued subscription identifier
func (c *Client) Subscriptions() iter.Seq2[string, any] {
	return c.subs.Active()
}

// Subscription returns the identifier of the active subscription to topic
func (c *Client) Subscription(topic string) (any, bool) {
	return c.subs.Lookup(topic)
}

// Pending returns the amount of calls awaiting a response
func (c *Client) Pending() int {
	return c.calls.Len()
}

func (c *Client) unhandled(n *Notification) {
	c.log.Warn("unhandled notification", slog.String("method", n.Method), slog.String("topic", n.Topic))
}

func reserved(method string) bool {
	return strings.HasPrefix(method, protocol.SubscribePrefix) ||
		strings.HasPrefix(method, protocol.UnsubscribePrefix)
}
