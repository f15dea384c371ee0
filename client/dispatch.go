package client

import (
	"context"
	"fmt"
	"log/slog"

	"go.arsenm.dev/subrpc/internal/pending"
	"go.arsenm.dev/subrpc/protocol"
	"go.arsenm.dev/subrpc/transport"
)

// readLoop reads frames from the transport and dispatches them
// one at a time, in arrival order, until the transport fails
func (c *Client) readLoop(ctx context.Context, tr transport.Transport) {
	defer close(c.readDone)

	for {
		data, err := tr.Recv(ctx)
		if err != nil {
			c.connectionLost(ctx, err)
			return
		}

		c.dispatch(protocol.Decode(c.codec, data))
	}
}

// dispatch routes a single frame
func (c *Client) dispatch(f protocol.Frame) {
	c.metrics.Frame(f.Kind.String())

	switch f.Kind {
	case protocol.KindResponse, protocol.KindError:
		c.dispatchResponse(f)
	case protocol.KindNotification:
		c.dispatchNotification(f)
	default:
		c.reportProtocolError(&ProtocolError{
			Reason: ReasonMalformed,
			Detail: f.Reason,
			Raw:    f.Raw,
		})
	}
}

func (c *Client) dispatchResponse(f protocol.Frame) {
	// An error with a null id cannot be matched with any call
	if f.ID == nil {
		c.reportProtocolError(&ProtocolError{
			Reason: ReasonUncorrelated,
			Raw:    f.Raw,
			Err:    f.Error,
		})
		return
	}

	call, err := c.calls.Pop(f.ID)
	if err != nil {
		c.reportProtocolError(&ProtocolError{
			Reason: ReasonUnknownID,
			ID:     f.ID,
			Raw:    f.Raw,
			Err:    err,
		})
		return
	}
	c.metrics.SetPending(c.calls.Len())

	if f.Kind == protocol.KindError {
		call.Complete(pending.Outcome{Err: f.Error})
		return
	}

	// The subscription must be active before the next frame is
	// dispatched, since it may already be a notification for it
	if topic, ok := protocol.SubscribeTopic(call.Method); ok {
		if err := c.confirm(topic, f.Result); err != nil {
			call.Complete(pending.Outcome{Err: err})
			return
		}
	}

	call.Complete(pending.Outcome{Result: f.Result})
}

func (c *Client) dispatchNotification(f protocol.Frame) {
	n := &Notification{
		Method: f.Method,
		Params: f.Params,
	}
	if topic, ok := c.topicOf(f.Method); ok {
		n.Topic = topic
	}
	unwrapSubscription(n)

	h, handled := c.route(n)
	if handled {
		c.metrics.Notification(n.Topic, true)
	} else {
		c.metrics.Notification("", false)
	}

	c.invoke(h, n)
}

// route returns the handler for a notification, and whether
// it is a topic handler rather than the fallback
func (c *Client) route(n *Notification) (Handler, bool) {
	c.handlerMtx.RLock()
	defer c.handlerMtx.RUnlock()

	if n.Topic == "" {
		return c.fallback, false
	}

	subID, active := c.subs.Lookup(n.Topic)
	if !active {
		return c.fallback, false
	}

	// Notifications for a previous subscription to the same topic
	if n.Subscription != nil && !protocol.SameID(n.Subscription, subID) {
		return c.fallback, false
	}

	h, ok := c.handlers[n.Topic]
	if !ok {
		return c.fallback, false
	}
	return h, true
}

// invoke calls a handler, making sure a panicking handler
// cannot stop the dispatch loop
func (c *Client) invoke(h Handler, n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(
				"notification handler panicked",
				slog.String("method", n.Method),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h(n)
}

// unwrapSubscription handles params of the form
// {"subscription": <id>, "result": <value>}
func unwrapSubscription(n *Notification) {
	obj, ok := n.Params.(map[string]any)
	if !ok || len(obj) != 2 {
		return
	}

	subID, hasSub := obj["subscription"]
	result, hasResult := obj["result"]
	if !hasSub || !hasResult || !protocol.ValidID(subID) {
		return
	}

	n.Subscription = subID
	n.Params = result
}

func (c *Client) reportProtocolError(perr *ProtocolError) {
	c.metrics.ProtocolError(perr.Reason)

	attrs := []any{slog.String("reason", perr.Reason)}
	if perr.Detail != "" {
		attrs = append(attrs, slog.String("detail", perr.Detail))
	}
	if perr.ID != nil {
		attrs = append(attrs, slog.Any("id", perr.ID))
	}
	if perr.Err != nil {
		attrs = append(attrs, slog.String("error", perr.Err.Error()))
	}
	c.log.Warn("dropped frame", attrs...)

	if c.onProtocolErr != nil {
		c.onProtocolErr(perr)
	}
}
