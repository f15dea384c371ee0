package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.arsenm.dev/subrpc/protocol"
)

// State is the lifecycle state of a client
type State uint8

const (
	Disconnected State = iota
	Connecting
	Ready
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting down"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// State returns the current state of the client
func (c *Client) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Done returns a channel that is closed once the client is closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client closed, or nil if it was
// closed by Shutdown or is still running
func (c *Client) Err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.err
}

// Start connects using dial, then subscribes to the configured
// topics in the background. It returns once the client is ready,
// or with a *TransportError if the connection could not be
// established, in which case Start may be called again.
func (c *Client) Start(ctx context.Context, dial DialFunc) error {
	c.mtx.Lock()
	if c.state != Disconnected {
		c.mtx.Unlock()
		return &StateError{Op: "start", Err: ErrAlreadyStarted}
	}
	c.state = Connecting
	c.mtx.Unlock()

	c.log.Debug("connecting")

	tr, err := dial(ctx)
	if err != nil {
		c.mtx.Lock()
		c.state = Disconnected
		c.mtx.Unlock()
		return &TransportError{Op: "dial", Err: err}
	}

	c.mtx.Lock()
	c.tr = tr
	// The connection outlives ctx, it only ends with the client
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.readDone = make(chan struct{})
	c.state = Ready
	// Startup subscribes count as in flight from now on,
	// so that shutdown waits for them
	c.inflight.Add(len(c.topics))
	c.mtx.Unlock()

	go c.readLoop(c.ctx, tr)

	c.log.Info("client ready", slog.Int("topics", len(c.topics)))

	// Every topic is subscribed independently, so a failure
	// never holds back the others
	for _, t := range c.topics {
		go func() {
			defer c.inflight.Done()
			if err := c.subscribe(c.ctx, t.Name, t.Params); err != nil {
				c.log.Error("subscribe failed", slog.String("topic", t.Name), slog.String("error", err.Error()))
			}
		}()
	}

	return nil
}

// Run starts the client and blocks until ctx is cancelled, at which
// point the client is shut down, or until the connection is lost.
// It returns nil after an orderly shutdown.
func (c *Client) Run(ctx context.Context, dial DialFunc) error {
	if err := c.Start(ctx, dial); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		c.Shutdown(context.WithoutCancel(ctx))
	case <-c.done:
	}

	// Shutdown may have been started elsewhere
	<-c.done
	return c.Err()
}

// Shutdown cancels every active subscription and closes the client.
// It waits at most for the configured grace period for the server to
// acknowledge, after which remaining subscriptions are dropped locally.
// Calling Shutdown while the client is already shutting down or closed
// does nothing.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mtx.Lock()
	switch c.state {
	case Ready:
		c.state = ShuttingDown
	case Disconnected:
		c.mtx.Unlock()
		c.finish(nil)
		return nil
	case Connecting:
		c.mtx.Unlock()
		return &StateError{Op: "shutdown", Err: ErrNotReady}
	default:
		c.mtx.Unlock()
		return nil
	}
	readDone := c.readDone
	c.mtx.Unlock()

	c.log.Info("shutting down", slog.Int("subscriptions", c.subs.Len()))

	ctx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	c.waitInflight(ctx)
	c.unsubscribeAll(ctx)

	// Whatever the server did not acknowledge in time is abandoned
	if n := c.subs.Clear(); n > 0 {
		c.log.Warn("abandoned subscriptions", slog.Int("count", n))
	}

	c.finish(nil)
	<-readDone

	c.log.Info("client closed")
	return nil
}

// Subscribe subscribes to topic. Once it returns without error,
// notifications for topic are delivered to its handler until the
// subscription is cancelled.
func (c *Client) Subscribe(ctx context.Context, topic string, params any) error {
	c.mtx.Lock()
	if c.state != Ready {
		c.mtx.Unlock()
		return &StateError{Op: "subscribe", Topic: topic, Err: ErrNotReady}
	}
	c.inflight.Add(1)
	c.mtx.Unlock()
	defer c.inflight.Done()

	return c.subscribe(ctx, topic, params)
}

func (c *Client) subscribe(ctx context.Context, topic string, params any) error {
	if topic == "" {
		return &StateError{Op: "subscribe", Err: ErrEmptyTopic}
	}

	if err := c.subs.MarkPending(topic); err != nil {
		return &StateError{Op: "subscribe", Topic: topic, Err: err}
	}

	// The dispatcher confirms the subscription when the response arrives
	_, err := c.call(ctx, protocol.SubscribeMethod(topic), params)
	if err != nil {
		c.subs.Cancel(topic)
		return err
	}

	subID, _ := c.subs.Lookup(topic)
	c.log.Info("subscribed", slog.String("topic", topic), slog.Any("subscription", subID))
	return nil
}

// confirm activates the subscription to topic. It is
// called by the dispatcher.
func (c *Client) confirm(topic string, result any) error {
	if !protocol.ValidID(result) {
		return &StateError{Op: "subscribe", Topic: topic, Err: ErrInvalidResult}
	}

	if err := c.subs.Confirm(topic, result); err != nil {
		return &StateError{Op: "subscribe", Topic: topic, Err: err}
	}

	c.metrics.SetActive(c.subs.Len())
	return nil
}

// Unsubscribe cancels the active subscription to topic
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	subID, ok := c.subs.Lookup(topic)
	if !ok {
		return &StateError{Op: "unsubscribe", Topic: topic, Err: ErrNotSubscribed}
	}
	return c.unsubscribe(ctx, topic, subID)
}

func (c *Client) unsubscribe(ctx context.Context, topic string, subID any) error {
	_, err := c.call(ctx, protocol.UnsubscribeMethod(topic), protocol.UnsubscribeParams(subID))
	if err != nil {
		return err
	}

	c.subs.Remove(topic, subID)
	c.metrics.SetActive(c.subs.Len())
	return nil
}

// waitInflight waits for in-flight subscribe calls to settle
func (c *Client) waitInflight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("gave up waiting for subscribe calls")
	}
}

// unsubscribeAll unsubscribes from every active subscription,
// with at most maxUnsub calls in flight
func (c *Client) unsubscribeAll(ctx context.Context) {
	sem := make(chan struct{}, c.maxUnsub)
	wg := sync.WaitGroup{}

loop:
	for topic, subID := range c.subs.Active() {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := c.unsubscribe(ctx, topic, subID); err != nil {
				c.log.Warn("unsubscribe failed", slog.String("topic", topic), slog.String("error", err.Error()))
				return
			}
			c.log.Info("unsubscribed", slog.String("topic", topic))
		}()
	}

	wg.Wait()
}

// connectionLost is called by the read loop when the transport fails
func (c *Client) connectionLost(ctx context.Context, err error) {
	// The client closed the transport itself
	if ctx.Err() != nil {
		return
	}

	c.log.Error("connection lost", slog.String("error", err.Error()))
	c.finish(&TransportError{Op: "recv", Err: fmt.Errorf("%w: %w", ErrConnectionLost, err)})
}

// finish closes the client. Outstanding calls are resolved
// with cause, or ErrClientClosed if cause is nil.
func (c *Client) finish(cause error) {
	c.closeOnce.Do(func() {
		c.mtx.Lock()
		c.state = Closed
		c.err = cause
		tr, cancel := c.tr, c.cancel
		c.mtx.Unlock()

		if cancel != nil {
			cancel()
		}
		if tr != nil {
			tr.Close()
		}

		drainErr := cause
		if drainErr == nil {
			drainErr = &StateError{Op: "call", Err: ErrClientClosed}
		}
		if n := c.calls.DrainAll(drainErr); n > 0 {
			c.log.Debug("drained pending calls", slog.Int("count", n))
		}
		c.subs.Clear()

		c.metrics.SetPending(0)
		c.metrics.SetActive(0)

		close(c.done)
	})
}
