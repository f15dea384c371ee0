package client

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.arsenm.dev/subrpc/codec"
	"go.arsenm.dev/subrpc/internal/fakeserver"
	"go.arsenm.dev/subrpc/internal/pending"
	"go.arsenm.dev/subrpc/metrics"
	"go.arsenm.dev/subrpc/protocol"
	"go.arsenm.dev/subrpc/transport"
)

func fixedID(id any) fakeserver.Option {
	return fakeserver.WithSubscriptionIDs(func(string, int) any { return id })
}

// connect serves one end of a pipe with srv and returns a dial
// function for the other end
func connect(t *testing.T, srv *fakeserver.Server) DialFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cEnd, sEnd := transport.Pipe()
	go srv.ServeConn(ctx, sEnd)
	<-srv.Connections()

	return func(context.Context) (transport.Transport, error) {
		return cEnd, nil
	}
}

// start creates a client connected to srv
func start(t *testing.T, srv *fakeserver.Server, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithShutdownGrace(time.Second),
	}, opts...)

	c := New(opts...)
	if err := c.Start(context.Background(), connect(t, srv)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Shutdown(context.Background()) })

	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func active(c *Client, topic string) func() bool {
	return func() bool {
		_, ok := c.Subscription(topic)
		return ok
	}
}

func recvNote(t *testing.T, ch <-chan *Notification) *Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestSubscribe(t *testing.T) {
	srv := fakeserver.New(fixedID("sub-42"))
	srv.RegisterTopic("order_book")
	c := start(t, srv)

	ctx := context.Background()
	if err := c.Subscribe(ctx, "order_book", nil); err != nil {
		t.Fatal(err)
	}

	// The subscription is active as soon as Subscribe returns
	subID, ok := c.Subscription("order_book")
	if !ok {
		t.Fatal("expected order_book to be active")
	}
	if subID != "sub-42" {
		t.Errorf("expected sub-42, got %v", subID)
	}

	err := c.Subscribe(ctx, "order_book", nil)
	if !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("expected ErrAlreadySubscribed, got %v", err)
	}

	// Only the first attempt reaches the server
	if n := len(srv.Calls("subscribe_order_book")); n != 1 {
		t.Errorf("expected 1 subscribe call, got %d", n)
	}
}

func TestNotification(t *testing.T) {
	srv := fakeserver.New(fixedID("sub-42"))
	srv.RegisterTopic("order_book")

	notes := make(chan *Notification, 1)
	c := start(t, srv, WithTopics(Topic{Name: "order_book"}))
	c.Handle("order_book", func(n *Notification) { notes <- n })

	waitFor(t, "order_book subscription", active(c, "order_book"))

	_, err := srv.Publish(context.Background(), "order_book", map[string]any{"bids": []any{}})
	if err != nil {
		t.Fatal(err)
	}

	n := recvNote(t, notes)
	if n.Topic != "order_book" || n.Method != "s_order_book" {
		t.Errorf("unexpected topic %q and method %q", n.Topic, n.Method)
	}

	if !reflect.DeepEqual(n.Params, map[string]any{"bids": []any{}}) {
		t.Errorf("unexpected params: %v", n.Params)
	}
}

func TestRunShutdown(t *testing.T) {
	srv := fakeserver.New(fixedID("sub-42"))
	srv.RegisterTopic("order_book")

	c := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithTopics(Topic{Name: "order_book"}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	dial := connect(t, srv)
	go func() { errCh <- c.Run(ctx, dial) }()

	waitFor(t, "order_book subscription", active(c, "order_book"))

	// Cancelling the context stands in for a termination signal
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	calls := srv.Calls("unsubscribe_order_book")
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 unsubscribe call, got %d", len(calls))
	}
	if !reflect.DeepEqual(calls[0].Params, map[string]any{"id": "sub-42"}) {
		t.Errorf("unexpected unsubscribe params: %v", calls[0].Params)
	}

	if c.State() != Closed {
		t.Errorf("expected closed, got %s", c.State())
	}
	if _, ok := c.Subscription("order_book"); ok {
		t.Error("expected no subscriptions after shutdown")
	}
}

func TestUnknownResponseID(t *testing.T) {
	srv := fakeserver.New()
	srv.Register("hello_method", func(any) (any, *protocol.Error) {
		return "hello", nil
	})

	perrs := make(chan *ProtocolError, 1)
	c := start(t, srv, WithProtocolErrorHandler(func(perr *ProtocolError) { perrs <- perr }))

	ctx := context.Background()
	err := srv.SendRaw(ctx, []byte(`{"jsonrpc":"2.0","id":"nobody","result":1}`))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case perr := <-perrs:
		if perr.Reason != ReasonUnknownID {
			t.Errorf("expected %s, got %s", ReasonUnknownID, perr.Reason)
		}
		if perr.ID != "nobody" {
			t.Errorf("expected id nobody, got %v", perr.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error was not reported")
	}

	// Dispatch carries on
	var out string
	if err = c.Call(ctx, "hello_method", nil, &out); err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("expected hello, got %q", out)
	}
}

func TestMalformedFrames(t *testing.T) {
	type testCase struct {
		name   string
		frame  string
		reason string
	}

	cases := []testCase{
		{"not json", `{"jsonrpc":`, ReasonMalformed},
		{"batch", `[{"jsonrpc":"2.0","method":"s_x"}]`, ReasonMalformed},
		{"bad version", `{"jsonrpc":"1.0","method":"s_x"}`, ReasonMalformed},
		{"no outcome", `{"jsonrpc":"2.0","id":1}`, ReasonMalformed},
		{"both outcomes", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"x"}}`, ReasonMalformed},
		{"null id error", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, ReasonUncorrelated},
	}

	srv := fakeserver.New()
	srv.Register("hello_method", func(any) (any, *protocol.Error) {
		return "hello", nil
	})

	perrs := make(chan *ProtocolError, len(cases))
	c := start(t, srv, WithProtocolErrorHandler(func(perr *ProtocolError) { perrs <- perr }))

	ctx := context.Background()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := srv.SendRaw(ctx, []byte(tc.frame)); err != nil {
				t.Fatal(err)
			}

			select {
			case perr := <-perrs:
				if perr.Reason != tc.reason {
					t.Errorf("expected %s, got %s", tc.reason, perr.Reason)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("protocol error was not reported")
			}
		})
	}

	if err := c.Call(ctx, "hello_method", nil, nil); err != nil {
		t.Errorf("call after malformed frames: %v", err)
	}
}

func TestCallError(t *testing.T) {
	srv := fakeserver.New()
	c := start(t, srv)

	err := c.Call(context.Background(), "missing_method", nil, nil)

	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *protocol.Error, got %v", err)
	}
	if rpcErr.Code != protocol.CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", protocol.CodeMethodNotFound, rpcErr.Code)
	}
}

func TestCallReserved(t *testing.T) {
	srv := fakeserver.New()
	c := start(t, srv)

	for _, method := range []string{"subscribe_order_book", "unsubscribe_order_book"} {
		err := c.Call(context.Background(), method, nil, nil)
		if !errors.Is(err, ErrReservedMethod) {
			t.Errorf("%s: expected ErrReservedMethod, got %v", method, err)
		}

		err = c.Notify(context.Background(), method, nil)
		if !errors.Is(err, ErrReservedMethod) {
			t.Errorf("%s: expected ErrReservedMethod from Notify, got %v", method, err)
		}
	}

	if n := len(srv.Requests()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestCallNotReady(t *testing.T) {
	c := New(WithLogger(slog.New(slog.DiscardHandler)))

	err := c.Call(context.Background(), "hello_method", nil, nil)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}

	if err = c.Subscribe(context.Background(), "order_book", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestCallContext(t *testing.T) {
	srv := fakeserver.New()
	srv.Ignore("slow_method")
	c := start(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "slow_method", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected abandoned call to be removed, %d pending", c.Pending())
	}
}

func TestConnectionLost(t *testing.T) {
	srv := fakeserver.New()
	srv.Ignore("slow_method")

	cEnd, sEnd := transport.Pipe()
	go srv.ServeConn(context.Background(), sEnd)

	c := New(WithLogger(slog.New(slog.DiscardHandler)))
	err := c.Start(context.Background(), func(context.Context) (transport.Transport, error) {
		return cEnd, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "slow_method", nil, nil) }()

	waitFor(t, "slow_method call", func() bool { return len(srv.Calls("slow_method")) == 1 })

	// Closing the server end closes the connection
	sEnd.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not resolved")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not close")
	}

	var terr *TransportError
	if !errors.As(c.Err(), &terr) {
		t.Errorf("expected *TransportError, got %v", c.Err())
	}
	if c.State() != Closed {
		t.Errorf("expected closed, got %s", c.State())
	}

	err = c.Call(context.Background(), "slow_method", nil, nil)
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func TestStartupIndependent(t *testing.T) {
	srv := fakeserver.New()
	srv.RegisterTopic("order_book", "recent_trades", "heartbeat")
	srv.FailSubscribe("recent_trades", &protocol.Error{Code: -32000, Message: "unavailable"})

	c := start(t, srv, WithTopics(
		Topic{Name: "order_book"},
		Topic{Name: "recent_trades"},
		Topic{Name: "heartbeat"},
	))

	waitFor(t, "order_book subscription", active(c, "order_book"))
	waitFor(t, "heartbeat subscription", active(c, "heartbeat"))
	waitFor(t, "recent_trades attempt", func() bool {
		return len(srv.Calls("subscribe_recent_trades")) == 1
	})

	if _, ok := c.Subscription("recent_trades"); ok {
		t.Error("expected recent_trades to be inactive")
	}

	n := 0
	for range c.Subscriptions() {
		n++
	}
	if n != 2 {
		t.Errorf("expected 2 active subscriptions, got %d", n)
	}
}

func TestShutdownGrace(t *testing.T) {
	srv := fakeserver.New()
	srv.RegisterTopic("order_book")
	srv.Ignore("unsubscribe_order_book")

	c := start(t, srv, WithShutdownGrace(50*time.Millisecond))
	if err := c.Subscribe(context.Background(), "order_book", nil); err != nil {
		t.Fatal(err)
	}

	begin := time.Now()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("shutdown took %s", elapsed)
	}

	if _, ok := c.Subscription("order_book"); ok {
		t.Error("expected unacknowledged subscription to be dropped")
	}
	if c.State() != Closed {
		t.Errorf("expected closed, got %s", c.State())
	}
}

func TestShutdownTwice(t *testing.T) {
	srv := fakeserver.New()
	c := start(t, srv)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
	if c.Err() != nil {
		t.Errorf("expected nil error after shutdown, got %v", c.Err())
	}

	err := c.Start(context.Background(), func(context.Context) (transport.Transport, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	c := New(WithLogger(slog.New(slog.DiscardHandler)))

	refused := errors.New("connection refused")
	err := c.Start(context.Background(), func(context.Context) (transport.Transport, error) {
		return nil, refused
	})

	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("expected dial *TransportError, got %v", err)
	}
	if !errors.Is(err, refused) {
		t.Errorf("expected cause to be kept, got %v", err)
	}
	if c.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}

	// Starting again is allowed
	srv := fakeserver.New()
	if err = c.Start(context.Background(), connect(t, srv)); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown(context.Background())

	if c.State() != Ready {
		t.Errorf("expected ready, got %s", c.State())
	}
}

func TestFallback(t *testing.T) {
	srv := fakeserver.New(fixedID("sub-1"))
	srv.RegisterTopic("order_book")

	fallback := make(chan *Notification, 2)
	c := start(t, srv)
	c.HandleFallback(func(n *Notification) { fallback <- n })

	ctx := context.Background()

	// Not subscribed to anything yet
	err := srv.SendRaw(ctx, []byte(`{"jsonrpc":"2.0","method":"s_order_book","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if n := recvNote(t, fallback); n.Topic != "order_book" {
		t.Errorf("expected order_book, got %q", n.Topic)
	}

	if err = c.Subscribe(ctx, "order_book", nil); err != nil {
		t.Fatal(err)
	}

	// Subscribed but no handler registered
	if _, err = srv.Publish(ctx, "order_book", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	recvNote(t, fallback)

	// A method outside the naming convention
	err = srv.SendRaw(ctx, []byte(`{"jsonrpc":"2.0","method":"system_health"}`))
	if err != nil {
		t.Fatal(err)
	}
	if n := recvNote(t, fallback); n.Topic != "" || n.Method != "system_health" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestWrappedNotifications(t *testing.T) {
	srv := fakeserver.New(fixedID("sub-7"), fakeserver.WithWrappedNotifications())
	srv.RegisterTopic("candle_data")

	notes := make(chan *Notification, 1)
	fallback := make(chan *Notification, 1)
	c := start(t, srv)
	c.Handle("candle_data", func(n *Notification) { notes <- n })
	c.HandleFallback(func(n *Notification) { fallback <- n })

	ctx := context.Background()
	if err := c.Subscribe(ctx, "candle_data", map[string]any{"interval": "ONE_MINUTE"}); err != nil {
		t.Fatal(err)
	}

	if _, err := srv.Publish(ctx, "candle_data", map[string]any{"close": 3}); err != nil {
		t.Fatal(err)
	}

	n := recvNote(t, notes)
	if n.Subscription != "sub-7" {
		t.Errorf("expected subscription sub-7, got %v", n.Subscription)
	}

	var candle struct {
		Close int `json:"close"`
	}
	if err := n.Decode(&candle); err != nil {
		t.Fatal(err)
	}
	if candle.Close != 3 {
		t.Errorf("expected close 3, got %d", candle.Close)
	}

	// A notification for another subscription to the same topic
	err := srv.SendRaw(ctx, []byte(`{"jsonrpc":"2.0","method":"s_candle_data","params":{"subscription":"sub-6","result":{}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if n := recvNote(t, fallback); n.Subscription != "sub-6" {
		t.Errorf("expected stale subscription sub-6, got %v", n.Subscription)
	}
}

func TestHandlerPanic(t *testing.T) {
	srv := fakeserver.New()
	srv.RegisterTopic("heartbeat")

	var calls atomic.Int32
	notes := make(chan *Notification, 1)
	c := start(t, srv)
	c.Handle("heartbeat", func(n *Notification) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		notes <- n
	})

	ctx := context.Background()
	if err := c.Subscribe(ctx, "heartbeat", nil); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if _, err := srv.Publish(ctx, "heartbeat", nil); err != nil {
			t.Fatal(err)
		}
	}

	recvNote(t, notes)
	if calls.Load() != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := fakeserver.New()
	srv.RegisterTopic("recent_trades")
	c := start(t, srv)

	ctx := context.Background()
	if err := c.Unsubscribe(ctx, "recent_trades"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed, got %v", err)
	}

	if err := c.Subscribe(ctx, "recent_trades", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Unsubscribe(ctx, "recent_trades"); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Subscription("recent_trades"); ok {
		t.Error("expected recent_trades to be inactive")
	}
	if srv.Subscriptions() != 0 {
		t.Errorf("expected server to hold no subscriptions, got %d", srv.Subscriptions())
	}

	// Subscribing again gets a new subscription
	if err := c.Subscribe(ctx, "recent_trades", nil); err != nil {
		t.Fatal(err)
	}
}

func TestNotificationPrefix(t *testing.T) {
	srv := fakeserver.New(fakeserver.WithPrefix(""))
	srv.RegisterTopic("live_price_data")

	notes := make(chan *Notification, 1)
	c := start(t, srv, WithNotificationPrefix(""))
	c.Handle("live_price_data", func(n *Notification) { notes <- n })

	ctx := context.Background()
	if err := c.Subscribe(ctx, "live_price_data", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Publish(ctx, "live_price_data", map[string]any{"price": 1.5}); err != nil {
		t.Fatal(err)
	}

	if n := recvNote(t, notes); n.Method != "live_price_data" {
		t.Errorf("expected live_price_data, got %q", n.Method)
	}
}

func TestMsgpack(t *testing.T) {
	srv := fakeserver.New(fakeserver.WithCodec(codec.Msgpack), fixedID(uint64(9)))
	srv.RegisterTopic("order_book")
	srv.Register("hello_method", func(params any) (any, *protocol.Error) {
		return params, nil
	})

	notes := make(chan *Notification, 1)
	c := start(t, srv, WithCodec(codec.Msgpack), WithIDGenerator(&protocol.CounterGenerator{}))
	c.Handle("order_book", func(n *Notification) { notes <- n })

	ctx := context.Background()
	if err := c.Subscribe(ctx, "order_book", nil); err != nil {
		t.Fatal(err)
	}

	subID, _ := c.Subscription("order_book")
	if !protocol.SameID(subID, 9) {
		t.Errorf("expected subscription 9, got %v", subID)
	}

	var echo []int
	if err := c.Call(ctx, "hello_method", []int{1, 2}, &echo); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(echo, []int{1, 2}) {
		t.Errorf("expected [1 2], got %v", echo)
	}

	if _, err := srv.Publish(ctx, "order_book", map[string]any{"asks": []any{}}); err != nil {
		t.Fatal(err)
	}
	recvNote(t, notes)
}

func TestMetrics(t *testing.T) {
	srv := fakeserver.New()
	srv.RegisterTopic("order_book")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	notes := make(chan *Notification, 1)
	c := start(t, srv, WithMetrics(m))
	c.Handle("order_book", func(n *Notification) { notes <- n })

	ctx := context.Background()
	if err := c.Subscribe(ctx, "order_book", nil); err != nil {
		t.Fatal(err)
	}
	if v := testutil.ToFloat64(m.ActiveSubscriptions); v != 1 {
		t.Errorf("expected 1 active subscription, got %v", v)
	}

	if _, err := srv.Publish(ctx, "order_book", nil); err != nil {
		t.Fatal(err)
	}
	recvNote(t, notes)

	if v := testutil.ToFloat64(m.Notifications.WithLabelValues("order_book", "true")); v != 1 {
		t.Errorf("expected 1 handled notification, got %v", v)
	}
	if v := testutil.ToFloat64(m.PendingCalls); v != 0 {
		t.Errorf("expected no pending calls, got %v", v)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if v := testutil.ToFloat64(m.ActiveSubscriptions); v != 0 {
		t.Errorf("expected no active subscriptions, got %v", v)
	}
}

func TestRateLimit(t *testing.T) {
	srv := fakeserver.New()
	srv.Register("hello_method", func(any) (any, *protocol.Error) { return nil, nil })

	// One call immediately, then one every 20ms
	c := start(t, srv, WithRateLimit(50, 1))

	ctx := context.Background()
	begin := time.Now()
	for range 3 {
		if err := c.Call(ctx, "hello_method", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(begin); elapsed < 30*time.Millisecond {
		t.Errorf("expected calls to be limited, took %s", elapsed)
	}
}

func TestNotify(t *testing.T) {
	srv := fakeserver.New()
	c := start(t, srv)

	if err := c.Notify(context.Background(), "client_ping", map[string]any{"seq": 1}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "client_ping", func() bool { return len(srv.Calls("client_ping")) == 1 })

	req := srv.Calls("client_ping")[0]
	if req.ID != nil {
		t.Errorf("expected no id, got %v", req.ID)
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending calls, got %d", c.Pending())
	}
}

func TestShutdownZeroGrace(t *testing.T) {
	srv := fakeserver.New(fixedID("sub-42"))
	srv.RegisterTopic("order_book")

	c := start(t, srv, WithShutdownGrace(0))
	if err := c.Subscribe(context.Background(), "order_book", nil); err != nil {
		t.Fatal(err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A zero grace falls back to the default, so unsubscribe is still sent
	if n := len(srv.Calls("unsubscribe_order_book")); n != 1 {
		t.Errorf("expected 1 unsubscribe call, got %d", n)
	}
}

func TestAwaitTakenCall(t *testing.T) {
	c := New(WithLogger(slog.New(slog.DiscardHandler)))

	call, err := c.calls.Register("x", "subscribe_order_book")
	if err != nil {
		t.Fatal(err)
	}

	// The dispatcher took the call before the caller gave up
	taken, err := c.calls.Pop("x")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		taken.Complete(pending.Outcome{Result: "sub-42"})
	}()

	out, err := c.await(ctx, call)
	if err != nil {
		t.Fatalf("expected the delivered outcome, got %v", err)
	}
	if out.Result != "sub-42" {
		t.Errorf("expected sub-42, got %v", out.Result)
	}
}

func TestAwaitAbandoned(t *testing.T) {
	c := New(WithLogger(slog.New(slog.DiscardHandler)))

	call, err := c.calls.Register("x", "hello_method")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err = c.await(ctx, call); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected abandoned call to be removed, %d pending", c.Pending())
	}
}
