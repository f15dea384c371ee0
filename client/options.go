package client

import (
	"log/slog"
	"strings"
	"time"

	"go.arsenm.dev/subrpc/codec"
	"go.arsenm.dev/subrpc/metrics"
	"go.arsenm.dev/subrpc/protocol"
	"golang.org/x/time/rate"
)

// Default values of client options
const (
	DefaultShutdownGrace             = 5 * time.Second
	DefaultMaxConcurrentUnsubscribes = 8
)

// Topic is a topic subscribed to when the client becomes ready
type Topic struct {
	Name   string
	Params any
}

// TopicFunc recovers the topic of a notification from its method
// name, and returns false if the method does not belong to a topic
type TopicFunc func(method string) (topic string, ok bool)

// PrefixTopicFunc returns a TopicFunc stripping prefix from the
// method name. An empty prefix means the method name is the topic.
func PrefixTopicFunc(prefix string) TopicFunc {
	return func(method string) (string, bool) {
		topic, ok := strings.CutPrefix(method, prefix)
		return topic, ok && topic != ""
	}
}

// Option configures a client
type Option func(*Client)

// WithCodec sets the codec used to encode and decode messages
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithIDGenerator sets the generator of request identifiers
func WithIDGenerator(g protocol.IDGenerator) Option {
	return func(cl *Client) { cl.ids = g }
}

// WithLogger sets the logger used by the client
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// WithMetrics sets the collectors updated by the client
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithNotificationPrefix sets the prefix of notification
// method names, "s_" by default
func WithNotificationPrefix(prefix string) Option {
	return func(cl *Client) { cl.topicOf = PrefixTopicFunc(prefix) }
}

// WithTopicFunc sets an arbitrary transform from notification
// method names to topics
func WithTopicFunc(fn TopicFunc) Option {
	return func(cl *Client) { cl.topicOf = fn }
}

// WithTopics sets the topics subscribed to on startup
func WithTopics(topics ...Topic) Option {
	return func(cl *Client) { cl.topics = append(cl.topics, topics...) }
}

// WithShutdownGrace sets how long shutdown waits for the
// server to acknowledge unsubscribe calls. A zero or negative
// duration means DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) Option {
	return func(cl *Client) { cl.grace = d }
}

// WithMaxConcurrentUnsubscribes bounds the amount of unsubscribe
// calls in flight during shutdown
func WithMaxConcurrentUnsubscribes(n int) Option {
	return func(cl *Client) { cl.maxUnsub = n }
}

// WithRateLimit limits the rate at which calls are sent
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(limit, burst) }
}

// WithProtocolErrorHandler sets a function called for every
// frame dropped because of a protocol error. It is called
// from the dispatch goroutine, and must not block.
func WithProtocolErrorHandler(fn func(*ProtocolError)) Option {
	return func(cl *Client) { cl.onProtocolErr = fn }
}
