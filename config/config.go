// Package config loads the YAML configuration of subrpc programs
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.arsenm.dev/subrpc/client"
	"go.arsenm.dev/subrpc/codec"
	"go.arsenm.dev/subrpc/protocol"
	"go.arsenm.dev/subrpc/transport"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// TokenEnv overrides the configured token when set
const TokenEnv = "SUBRPC_TOKEN"

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid config")

// Topic is a topic subscribed to on startup
type Topic struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// Config is the configuration of a subrpc client
type Config struct {
	URL       string `yaml:"url"`
	Origin    string `yaml:"origin"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	Codec     string `yaml:"codec"`

	// A nil prefix keeps the default. An empty one means
	// notification methods are the bare topic names.
	NotificationPrefix *string `yaml:"notification_prefix"`

	ShutdownGrace             time.Duration `yaml:"shutdown_grace"`
	MaxConcurrentUnsubscribes int           `yaml:"max_concurrent_unsubscribes"`
	CallsPerSecond            float64       `yaml:"calls_per_second"`
	CallBurst                 int           `yaml:"call_burst"`

	MetricsAddr string  `yaml:"metrics_addr"`
	HTTPURL     string  `yaml:"http_url"`
	Topics      []Topic `yaml:"topics"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		URL:                       "ws://localhost:8990",
		Codec:                     codec.JSON.Name(),
		ShutdownGrace:             client.DefaultShutdownGrace,
		MaxConcurrentUnsubscribes: client.DefaultMaxConcurrentUnsubscribes,
	}
}

// Load reads the configuration at path. Missing values keep
// their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse parses a YAML configuration, applies environment
// overrides and validates the result
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.resolveToken(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolveToken() error {
	if token := strings.TrimSpace(os.Getenv(TokenEnv)); token != "" {
		c.Token = token
		return nil
	}

	if c.Token == "" && c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return fmt.Errorf("read token file: %w", err)
		}
		c.Token = strings.TrimSpace(string(data))
	}
	return nil
}

// Validate checks the configuration for invalid values
func (c Config) Validate() error {
	if err := checkURL(c.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: url: %w", ErrInvalid, err)
	}
	if c.HTTPURL != "" {
		if err := checkURL(c.HTTPURL, "http", "https"); err != nil {
			return fmt.Errorf("%w: http_url: %w", ErrInvalid, err)
		}
	}

	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch {
	case c.ShutdownGrace <= 0:
		return fmt.Errorf("%w: shutdown_grace must be positive", ErrInvalid)
	case c.MaxConcurrentUnsubscribes < 0:
		return fmt.Errorf("%w: max_concurrent_unsubscribes must not be negative", ErrInvalid)
	case c.CallsPerSecond < 0:
		return fmt.Errorf("%w: calls_per_second must not be negative", ErrInvalid)
	case c.CallBurst < 0:
		return fmt.Errorf("%w: call_burst must not be negative", ErrInvalid)
	}

	seen := map[string]struct{}{}
	for i, topic := range c.Topics {
		if topic.Name == "" {
			return fmt.Errorf("%w: topics[%d]: name is required", ErrInvalid, i)
		}
		if strings.HasPrefix(topic.Name, protocol.SubscribePrefix) || strings.HasPrefix(topic.Name, protocol.UnsubscribePrefix) {
			return fmt.Errorf("%w: topics[%d]: %q must not include the method prefix", ErrInvalid, i, topic.Name)
		}
		if _, ok := seen[topic.Name]; ok {
			return fmt.Errorf("%w: topics[%d]: duplicate topic %q", ErrInvalid, i, topic.Name)
		}
		seen[topic.Name] = struct{}{}
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return errors.New("host is required")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// ClientOptions returns the client options described by the configuration
func (c Config) ClientOptions() []client.Option {
	cdc, _ := codec.ByName(c.Codec)

	opts := []client.Option{
		client.WithCodec(cdc),
		client.WithShutdownGrace(c.ShutdownGrace),
		client.WithMaxConcurrentUnsubscribes(c.MaxConcurrentUnsubscribes),
	}

	if c.NotificationPrefix != nil {
		opts = append(opts, client.WithNotificationPrefix(*c.NotificationPrefix))
	}

	if c.CallsPerSecond > 0 {
		burst := max(c.CallBurst, 1)
		opts = append(opts, client.WithRateLimit(rate.Limit(c.CallsPerSecond), burst))
	}

	if len(c.Topics) > 0 {
		topics := make([]client.Topic, len(c.Topics))
		for i, topic := range c.Topics {
			topics[i] = client.Topic{Name: topic.Name}
			// A nil map would be sent as null params
			if topic.Params != nil {
				topics[i].Params = topic.Params
			}
		}
		opts = append(opts, client.WithTopics(topics...))
	}

	return opts
}

// TransportOptions returns the WebSocket options described by the configuration
func (c Config) TransportOptions() []transport.WSOption {
	cdc, _ := codec.ByName(c.Codec)

	opts := []transport.WSOption{transport.WithBinary(cdc.Binary())}
	if c.Origin != "" {
		opts = append(opts, transport.WithOrigin(c.Origin))
	}
	if c.Token != "" {
		opts = append(opts, transport.WithToken(c.Token))
	}
	return opts
}

// Dialer returns a function dialing the configured server
func (c Config) Dialer() client.DialFunc {
	opts := c.TransportOptions()
	return func(ctx context.Context) (transport.Transport, error) {
		ws, err := transport.DialWebSocket(ctx, c.URL, opts...)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}
