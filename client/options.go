package client

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on the handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTopics sets the initial topics. The server defaults to firehose.
func WithTopics(topics ...string) Option {
	return func(c *Client) { c.topics = append(c.topics, topics...) }
}

// WithCorrelationID limits the stream to events about one call.
func WithCorrelationID(id string) Option {
	return func(c *Client) { c.call = id }
}

// WithBuffer sets the event channel capacity. Events beyond it are dropped.
func WithBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection with the given parameters.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}
