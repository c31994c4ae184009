// Package client is a Go client for the callflow admin watch stream.
//
// Usage:
//
//	c, err := client.Dial(ctx, "wss://callflow.example.com/v1/watch",
//	    client.WithToken(jwt),
//	    client.WithTopics("stage:FAILED", "alerts"),
//	)
//	defer c.Close()
//
//	for evt := range c.Events() {
//	    fmt.Printf("%s %s\n", evt.Type, evt.Topic)
//	}
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/inimical023/callflow/stream"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("callflow/client: closed")

// reply is a control acknowledgement from the server.
type reply struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// control is a control message sent to the server.
type control struct {
	Action  string `json:"action"`
	Topic   string `json:"topic,omitempty"`
	Credits int64  `json:"credits,omitempty"`
}

// frame is the union of replies and stream events; Topic is set only on
// events.
type frame struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic"`
	Topics []string `json:"topics"`
	Error  string   `json:"error"`
}

// Client is a watch stream connection.
type Client struct {
	url    string
	token  string
	topics []string
	call   string
	logger *slog.Logger
	buffer int

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn   net.Conn
	wmu    sync.Mutex
	closed atomic.Bool

	// Requests are serialized; the server answers them in order.
	rmu     sync.Mutex
	replies chan reply

	tmu     sync.RWMutex
	current []string

	events chan *stream.Event
	done   chan struct{}
}

// Dial connects to the watch endpoint and waits for the initial
// subscription acknowledgement.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        rawURL,
		logger:     slog.Default(),
		buffer:     64,
		maxRetries: 5,
		baseDelay:  time.Second,
		replies:    make(chan reply, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan *stream.Event, c.buffer)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("callflow/client: dial: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// connect dials, authenticates through the Authorization header and reads
// the subscribed reply before the read loop starts.
func (c *Client) connect(ctx context.Context) error {
	target, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	topics := c.Topics()
	if len(topics) == 0 {
		topics = c.topics
	}
	q := target.Query()
	if len(topics) > 0 {
		q.Del("topic")
		for _, t := range topics {
			q.Add("topic", t)
		}
	}
	if c.call != "" {
		q.Set("correlation_id", c.call)
	}
	target.RawQuery = q.Encode()

	dialer := ws.Dialer{}
	if c.token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + c.token},
		})
	}
	raw, br, _, err := dialer.Dial(ctx, target.String())
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn := withHandshakeBuffer(raw, br)

	type readResult struct {
		r   reply
		err error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, readErr := wsutil.ReadServerText(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read subscribe reply: %w", readErr)}
			return
		}
		var r reply
		if jsonErr := json.Unmarshal(data, &r); jsonErr != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal subscribe reply: %w", jsonErr)}
			return
		}
		resultCh <- readResult{r: r}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			_ = conn.Close()
			return res.err
		}
		if res.r.Type != "subscribed" {
			_ = conn.Close()
			return fmt.Errorf("unexpected handshake reply %q: %s", res.r.Type, res.r.Error)
		}
		c.wmu.Lock()
		c.conn = conn
		c.wmu.Unlock()
		c.setTopics(res.r.Topics)
		c.logger.Info("watch client connected", slog.Any("topics", res.r.Topics))
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		return errors.New("handshake timeout")
	}
}

// handshakeConn serves the frames the server sent together with its upgrade
// response, which the dialer buffered in br, before reading the socket.
type handshakeConn struct {
	net.Conn
	br *bufio.Reader
}

func withHandshakeBuffer(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil {
		return conn
	}
	return &handshakeConn{Conn: conn, br: br}
}

func (c *handshakeConn) Read(p []byte) (int, error) {
	if c.br != nil {
		if c.br.Buffered() > 0 {
			return c.br.Read(p)
		}
		ws.PutReader(c.br)
		c.br = nil
	}
	return c.Conn.Read(p)
}

// readLoop routes replies to the pending request and events to Events.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.currentConn())
		if err != nil {
			if c.closed.Load() {
				c.shutdown()
				return
			}
			c.logger.Warn("watch client read error", slog.String("error", err.Error()))
			if c.reconnect && c.tryReconnect() {
				continue
			}
			c.shutdown()
			return
		}

		var f frame
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
			c.logger.Warn("watch client: invalid frame", slog.String("error", jsonErr.Error()))
			continue
		}

		if f.Topic == "" {
			r := reply{Type: f.Type, Topics: f.Topics, Error: f.Error}
			if r.Topics != nil {
				c.setTopics(r.Topics)
			}
			select {
			case c.replies <- r:
			default:
			}
			continue
		}

		var evt stream.Event
		if json.Unmarshal(data, &evt) == nil {
			select {
			case c.events <- &evt:
			default:
				// Drop if the consumer is slow.
			}
		}
	}
}

// tryReconnect redials with exponential backoff, resubscribing to the
// current topics.
func (c *Client) tryReconnect() bool {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("watch client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-c.done:
			return false
		}
		if c.closed.Load() {
			return false
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("watch client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}
		return true
	}
	c.logger.Error("watch client: max reconnection attempts reached")
	return false
}

// request sends a control message and waits for its reply.
func (c *Client) request(ctx context.Context, msg control) (reply, error) {
	if c.closed.Load() {
		return reply{}, ErrClosed
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return reply{}, err
	}
	c.wmu.Lock()
	err = wsutil.WriteClientText(c.conn, data)
	c.wmu.Unlock()
	if err != nil {
		return reply{}, fmt.Errorf("callflow/client: write: %w", err)
	}

	select {
	case r := <-c.replies:
		if r.Type == "error" {
			return r, fmt.Errorf("callflow/client: %s: %s", msg.Action, r.Error)
		}
		return r, nil
	case <-c.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Subscribe adds topic and returns the resulting topic set.
func (c *Client) Subscribe(ctx context.Context, topic string) ([]string, error) {
	r, err := c.request(ctx, control{Action: "subscribe", Topic: topic})
	return r.Topics, err
}

// Unsubscribe removes topic and returns the remaining topic set.
func (c *Client) Unsubscribe(ctx context.Context, topic string) ([]string, error) {
	r, err := c.request(ctx, control{Action: "unsubscribe", Topic: topic})
	return r.Topics, err
}

// AddCredits grants the server n more events under flow control.
func (c *Client) AddCredits(ctx context.Context, n int64) error {
	_, err := c.request(ctx, control{Action: "credits", Credits: n})
	return err
}

// Events returns the event channel. It is closed when the connection ends.
func (c *Client) Events() <-chan *stream.Event { return c.events }

// Topics returns the topics acknowledged by the server.
func (c *Client) Topics() []string {
	c.tmu.RLock()
	defer c.tmu.RUnlock()
	return append([]string(nil), c.current...)
}

func (c *Client) setTopics(topics []string) {
	c.tmu.Lock()
	c.current = append([]string(nil), topics...)
	c.tmu.Unlock()
}

func (c *Client) shutdown() {
	select {
	case <-c.done:
	default:
		close(c.done)
		close(c.events)
	}
}

// Close closes the connection. Events is closed once the read loop exits.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if conn := c.currentConn(); conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) currentConn() net.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn
}
