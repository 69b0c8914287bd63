package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsAPIVersion = "2024-10-01-preview"

// Channel is one open model-channel connection. Send may be called from any
// goroutine; Recv must have a single reader.
type Channel interface {
	Send(ctx context.Context, msg any) error
	Recv(ctx context.Context) (any, error)
	Closed() bool
	Close() error
}

// Dialer opens model channels. The relay dials lazily, once per call.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// WSDialer dials the realtime websocket endpoint with an api key.
type WSDialer struct {
	Endpoint         string
	Key              string
	Deployment       string
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context) (Channel, error) {
	u, err := url.Parse(strings.TrimSpace(d.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/openai/realtime"
	q := u.Query()
	q.Set("api-version", wsAPIVersion)
	q.Set("deployment", d.Deployment)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	header := http.Header{}
	header.Set("api-key", d.Key)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime channel: %w", err)
	}
	return newWSChannel(conn), nil
}

type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(ctx context.Context, msg any) error {
	if c.closed.Load() {
		return fmt.Errorf("realtime channel is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("send realtime message: %w", err)
	}
	return nil
}

func (c *wsChannel) Recv(ctx context.Context) (any, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("realtime channel is closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.closed.Store(true)
		return nil, fmt.Errorf("receive realtime event: %w", err)
	}
	return DecodeServerEvent(data)
}

func (c *wsChannel) Closed() bool {
	return c.closed.Load()
}

func (c *wsChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
