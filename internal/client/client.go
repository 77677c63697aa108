// Package client talks to a running appdeck server over its websocket
// command channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"appdeck/internal/protocol"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls made after the connection ended.
var ErrClosed = errors.New("connection closed")

const (
	dialTimeout = 10 * time.Second
	eventBuffer = 256
)

// RemoteError is a failure reported by the server for one request.
type RemoteError struct {
	Channel string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, e.Message)
}

// Client is a single websocket connection. Calls may be made from
// several goroutines.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
	err     error

	events chan protocol.Push
	done   chan struct{}
	nextID atomic.Uint64
}

// Dial connects to a server websocket URL such as ws://127.0.0.1:8080/ws.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *protocol.Envelope),
		events:  make(chan protocol.Push, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns pushed server events. The channel is closed when the
// connection ends. Events are dropped when the buffer is full.
func (c *Client) Events() <-chan protocol.Push {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends payload on channel and waits for the response. When out is
// non-nil the response data is decoded into it.
func (c *Client) Call(ctx context.Context, channel string, payload, out any) error {
	req := protocol.Request{
		ID:      strconv.FormatUint(c.nextID.Add(1), 10),
		Channel: channel,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", channel, err)
		}
		req.Payload = raw
	}

	reply := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", channel, err)
	}

	select {
	case resp := <-reply:
		if !*resp.Success {
			return &RemoteError{Channel: channel, Message: resp.Error}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", channel, err)
			}
		}
		return nil
	case <-c.done:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if c.err == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.err = ErrClosed
				} else {
					c.err = fmt.Errorf("%w: %v", ErrClosed, err)
				}
			}
			c.mu.Unlock()
			return
		}

		if env.IsResponse() {
			c.mu.Lock()
			reply, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				reply <- &env
			}
			continue
		}

		select {
		case c.events <- protocol.Push{Channel: env.Channel, Data: env.Data}:
		default:
		}
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
