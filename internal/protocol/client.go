package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Client is an IPC client for the daemon: the clipboard monitor and any UI
// front-end talk to the service through it.
type Client struct {
	conn net.Conn

	mu      sync.Mutex // guards writes and pending
	pending map[string]chan *Envelope

	broadcasts chan *Envelope
	closed     chan struct{}
	closeOnce  sync.Once
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection. Used directly in tests.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:       conn,
		pending:    make(map[string]chan *Envelope),
		broadcasts: make(chan *Envelope, 64),
		closed:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		env := new(Envelope)
		if err := ReadFrame(c.conn, env); err != nil {
			return
		}

		switch env.Type {
		case TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		case TypeBroadcast:
			select {
			case c.broadcasts <- env:
			default:
				// A consumer that stops draining loses broadcasts;
				// the server-side resync hint covers recovery.
			}
		}
	}
}

// Call sends one request and decodes the result into result when non-nil.
func (c *Client) Call(ctx context.Context, action string, params interface{}, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = body
	}

	id := uuid.NewString()
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	err := WriteFrame(c.conn, &Envelope{
		Type:   TypeRequest,
		ID:     id,
		Action: action,
		Params: raw,
	})
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("connection closed")
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Broadcasts returns the stream of server-pushed events.
func (c *Client) Broadcasts() <-chan *Envelope {
	return c.broadcasts
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}
