package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mattjoyce/devserv/internal/protocol"
)

// Client is a request connection to a driver's unix socket. Calls are
// serialized; the driver answers in arrival order.
type Client struct {
	mu sync.Mutex
	nc net.Conn
}

// Dial connects to the driver socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{nc: nc}, nil
}

// Call sends a request and waits for its reply. close and flush are never
// answered; use Post for them.
func (c *Client) Call(ctx context.Context, typ protocol.Type, payload []byte) (*protocol.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDeadline(ctx)
	defer c.nc.SetDeadline(time.Time{})

	if err := WriteFrame(c.nc, &protocol.Envelope{Type: typ, Payload: payload}); err != nil {
		return nil, c.wrap(ctx, err)
	}
	env, err := ReadFrame(c.nc)
	if err != nil {
		return nil, c.wrap(ctx, fmt.Errorf("await %s reply: %w", typ, err))
	}
	return env, nil
}

// Post sends a request without waiting for a reply.
func (c *Client) Post(ctx context.Context, typ protocol.Type, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDeadline(ctx)
	defer c.nc.SetDeadline(time.Time{})

	return c.wrap(ctx, WriteFrame(c.nc, &protocol.Envelope{Type: typ, Payload: payload}))
}

func (c *Client) Close() error {
	return c.nc.Close()
}

func (c *Client) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	}
}

// wrap prefers the context error when a deadline caused the failure.
func (c *Client) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
