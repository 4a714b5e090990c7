package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a connection to a mount's IPC channel.
type Client struct {
	nc net.Conn
	r  *bufio.Reader
	mu sync.Mutex
}

// Dial connects to the channel served from socketDir.
func Dial(ctx context.Context, channelName, socketDir string) (*Client, error) {
	return DialPath(ctx, SocketPath(socketDir, channelName))
}

func DialPath(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to mount: %w", err)
	}
	return &Client{nc: nc, r: bufio.NewReader(nc)}, nil
}

func (c *Client) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteMessage(c.nc, m)
}

// Receive blocks for the next response. A zero timeout waits indefinitely.
func (c *Client) Receive(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
		defer c.nc.SetReadDeadline(time.Time{})
	}
	return ReadMessage(c.r)
}

// Call sends m and waits for a single response.
func (c *Client) Call(m Message, timeout time.Duration) (Message, error) {
	if err := c.Send(m); err != nil {
		return Message{}, err
	}
	return c.Receive(timeout)
}

func (c *Client) Close() error {
	return c.nc.Close()
}
