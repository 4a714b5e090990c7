package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/types"
)

var (
	ErrNotMounted         = errors.New("enlistment is not mounted")
	ErrMountNotReady      = errors.New("mount is not ready")
	ErrUnexpectedResponse = errors.New("unexpected response from mount")
)

const requestTimeout = 30 * time.Second

// Client talks to the mount process serving one enlistment. The mount serves
// one request per connection, so every call dials the channel again.
type Client struct {
	ctx  context.Context
	name string
	dir  string
	Root string
}

// Connect checks that the enlistment's channel is served. A missing or dead
// socket is ErrNotMounted.
func Connect(ctx context.Context, enl *types.Enlistment, dir string) (*Client, error) {
	c := &Client{ctx: ctx, name: enl.ChannelName(), dir: dir, Root: enl.Root}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	conn.Close()
	return c, nil
}

func (c *Client) dial() (*ipc.Client, error) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()
	conn, err := ipc.Dial(ctx, c.name, c.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotMounted, c.Root, err)
	}
	return conn, nil
}

// call sends m on a fresh connection and returns the single response.
func (c *Client) call(m ipc.Message, timeout time.Duration) (ipc.Message, error) {
	conn, err := c.dial()
	if err != nil {
		return ipc.Message{}, err
	}
	defer conn.Close()
	return conn.Call(m, timeout)
}

func (c *Client) Status() (types.Status, error) {
	resp, err := c.call(ipc.GetStatusRequest(), requestTimeout)
	if err != nil {
		return types.Status{}, err
	}
	return ipc.DecodeStatus(resp)
}

// Unmount asks the mount to shut down and waits for completion.
// onAck runs once the mount has accepted the request.
func (c *Client) Unmount(timeout time.Duration, onAck func()) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Call(ipc.UnmountRequest(), requestTimeout)
	if err != nil {
		return err
	}

	switch resp.Header {
	case ipc.UnmountAcknowledged:
	case ipc.UnmountNotMounted:
		return fmt.Errorf("%w: still mounting", ErrMountNotReady)
	case ipc.UnmountAlreadyUnmounting:
		return errors.New("an unmount is already in progress")
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.Header)
	}

	if onAck != nil {
		onAck()
	}

	resp, err = conn.Receive(timeout)
	if err != nil {
		return fmt.Errorf("wait for unmount: %w", err)
	}
	if resp.Header != ipc.UnmountCompleted {
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.Header)
	}
	return nil
}

// AcquireLock sends one lock request and returns the raw decision.
func (c *Client) AcquireLock(requester types.LockHolder) (string, ipc.LockResponse, error) {
	req, err := ipc.AcquireLockRequest(requester)
	if err != nil {
		return "", ipc.LockResponse{}, err
	}
	resp, err := c.call(req, requestTimeout)
	if err != nil {
		return "", ipc.LockResponse{}, err
	}
	lr, err := ipc.DecodeLockResponse(resp)
	if err != nil {
		return "", ipc.LockResponse{}, fmt.Errorf("decode lock response: %w", err)
	}
	return resp.Header, lr, nil
}

func (c *Client) ReleaseLock(pid int) (bool, error) {
	req, err := ipc.ReleaseLockRequest(pid)
	if err != nil {
		return false, err
	}
	resp, err := c.call(req, requestTimeout)
	if err != nil {
		return false, err
	}
	switch resp.Header {
	case ipc.LockReleased:
		return true, nil
	case ipc.LockNotReleased:
		return false, nil
	case ipc.MountNotReady:
		return false, ErrMountNotReady
	default:
		return false, fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.Header)
	}
}

// DownloadObject asks the mount to fetch a loose object. timeout bounds the
// wait because the fetch goes to the remote store.
func (c *Client) DownloadObject(sha string, timeout time.Duration) error {
	resp, err := c.call(ipc.DownloadObjectRequest(sha), timeout)
	if err != nil {
		return err
	}
	switch resp.Header {
	case ipc.DownloadSuccess:
		return nil
	case ipc.DownloadInvalid:
		return fmt.Errorf("invalid object id %q", sha)
	case ipc.DownloadFailed:
		return fmt.Errorf("object %s could not be downloaded", sha)
	case ipc.MountNotReady:
		return ErrMountNotReady
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.Header)
	}
}
