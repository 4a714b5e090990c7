package ipc

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T, h HandlerFunc) *Server {
	t.Helper()
	s := NewServer("GVFS_/TEST/"+t.Name(), t.TempDir(), h)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := DialPath(ctx, s.Path())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerEcho(t *testing.T) {
	s := startServer(t, func(ctx context.Context, m Message, conn Connection) {
		conn.Send(NewMessage(m.Header+"Reply", m.Body))
	})

	c := dial(t, s)
	resp, err := c.Call(NewMessage("Ping", "body"), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, Message{Header: "PingReply", Body: "body"}, resp)

	// one request per connection
	_, err = c.Receive(testTimeout)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerClosesIncompleteRequest(t *testing.T) {
	readTimeout = 50 * time.Millisecond
	t.Cleanup(func() { readTimeout = 10 * time.Second })

	var called atomic.Bool
	s := startServer(t, func(ctx context.Context, m Message, conn Connection) {
		called.Store(true)
		conn.Send(NewMessage("OK", ""))
	})

	c := dial(t, s)
	_, err := c.nc.Write([]byte("GetStatus|"))
	require.NoError(t, err)

	_, err = c.Receive(testTimeout)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, called.Load())
}

func TestServerMultipleResponses(t *testing.T) {
	s := startServer(t, func(ctx context.Context, m Message, conn Connection) {
		conn.Send(NewMessage(UnmountAcknowledged, ""))
		conn.Send(NewMessage(UnmountCompleted, ""))
	})

	c := dial(t, s)
	first, err := c.Call(UnmountRequest(), testTimeout)
	require.NoError(t, err)
	second, err := c.Receive(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, UnmountAcknowledged, first.Header)
	assert.Equal(t, UnmountCompleted, second.Header)
}

func TestServerConcurrentClients(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, func(ctx context.Context, m Message, conn Connection) {
		calls.Add(1)
		conn.Send(NewMessage("OK", m.Body))
	})

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := DialPath(context.Background(), s.Path())
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			resp, err := c.Call(NewMessage("Hi", "x"), testTimeout)
			assert.NoError(t, err)
			assert.Equal(t, "OK", resp.Header)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n), calls.Load())
}

func TestServerSurvivesHandlerPanic(t *testing.T) {
	s := startServer(t, func(ctx context.Context, m Message, conn Connection) {
		if m.Header == "Boom" {
			panic("handler exploded")
		}
		conn.Send(NewMessage("OK", ""))
	})

	c := dial(t, s)
	require.NoError(t, c.Send(NewMessage("Boom", "")))
	_, err := c.Receive(testTimeout)
	assert.Error(t, err)

	c2 := dial(t, s)
	resp, err := c2.Call(NewMessage("Fine", ""), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Header)
}

func TestServerStopClosesClients(t *testing.T) {
	s := NewServer("GVFS_/TEST/STOP", t.TempDir(), func(ctx context.Context, m Message, conn Connection) {})
	require.NoError(t, s.Start(context.Background()))

	c := dial(t, s)
	s.Stop()

	_, err := c.Receive(testTimeout)
	assert.Error(t, err)
	_, err = DialPath(context.Background(), s.Path())
	assert.Error(t, err)
}

func TestDispatcherRejectsUnknownAndMalformed(t *testing.T) {
	var got []Kind
	var mu sync.Mutex
	d := NewDispatcher(map[Kind]RequestHandler{
		KindGetStatus: func(ctx context.Context, req Request, conn Connection) {
			mu.Lock()
			got = append(got, req.Kind)
			mu.Unlock()
			conn.Send(NewMessage(StatusResult, "{}"))
		},
	})
	s := startServer(t, d.Handle)
	call := func(m Message) Message {
		t.Helper()
		resp, err := dial(t, s).Call(m, testTimeout)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, UnknownRequest, call(NewMessage("Nonsense", "")).Header)

	resp := call(NewMessage("AcquireLock", "garbage"))
	assert.Equal(t, UnknownRequest, resp.Header)
	assert.Contains(t, resp.Body, "malformed")

	// registered kind, no handler
	assert.Equal(t, UnknownRequest, call(UnmountRequest()).Header)
	assert.Equal(t, StatusResult, call(GetStatusRequest()).Header)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindGetStatus}, got)
}

func TestSocketPathIsStable(t *testing.T) {
	a := SocketPath("/run/user/1", "GVFS_/HOME/ME/REPO")
	b := SocketPath("/run/user/1", "GVFS_/HOME/ME/REPO")
	c := SocketPath("/run/user/1", "GVFS_/HOME/ME/OTHER")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "/run/user/1/gvfs-")
}

func TestServerRefusesLiveChannel(t *testing.T) {
	dir := t.TempDir()
	first := NewServer("GVFS_/TEST/LIVE", dir, func(ctx context.Context, m Message, conn Connection) {})
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := NewServer("GVFS_/TEST/LIVE", dir, func(ctx context.Context, m Message, conn Connection) {})
	assert.ErrorIs(t, second.Start(context.Background()), ErrChannelInUse)
}

func TestServerReplacesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	s := NewServer("GVFS_/TEST/STALE", dir, func(ctx context.Context, m Message, conn Connection) {
		conn.Send(NewMessage("OK", ""))
	})
	require.NoError(t, os.WriteFile(s.Path(), nil, 0o600))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	c := dial(t, s)
	resp, err := c.Call(NewMessage("Hi", ""), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Header)
}
