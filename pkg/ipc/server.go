package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var ErrChannelInUse = errors.New("ipc channel is served by another process")

// readTimeout bounds how long a connection may take to deliver its request.
var readTimeout = 10 * time.Second

// DefaultSocketDir is where channel sockets live unless configured otherwise.
func DefaultSocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// SocketPath maps a channel name to its unix socket path.
func SocketPath(socketDir, channelName string) string {
	if socketDir == "" {
		socketDir = DefaultSocketDir()
	}
	return filepath.Join(socketDir, types.ChannelKey(channelName)+".sock")
}

// Connection is one accepted client. Handlers may send any number of responses.
type Connection interface {
	Send(m Message) error
	Close() error
}

// HandlerFunc is invoked once per connection with its request. The connection
// is closed when the handler returns.
type HandlerFunc func(ctx context.Context, m Message, conn Connection)

// Server accepts connections on a unix socket. Each connection carries one
// request, handled on its own goroutine.
type Server struct {
	name    string
	path    string
	handler HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	stopped  bool
}

func NewServer(channelName, socketDir string, handler HandlerFunc) *Server {
	return &Server{
		name:    channelName,
		path:    SocketPath(socketDir, channelName),
		handler: handler,
		conns:   make(map[*conn]struct{}),
	}
}

func (s *Server) Path() string { return s.path }
func (s *Server) Name() string { return s.name }

// Start begins listening. A socket file left behind by a dead server is
// replaced; a socket that still accepts connections fails with ErrChannelInUse.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("ipc server already started")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.wg.Go(func() { s.acceptLoop(ctx, ln) })

	log.Info().Str("channel", s.name).Str("socket", s.path).Msg("ipc server listening")
	return nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if nc, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		nc.Close()
		return fmt.Errorf("%w: %s", ErrChannelInUse, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("ipc accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newConn(nc)
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.serve(ctx, c) })
	}
}

// serve reads the connection's single request, runs the handler and closes the
// connection once the handler returns.
func (s *Server) serve(ctx context.Context, c *conn) {
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	m, err := c.read(readTimeout)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			log.Warn().Dur("timeout", readTimeout).Msg("ipc request not completed in time, closing connection")
		case !isClosed(err):
			log.Debug().Err(err).Msg("ipc read failed")
		}
		return
	}

	var pc panics.Catcher
	pc.Try(func() { s.handler(ctx, m, c) })
	if r := pc.Recovered(); r != nil {
		log.Error().Err(r.AsError()).Str("header", m.Header).Msg("ipc handler panicked")
	}
}

// Stop closes the listener and every open connection, then waits for in-flight
// handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped || s.listener == nil {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
	log.Info().Str("channel", s.name).Msg("ipc server stopped")
}

type conn struct {
	nc     net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, r: bufio.NewReader(nc), closed: make(chan struct{})}
}

// read waits at most timeout for a complete frame. Zero waits indefinitely.
func (c *conn) read(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
		defer c.nc.SetReadDeadline(time.Time{})
	}
	return ReadMessage(c.r)
}

func (c *conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(c.nc, m)
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}
