// Package server accepts client connections, frames their byte streams
// into requests and hands the requests to the work queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/queue"
	"github.com/lexiqai/readsock/internal/resilience"
)

// BindError reports that the listening socket could not be set up.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Options configures a Server.
type Options struct {
	Backlog        int // Pending connection queue length
	ReadBufferSize int // Bytes per read
	ChunkCapacity  int // Chunks buffered per unterminated request
}

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Server is the request listener. Network goroutines only frame and
// enqueue; they never call the speech sink.
type Server struct {
	opts   Options
	queue  *queue.Queue
	logger zerolog.Logger

	listener net.Listener
	conns    *registry
	closing  atomic.Bool

	// readConn reads from a client socket; replaced in tests
	readConn func(conn net.Conn, buf []byte) (int, error)
}

// New creates a server feeding q.
func New(q *queue.Queue, opts Options, logger zerolog.Logger) *Server {
	if opts.Backlog < 1 {
		opts.Backlog = 5
	}
	if opts.ReadBufferSize < 1 {
		opts.ReadBufferSize = 4096
	}
	if opts.ChunkCapacity < 1 {
		opts.ChunkCapacity = 100
	}
	return &Server{
		opts:     opts,
		queue:    q,
		logger:   logger.With().Str("component", "server").Logger(),
		conns:    newRegistry(),
		readConn: readFromConn,
	}
}

func readFromConn(conn net.Conn, buf []byte) (int, error) {
	return conn.Read(buf)
}

// Listen binds addr with address reuse enabled. Failures are *BindError.
func (s *Server) Listen(ctx context.Context, addr string) error {
	l, err := listen(ctx, addr, s.opts.Backlog)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.listener = l
	s.logger.Info().Str("addr", l.Addr().String()).Int("backlog", s.opts.Backlog).Msg("Listening for requests")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listening reports whether the listener is bound and not yet closed.
func (s *Server) Listening() bool {
	return s.listener != nil && !s.closing.Load()
}

// Serve accepts connections until Close is called, handling each in its
// own goroutine. It returns nil after Close.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	attempt := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient: the next accept may well succeed
			delay := resilience.CalculateBackoff(attempt, acceptBackoffMin, acceptBackoffMax, 2)
			attempt++
			s.logger.Debug().Err(err).Dur("retry_in", delay).Msg("Accept returned no connection")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		attempt = 0

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := observability.NewConnectionID()
	connCtx, cancel := context.WithCancel(ctx)
	closeConn := func() {
		cancel()
		_ = conn.Close()
	}
	defer closeConn()
	if !s.conns.add(id, closeConn) {
		return
	}
	defer s.conns.remove(id)

	sess := newSession(id, TransportTCP, conn.RemoteAddr().String(), s.queue, s.opts.ChunkCapacity)

	buf := make([]byte, s.opts.ReadBufferSize)
	sess.run(connCtx, func() ([]byte, error) {
		n, err := s.readConn(conn, buf)
		return buf[:n], err
	})
}

// Close stops accepting and closes every open connection, TCP and
// WebSocket alike. Pending unterminated requests are discarded.
func (s *Server) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	n := s.conns.closeAll()
	s.logger.Info().Int("connections", n).Msg("Listener closed")
	return err
}

// Wait blocks until every connection handler has returned. Call it after
// Close.
func (s *Server) Wait() {
	s.conns.wait()
}

// OpenConnections returns the number of registered connections.
func (s *Server) OpenConnections() int {
	return s.conns.len()
}
