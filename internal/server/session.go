package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/readsock/internal/framing"
	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/queue"
)

// Transport names used in logs and metric labels.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// readFunc returns the next segment of a client's byte stream. Data may be
// returned together with an error.
type readFunc func() ([]byte, error)

// Session holds the state of a single client connection: its framer and
// the identity attached to every request it produces.
type Session struct {
	id         string
	transport  string
	remoteAddr string

	framer  *framing.Framer
	queue   *queue.Queue
	metrics *observability.ConnMetrics
	logger  zerolog.Logger
}

func newSession(id, transport, remoteAddr string, q *queue.Queue, chunkCapacity int) *Session {
	return &Session{
		id:         id,
		transport:  transport,
		remoteAddr: remoteAddr,
		framer:     framing.NewFramer(chunkCapacity),
		queue:      q,
		metrics:    observability.NewConnMetrics(transport),
		logger:     observability.WithConnection(id, transport, remoteAddr),
	}
}

// feed frames chunk and enqueues every completed request in order,
// blocking while the queue is full.
func (s *Session) feed(ctx context.Context, chunk []byte) error {
	s.metrics.RecordBytes(len(chunk))

	requests, evicted := s.framer.Feed(chunk)
	if evicted > 0 {
		s.metrics.RecordEvictions(evicted)
		s.logger.Warn().
			Int("evicted_chunks", evicted).
			Msg("Request exceeded the chunk buffer, oldest data dropped")
	}

	for _, text := range requests {
		if err := s.queue.Enqueue(ctx, queue.Request(text, s.transport, s.id)); err != nil {
			return fmt.Errorf("failed to enqueue request: %w", err)
		}
		s.metrics.RecordRequest()
		s.logger.Debug().Int("bytes", len(text)).Msg("Request queued")
	}
	return nil
}

// run reads until the stream ends, ctx is cancelled, or a handler panics.
// Unterminated data left at the end is discarded.
func (s *Session) run(ctx context.Context, read readFunc) {
	s.logger.Info().Msg("Client connected")
	defer func() {
		if s.framer.Pending() {
			s.metrics.RecordDiscardedPartial()
			s.logger.Debug().Msg("Discarding unterminated request")
			s.framer.Reset()
		}
		s.metrics.RecordConnEnd()
		s.logger.Info().Msg("Client disconnected")
	}()
	defer func() {
		if r := recover(); r != nil {
			observability.RecordError("panic", "server")
			s.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Connection handler panicked")
		}
	}()

	for {
		data, err := read()
		if len(data) > 0 {
			if ferr := s.feed(ctx, data); ferr != nil {
				s.logger.Debug().Err(ferr).Msg("Stopped reading")
				return
			}
		}
		if err != nil {
			if !isClosedError(err) {
				observability.RecordError("read", "server")
				s.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
