package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/readsock/internal/observability"
)

// HandleWebSocket returns the /ws ingress. Every text or binary message is
// treated like a TCP read: it is fed through the same framer and requests
// go to the same queue. Nothing is written back.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		// Admin surface binds locally; any origin may push text
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  s.opts.ReadBufferSize,
		WriteBufferSize: 1024,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if s.closing.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		id := observability.NewConnectionID()
		ctx, cancel := context.WithCancel(r.Context())
		closeConn := func() {
			cancel()
			_ = conn.Close()
		}
		defer closeConn()
		if !s.conns.add(id, closeConn) {
			return
		}
		defer s.conns.remove(id)

		sess := newSession(id, TransportWebSocket, r.RemoteAddr, s.queue, s.opts.ChunkCapacity)

		sess.run(ctx, func() ([]byte, error) {
			_, msg, err := conn.ReadMessage()
			return msg, err
		})
	}
}
