package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser terminal clients connect from arbitrary dev origins; access to
	// the stream is scoped by sandbox identifier.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSink adapts a websocket connection to the relay sink contract. Output
// chunks go out as text frames, matching terminal clients that render the
// payload directly.
type wsSink struct {
	conn *websocket.Conn
}

func (w *wsSink) WriteChunk(p []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, p)
}

func (w *wsSink) WriteError(msg string) error {
	return w.conn.WriteMessage(websocket.TextMessage, []byte("Error: "+msg))
}

// handleStream upgrades the request and relays live sandbox output until
// either side goes away.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	defer conn.Close()

	s.metrics.streamSessions.Inc()
	defer s.metrics.streamSessions.Dec()

	// The request context is not canceled once the connection is hijacked by
	// the upgrade, so disconnects are observed by the read pump, which cancels
	// the relay.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.relay.Stream(ctx, c.Param("id"), &wsSink{conn: conn}); err != nil {
		if s.logger != nil {
			s.logger.Debug("stream session ended", "sandbox_id", c.Param("id"), "error", err)
		}
	}
}
