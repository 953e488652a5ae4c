package httpserver

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The agent is a userscript running on the upstream page, so its
	// Origin is never ours.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleAgentSocket upgrades the in-browser agent's connection and hands it
// to the transport channel, which owns it until disconnect.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[ERROR] httpserver: websocket upgrade failed: %v", err)
		return
	}
	s.channel.Serve(conn)
}
