package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusWS pushes the caller's status payload on a fixed
// interval until the peer hangs up. The read pump exists only to
// notice the close.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	id := peerID(r)
	ticker := time.NewTicker(s.cfg.StatusPushInterval)
	defer ticker.Stop()

	for {
		status, err := s.statusFor(r, id)
		if err != nil {
			_ = conn.WriteJSON(errorResponse{Error: err.Error()})
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
