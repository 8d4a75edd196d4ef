package readapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and pushes live envelopes from the
// in-process bus. Auditor only: the stream carries unfiltered payloads.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	obs := ResolveObserver(r)
	if !obs.Allows(RoleAuditor) {
		s.audit(r.Context(), obs, "/ox/stream", "", 0)
		writeError(w, http.StatusForbidden, "insufficient observer role")
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️  Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.audit(r.Context(), obs, "/ox/stream", "", 0)
	s.logger.Printf("🔌 Observer %s connected to live stream", obs.ID)

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine just detects close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
