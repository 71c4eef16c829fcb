package httpapi

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamBuffer = 64

// stream pushes bus events to a websocket client until it disconnects.
// ?types=anomaly,halt narrows the feed.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	want := map[string]bool{}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			want[t] = true
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("stream: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := s.events.Subscribe(streamBuffer)
	defer s.events.Unsubscribe(ch)

	// Reads are discarded; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if len(want) > 0 && !want[evt.Type] {
				continue
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				s.logger.Debug("stream: write failed", "error", err)
				return
			}
		}
	}
}
