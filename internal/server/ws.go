package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

// writeTimeout bounds each push to a live-bucket subscriber.
const writeTimeout = 5 * time.Second

// handleLiveWS upgrades the connection and streams every broadcast the hub
// publishes until the client disconnects or its queue is torn down.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to accept live WS connection")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "subscriber closed")
				return
			}
			// Hub payloads are msgpack; clients receive the same document as JSON.
			var decoded interface{}
			if err := msgpack.Unmarshal(payload, &decoded); err != nil {
				s.log.Debug().Err(err).Msg("dropping undecodable live frame")
				continue
			}
			frame, err := json.Marshal(decoded)
			if err != nil {
				s.log.Debug().Err(err).Msg("dropping live frame that cannot be re-encoded as JSON")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("live WS write failed, closing")
				return
			}
		}
	}
}
