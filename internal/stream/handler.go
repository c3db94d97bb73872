package stream

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-tutor/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The tutor UI is served from its own origin, so allow all origins
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleMicWS is the entry point for browser microphone streams
func HandleMicWS(client Tutor, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.GetLogger()

		// Upgrade replies to the client itself when it fails.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		session, err := NewSession(conn, client, opts)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create stream session")
			if err := conn.WriteJSON(ServerMessage{Event: EventError, Error: "failed to start session"}); err != nil {
				logger.Debug().Err(err).Msg("Failed to report session error")
			}
			return
		}

		if err := session.Run(r.Context()); err != nil {
			logger.Warn().Err(err).Msg("Browser stream ended with error")
		}
	}
}
