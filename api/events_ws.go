package api

import (
	"context"

	"agentflow/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionEventsWebsocketHandler streams a session's events as JSON messages
// until the session's stream ends or the client disconnects. The optional
// "since" query parameter is a streamer message id; by default the stream is
// replayed from the beginning.
func (ctrl *Controller) SessionEventsWebsocketHandler(allowedOrigins *AllowedOrigins) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     CheckWebSocketOrigin(allowedOrigins),
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		sessionId := c.Param("id")
		if _, err := ctrl.service.GetFlowSession(ctx, sessionId); err != nil {
			ctrl.ErrorHandler(c, err)
			return
		}
		startId := c.DefaultQuery("since", "0")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionId).Msg("Failed to upgrade connection")
			return
		}
		defer conn.Close()

		// the client never sends anything meaningful; reading only detects
		// disconnection
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					cancel()
					return
				}
			}
		}()

		eventCh, errCh := ctrl.service.StreamFlowEvents(ctx, sessionId, startId)
		for {
			select {
			case <-ctx.Done():
				log.Debug().Str("sessionId", sessionId).Msg("Client disconnected, ending event stream")
				return
			case err, ok := <-errCh:
				if ok && err != nil {
					log.Error().Err(err).Str("sessionId", sessionId).Msg("Error streaming flow events")
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream error"))
					return
				}
				if !ok {
					errCh = nil
				}
			case event, ok := <-eventCh:
				if !ok {
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					log.Warn().Err(err).Str("sessionId", sessionId).Msg("Error writing flow event to websocket")
					return
				}
				if event.EventType == domain.EndStreamEventType {
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
					return
				}
			}
		}
	}
}
