package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huangang/swarmhub/internal/middleware"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/logger"
)

// EventHandler streams the caller's job events as Server-Sent Events.
type EventHandler struct {
	hub *services.EventHub
}

func NewEventHandler(hub *services.EventHub) *EventHandler {
	return &EventHandler{hub: hub}
}

// GET /api/events
func (h *EventHandler) Stream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.NewString()
	events := h.hub.Subscribe(clientID, middleware.GetHumanID(c))
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Int("total", h.hub.ClientCount()).Msg("Event client connected")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("Event marshal error")
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Status, data)
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("Event client disconnected")
			return false
		}
	})
}
