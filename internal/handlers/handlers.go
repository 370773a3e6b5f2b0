package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentworks/internal/channel"
	"agentworks/internal/hub"
	"agentworks/pkg/auth"
	"agentworks/pkg/kafka"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// SemaphoreHandlers contains the HTTP handlers for the service
type SemaphoreHandlers struct {
	hub       *hub.Hub
	consumer  kafka.ConsumerInterface
	logger    logging.Logger
	jwtSecret []byte
	startTime time.Time
}

// NewSemaphoreHandlers creates a new handlers instance
func NewSemaphoreHandlers(h *hub.Hub, consumer kafka.ConsumerInterface, logger logging.Logger, jwtSecret string) *SemaphoreHandlers {
	return &SemaphoreHandlers{
		hub:       h,
		consumer:  consumer,
		logger:    logger,
		jwtSecret: []byte(jwtSecret),
		startTime: time.Now(),
	}
}

// HandleStats reports hub occupancy for dashboards and debugging.
func (h *SemaphoreHandlers) HandleStats(c *gin.Context) {
	stats := h.hub.Stats()
	stats["uptime"] = time.Since(h.startTime).String()
	if h.consumer != nil {
		if err := h.consumer.HealthCheck(); err != nil {
			stats["kafka"] = "disconnected"
		} else {
			stats["kafka"] = "connected"
		}
	}
	c.JSON(http.StatusOK, stats)
}

// PublishRequest is the body of the internal publish endpoint used by
// sibling services that do not go through Kafka.
type PublishRequest struct {
	Channel  string           `json:"channel" binding:"required"`
	Type     string           `json:"type" binding:"required"`
	Payload  json.RawMessage  `json:"payload"`
	Metadata *models.Metadata `json:"metadata,omitempty"`
}

// HandlePublish accepts a message from an internal producer and fans it
// out. The route is guarded by the service token middleware, so the
// publish runs under the system identity.
func (h *SemaphoreHandlers) HandlePublish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ch, ok := channel.Parse(req.Channel)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel", "channel": req.Channel})
		return
	}

	msg := h.hub.Publish(ch, req.Type, req.Payload, req.Metadata)
	h.logger.WithFields(logging.Fields{
		"channel":    req.Channel,
		"event_type": req.Type,
		"message_id": msg.ID,
	}).Debug("Published via HTTP")
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// HandleNotFound provides a custom 404 handler
func (h *SemaphoreHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"service": "semaphore",
		"message": "Endpoint not found",
	})
}

// authContextFromRequest derives the caller's identity from the token
// query parameter or the Authorization header. Anything absent or
// invalid degrades to a guest, which authorization then denies.
func (h *SemaphoreHandlers) authContextFromRequest(c *gin.Context) auth.Context {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}
	if token == "" {
		return auth.Guest()
	}

	claims, err := auth.ValidateJWT(token, h.jwtSecret)
	if err != nil {
		h.logger.WithError(err).Debug("Rejected connection token")
		return auth.Guest()
	}
	return auth.ContextFromClaims(claims)
}
