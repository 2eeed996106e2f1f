package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/middleware"
	"github.com/mossy-p/livestore-signaling/internal/models"
)

const directoryTimeout = 3 * time.Second

// Presence is the read side of the agent directory.
type Presence interface {
	AgentsOnline(ctx context.Context) (int, error)
}

// RequestConnectionResponse is the pre-check answer.
type RequestConnectionResponse struct {
	Success         bool `json:"success"`
	AgentsAvailable bool `json:"agentsAvailable"`
}

// RequestConnection answers whether any agent is online. The customer opens
// the socket request only when this says yes.
func RequestConnection(presence Presence, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RequestConnection
		// The body is optional; the caller is identified by the token.
		_ = c.ShouldBindJSON(&req)

		ctx, cancel := context.WithTimeout(c.Request.Context(), directoryTimeout)
		defer cancel()

		n, err := presence.AgentsOnline(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read agent presence")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Failed to check agent availability",
			})
			return
		}

		logger.Debug().
			Str("email", c.GetString(middleware.ContextEmail)).
			Int("agents", n).
			Msg("connection pre-check")

		c.JSON(http.StatusOK, RequestConnectionResponse{
			Success:         true,
			AgentsAvailable: n > 0,
		})
	}
}

// AgentsOnline reports the number of agents currently registered.
func AgentsOnline(presence Presence, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), directoryTimeout)
		defer cancel()

		n, err := presence.AgentsOnline(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read agent presence")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to read agent presence"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agentsOnline": n})
	}
}
