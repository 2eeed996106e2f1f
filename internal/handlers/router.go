package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/middleware"
	"github.com/mossy-p/livestore-signaling/internal/signaling"
)

// RouterConfig is everything NewRouter needs.
type RouterConfig struct {
	Hub            *signaling.Hub
	Presence       Presence
	JWTSecret      string
	AllowedOrigins []string
	Logger         *zerolog.Logger
}

// NewRouter builds the HTTP surface of the signaling server.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := log.OrNop(cfg.Logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": cfg.Hub.Stats().Sessions})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.JWTSecret))

		live := api.Group("/live-store")
		live.POST("/request-connection", middleware.JWTAuth(cfg.JWTSecret), RequestConnection(cfg.Presence, logger))
		live.GET("/agents", AgentsOnline(cfg.Presence, logger))
	}

	router.GET("/ws", HandleSignaling(cfg.Hub, logger))

	return router
}
