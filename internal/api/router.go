package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"power-watchdog/internal/config"
	"power-watchdog/internal/logging"
)

func NewRouter(h *Handler, logger *logging.Logger, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group(cfg.API.BasePath)
	{
		api.GET("/status", h.GetStatus)

		// History
		api.GET("/events", h.GetEvents)
		api.DELETE("/events", h.ClearEvents)
		api.GET("/sessions", h.GetSessions)

		// Signals
		api.POST("/signals", h.PostSignal)

		// Notifications
		api.POST("/telegram/test", h.SendTestMessage)
		api.GET("/notifications", h.GetNotifications)

		// Settings
		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.UpdateSettings)

		api.GET("/ws", h.hub.Serve)
	}
	return r
}
