package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"power-watchdog/internal/logging"
)

const requestIDHeader = "X-Request-ID"

func RequestLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		log.WithField("request_id", reqID).Infof("Request: %s %s, Status: %d, Latency: %v", method, path, status, latency)
	}
}
