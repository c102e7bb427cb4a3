package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs every request at debug level, and failures at warn.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			a.logger.Error("request failed", attrs...)
		case status >= 400:
			a.logger.Warn("request rejected", attrs...)
		default:
			a.logger.Debug("request handled", attrs...)
		}
	}
}

// observe records request metrics labelled by route template.
func (a *API) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.metrics == nil {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		inFlight := a.metrics.RequestsInFlight.WithLabelValues(method, path)
		inFlight.Inc()
		start := time.Now()

		c.Next()

		inFlight.Dec()
		a.metrics.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		a.metrics.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		if size := c.Writer.Size(); size > 0 {
			a.metrics.ResponseSize.WithLabelValues(path).Observe(float64(size))
		}
	}
}
