package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one structured line per request after completion.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// recovery converts handler panics into 500 responses. Chunk metadata
// violations deep in the pipeline panic on purpose; the request dies here
// while the process keeps serving.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Handler panicked",
					"path", c.Request.URL.Path,
					"panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
