// Package api exposes the operator-facing HTTP surface of the engine.
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin router. An empty accessKey disables auth; only do
// that on a loopback bind.
func NewRouter(h *Handler, accessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)

	g := r.Group("/api")
	if accessKey != "" {
		g.Use(authMiddleware(accessKey))
	}
	{
		g.POST("/broadcasts", h.createBroadcast)
		g.GET("/broadcasts", h.listBroadcasts)
		g.GET("/broadcasts/:id", h.getBroadcast)
		g.POST("/broadcasts/:id/start", h.startBroadcast)
		g.POST("/broadcasts/:id/pause", h.pauseBroadcast)
		g.POST("/broadcasts/:id/resume", h.resumeBroadcast)
		g.GET("/broadcasts/:id/log", h.getLog)
		g.GET("/broadcasts/:id/stats", h.getStats)
		g.GET("/audience/count", h.countAudience)
	}
	return r
}

func authMiddleware(accessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Access-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(accessKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid access key"})
			return
		}
		c.Next()
	}
}
