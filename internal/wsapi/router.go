// Package wsapi wires the external HTTP/WebSocket/SSE boundary: device
// listing, session metrics, live device-change notifications, and the
// binary stream + JSON capture protocols clients actually connect to.
package wsapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"screencore/internal/devicetracker"
	"screencore/internal/registry"
)

// Router builds and owns the gin engine serving every external route.
type Router struct {
	engine   *gin.Engine
	registry *registry.Registry
	tracker  *devicetracker.Tracker
	log      zerolog.Logger
}

// New constructs a Router wired to the given registry and tracker.
// allowedOrigins is the CORS allow-list ("*" disables the check).
func New(reg *registry.Registry, tracker *devicetracker.Tracker, allowedOrigins []string, log zerolog.Logger) *Router {
	r := &Router{registry: reg, tracker: tracker, log: log}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware(allowedOrigins))

	engine.GET("/healthz", r.handleHealthz)
	api := engine.Group("/api")
	{
		api.GET("/devices", r.handleListDevices)
		api.GET("/devices/:serial", r.handleGetDevice)
		api.GET("/events", r.handleEvents)
		api.GET("/sessions", r.handleSessions)
	}
	engine.GET("/stream/:serial", r.handleStream)
	engine.GET("/snapshot/:serial", r.handleSnapshot)

	r.engine = engine
	return r
}

// Handler returns the http.Handler to pass to an http.Server.
func (r *Router) Handler() http.Handler { return r.engine }

func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll || containsFold(allowed, origin) {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
