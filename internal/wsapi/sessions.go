package wsapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (r *Router) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, r.registry.Metrics())
}
