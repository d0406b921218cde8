package wsapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (r *Router) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, r.tracker.List())
}

func (r *Router) handleGetDevice(c *gin.Context) {
	serial := c.Param("serial")
	device, ok := r.tracker.Get(serial)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, device)
}
