package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// callMethod implements POST /<id>/methods/<name>: hook-handled, JSON in,
// JSON out.
func (h *Handlers) callMethod(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	name := c.Param("name")

	body, err := readJSONBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	result, handled := h.dispatcher.DispatchMethod(c.Request.Context(), actorID, name, body)
	if !handled {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown method"})
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

// callAction implements POST /<id>/actions/<name>.
func (h *Handlers) callAction(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	name := c.Param("name")

	body, err := readJSONBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	result, handled := h.dispatcher.DispatchAction(c.Request.Context(), actorID, name, body)
	if !handled {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action"})
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}
