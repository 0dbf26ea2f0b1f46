package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

type createActorRequest struct {
	Creator    string `json:"creator" form:"creator"`
	Passphrase string `json:"passphrase" form:"passphrase"`
	ID         string `json:"id" form:"id"`
}

// createActor implements POST /.
func (h *Handlers) createActor(c *gin.Context) {
	var req createActorRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Creator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creator is required"})
		return
	}

	a, passphrase, err := h.actors.Create(c.Request.Context(), req.ID, req.Creator, req.Passphrase)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         a.ID,
		"creator":    a.Creator,
		"passphrase": passphrase,
		"url":        fmt.Sprintf("%s/%s/", h.issuer, a.ID),
	})
}

// getActor implements GET /<id>/.
func (h *Handlers) getActor(c *gin.Context) {
	a, err := h.actors.Get(c.Request.Context(), c.Param(actorIDParam))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         a.ID,
		"creator":    a.Creator,
		"created_at": a.CreatedAt,
		"url":        fmt.Sprintf("%s/%s/", h.issuer, a.ID),
	})
}

// deleteActor implements DELETE /<id>/.
func (h *Handlers) deleteActor(c *gin.Context) {
	if err := h.actors.Delete(c.Request.Context(), c.Param(actorIDParam)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getMeta implements GET /<id>/meta[/<name>].
func (h *Handlers) getMeta(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	a, err := h.actors.Get(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}

	meta := gin.H{
		"id":        a.ID,
		"creator":   a.Creator,
		"url":       fmt.Sprintf("%s/%s/", h.issuer, a.ID),
		"actingweb": gin.H{"supported": []string{"resync"}},
	}

	name := trimLeadingSlash(c.Param("name"))
	if name == "" {
		c.JSON(http.StatusOK, meta)
		return
	}
	if name == "actingweb/supported" {
		c.JSON(http.StatusOK, gin.H{"supported": []string{"resync"}})
		return
	}
	v, ok := meta[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{name: v})
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}
