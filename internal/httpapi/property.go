package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/property"
)

// pathSegments splits a gin *path wildcard capture ("/a/b", or "" for the
// bare /properties route) into its path segments.
func pathSegments(raw string) []string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func readJSONBody(c *gin.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(body), nil
}

// listProperties implements GET /<id>/properties.
func (h *Handlers) listProperties(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	values, err := h.properties.List(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, values)
}

// getProperty implements GET /<id>/properties/<path>...
func (h *Handlers) getProperty(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	path := pathSegments(c.Param("path"))
	if len(path) == 0 {
		h.listProperties(c)
		return
	}

	v, err := h.properties.Get(c.Request.Context(), actorID, path)
	if err != nil {
		if errors.Is(err, property.ErrHidden) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", v)
}

// listParent splits path into (parent, itemID) when its last segment can
// address an item of a list-typed parent property; ok is false for
// single-segment paths and for parents that are not lists.
func (h *Handlers) listParent(c *gin.Context, actorID string, path []string) (parent []string, itemID string, ok bool) {
	if len(path) < 2 {
		return nil, "", false
	}
	parent, itemID = path[:len(path)-1], path[len(path)-1]
	if !h.properties.IsList(c.Request.Context(), actorID, parent) {
		return nil, "", false
	}
	return parent, itemID, true
}

// putProperty implements PUT /<id>/properties/<path>... (full replace). On
// a list-typed parent, PUT /<path>/<item_id> replaces that one item.
func (h *Handlers) putProperty(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	path := pathSegments(c.Param("path"))
	if len(path) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "property path is required"})
		return
	}
	value, err := readJSONBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if parent, itemID, ok := h.listParent(c, actorID, path); ok {
		if err := h.properties.ListUpdate(c.Request.Context(), actorID, parent, itemID, value); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusOK)
		return
	}

	if err := h.properties.Set(c.Request.Context(), actorID, path, value); err != nil {
		if errors.Is(err, property.ErrRejected) {
			c.JSON(http.StatusForbidden, gin.H{"error": "rejected"})
			return
		}
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// postProperty implements POST /<id>/properties/<path>... (create/update
// children). On a list-typed property — existing, or newly declared with
// ?list=true — POST appends one item and returns its stable item ID.
func (h *Handlers) postProperty(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	path := pathSegments(c.Param("path"))
	if len(path) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "property path is required"})
		return
	}
	value, err := readJSONBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if c.Query("list") == "true" || h.properties.IsList(c.Request.Context(), actorID, path) {
		itemID, err := h.properties.ListAppend(c.Request.Context(), actorID, path, value)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"item_id": itemID})
		return
	}

	if err := h.properties.Post(c.Request.Context(), actorID, path, value); err != nil {
		if errors.Is(err, property.ErrRejected) {
			c.JSON(http.StatusForbidden, gin.H{"error": "rejected"})
			return
		}
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// deleteProperty implements DELETE /<id>/properties/<path>... On a
// list-typed parent, DELETE /<path>/<item_id> removes that one item.
func (h *Handlers) deleteProperty(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	path := pathSegments(c.Param("path"))
	if len(path) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "property path is required"})
		return
	}

	if parent, itemID, ok := h.listParent(c, actorID, path); ok {
		if err := h.properties.ListDelete(c.Request.Context(), actorID, parent, itemID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.properties.Delete(c.Request.Context(), actorID, path); err != nil {
		if errors.Is(err, property.ErrRejected) {
			c.JSON(http.StatusForbidden, gin.H{"error": "rejected"})
			return
		}
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
