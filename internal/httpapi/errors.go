package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/oauthserver"
	"github.com/jmerrifield20/actingweb-core/internal/property"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// writeError maps a backend/service error to its HTTP status, writing a
// structured {"error": ...} body.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, property.ErrHidden):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, property.ErrRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": "rejected"})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	case errors.Is(err, oauthserver.ErrUnknownClient), errors.Is(err, oauthserver.ErrInvalidSecret),
		errors.Is(err, oauthserver.ErrInvalidGrant), errors.Is(err, oauthserver.ErrTokenInvalid),
		errors.Is(err, oauthserver.ErrTokenExpired), errors.Is(err, oauthserver.ErrRefreshUnavailable):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, oauthserver.ErrGrantTypeDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
