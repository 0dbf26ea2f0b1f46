package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/oauthserver"
)

// registerWellKnown mounts the OAuth2 discovery documents.
func registerWellKnown(r *gin.Engine, h *Handlers) {
	wk := r.Group("/.well-known")
	wk.GET("/oauth-authorization-server", func(c *gin.Context) {
		c.JSON(http.StatusOK, oauthserver.DiscoveryMetadata(h.issuer))
	})
	wk.GET("/oauth-protected-resource", func(c *gin.Context) {
		c.JSON(http.StatusOK, oauthserver.ProtectedResourceMetadata(h.issuer))
	})
	wk.GET("/oauth-protected-resource/mcp", func(c *gin.Context) {
		c.JSON(http.StatusOK, oauthserver.ProtectedResourceMetadata(h.issuer))
	})
}
