package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/authrouter"
)

const actorIDParam = "id"

// Register mounts the full HTTP surface onto r.
func (h *Handlers) Register(r *gin.Engine) {
	r.POST("/", h.createActor)

	actorRoot := r.Group("/:" + actorIDParam)
	protected := actorRoot.Group("")
	protected.Use(authrouter.Middleware(h.router, actorIDParam))

	actorRoot.GET("/", h.getActor)
	protected.DELETE("/", h.deleteActor)

	protected.GET("/properties", h.listProperties)
	protected.GET("/properties/*path", h.getProperty)
	protected.PUT("/properties/*path", h.putProperty)
	protected.POST("/properties/*path", h.postProperty)
	protected.DELETE("/properties/*path", h.deleteProperty)

	actorRoot.GET("/meta", h.getMeta)
	actorRoot.GET("/meta/*name", h.getMeta)

	actorRoot.POST("/trust/:relationship", h.initiateTrust)
	protected.GET("/trust/:relationship/:peer", h.getTrust)
	protected.PUT("/trust/:relationship/:peer", h.updateTrust)
	protected.DELETE("/trust/:relationship/:peer", h.deleteTrust)
	protected.GET("/trust/:relationship/:peer/permissions", h.getOverride)
	protected.PUT("/trust/:relationship/:peer/permissions", h.putOverride)
	protected.DELETE("/trust/:relationship/:peer/permissions", h.deleteOverride)

	protected.POST("/subscriptions/:peer", h.createSubscription)
	protected.GET("/subscriptions/:peer/:sub_id", h.getSubscription)
	protected.PUT("/subscriptions/:peer/:sub_id", h.confirmSubscription)
	protected.DELETE("/subscriptions/:peer/:sub_id", h.deleteSubscription)

	actorRoot.POST("/callbacks/subscriptions/:publisher/:sub_id", h.receiveCallback)
	actorRoot.DELETE("/callbacks/subscriptions/:publisher/:sub_id", h.terminateCallback)

	protected.POST("/methods/:name", h.callMethod)
	protected.POST("/actions/:name", h.callAction)

	protected.GET("/mcp", h.mcp.Handler(actorIDParam))
	protected.POST("/mcp", h.mcp.Handler(actorIDParam))

	registerOAuth(r, h)
	registerWellKnown(r, h)
}
