package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/authrouter"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

// initiateTrust implements POST /<id>/trust/<relationship>: the incoming
// half of the ActingWeb trust handshake. It is
// deliberately unauthenticated — the request's own verification round-trip
// is the proof of identity.
func (h *Handlers) initiateTrust(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	relationship := c.Param("relationship")

	var req trust.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Relationship = relationship

	peerID := c.Query("peer_id")
	if err := h.trustSvc.Initiate(c.Request.Context(), actorID, peerID, req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// getTrust implements GET /<id>/trust/<relationship>/<peer>.
func (h *Handlers) getTrust(c *gin.Context) {
	t, err := h.trustSvc.Get(c.Request.Context(), c.Param(actorIDParam), c.Param("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type updateTrustRequest struct {
	Approved bool `json:"approved"`
}

// updateTrust implements PUT /<id>/trust/<relationship>/<peer> (approval
// toggle). When the authenticated caller is the peer itself, the PUT flips
// peer_approved; when it is the actor's owner, approved. Either side may
// PUT to approve.
func (h *Handlers) updateTrust(c *gin.Context) {
	var req updateTrustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Approved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only approved=true is supported"})
		return
	}

	actorID := c.Param(actorIDParam)
	peerID := c.Param("peer")

	var (
		t   *storage.Trust
		err error
	)
	if id, ok := authrouter.IdentityFromContext(c); ok && id.Kind == authrouter.KindTrustPeer && id.PeerID == peerID {
		t, err = h.trustSvc.ApprovePeer(c.Request.Context(), actorID, peerID)
	} else {
		t, err = h.trustSvc.Approve(c.Request.Context(), actorID, peerID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// deleteTrust implements DELETE /<id>/trust/<relationship>/<peer>.
func (h *Handlers) deleteTrust(c *gin.Context) {
	if err := h.trustSvc.Delete(c.Request.Context(), c.Param(actorIDParam), c.Param("peer")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getOverride implements GET /<id>/trust/<relationship>/<peer>/permissions.
func (h *Handlers) getOverride(c *gin.Context) {
	ov, err := h.trustSvc.GetOverride(c.Request.Context(), c.Param(actorIDParam), c.Param("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// putOverride implements PUT /<id>/trust/<relationship>/<peer>/permissions.
func (h *Handlers) putOverride(c *gin.Context) {
	var categories map[string]trust.CategoryOverrideDTO
	if err := c.ShouldBindJSON(&categories); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.trustSvc.PutOverride(c.Request.Context(), c.Param(actorIDParam), c.Param("peer"), categories); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// deleteOverride implements DELETE /<id>/trust/<relationship>/<peer>/permissions.
func (h *Handlers) deleteOverride(c *gin.Context) {
	if err := h.trustSvc.DeleteOverride(c.Request.Context(), c.Param(actorIDParam), c.Param("peer")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
