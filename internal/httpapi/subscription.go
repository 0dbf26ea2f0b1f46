package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type createSubscriptionRequest struct {
	Target      string `json:"target"`
	SubTarget   string `json:"subtarget"`
	Resource    string `json:"resource"`
	Granularity string `json:"granularity"`
}

// createSubscription implements POST /<id>/subscriptions/<peer>. The
// caller is the subscriber.
func (h *Handlers) createSubscription(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	peerID := c.Param("peer")

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}

	sub, err := h.subs.Create(c.Request.Context(), actorID, peerID, req.Target, req.SubTarget, req.Resource, req.Granularity)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("%s/%s/subscriptions/%s/%s", h.issuer, actorID, peerID, sub.SubID))
	c.JSON(http.StatusCreated, sub)
}

// diffEntry is the wire shape of one outstanding diff, matching what
// subscription.PeerSync decodes on the pulling side.
type diffEntry struct {
	Sequence  int64           `json:"sequence"`
	Target    string          `json:"target"`
	SubTarget string          `json:"subtarget,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// getSubscription implements GET /<id>/subscriptions/<peer>/<sub_id>,
// returning {subscription, data} with the outstanding diffs under "data".
func (h *Handlers) getSubscription(c *gin.Context) {
	sub, diffs, err := h.subs.Get(c.Request.Context(), c.Param(actorIDParam), c.Param("peer"), c.Param("sub_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	entries := make([]diffEntry, 0, len(diffs))
	for _, d := range diffs {
		entries = append(entries, diffEntry{
			Sequence: d.Sequence, Target: d.Target, SubTarget: d.SubTarget,
			Data: json.RawMessage(d.Blob), Timestamp: d.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "data": entries})
}

type confirmSubscriptionRequest struct {
	Sequence int64 `json:"sequence"`
}

// confirmSubscription implements PUT /<id>/subscriptions/<peer>/<sub_id>:
// prunes diffs at or below sequence.
func (h *Handlers) confirmSubscription(c *gin.Context) {
	var req confirmSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.subs.Confirm(c.Request.Context(), c.Param("sub_id"), req.Sequence); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteSubscription implements DELETE /<id>/subscriptions/<peer>/<sub_id>.
func (h *Handlers) deleteSubscription(c *gin.Context) {
	if err := h.subs.Delete(c.Request.Context(), c.Param(actorIDParam), c.Param("peer"), c.Param("sub_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type callbackPayload struct {
	Sequence  int64           `json:"sequence"`
	Target    string          `json:"target"`
	SubTarget string          `json:"subtarget"`
	Data      json.RawMessage `json:"data"`
	Type      string          `json:"type"`
}

// receiveCallback implements POST /<id>/callbacks/subscriptions/<publisher>/<sub_id>:
// VALID=204, DUPLICATE=204, GAP=204 (429 when pending is full),
// RESYNC_TRIGGERED=200, and the type=resync full reset.
func (h *Handlers) receiveCallback(c *gin.Context) {
	var payload callbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	subID := c.Param("sub_id")

	if payload.Type == "resync" {
		// Full reset: pending is discarded, data applied as a complete
		// replacement, and the processor adopts the publisher's sequence.
		if err := h.processor.ApplyBaseline(c.Request.Context(), subID, payload.Target, payload.SubTarget, payload.Data, payload.Sequence); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	status, _, err := h.processor.Process(c.Request.Context(), subID, payload.Sequence, payload.Target, payload.SubTarget, payload.Data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(status)
}

// terminateCallback implements DELETE /<id>/callbacks/subscriptions/<publisher>/<sub_id>
// (publisher-initiated termination): drops the local inbound copy of the
// subscription so no further callbacks are expected.
func (h *Handlers) terminateCallback(c *gin.Context) {
	actorID := c.Param(actorIDParam)
	publisherID := c.Param("publisher")
	subID := c.Param("sub_id")
	if err := h.subs.Delete(c.Request.Context(), actorID, publisherID, subID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
