// Thin HTTP client helpers backing the "subscribe" method hook and the
// suspend/resume bulk-edit actions main.go registers: the reference server
// drives the peer-facing half of the subscription protocol through the same
// public HTTP surface any other ActingWeb node would use.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/subscription"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

var peerClient = &http.Client{Timeout: 10 * time.Second}

// remoteSubscription is the slice of a publisher's 201 response the
// subscribe method hook needs to track the new subscription.
type remoteSubscription struct {
	SubID  string `json:"subscription_id"`
	Target string `json:"target"`
}

// subscribeRemote creates a subscription on the publisher at peerBaseURI
// via POST /<publisher>/subscriptions/<subscriber>, naming subscriberID as
// the watching peer.
func subscribeRemote(ctx context.Context, peerBaseURI, subscriberID, target, subtarget, resource, granularity string) (*remoteSubscription, error) {
	body, err := json.Marshal(map[string]string{
		"target": target, "subtarget": subtarget, "resource": resource, "granularity": granularity,
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/subscriptions/%s", peerBaseURI, subscriberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := peerClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe at %s: %w", peerBaseURI, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("subscribe at %s: status %d: %s", peerBaseURI, resp.StatusCode, raw)
	}
	var sub remoteSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}
	return &sub, nil
}

func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}
	return json.Unmarshal(body, v)
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func errorJSON(err error) []byte {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return out
}

// registerTrustMethod wires an "establish-trust" method hook that initiates
// the outbound half of the reciprocal handshake (trust.Service.Propose) from
// one of this server's actors toward a remote peer.
func registerTrustMethod(dispatcher *hooks.Dispatcher, trustSvc *trust.Service, issuer string, logger *zap.Logger) {
	dispatcher.RegisterMethod("establish-trust", func(ctx context.Context, actorID string, _ string, body []byte) ([]byte, bool) {
		var req struct {
			PeerBaseURI  string `json:"peer_base_uri"`
			PeerID       string `json:"peer_id"`
			Relationship string `json:"relationship"`
			Description  string `json:"description"`
		}
		if err := decodeJSON(body, &req); err != nil {
			return errorJSON(err), true
		}
		selfBaseURI := issuer + "/" + actorID
		t, err := trustSvc.Propose(ctx, actorID, selfBaseURI, req.PeerBaseURI, req.PeerID, req.Relationship, req.Description)
		if err != nil {
			return errorJSON(err), true
		}
		logger.Info("trust proposed", zap.String("actor_id", actorID), zap.String("peer_id", req.PeerID), zap.String("relationship", req.Relationship))
		out, _ := encodeJSON(t)
		return out, true
	})
}

// registerBulkActions wires "suspend" and "resume" action hooks around the
// subscription engine's suspension mask, so a bulk property edit
// can be bracketed over the actions surface.
func registerBulkActions(dispatcher *hooks.Dispatcher, engine *subscription.Engine, logger *zap.Logger) {
	type maskRequest struct {
		Target    string `json:"target"`
		SubTarget string `json:"subtarget"`
	}

	dispatcher.RegisterAction("suspend", func(ctx context.Context, actorID string, _ string, body []byte) ([]byte, bool) {
		var req maskRequest
		if err := decodeJSON(body, &req); err != nil {
			return errorJSON(err), true
		}
		engine.Suspend(req.Target, req.SubTarget)
		logger.Info("diff registration suspended", zap.String("actor_id", actorID), zap.String("target", req.Target), zap.String("subtarget", req.SubTarget))
		return []byte(`{"suspended":true}`), true
	})

	dispatcher.RegisterAction("resume", func(ctx context.Context, actorID string, _ string, body []byte) ([]byte, bool) {
		var req maskRequest
		if err := decodeJSON(body, &req); err != nil {
			return errorJSON(err), true
		}
		if err := engine.Resume(ctx, actorID, req.Target, req.SubTarget); err != nil {
			return errorJSON(err), true
		}
		return []byte(`{"resumed":true}`), true
	})
}
