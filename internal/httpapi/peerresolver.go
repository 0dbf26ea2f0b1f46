// Package httpapi mounts the engine's HTTP surface onto gin: the factory,
// property CRUD, trust lifecycle, subscriptions/callbacks, methods/actions,
// OAuth2 client+server endpoints, the MCP endpoint, and discovery
// well-knowns.
package httpapi

import (
	"context"

	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

// peerResolver adapts internal/trust.Service into subscription.PeerResolver,
// resolving a peer's base URI from the trust relationship on file. It is the
// concrete type the design notes in subscription/fanout.go defer to
// "internal/trust at the httpapi layer".
type peerResolver struct {
	trust *trust.Service
}

func newPeerResolver(t *trust.Service) *peerResolver {
	return &peerResolver{trust: t}
}

func (p *peerResolver) BaseURI(ctx context.Context, actorID, peerID string) (string, error) {
	t, err := p.trust.Get(ctx, actorID, peerID)
	if err != nil {
		return "", err
	}
	return t.BaseURI, nil
}
