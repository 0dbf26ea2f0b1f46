package httpapi

import (
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/actor"
	"github.com/jmerrifield20/actingweb-core/internal/authrouter"
	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/mcpserver"
	"github.com/jmerrifield20/actingweb-core/internal/oauthclient"
	"github.com/jmerrifield20/actingweb-core/internal/oauthserver"
	"github.com/jmerrifield20/actingweb-core/internal/property"
	"github.com/jmerrifield20/actingweb-core/internal/subscription"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

// Handlers wires every engine component to its slice of the HTTP surface.
// One Handlers serves one application instance.
type Handlers struct {
	actors       *actor.Service
	properties   *property.Store
	trustReg     *trust.Registry
	trustSvc     *trust.Service
	subs         *subscription.Engine
	processor    *subscription.Processor
	peerSync     *subscription.PeerSync
	capabilities *subscription.CapabilityCache
	oauthClient  *oauthclient.Client
	oauthServer  *oauthserver.Server
	mcp          *mcpserver.Server
	dispatcher   *hooks.Dispatcher
	router       *authrouter.Router
	issuer       string
	logger       *zap.Logger
}

// Config bundles every dependency Handlers needs, assembled by
// cmd/actingwebd's wiring sequence.
type Config struct {
	Actors       *actor.Service
	Properties   *property.Store
	TrustReg     *trust.Registry
	TrustSvc     *trust.Service
	Subs         *subscription.Engine
	Processor    *subscription.Processor
	PeerSync     *subscription.PeerSync
	Capabilities *subscription.CapabilityCache
	OAuthClient  *oauthclient.Client
	OAuthServer  *oauthserver.Server
	MCP          *mcpserver.Server
	Dispatcher   *hooks.Dispatcher
	Router       *authrouter.Router
	Issuer       string
	Logger       *zap.Logger
}

// New creates a Handlers set from cfg.
func New(cfg Config) *Handlers {
	return &Handlers{
		actors:       cfg.Actors,
		properties:   cfg.Properties,
		trustReg:     cfg.TrustReg,
		trustSvc:     cfg.TrustSvc,
		subs:         cfg.Subs,
		processor:    cfg.Processor,
		peerSync:     cfg.PeerSync,
		capabilities: cfg.Capabilities,
		oauthClient:  cfg.OAuthClient,
		oauthServer:  cfg.OAuthServer,
		mcp:          cfg.MCP,
		dispatcher:   cfg.Dispatcher,
		router:       cfg.Router,
		issuer:       cfg.Issuer,
		logger:       cfg.Logger,
	}
}

// NewPeerResolver exposes the package's subscription.PeerResolver adapter so
// cmd/actingwebd can build the FanoutManager/CapabilityCache/PeerSync before
// Handlers itself exists (those depend on trust.Service only).
func NewPeerResolver(t *trust.Service) subscription.PeerResolver {
	return newPeerResolver(t)
}
