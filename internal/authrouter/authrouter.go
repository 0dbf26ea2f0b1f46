// Package authrouter implements the authentication router: on every
// protected route, select a credential source in priority order
// (bearer token, basic auth, oauth cookie, OAuth2 login redirect) and
// return a structured decision rather than writing the HTTP response
// directly. The gin middleware wrapper stashes the authenticated identity
// in the request context; WWW-Authenticate challenges point callers at the
// authorization-server discovery metadata.
package authrouter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/actor"
	"github.com/jmerrifield20/actingweb-core/internal/oauthserver"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// Kind identifies which credential source authenticated a request.
type Kind string

const (
	KindOAuth2     Kind = "oauth2"
	KindTrustPeer  Kind = "trust_peer"
	KindBasicOwner Kind = "basic_owner"
)

// Identity is the authenticated principal of a request.
type Identity struct {
	ActorID string
	PeerID  string // non-empty only for KindTrustPeer
	Kind    Kind
}

// Response is the HTTP response the caller should write when a route is not
// authenticated.
type Response struct {
	Code    int
	Headers map[string]string
	Text    string
}

// Decision is the router's verdict for one request.
type Decision struct {
	Authenticated bool
	Identity      Identity
	Response      *Response
	Redirect      string
}

// ActorGetter is the subset of internal/actor.Service the router depends on.
type ActorGetter interface {
	Get(ctx context.Context, id string) (*actor.Actor, error)
	VerifyPassphrase(ctx context.Context, id, passphrase string) (bool, error)
}

// TokenValidator is the subset of internal/oauthserver.Server the router
// depends on.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (*oauthserver.Token, error)
}

// TrustGetter is the subset of internal/trust.Service the router depends on.
type TrustGetter interface {
	Get(ctx context.Context, actorID, peerID string) (*storage.Trust, error)
	List(ctx context.Context, actorID string) ([]*storage.Trust, error)
}

// Router implements the four-step credential selection above.
type Router struct {
	actors  ActorGetter
	tokens  TokenValidator
	trusts  TrustGetter
	issuer  string // base URL advertised in WWW-Authenticate / redirects
	loginOK bool   // true when OAuth2 login is configured
}

// New creates a Router. issuer is this server's externally visible base URL,
// used to compose WWW-Authenticate challenges and discovery pointers.
func New(actors ActorGetter, tokens TokenValidator, trusts TrustGetter, issuer string, loginConfigured bool) *Router {
	return &Router{actors: actors, tokens: tokens, trusts: trusts, issuer: issuer, loginOK: loginConfigured}
}

// Authenticate runs the four-step credential selection for one request
// scoped to actorID (the actor named in the request path).
func (r *Router) Authenticate(ctx context.Context, actorID string, header http.Header, oauthCookie string) *Decision {
	if tok, ok := bearerToken(header); ok {
		return r.authenticateBearer(ctx, actorID, tok)
	}
	if user, pass, ok := basicCredentials(header); ok {
		return r.authenticateBasic(ctx, actorID, user, pass)
	}
	if oauthCookie != "" {
		return r.authenticateBearer(ctx, actorID, oauthCookie)
	}
	if r.loginOK {
		return &Decision{Redirect: r.loginRedirect(actorID)}
	}
	return &Decision{Response: r.challenge(http.StatusUnauthorized, "no credential presented")}
}

func (r *Router) authenticateBearer(ctx context.Context, actorID, tok string) *Decision {
	if t, err := r.tokens.Validate(ctx, tok); err == nil {
		return &Decision{
			Authenticated: true,
			// PeerID is the OAuth2 client — the trust relationship created
			// at token issuance is keyed (actor, client_id), so
			// permission evaluation against that trust needs the client as
			// the peer, not the bound actor itself.
			Identity: Identity{ActorID: t.ActorID, PeerID: t.ClientID, Kind: KindOAuth2},
		}
	}
	// Not an OAuth2 server token; check whether it matches an ActingWeb
	// trust secret for this actor.
	trusts, err := r.trusts.List(ctx, actorID)
	if err == nil {
		for _, t := range trusts {
			if t.Secret == tok && t.Active() {
				return &Decision{
					Authenticated: true,
					Identity:      Identity{ActorID: actorID, PeerID: t.PeerID, Kind: KindTrustPeer},
				}
			}
		}
	}
	return &Decision{Response: r.challenge(http.StatusUnauthorized, "invalid bearer token")}
}

func (r *Router) authenticateBasic(ctx context.Context, actorID, user, pass string) *Decision {
	// A peer may present its shared secret, or — during the reciprocal
	// handshake, before the trust is active — the verification token it was
	// handed in the initiation POST. Activation gating happens in the
	// permission evaluator, not here: a not-yet-active peer must still be
	// able to reach the verification and approval endpoints.
	if t, err := r.trusts.Get(ctx, actorID, user); err == nil &&
		(t.Secret == pass || (t.VerificationToken != "" && t.VerificationToken == pass)) {
		return &Decision{
			Authenticated: true,
			Identity:      Identity{ActorID: actorID, PeerID: user, Kind: KindTrustPeer},
		}
	}
	a, err := r.actors.Get(ctx, actorID)
	if err == nil && a.Creator == user {
		ok, err := r.actors.VerifyPassphrase(ctx, actorID, pass)
		if err == nil && ok {
			return &Decision{
				Authenticated: true,
				Identity:      Identity{ActorID: actorID, Kind: KindBasicOwner},
			}
		}
	}
	return &Decision{Response: r.challenge(http.StatusUnauthorized, "invalid basic credentials")}
}

func (r *Router) challenge(code int, text string) *Response {
	return &Response{
		Code: code,
		Headers: map[string]string{
			"WWW-Authenticate": fmt.Sprintf(
				`Bearer realm=%q, as_uri=%q`, r.issuer, r.issuer+"/.well-known/oauth-authorization-server",
			),
		},
		Text: text,
	}
}

func (r *Router) loginRedirect(actorID string) string {
	return fmt.Sprintf("%s/oauth/authorize?actor_id=%s", r.issuer, actorID)
}

func bearerToken(h http.Header) (string, bool) {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}

func basicCredentials(h http.Header) (user, pass string, ok bool) {
	auth := h.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, prefix))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Middleware adapts Authenticate into a gin.HandlerFunc gated to one path
// parameter naming the actor ID, writing the decision's response/redirect
// directly and storing the identity in the gin context on success.
func Middleware(r *Router, actorIDParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.Param(actorIDParam)
		cookie, _ := c.Cookie("oauth_token")
		decision := r.Authenticate(c.Request.Context(), actorID, c.Request.Header, cookie)

		if decision.Authenticated {
			c.Set("identity", decision.Identity)
			c.Next()
			return
		}
		if decision.Redirect != "" {
			// A browser can follow the login redirect; the MCP endpoint's
			// clients are programmatic and need the 401 challenge pointing at
			// the authorization-server metadata instead.
			if strings.HasSuffix(c.FullPath(), "/mcp") {
				for k, v := range r.challenge(http.StatusUnauthorized, "oauth2 authentication required").Headers {
					c.Header(k, v)
				}
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "oauth2 authentication required"})
				return
			}
			c.Redirect(http.StatusFound, decision.Redirect)
			c.Abort()
			return
		}
		for k, v := range decision.Response.Headers {
			c.Header(k, v)
		}
		c.AbortWithStatusJSON(decision.Response.Code, gin.H{"error": decision.Response.Text})
	}
}

// IdentityFromContext retrieves the Identity stashed by Middleware.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get("identity")
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
