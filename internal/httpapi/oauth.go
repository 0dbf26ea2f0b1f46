package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/actingweb-core/internal/oauthclient"
)

// registerOAuth mounts the OAuth2 client+server endpoints: GET
// /oauth/authorize, POST /oauth/token, POST /oauth/register,
// GET /oauth/callback, GET|POST /oauth/email.
func registerOAuth(r *gin.Engine, h *Handlers) {
	g := r.Group("/oauth")
	g.GET("/authorize", h.oauthAuthorize)
	g.POST("/token", h.oauthToken)
	g.POST("/register", h.oauthRegister)
	g.GET("/callback", h.oauthCallback)
	g.GET("/email", h.oauthEmailForm)
	g.POST("/email", h.oauthEmailSubmit)
}

// oauthAuthorize implements GET /oauth/authorize: the login entry point,
// redirecting the browser to the selected upstream provider. The
// actor_id query parameter, when present, pins the session to an existing
// actor per the cross-actor invariant; trust_type selects the
// relationship the MCP/authorization-server flow will grant on return.
func (h *Handlers) oauthAuthorize(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	actorID := c.Query("actor_id")

	var (
		url string
		err error
	)
	if trustType := c.Query("trust_type"); trustType != "" || c.Query("mcp") == "true" {
		url, err = h.oauthClient.BeginMCPLogin(provider, actorID, c.Query("trust_type"))
	} else {
		url, err = h.oauthClient.BeginWebLogin(provider, actorID)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Redirect(http.StatusFound, url)
}

// oauthCallback implements GET /oauth/callback, the upstream provider's
// redirect target. Completes the code exchange, resolves
// or creates the actor, and either sets the session cookie (web login) or
// issues an authorization code for the MCP/authorization-server flow.
func (h *Handlers) oauthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": errParam, "error_description": c.Query("error_description")})
		return
	}

	result, err := h.oauthClient.Callback(c.Request.Context(), state, code)
	if err != nil {
		switch {
		case errors.Is(err, oauthclient.ErrCrossActor):
			// Cross-actor block: the error string names both the
			// pinned actor's creator and the authenticated identity.
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, oauthclient.ErrBadState):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	if result.NeedsEmailForm {
		c.Redirect(http.StatusFound, "/oauth/email?session_id="+result.SessionID)
		return
	}

	if result.MCP {
		authCode, err := h.oauthServer.IssueAuthCode(c.Request.Context(), c.Query("client_id"), result.Actor.ID, result.TrustType, c.Query("scope"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": authCode, "actor_id": result.Actor.ID})
		return
	}

	c.SetCookie("oauth_token", result.AccessToken, 1209600, "/", "", true, true)
	c.Redirect(http.StatusFound, "/"+result.Actor.ID+"/")
}

type oauthEmailRequest struct {
	SessionID string `json:"session_id" form:"session_id"`
	Email     string `json:"email" form:"email"`
}

// oauthEmailForm implements GET /oauth/email: a minimal fallback form for
// providers that return no verified email.
func (h *Handlers) oauthEmailForm(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(
		`<html><body><form method="post" action="/oauth/email">`+
			`<input type="hidden" name="session_id" value="`+c.Query("session_id")+`">`+
			`<input type="email" name="email" required>`+
			`<button type="submit">Continue</button></form></body></html>`,
	))
}

// oauthEmailSubmit implements POST /oauth/email.
func (h *Handlers) oauthEmailSubmit(c *gin.Context) {
	var req oauthEmailRequest
	if err := c.ShouldBind(&req); err != nil || req.SessionID == "" || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and email are required"})
		return
	}
	result, err := h.oauthClient.CompleteEmailForm(c.Request.Context(), req.SessionID, req.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.SetCookie("oauth_token", result.AccessToken, 1209600, "/", "", true, true)
	c.Redirect(http.StatusFound, "/"+result.Actor.ID+"/")
}

type oauthRegisterRequest struct {
	OwnerActorID string `json:"owner_actor_id"`
	TrustType    string `json:"trust_type"`
}

// oauthRegister implements POST /oauth/register (dynamic client
// registration).
func (h *Handlers) oauthRegister(c *gin.Context) {
	var req oauthRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	clientID, clientSecret, err := h.oauthServer.Register(c.Request.Context(), req.OwnerActorID, req.TrustType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client_id": clientID, "client_secret": clientSecret})
}

// oauthToken implements POST /oauth/token: authorization_code
// and client_credentials grants.
func (h *Handlers) oauthToken(c *gin.Context) {
	grantType := c.PostForm("grant_type")
	clientID := c.PostForm("client_id")
	clientSecret := c.PostForm("client_secret")

	switch grantType {
	case "authorization_code":
		token, err := h.oauthServer.ExchangeAuthorizationCode(c.Request.Context(), clientID, clientSecret, c.PostForm("code"))
		if err != nil {
			writeError(c, err)
			return
		}
		writeTokenResponse(c, token.AccessToken, token.RefreshToken, token.Scope, token.ExpiresAt)
	case "client_credentials":
		token, err := h.oauthServer.ExchangeClientCredentials(c.Request.Context(), clientID, clientSecret, c.PostForm("scope"))
		if err != nil {
			writeError(c, err)
			return
		}
		writeTokenResponse(c, token.AccessToken, token.RefreshToken, token.Scope, token.ExpiresAt)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
	}
}

func writeTokenResponse(c *gin.Context, accessToken, refreshToken, scope string, expiresAt time.Time) {
	body := gin.H{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(expiresAt).Seconds()),
		"scope":        scope,
	}
	if refreshToken != "" {
		body["refresh_token"] = refreshToken
	}
	c.JSON(http.StatusOK, body)
}
