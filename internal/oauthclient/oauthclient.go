// Package oauthclient implements ActingWeb's OAuth2 client role:
// provider-agnostic login, two distinguishable state shapes (JSON for the
// web UI, signed JWT for the MCP/authorization-server flow), email/
// provider-id identity extraction, the email-fallback login session, and
// the cross-actor creator check. Providers are plain configuration records;
// provider quirks (the GitHub User-Agent requirement, the emails-API
// fallback, Google's offline-access consent) live in the records, not in
// per-provider types.
package oauthclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/jmerrifield20/actingweb-core/internal/actor"
	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// EmailStrategy names how a provider's verified email is obtained.
type EmailStrategy string

const (
	EmailDirect    EmailStrategy = "direct"     // present directly on the userinfo/ID-token response
	EmailEmailsAPI EmailStrategy = "emails_api" // needs a secondary API call (GitHub)
	EmailProvider  EmailStrategy = "provider_id" // provider never returns email; synthesize <provider>:<sub>
)

// ProviderConfig is an immutable record describing one upstream OAuth2/OIDC
// provider; there is no provider class hierarchy, only configuration plus a
// capability set.
type ProviderConfig struct {
	Name             string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	Scopes           []string
	Endpoint         oauth2.Endpoint
	UserInfoURL      string // empty when OIDC ID-token parsing covers identity
	OIDCIssuer       string // non-empty enables go-oidc ID-token verification
	ExtraAuthParams  []oauth2.AuthCodeOption
	ExtraHeaders     map[string]string
	RefreshSupported bool
	EmailStrategy    EmailStrategy
}

// DefaultGoogle returns Google's provider config. Google issues refresh
// tokens only when access_type=offline and prompt=consent are both present
//.
func DefaultGoogle(clientID, clientSecret, redirectURL string) ProviderConfig {
	return ProviderConfig{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
		OIDCIssuer:   "https://accounts.google.com",
		ExtraAuthParams: []oauth2.AuthCodeOption{
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
		RefreshSupported: true,
		EmailStrategy:    EmailDirect,
	}
}

// DefaultGitHub returns GitHub's provider config. GitHub requires a
// User-Agent header and Accept: application/json on every API call and
// never issues refresh tokens.
func DefaultGitHub(clientID, clientSecret, redirectURL string) ProviderConfig {
	return ProviderConfig{
		Name:             "github",
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		RedirectURL:      redirectURL,
		Scopes:           []string{"user:email"},
		Endpoint:         github.Endpoint,
		UserInfoURL:      "https://api.github.com/user",
		ExtraHeaders:     map[string]string{"User-Agent": "actingweb-core/1.0", "Accept": "application/json"},
		RefreshSupported: false,
		EmailStrategy:    EmailEmailsAPI,
	}
}

// ActorLookup is the subset of internal/actor.Service the client depends on.
type ActorLookup interface {
	Get(ctx context.Context, id string) (*actor.Actor, error)
	FindByCreator(ctx context.Context, creator string) (*actor.Actor, error)
	Create(ctx context.Context, id, creator, passphrase string) (*actor.Actor, string, error)
}

// jsonState is the web-UI login state shape: a recognizable envelope
// base64-encoded into the OAuth `state` parameter. Distinguished from the
// encrypted-state shape by a successful parse of the "v":1 header, which
// keeps routing of the shared /oauth/callback deterministic.
type jsonState struct {
	V        int    `json:"v"`
	Provider string `json:"provider"`
	ActorID  string `json:"actor_id,omitempty"`
	Nonce    string `json:"nonce"`
}

// encryptedStateClaims is the MCP/authorization-server flow's state shape:
// a short-lived HMAC-signed JWT.
type encryptedStateClaims struct {
	jwt.RegisteredClaims
	Provider  string `json:"provider"`
	ActorID   string `json:"actor_id,omitempty"`
	TrustType string `json:"trust_type"`
}

// Client implements the OAuth2 client role for one application instance.
type Client struct {
	providers   map[string]ProviderConfig
	actors      ActorLookup
	backend     storage.Backend
	hooks       *hooks.Dispatcher
	stateSecret []byte
	httpClient  *http.Client
	logger      *zap.Logger

	// UseProviderID, when true, synthesizes creator = "<provider>:<sub>" for
	// any provider whose login yielded no email.
	UseProviderID bool
	// AutoCreateActor creates an actor on first login when true.
	AutoCreateActor bool
}

// New creates an OAuth2 client. stateSecret signs the encrypted-state JWT.
func New(providers []ProviderConfig, actors ActorLookup, backend storage.Backend, dispatcher *hooks.Dispatcher, stateSecret []byte, logger *zap.Logger) *Client {
	m := make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		m[p.Name] = p
	}
	return &Client{
		providers:       m,
		actors:          actors,
		backend:         backend,
		hooks:           dispatcher,
		stateSecret:     stateSecret,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		logger:          logger,
		AutoCreateActor: true,
	}
}

func (c *Client) config(provider string) (*oauth2.Config, ProviderConfig, bool) {
	p, ok := c.providers[provider]
	if !ok {
		return nil, ProviderConfig{}, false
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		Endpoint:     p.Endpoint,
	}, p, true
}

// BeginWebLogin builds the provider authorization URL for a browser login
// (JSON state shape). actorID, if non-empty, pins the session to an
// existing actor so the callback can enforce the cross-actor invariant.
func (c *Client) BeginWebLogin(provider, actorID string) (string, error) {
	cfg, _, ok := c.config(provider)
	if !ok {
		return "", fmt.Errorf("oauthclient: unknown provider %q", provider)
	}
	state, err := encodeJSONState(provider, actorID)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// BeginMCPLogin builds the provider authorization URL for the authorization
// server's delegated login (encrypted state shape), embedding the
// trust_type the authorization server's consent screen selected.
func (c *Client) BeginMCPLogin(provider, actorID, trustType string) (string, error) {
	cfg, _, ok := c.config(provider)
	if !ok {
		return "", fmt.Errorf("oauthclient: unknown provider %q", provider)
	}
	state, err := c.encodeEncryptedState(provider, actorID, trustType)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

func encodeJSONState(provider, actorID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	raw, err := json.Marshal(jsonState{V: 1, Provider: provider, ActorID: actorID, Nonce: base64.RawURLEncoding.EncodeToString(nonce)})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (c *Client) encodeEncryptedState(provider, actorID, trustType string) (string, error) {
	now := time.Now().UTC()
	claims := encryptedStateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		Provider:  provider,
		ActorID:   actorID,
		TrustType: trustType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.stateSecret)
}

// decodedState is the routing-neutral result of parsing either state shape.
type decodedState struct {
	Provider  string
	ActorID   string
	TrustType string // non-empty only for the encrypted (MCP) shape
	isMCP     bool
}

// decodeState routes deterministically: a value that parses as the
// recognizable {"v":1,...} JSON envelope is web-UI state; otherwise it must
// parse as the HS256 JWT envelope; anything that satisfies neither is a 400
//.
func (c *Client) decodeState(raw string) (decodedState, error) {
	if js, err := tryDecodeJSONState(raw); err == nil {
		return decodedState{Provider: js.Provider, ActorID: js.ActorID}, nil
	}
	claims := &encryptedStateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return c.stateSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return decodedState{}, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	return decodedState{Provider: claims.Provider, ActorID: claims.ActorID, TrustType: claims.TrustType, isMCP: true}, nil
}

func tryDecodeJSONState(raw string) (jsonState, error) {
	var js jsonState
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return js, err
	}
	if err := json.Unmarshal(data, &js); err != nil {
		return js, err
	}
	if js.V != 1 {
		return js, fmt.Errorf("not a json-state envelope")
	}
	return js, nil
}

// Sentinel errors surfaced by Callback.
var (
	// ErrCrossActor signals a blocked cross-actor authorization: the
	// OAuth-authenticated identity doesn't match the pinned actor's creator.
	ErrCrossActor = errors.New("oauthclient: authenticated identity does not match pinned actor")
	// ErrEmailRequiredMCP signals an MCP-flow callback hit a provider that
	// returned no verified email. Surfaced as 502, since a programmatic
	// client cannot complete an HTML form.
	ErrEmailRequiredMCP = errors.New("oauthclient: provider returned no verified email for a non-interactive flow")
	// ErrBadState signals a state parameter that parses as neither the JSON
	// envelope nor the signed-JWT envelope — a 400, never a provider error.
	ErrBadState = errors.New("oauthclient: unrecognized state parameter")
)

// Result is what Callback returns on success, or when it needs the caller
// to render the email-fallback form.
type Result struct {
	Actor          *actor.Actor
	SessionID      string // non-empty when NeedsEmailForm
	NeedsEmailForm bool
	Provider       string
	TrustType      string
	MCP            bool
	AccessToken    string
	RefreshToken   string
}

// Callback completes an OAuth2 code exchange for either state shape.
func (c *Client) Callback(ctx context.Context, rawState, code string) (*Result, error) {
	st, err := c.decodeState(rawState)
	if err != nil {
		return nil, err
	}
	cfg, p, ok := c.config(st.Provider)
	if !ok {
		return nil, fmt.Errorf("oauthclient: unknown provider %q", st.Provider)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: code exchange: %w", err)
	}

	email, providerSub, err := c.fetchIdentity(ctx, p, tok)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: fetch identity: %w", err)
	}

	creator, needsForm, err := c.resolveCreator(ctx, p, st, email, providerSub, tok)
	if err != nil {
		return nil, err
	}
	if needsForm {
		sid, err := c.storeLoginSession(ctx, st.Provider, tok)
		if err != nil {
			return nil, err
		}
		c.hooks.FireLifecycle(ctx, hooks.EventEmailVerificationRequired, "", sid)
		return &Result{NeedsEmailForm: true, SessionID: sid, Provider: st.Provider}, nil
	}

	var actorRec *actor.Actor
	if st.ActorID != "" {
		// Pinned flow: the session named an actor before the
		// redirect. Fetch that actor by ID and compare its creator against
		// the OAuth-authenticated identity — never look up by creator here,
		// or an unrelated existing actor could be silently substituted.
		pinned, err := c.actors.Get(ctx, st.ActorID)
		if err != nil {
			return nil, err
		}
		if pinned.Creator != creator {
			return nil, fmt.Errorf("%w: actor %s belongs to %s, not %s", ErrCrossActor, st.ActorID, pinned.Creator, creator)
		}
		actorRec = pinned
	} else {
		actorRec, err = c.findOrCreateActor(ctx, creator)
		if err != nil {
			return nil, err
		}
	}

	c.hooks.FireLifecycle(ctx, hooks.EventOAuthSuccess, actorRec.ID, map[string]string{"provider": st.Provider})

	return &Result{
		Actor:        actorRec,
		Provider:     st.Provider,
		TrustType:    st.TrustType,
		MCP:          st.isMCP,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// resolveCreator implements the identity-extraction ladder: verified
// email, then provider-qualified ID, then the email form or a hard error.
func (c *Client) resolveCreator(ctx context.Context, p ProviderConfig, st decodedState, email, providerSub string, tok *oauth2.Token) (creator string, needsForm bool, err error) {
	if email != "" {
		return email, false, nil
	}
	if c.UseProviderID {
		return fmt.Sprintf("%s:%s", p.Name, providerSub), false, nil
	}
	if st.isMCP {
		return "", false, ErrEmailRequiredMCP
	}
	return "", true, nil
}

func (c *Client) findOrCreateActor(ctx context.Context, creator string) (*actor.Actor, error) {
	rec, err := c.actors.FindByCreator(ctx, creator)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if !c.AutoCreateActor {
		return nil, err
	}
	rec, _, err = c.actors.Create(ctx, "", creator, "")
	return rec, err
}

// CompleteEmailForm finishes a login session started by Callback's
// NeedsEmailForm path, after the user types an email into the fallback form
//.
func (c *Client) CompleteEmailForm(ctx context.Context, sessionID, email string) (*Result, error) {
	sess, err := c.loadLoginSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	actorRec, err := c.findOrCreateActor(ctx, email)
	if err != nil {
		return nil, err
	}
	_ = c.backend.BucketDelete(ctx, storage.ActorIDOAuth2, "login_sessions", sessionID)
	c.hooks.FireLifecycle(ctx, hooks.EventEmailVerified, actorRec.ID, email)
	return &Result{Actor: actorRec, Provider: sess.Provider}, nil
}

// loginSession is the transient record stored in the OAuth2 system bucket,
// TTL ~10 min, swept on read.
type loginSession struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
}

const loginSessionTTL = 10 * time.Minute

func (c *Client) storeLoginSession(ctx context.Context, provider string, tok *oauth2.Token) (string, error) {
	id := randomID()
	sess := loginSession{Provider: provider, AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, CreatedAt: time.Now().UTC()}
	blob, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	if err := c.backend.BucketPut(ctx, storage.ActorIDOAuth2, &storage.BucketItem{Bucket: "login_sessions", Name: id, Data: blob, Timestamp: time.Now().UTC()}); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) loadLoginSession(ctx context.Context, id string) (*loginSession, error) {
	item, err := c.backend.BucketGet(ctx, storage.ActorIDOAuth2, "login_sessions", id)
	if err != nil {
		return nil, err
	}
	if time.Since(item.Timestamp) > loginSessionTTL {
		_ = c.backend.BucketDelete(ctx, storage.ActorIDOAuth2, "login_sessions", id)
		return nil, storage.ErrNotFound
	}
	var sess loginSession
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// fetchIdentity dispatches to the provider's EmailStrategy, returning
// (verified email, provider subject). Either may be empty.
func (c *Client) fetchIdentity(ctx context.Context, p ProviderConfig, tok *oauth2.Token) (email, sub string, err error) {
	if p.OIDCIssuer != "" {
		if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
			return c.verifyIDToken(ctx, p, rawIDToken)
		}
	}
	switch p.Name {
	case "github":
		return c.fetchGitHubIdentity(ctx, tok.AccessToken)
	default:
		return c.fetchGenericUserInfo(ctx, p, tok.AccessToken)
	}
}

// verifyIDToken validates an OIDC provider's ID token via go-oidc and
// extracts the verified email and subject.
func (c *Client) verifyIDToken(ctx context.Context, p ProviderConfig, rawIDToken string) (email, sub string, err error) {
	provider, err := oidc.NewProvider(ctx, p.OIDCIssuer)
	if err != nil {
		return "", "", fmt.Errorf("discover oidc provider %s: %w", p.OIDCIssuer, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: p.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", "", fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Sub           string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", "", fmt.Errorf("parse id_token claims: %w", err)
	}
	if !claims.EmailVerified {
		return "", claims.Sub, nil
	}
	return claims.Email, claims.Sub, nil
}

func (c *Client) fetchGenericUserInfo(ctx context.Context, p ProviderConfig, accessToken string) (email, sub string, err error) {
	body, err := c.apiGet(ctx, p, p.UserInfoURL, accessToken)
	if err != nil {
		return "", "", err
	}
	var info struct {
		ID    any    `json:"id"`
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", fmt.Errorf("parse userinfo: %w", err)
	}
	sub = info.Sub
	if sub == "" {
		sub = fmt.Sprintf("%v", info.ID)
	}
	return info.Email, sub, nil
}

func (c *Client) fetchGitHubIdentity(ctx context.Context, accessToken string) (email, sub string, err error) {
	p := c.providers["github"]
	body, err := c.apiGet(ctx, p, p.UserInfoURL, accessToken)
	if err != nil {
		return "", "", err
	}
	var info struct {
		ID    int    `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", fmt.Errorf("parse github user: %w", err)
	}
	sub = fmt.Sprintf("%d", info.ID)
	if info.Email != "" {
		return info.Email, sub, nil
	}
	// GitHub may not expose a public email; fall back to the emails API
	//.
	emailsBody, err := c.apiGet(ctx, p, "https://api.github.com/user/emails", accessToken)
	if err != nil {
		return "", sub, nil
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(emailsBody, &emails); err != nil {
		return "", sub, nil
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, sub, nil
		}
	}
	return "", sub, nil
}

func (c *Client) apiGet(ctx context.Context, p ProviderConfig, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for k, v := range p.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if strings.Contains(url, "github.com") && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "actingweb-core/1.0")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api get %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api %s returned %d: %s", url, resp.StatusCode, body)
	}
	return body, nil
}
