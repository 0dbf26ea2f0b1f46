// Package oauthserver implements ActingWeb's OAuth2 authorization server
// role: dynamic client registration, authorization-code and
// client-credentials grants, opaque aw_-prefixed bearer tokens, and
// discovery metadata. Clients, auth codes, and tokens are all bucket items
// in the oauth2 system actor, the same opaque-at-the-storage-layer contract
// property values already use.
package oauthserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

const (
	bucketClients = "oauth_clients"
	bucketCodes   = "oauth_codes"
	bucketTokens  = "oauth_tokens"

	tokenPrefix      = "aw_"
	authCodeTTL      = 10 * time.Minute
	accessTokenTTL   = 1 * time.Hour
	mcpClientPrefix  = "mcp_"
	defaultTrustType = "mcp_client"
)

// Sentinel errors.
var (
	ErrUnknownClient      = errors.New("oauthserver: unknown client")
	ErrInvalidSecret      = errors.New("oauthserver: invalid client secret")
	ErrInvalidGrant       = errors.New("oauthserver: invalid or expired grant")
	ErrGrantTypeDenied    = errors.New("oauthserver: grant type not permitted for this client")
	ErrTokenExpired       = errors.New("oauthserver: token expired")
	ErrTokenInvalid       = errors.New("oauthserver: invalid token")
	ErrRefreshUnavailable = errors.New("oauthserver: no refresh token on presenter")
)

// Client is a dynamically registered OAuth2 client: {client_id,
// client_secret} bound to an owning actor and a trust_type.
type Client struct {
	ClientID     string    `json:"client_id"`
	SecretHash   string    `json:"secret_hash"`
	OwnerActorID string    `json:"owner_actor_id"`
	TrustType    string    `json:"trust_type"`
	IsMCP        bool      `json:"is_mcp"`
	CreatedAt    time.Time `json:"created_at"`
}

// Token is an issued bearer token, opaque to the presenter beyond its
// aw_-prefixed string form.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ClientID     string    `json:"client_id"`
	ActorID      string    `json:"actor_id"`
	Scope        string    `json:"scope"`
	GrantedVia   string    `json:"granted_via"` // authorization_code | client_credentials
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether t has passed its expiry.
func (t *Token) Expired() bool { return time.Now().UTC().After(t.ExpiresAt) }

type authCode struct {
	Code      string    `json:"code"`
	ClientID  string    `json:"client_id"`
	ActorID   string    `json:"actor_id"`
	TrustType string    `json:"trust_type"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// Server implements the authorization server role for one application
// instance.
type Server struct {
	backend storage.Backend
	trust   *trust.Service
	logger  *zap.Logger
}

// NewServer creates an authorization Server.
func NewServer(backend storage.Backend, trustSvc *trust.Service, logger *zap.Logger) *Server {
	return &Server{backend: backend, trust: trustSvc, logger: logger}
}

// Register implements POST /oauth/register. ownerActorID is the
// actor the client is being registered on behalf of; trustType defaults to
// mcp_client when empty.
func (s *Server) Register(ctx context.Context, ownerActorID, trustType string) (clientID, clientSecret string, err error) {
	if trustType == "" {
		trustType = defaultTrustType
	}
	clientID = mcpClientPrefix + randomToken(12)
	clientSecret = randomToken(32)

	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash client secret: %w", err)
	}

	c := Client{
		ClientID:     clientID,
		SecretHash:   string(hash),
		OwnerActorID: ownerActorID,
		TrustType:    trustType,
		IsMCP:        strings.HasPrefix(clientID, mcpClientPrefix),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.putClient(ctx, &c); err != nil {
		return "", "", err
	}
	s.logger.Info("oauth client registered", zap.String("client_id", clientID), zap.String("owner_actor_id", ownerActorID))
	return clientID, clientSecret, nil
}

// IssueAuthCode is called once the consent screen on GET /oauth/authorize
// has resolved an authenticated actor and a selected trust type; it mints a short-lived code to be
// redeemed by the token endpoint.
func (s *Server) IssueAuthCode(ctx context.Context, clientID, actorID, trustType, scope string) (string, error) {
	if _, err := s.getClient(ctx, clientID); err != nil {
		return "", err
	}
	if trustType == "" {
		trustType = defaultTrustType
	}
	code := randomToken(24)
	item := authCode{Code: code, ClientID: clientID, ActorID: actorID, TrustType: trustType, Scope: scope, CreatedAt: time.Now().UTC()}
	blob, err := json.Marshal(item)
	if err != nil {
		return "", err
	}
	if err := s.backend.BucketPut(ctx, storage.ActorIDOAuth2, &storage.BucketItem{Bucket: bucketCodes, Name: code, Data: blob, Timestamp: item.CreatedAt}); err != nil {
		return "", err
	}
	return code, nil
}

// ExchangeAuthorizationCode implements the authorization_code grant:
// redeems a code, issues {access_token, refresh_token?, scope,
// expires_in}, and creates or refreshes the bound trust relationship.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, code string) (*Token, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	item, err := s.backend.BucketGet(ctx, storage.ActorIDOAuth2, bucketCodes, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	var ac authCode
	if err := json.Unmarshal(item.Data, &ac); err != nil {
		return nil, fmt.Errorf("decode auth code: %w", err)
	}
	// codes are single-use; delete before validating
	// so a racing redemption can never succeed twice.
	if err := s.backend.BucketDelete(ctx, storage.ActorIDOAuth2, bucketCodes, code); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	if ac.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	if time.Since(ac.CreatedAt) > authCodeTTL {
		return nil, ErrInvalidGrant
	}

	if _, err := s.trust.EstablishOAuth(ctx, ac.ActorID, clientID, ac.TrustType, "oauth2"); err != nil {
		return nil, fmt.Errorf("establish trust: %w", err)
	}

	return s.issueToken(ctx, client, ac.ActorID, ac.Scope, "authorization_code", true)
}

// ExchangeClientCredentials implements the client_credentials grant,
// restricted to mcp_* clients.
func (s *Server) ExchangeClientCredentials(ctx context.Context, clientID, clientSecret, scope string) (*Token, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.IsMCP {
		return nil, ErrGrantTypeDenied
	}

	if _, err := s.trust.EstablishOAuth(ctx, client.OwnerActorID, clientID, client.TrustType, "mcp"); err != nil {
		return nil, fmt.Errorf("establish trust: %w", err)
	}

	return s.issueToken(ctx, client, client.OwnerActorID, scope, "client_credentials", false)
}

func (s *Server) issueToken(ctx context.Context, client *Client, actorID, scope, grantedVia string, withRefresh bool) (*Token, error) {
	now := time.Now().UTC()
	tok := &Token{
		AccessToken: tokenPrefix + randomToken(32),
		ClientID:    client.ClientID,
		ActorID:     actorID,
		Scope:       scope,
		GrantedVia:  grantedVia,
		IssuedAt:    now,
		ExpiresAt:   now.Add(accessTokenTTL),
	}
	if withRefresh {
		tok.RefreshToken = tokenPrefix + randomToken(32)
	}
	if err := s.putToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Validate implements token validation on every protected request: looks
// up the token, refreshing it transparently if expired and a
// refresh token is bound, rejecting otherwise.
func (s *Server) Validate(ctx context.Context, accessToken string) (*Token, error) {
	tok, err := s.getTokenByAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !tok.Expired() {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, ErrRefreshUnavailable
	}
	return s.refresh(ctx, tok)
}

func (s *Server) refresh(ctx context.Context, old *Token) (*Token, error) {
	now := time.Now().UTC()
	next := &Token{
		AccessToken:  tokenPrefix + randomToken(32),
		RefreshToken: old.RefreshToken,
		ClientID:     old.ClientID,
		ActorID:      old.ActorID,
		Scope:        old.Scope,
		GrantedVia:   old.GrantedVia,
		IssuedAt:     now,
		ExpiresAt:    now.Add(accessTokenTTL),
	}
	if err := s.backend.BucketDelete(ctx, storage.ActorIDOAuth2, bucketTokens, old.AccessToken); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := s.putToken(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Revoke implements token revocation, optionally tearing down
// the associated trust relationship established at issuance.
func (s *Server) Revoke(ctx context.Context, accessToken string, alsoRevokeTrust bool) error {
	tok, err := s.getTokenByAccess(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := s.backend.BucketDelete(ctx, storage.ActorIDOAuth2, bucketTokens, accessToken); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if alsoRevokeTrust {
		if err := s.trust.Delete(ctx, tok.ActorID, tok.ClientID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("revoke: trust teardown failed", zap.String("client_id", tok.ClientID), zap.Error(err))
		}
	}
	return nil
}

func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := s.getClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return nil, ErrInvalidSecret
	}
	return client, nil
}

func (s *Server) putClient(ctx context.Context, c *Client) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.backend.BucketPut(ctx, storage.ActorIDOAuth2, &storage.BucketItem{Bucket: bucketClients, Name: c.ClientID, Data: blob, Timestamp: c.CreatedAt})
}

func (s *Server) getClient(ctx context.Context, clientID string) (*Client, error) {
	item, err := s.backend.BucketGet(ctx, storage.ActorIDOAuth2, bucketClients, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, err
	}
	var c Client
	if err := json.Unmarshal(item.Data, &c); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	return &c, nil
}

func (s *Server) putToken(ctx context.Context, t *Token) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.backend.BucketPut(ctx, storage.ActorIDOAuth2, &storage.BucketItem{Bucket: bucketTokens, Name: t.AccessToken, Data: blob, Timestamp: t.IssuedAt})
}

func (s *Server) getTokenByAccess(ctx context.Context, accessToken string) (*Token, error) {
	item, err := s.backend.BucketGet(ctx, storage.ActorIDOAuth2, bucketTokens, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	var t Token
	if err := json.Unmarshal(item.Data, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &t, nil
}

// DiscoveryMetadata returns the /.well-known/oauth-authorization-server
// document.
func DiscoveryMetadata(issuer string) map[string]any {
	return map[string]any{
		"issuer":                                issuer,
		"registration_endpoint":                 issuer + "/oauth/register",
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"grant_types_supported":                 []string{"authorization_code", "client_credentials"},
		"response_types_supported":              []string{"code"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
	}
}

// ProtectedResourceMetadata returns the
// /.well-known/oauth-protected-resource document.
func ProtectedResourceMetadata(issuer string) map[string]any {
	return map[string]any{
		"resource":                 issuer,
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
	}
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
