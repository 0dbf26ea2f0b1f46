package oauthserver_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/oauthserver"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

func newTestServer() (*oauthserver.Server, *memory.Backend) {
	backend := memory.New()
	reg := trust.NewRegistry(backend)
	trustSvc := trust.NewService(backend, reg, &http.Client{Timeout: time.Second}, zap.NewNop())
	return oauthserver.NewServer(backend, trustSvc, zap.NewNop()), backend
}

func TestClientCredentialsGrant_issuesPrefixedTokenAndTrust(t *testing.T) {
	srv, backend := newTestServer()
	ctx := context.Background()

	clientID, clientSecret, err := srv.Register(ctx, "owner-actor", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(clientID, "mcp_") {
		t.Fatalf("dynamically registered client IDs must carry the mcp_ prefix, got %q", clientID)
	}

	tok, err := srv.ExchangeClientCredentials(ctx, clientID, clientSecret, "mcp")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tok.AccessToken, "aw_") {
		t.Fatalf("access tokens must carry the aw_ prefix, got %q", tok.AccessToken)
	}
	if len(tok.AccessToken) < 3+32 {
		t.Fatalf("token payload too short: %q", tok.AccessToken)
	}

	// Token issuance creates the (actor, client) trust relationship, active
	// on both sides immediately.
	stored, err := backend.GetTrust(ctx, "owner-actor", clientID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Active() || stored.Relationship != "mcp_client" || stored.EstablishedVia != "mcp" {
		t.Fatalf("unexpected trust at issuance: %+v", stored)
	}

	// And the token validates back to the bound actor.
	got, err := srv.Validate(ctx, tok.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActorID != "owner-actor" || got.ClientID != clientID {
		t.Fatalf("validated token bound to wrong principal: %+v", got)
	}
}

func TestClientCredentialsGrant_rejectsWrongSecret(t *testing.T) {
	srv, _ := newTestServer()
	ctx := context.Background()

	clientID, _, err := srv.Register(ctx, "owner-actor", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = srv.ExchangeClientCredentials(ctx, clientID, "not-the-secret", "mcp")
	if !errors.Is(err, oauthserver.ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestAuthorizationCodeGrant_codeIsSingleUse(t *testing.T) {
	srv, _ := newTestServer()
	ctx := context.Background()

	clientID, clientSecret, err := srv.Register(ctx, "owner-actor", "mcp_client")
	if err != nil {
		t.Fatal(err)
	}
	code, err := srv.IssueAuthCode(ctx, clientID, "alice-actor", "mcp_client", "mcp")
	if err != nil {
		t.Fatal(err)
	}

	tok, err := srv.ExchangeAuthorizationCode(ctx, clientID, clientSecret, code)
	if err != nil {
		t.Fatal(err)
	}
	if tok.RefreshToken == "" {
		t.Fatal("authorization_code grant must issue a refresh token")
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, clientID, clientSecret, code); !errors.Is(err, oauthserver.ErrInvalidGrant) {
		t.Fatalf("expected second redemption of the same code to fail with ErrInvalidGrant, got %v", err)
	}
}

func TestRevoke_thenValidateFails(t *testing.T) {
	srv, _ := newTestServer()
	ctx := context.Background()

	clientID, clientSecret, err := srv.Register(ctx, "owner-actor", "")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := srv.ExchangeClientCredentials(ctx, clientID, clientSecret, "mcp")
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.Revoke(ctx, tok.AccessToken, false); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Validate(ctx, tok.AccessToken); !errors.Is(err, oauthserver.ErrTokenInvalid) {
		t.Fatalf("expected a revoked token to be invalid, got %v", err)
	}
}
