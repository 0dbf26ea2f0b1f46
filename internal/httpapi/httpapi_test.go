package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/actor"
	"github.com/jmerrifield20/actingweb-core/internal/authrouter"
	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/httpapi"
	"github.com/jmerrifield20/actingweb-core/internal/mcpserver"
	"github.com/jmerrifield20/actingweb-core/internal/oauthclient"
	"github.com/jmerrifield20/actingweb-core/internal/oauthserver"
	"github.com/jmerrifield20/actingweb-core/internal/property"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
	"github.com/jmerrifield20/actingweb-core/internal/subscription"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

// testNode is one fully wired engine instance behind an httptest server,
// assembled the same way cmd/actingwebd wires the real one.
type testNode struct {
	backend *memory.Backend
	server  *httptest.Server
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	backend := memory.New()
	dispatcher := hooks.NewDispatcher()

	trustReg := trust.NewRegistry(backend)
	trustSvc := trust.NewService(backend, trustReg, &http.Client{Timeout: time.Second}, logger)
	actorSvc := actor.NewService(backend, dispatcher, logger)

	resolver := httpapi.NewPeerResolver(trustSvc)
	fanout := subscription.NewFanoutManager(resolver, logger, 2)
	subsEngine := subscription.NewEngine(backend, trustSvc, fanout, logger)
	propStore := property.NewStore(backend, dispatcher, subsEngine, logger)
	processor := subscription.NewProcessor(backend, func(context.Context, string, string, []byte) error { return nil }, nil, logger)
	peerSync := subscription.NewPeerSync(processor, logger)
	capabilities := subscription.NewCapabilityCache(resolver, time.Minute)

	oauthClient := oauthclient.New(nil, actorSvc, backend, dispatcher, []byte("test-secret"), logger)
	oauthServer := oauthserver.NewServer(backend, trustSvc, logger)
	router := authrouter.New(actorSvc, oauthServer, trustSvc, "http://test.local", false)
	mcp := mcpserver.NewServer(dispatcher, trustSvc, mcpserver.Catalog{}, logger)

	h := httpapi.New(httpapi.Config{
		Actors: actorSvc, Properties: propStore, TrustReg: trustReg, TrustSvc: trustSvc,
		Subs: subsEngine, Processor: processor, PeerSync: peerSync, Capabilities: capabilities,
		OAuthClient: oauthClient, OAuthServer: oauthServer, MCP: mcp,
		Dispatcher: dispatcher, Router: router, Issuer: "http://test.local", Logger: logger,
	})

	r := gin.New()
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testNode{backend: backend, server: srv}
}

func (n *testNode) do(t *testing.T, method, path string, body any, basicUser, basicPass string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, n.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func createActor(t *testing.T, n *testNode, creator, passphrase string) string {
	t.Helper()
	resp, body := n.do(t, http.MethodPost, "/", map[string]string{"creator": creator, "passphrase": passphrase}, "", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("actor factory returned %d: %s", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	return out.ID
}

// TestSubscribePublishConfirm walks the hot path end to end on one node
// pair: trust, subscribe, publish, receive the callback, pull the diff, and
// confirm it away.
func TestSubscribePublishConfirm(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	publisherID := createActor(t, node, "bob@example.com", "bobpass")
	subscriberID := createActor(t, node, "alice@example.com", "alicepass")

	// An active trust on the publisher's side, with the subscriber's actor
	// root as the callback base URI; the shared secret doubles as the
	// subscriber's peer credential.
	now := time.Now().UTC()
	if err := node.backend.CreateTrust(ctx, &storage.Trust{
		ActorID: publisherID, PeerID: subscriberID, Relationship: "friend",
		BaseURI: node.server.URL + "/" + subscriberID, Secret: "s3cret",
		Approved: true, PeerApproved: true, EstablishedVia: "actingweb",
		CreatedAt: now, LastAccessed: now,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := node.do(t, http.MethodPost,
		"/"+publisherID+"/subscriptions/"+subscriberID,
		map[string]string{"target": "properties", "subtarget": "status", "granularity": "high"},
		subscriberID, "s3cret")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create subscription returned %d: %s", resp.StatusCode, body)
	}
	var sub struct {
		SubID string `json:"subscription_id"`
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		t.Fatal(err)
	}

	resp, body = node.do(t, http.MethodPut,
		"/"+publisherID+"/properties/status", json.RawMessage(`{"status":"online"}`),
		"bob@example.com", "bobpass")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("property write returned %d: %s", resp.StatusCode, body)
	}

	// The fan-out delivers asynchronously; the subscriber's processor state
	// advancing to sequence 1 is the observable receipt.
	deadline := time.Now().Add(3 * time.Second)
	for {
		state, err := node.backend.GetProcessorState(ctx, sub.SubID)
		if err == nil && state.LastSequenceApplied == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("callback was not processed in time (state=%v err=%v)", state, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Delivery receipt must NOT have pruned the diff; only the confirm PUT
	// below may.
	resp, body = node.do(t, http.MethodGet,
		fmt.Sprintf("/%s/subscriptions/%s/%s", publisherID, subscriberID, sub.SubID),
		nil, subscriberID, "s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get subscription returned %d: %s", resp.StatusCode, body)
	}
	var pull struct {
		Subscription struct {
			Sequence int64 `json:"sequence"`
		} `json:"subscription"`
		Data []struct {
			Sequence int64           `json:"sequence"`
			Data     json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &pull); err != nil {
		t.Fatal(err)
	}
	if len(pull.Data) != 1 || pull.Data[0].Sequence != 1 {
		t.Fatalf("expected the delivered diff to still be retained, got %s", body)
	}
	if string(pull.Data[0].Data) != `{"status":"online"}` {
		t.Fatalf("diff blob mismatch: %s", pull.Data[0].Data)
	}

	resp, _ = node.do(t, http.MethodPut,
		fmt.Sprintf("/%s/subscriptions/%s/%s", publisherID, subscriberID, sub.SubID),
		map[string]int64{"sequence": 1}, subscriberID, "s3cret")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("confirm returned %d", resp.StatusCode)
	}

	_, body = node.do(t, http.MethodGet,
		fmt.Sprintf("/%s/subscriptions/%s/%s", publisherID, subscriberID, sub.SubID),
		nil, subscriberID, "s3cret")
	if err := json.Unmarshal(body, &pull); err != nil {
		t.Fatal(err)
	}
	if len(pull.Data) != 0 {
		t.Fatalf("expected diffs to be pruned after the confirm, got %s", body)
	}
}

// TestPropertyWrite_deniedWithoutCredentials exercises the authentication
// router's fail-secure default on the protected property surface.
func TestPropertyWrite_deniedWithoutCredentials(t *testing.T) {
	node := newTestNode(t)
	actorID := createActor(t, node, "carol@example.com", "carolpass")

	resp, _ := node.do(t, http.MethodPut, "/"+actorID+"/properties/status", json.RawMessage(`"x"`), "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected a WWW-Authenticate challenge")
	}

	resp, _ = node.do(t, http.MethodPut, "/"+actorID+"/properties/status", json.RawMessage(`"x"`), "carol@example.com", "wrongpass")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong passphrase, got %d", resp.StatusCode)
	}
}

// TestDuplicateCreator_conflicts covers the factory's uniqueness invariant.
func TestDuplicateCreator_conflicts(t *testing.T) {
	node := newTestNode(t)
	createActor(t, node, "dave@example.com", "pw")

	resp, _ := node.do(t, http.MethodPost, "/", map[string]string{"creator": "dave@example.com"}, "", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate creator, got %d", resp.StatusCode)
	}
}

// TestListProperty_httpSurface drives a list-typed property through the
// public routes: declare with ?list=true, append two items, replace one by
// ID, delete the other, and read the keyed object back.
func TestListProperty_httpSurface(t *testing.T) {
	node := newTestNode(t)
	actorID := createActor(t, node, "erin@example.com", "erinpass")

	resp, body := node.do(t, http.MethodPost,
		"/"+actorID+"/properties/notes?list=true", json.RawMessage(`{"text":"first"}`),
		"erin@example.com", "erinpass")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("list append returned %d: %s", resp.StatusCode, body)
	}
	var first struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(body, &first); err != nil || first.ItemID == "" {
		t.Fatalf("expected an item_id in the append response, got %s", body)
	}

	// A second POST to the same path appends without ?list=true, since the
	// property is now list-typed.
	resp, body = node.do(t, http.MethodPost,
		"/"+actorID+"/properties/notes", json.RawMessage(`{"text":"second"}`),
		"erin@example.com", "erinpass")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("second list append returned %d: %s", resp.StatusCode, body)
	}
	var second struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(body, &second); err != nil || second.ItemID == "" {
		t.Fatalf("expected an item_id in the second append response, got %s", body)
	}

	resp, body = node.do(t, http.MethodPut,
		"/"+actorID+"/properties/notes/"+first.ItemID, json.RawMessage(`{"text":"revised"}`),
		"erin@example.com", "erinpass")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list item update returned %d: %s", resp.StatusCode, body)
	}

	resp, _ = node.do(t, http.MethodDelete,
		"/"+actorID+"/properties/notes/"+second.ItemID, nil,
		"erin@example.com", "erinpass")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("list item delete returned %d", resp.StatusCode)
	}

	resp, body = node.do(t, http.MethodGet,
		"/"+actorID+"/properties/notes", nil,
		"erin@example.com", "erinpass")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list read-back returned %d: %s", resp.StatusCode, body)
	}
	var items map[string]json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("list read-back must be a JSON object keyed by item ID: %v (%s)", err, body)
	}
	if len(items) != 1 || string(items[first.ItemID]) != `{"text":"revised"}` {
		t.Fatalf("unexpected list contents after update+delete: %s", body)
	}
}
