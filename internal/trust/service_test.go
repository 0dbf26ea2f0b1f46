package trust_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

func newTestService(backend *memory.Backend) *trust.Service {
	reg := trust.NewRegistry(backend)
	return trust.NewService(backend, reg, &http.Client{Timeout: time.Second}, zap.NewNop())
}

// peerStub plays the initiating peer's side of the verification round-trip:
// it answers GET /trust/{rel}/{self} with the given secret.
func peerStub(t *testing.T, secret string, wantBasicAuth bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantBasicAuth {
			if _, _, ok := r.BasicAuth(); !ok {
				t.Error("expected the verification round-trip to carry basic auth")
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"secret": secret})
	}))
}

func TestInitiate_acceptsMatchingSecret(t *testing.T) {
	backend := memory.New()
	svc := newTestService(backend)

	peer := peerStub(t, "shared-secret", true)
	defer peer.Close()

	err := svc.Initiate(context.Background(), "actorB", "actorA", trust.InitiateRequest{
		BaseURI:      peer.URL,
		Secret:       "shared-secret",
		Verification: "verify-token",
		Relationship: "friend",
	})
	if err != nil {
		t.Fatalf("expected initiation to succeed: %v", err)
	}

	stored, err := backend.GetTrust(context.Background(), "actorB", "actorA")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Approved || stored.PeerApproved || stored.Active() {
		t.Fatalf("freshly initiated trust must not be approved on either side, got %+v", stored)
	}
}

func TestInitiate_rejectsSecretMismatch(t *testing.T) {
	backend := memory.New()
	svc := newTestService(backend)

	peer := peerStub(t, "a-different-secret", false)
	defer peer.Close()

	err := svc.Initiate(context.Background(), "actorB", "actorA", trust.InitiateRequest{
		BaseURI:      peer.URL,
		Secret:       "shared-secret",
		Verification: "verify-token",
		Relationship: "friend",
	})
	if err == nil {
		t.Fatal("expected initiation to fail on secret mismatch")
	}
	if _, err := backend.GetTrust(context.Background(), "actorB", "actorA"); err != storage.ErrNotFound {
		t.Fatalf("no trust may be stored after a failed verification, got %v", err)
	}
}

func TestInitiate_rejectsUnknownTrustType(t *testing.T) {
	svc := newTestService(memory.New())
	err := svc.Initiate(context.Background(), "actorB", "actorA", trust.InitiateRequest{
		BaseURI:      "http://unused.invalid",
		Relationship: "nonsense",
	})
	if err == nil {
		t.Fatal("expected initiation with an unknown trust type to fail")
	}
}

func TestApprove_activeOnlyWhenBothSidesApproved(t *testing.T) {
	backend := memory.New()
	svc := newTestService(backend)
	ctx := context.Background()

	if err := backend.CreateTrust(ctx, &storage.Trust{
		ActorID: "actorB", PeerID: "actorA", Relationship: "friend",
		CreatedAt: time.Now().UTC(), LastAccessed: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Approve(ctx, "actorB", "actorA")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active() {
		t.Fatal("trust must not be active with only one side approved")
	}

	got, err = svc.ApprovePeer(ctx, "actorB", "actorA")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active() {
		t.Fatal("trust must be active once both sides have approved")
	}
}

func TestPropose_rollsBackOnPeerRejection(t *testing.T) {
	backend := memory.New()
	svc := newTestService(backend)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no thanks", http.StatusForbidden)
	}))
	defer peer.Close()

	_, err := svc.Propose(context.Background(), "actorA", "http://self.example", peer.URL, "actorB", "friend", "")
	if err == nil {
		t.Fatal("expected proposal to fail when the peer rejects it")
	}
	if _, err := backend.GetTrust(context.Background(), "actorA", "actorB"); err != storage.ErrNotFound {
		t.Fatalf("rejected proposal must roll back the local trust, got %v", err)
	}
}
