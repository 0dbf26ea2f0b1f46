// Trust relationship lifecycle and the reciprocal ActingWeb verification
// protocol: call the peer back with Basic auth, compare the returned
// secret, and only then store the relationship.
package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// ApprovalMetrics is the optional hook for recording trust relationships
// transitioning to active (wired to internal/metrics), mirroring the
// nil-safe default used by internal/subscription's metrics hooks.
type ApprovalMetrics interface {
	RecordTrustApproved(relationship string)
}

type noopApprovalMetrics struct{}

func (noopApprovalMetrics) RecordTrustApproved(string) {}

// Service manages trust relationships and permission overrides for one
// application instance.
type Service struct {
	backend  storage.Backend
	registry *Registry
	cache    *EvaluatorCache
	client   *http.Client
	logger   *zap.Logger
	metrics  ApprovalMetrics
}

// NewService creates a trust Service. httpClient may be nil to use a
// default client with a 10s per-call timeout.
func NewService(backend storage.Backend, registry *Registry, httpClient *http.Client, logger *zap.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Service{
		backend:  backend,
		registry: registry,
		cache:    NewEvaluatorCache(4096),
		client:   httpClient,
		logger:   logger,
		metrics:  noopApprovalMetrics{},
	}
}

// SetMetrics wires a metrics recorder.
func (s *Service) SetMetrics(m ApprovalMetrics) {
	if m != nil {
		s.metrics = m
	}
}

// InitiateRequest is the body of POST {peer}/trust/{relationship}.
type InitiateRequest struct {
	BaseURI      string `json:"baseuri"`
	Secret       string `json:"secret"`
	Verification string `json:"verification_token"`
	Relationship string `json:"relationship"`
	Description  string `json:"description"`
}

// Propose is the outbound half of the handshake: actorID initiates a trust
// with the peer at peerBaseURI. The local record (carrying the generated
// secret and verification token) is committed first, so the peer's
// verification round-trip can find it, then the POST is issued; on POST
// failure the local record is rolled back.
func (s *Service) Propose(ctx context.Context, actorID, selfBaseURI, peerBaseURI, peerID, relationship, description string) (*storage.Trust, error) {
	if _, ok := s.registry.Get(relationship); !ok {
		return nil, fmt.Errorf("unknown trust type %q", relationship)
	}
	now := time.Now().UTC()
	t := &storage.Trust{
		ActorID:           actorID,
		PeerID:            peerID,
		Relationship:      relationship,
		BaseURI:           peerBaseURI,
		Secret:            uuid.New().String(),
		VerificationToken: NewVerificationToken(),
		EstablishedVia:    "actingweb",
		CreatedAt:         now,
		LastAccessed:      now,
	}
	if err := s.backend.CreateTrust(ctx, t); err != nil {
		return nil, err
	}

	body, err := json.Marshal(InitiateRequest{
		BaseURI:      selfBaseURI,
		Secret:       t.Secret,
		Verification: t.VerificationToken,
		Relationship: relationship,
		Description:  description,
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/trust/%s?peer_id=%s", peerBaseURI, relationship, actorID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		_ = s.backend.DeleteTrust(ctx, actorID, peerID)
		return nil, fmt.Errorf("propose trust to %s: %w", peerBaseURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		_ = s.backend.DeleteTrust(ctx, actorID, peerID)
		return nil, fmt.Errorf("propose trust to %s: status %d", peerBaseURI, resp.StatusCode)
	}
	return t, nil
}

// Initiate handles an incoming POST /trust/{relationship} from peerBaseURI:
// it verifies the round-trip (GET {peer}/trust/{rel}/{self} with Basic auth
// using the verification token) and, only if the secret matches, stores an
// unapproved trust on our side.
func (s *Service) Initiate(ctx context.Context, actorID, peerID string, req InitiateRequest) error {
	if peerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	if _, ok := s.registry.Get(req.Relationship); !ok {
		return fmt.Errorf("unknown trust type %q", req.Relationship)
	}

	verifyURL := fmt.Sprintf("%s/trust/%s/%s", req.BaseURI, req.Relationship, actorID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return fmt.Errorf("build verification request: %w", err)
	}
	httpReq.SetBasicAuth(actorID, req.Verification)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("verification round-trip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verification round-trip returned %d", resp.StatusCode)
	}

	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode verification response: %w", err)
	}
	if body.Secret != req.Secret {
		return fmt.Errorf("verification secret mismatch")
	}

	return s.backend.CreateTrust(ctx, &storage.Trust{
		ActorID:           actorID,
		PeerID:            peerID,
		Relationship:      req.Relationship,
		BaseURI:           req.BaseURI,
		Secret:            req.Secret,
		VerificationToken: req.Verification,
		EstablishedVia:    "actingweb",
		CreatedAt:         time.Now().UTC(),
		LastAccessed:      time.Now().UTC(),
	})
}

// EstablishOAuth creates or refreshes a trust relationship established at
// OAuth2 token issuance rather than via the ActingWeb handshake. Unlike
// Initiate, it performs no peer verification round-trip —
// the OAuth2 code/client-credentials grant that got the caller here already
// is the proof of identity — and the relationship is active immediately on
// both sides.
func (s *Service) EstablishOAuth(ctx context.Context, actorID, clientID, relationship, via string) (*storage.Trust, error) {
	if _, ok := s.registry.Get(relationship); !ok {
		return nil, fmt.Errorf("unknown trust type %q", relationship)
	}
	now := time.Now().UTC()
	existing, err := s.backend.GetTrust(ctx, actorID, clientID)
	if err == nil {
		existing.LastAccessed = now
		existing.Approved = true
		existing.PeerApproved = true
		if err := s.backend.UpdateTrust(ctx, existing); err != nil {
			return nil, err
		}
		s.metrics.RecordTrustApproved(relationship)
		return existing, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}
	t := &storage.Trust{
		ActorID:        actorID,
		PeerID:         clientID,
		Relationship:   relationship,
		Approved:       true,
		PeerApproved:   true,
		EstablishedVia: via,
		CreatedAt:      now,
		LastAccessed:   now,
	}
	if err := s.backend.CreateTrust(ctx, t); err != nil {
		return nil, err
	}
	s.metrics.RecordTrustApproved(relationship)
	return t, nil
}

// Approve sets approved=true on (actorID, peerID); the trust becomes active
// once peer_approved is also true. The approval is propagated
// best-effort to the peer so its peer_approved flag flips too.
func (s *Service) Approve(ctx context.Context, actorID, peerID string) (*storage.Trust, error) {
	t, err := s.backend.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	t.Approved = true
	t.LastAccessed = time.Now().UTC()
	if err := s.backend.UpdateTrust(ctx, t); err != nil {
		return nil, err
	}
	if t.PeerApproved {
		s.metrics.RecordTrustApproved(t.Relationship)
	}
	if t.BaseURI != "" {
		go s.propagateApproval(context.Background(), t)
	}
	return t, nil
}

// ApprovePeer records the peer's approval on (actorID, peerID), invoked when
// the authenticated caller of PUT /trust/{rel}/{peer} is the peer itself
// rather than the actor's owner.
func (s *Service) ApprovePeer(ctx context.Context, actorID, peerID string) (*storage.Trust, error) {
	t, err := s.backend.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	t.PeerApproved = true
	t.LastAccessed = time.Now().UTC()
	if err := s.backend.UpdateTrust(ctx, t); err != nil {
		return nil, err
	}
	if t.Approved {
		s.metrics.RecordTrustApproved(t.Relationship)
	}
	return t, nil
}

func (s *Service) propagateApproval(ctx context.Context, t *storage.Trust) {
	url := fmt.Sprintf("%s/trust/%s/%s", t.BaseURI, t.Relationship, t.ActorID)
	body := bytes.NewReader([]byte(`{"approved":true}`))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(t.ActorID, t.Secret)
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("best-effort approval propagation failed", zap.String("peer_id", t.PeerID), zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Get returns the trust between actorID and peerID.
func (s *Service) Get(ctx context.Context, actorID, peerID string) (*storage.Trust, error) {
	return s.backend.GetTrust(ctx, actorID, peerID)
}

// List returns all trusts owned by actorID.
func (s *Service) List(ctx context.Context, actorID string) ([]*storage.Trust, error) {
	return s.backend.ListTrusts(ctx, actorID)
}

// Delete removes the local trust and best-effort notifies the peer with a
// DELETE to its corresponding trust endpoint.
func (s *Service) Delete(ctx context.Context, actorID, peerID string) error {
	t, err := s.backend.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteTrust(ctx, actorID, peerID); err != nil {
		return err
	}

	go s.NotifyPeerDelete(context.Background(), t)
	return nil
}

// NotifyPeerDelete issues the best-effort reciprocal DELETE to the peer's
// trust endpoint. Exposed so actor deletion can reuse it for
// every trust the deleted actor held.
func (s *Service) NotifyPeerDelete(ctx context.Context, t *storage.Trust) {
	url := fmt.Sprintf("%s/trust/%s/%s", t.BaseURI, t.Relationship, t.ActorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	req.SetBasicAuth(t.ActorID, t.Secret)
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("best-effort reciprocal trust delete failed", zap.String("peer_id", t.PeerID), zap.Error(err))
		return
	}
	resp.Body.Close()
}

// PutOverride stores a per-relationship permission override, invalidating
// the evaluator cache for that (actor, peer) by virtue of the version bump
// storage performs.
func (s *Service) PutOverride(ctx context.Context, actorID, peerID string, categories map[string]CategoryOverrideDTO) error {
	cat := make(map[string]storage.CategoryOverride, len(categories))
	for k, v := range categories {
		cat[k] = storage.CategoryOverride{
			Allowed:          v.Allowed,
			Denied:           v.Denied,
			ExcludedPatterns: v.ExcludedPatterns,
			Operations:       v.Operations,
		}
	}
	return s.backend.PutOverride(ctx, &storage.PermissionOverride{ActorID: actorID, PeerID: peerID, Categories: cat})
}

// CategoryOverrideDTO is the wire shape for a permission override category.
type CategoryOverrideDTO struct {
	Allowed          []string `json:"allowed"`
	Denied           []string `json:"denied"`
	ExcludedPatterns []string `json:"excluded_patterns"`
	Operations       []string `json:"operations,omitempty"`
}

// GetOverride returns the permission override for (actorID, peerID), if any.
func (s *Service) GetOverride(ctx context.Context, actorID, peerID string) (*storage.PermissionOverride, error) {
	return s.backend.GetOverride(ctx, actorID, peerID)
}

// DeleteOverride removes the permission override for (actorID, peerID).
func (s *Service) DeleteOverride(ctx context.Context, actorID, peerID string) error {
	return s.backend.DeleteOverride(ctx, actorID, peerID)
}

// Evaluate checks whether peerID may perform op on resource in category,
// given actorID's trust relationship with peerID. Fail-secure:
// any lookup failure denies.
func (s *Service) Evaluate(ctx context.Context, actorID, peerID string, req Request) Decision {
	t, err := s.backend.GetTrust(ctx, actorID, peerID)
	if err != nil || !t.Active() {
		return Deny
	}
	trustType, ok := s.registry.Get(t.Relationship)
	if !ok {
		return Deny
	}

	var overridePerms Permissions
	var overrideVersion int64
	ov, err := s.backend.GetOverride(ctx, actorID, peerID)
	if err == nil {
		overrideVersion = ov.Version
		overridePerms = make(Permissions, len(ov.Categories))
		for k, v := range ov.Categories {
			overridePerms[Category(k)] = CategoryPermissions{
				Allowed: v.Allowed, Denied: v.Denied,
				ExcludedPatterns: v.ExcludedPatterns,
				Operations:       toOperations(v.Operations),
			}
		}
	}

	return s.cache.Evaluate(trustType, overridePerms, overrideVersion, req)
}

func toOperations(ops []string) []Operation {
	out := make([]Operation, len(ops))
	for i, o := range ops {
		out[i] = Operation(o)
	}
	return out
}

// NewVerificationToken generates a random token for an outbound trust
// initiation handshake.
func NewVerificationToken() string {
	return uuid.New().String()
}
