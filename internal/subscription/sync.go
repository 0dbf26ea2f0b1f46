// Peer pull-sync: a subscriber's recovery path when it suspects it has
// missed callbacks — GET the publisher's outstanding diffs, replay them in
// sequence order through a Processor, and PUT back the confirmed high-water
// mark. Also the per-peer capability cache (GET
// {peer}/meta/actingweb/supported).
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// capabilityEntry is one peer's cached feature set.
type capabilityEntry struct {
	supported map[string]bool
	expiresAt time.Time
}

// CapabilityCache caches each peer's advertised callback-protocol features
// ("resync" in particular) with a TTL, populated lazily on first use.
type CapabilityCache struct {
	mu      sync.RWMutex
	entries map[string]*capabilityEntry
	ttl     time.Duration
	peers   PeerResolver
	client  *http.Client
}

// NewCapabilityCache creates a CapabilityCache whose entries expire after ttl.
func NewCapabilityCache(peers PeerResolver, ttl time.Duration) *CapabilityCache {
	return &CapabilityCache{
		entries: make(map[string]*capabilityEntry),
		ttl:     ttl,
		peers:   peers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Supports reports whether peerID (as seen by actorID) advertises
// capability, ensuring the cache entry is loaded (or refreshed, once its TTL
// has elapsed) before answering. A load failure is treated as "unsupported"
// rather than propagated, since capability probing must never block the
// resume/suspend protocol it backs.
func (c *CapabilityCache) Supports(ctx context.Context, actorID, peerID, capability string) bool {
	key := actorID + "/" + peerID
	if err := c.ensureLoaded(ctx, actorID, peerID, key); err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return e.supported[capability]
}

func (c *CapabilityCache) ensureLoaded(ctx context.Context, actorID, peerID, key string) error {
	c.mu.RLock()
	e, ok := c.entries[key]
	fresh := ok && time.Now().Before(e.expiresAt)
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.load(ctx, actorID, peerID, key)
}

func (c *CapabilityCache) load(ctx context.Context, actorID, peerID, key string) error {
	baseURI, err := c.peers.BaseURI(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURI+"/meta/actingweb/supported", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Supported []string `json:"supported"`
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
	}

	supported := make(map[string]bool, len(body.Supported))
	for _, s := range body.Supported {
		supported[s] = true
	}

	c.mu.Lock()
	c.entries[key] = &capabilityEntry{supported: supported, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate forces the next Supports call for (actorID, peerID) to re-fetch.
func (c *CapabilityCache) Invalidate(actorID, peerID string) {
	c.mu.Lock()
	delete(c.entries, actorID+"/"+peerID)
	c.mu.Unlock()
}

// PeerSyncResponse is the wire shape of GET {publisher}/subscriptions/{subscriber}/{sub_id}.
type PeerSyncResponse struct {
	Subscription SubscriptionMeta `json:"subscription"`
	Diffs        []PeerDiff       `json:"data"`
}

// SubscriptionMeta is the subscription-record portion of a peer sync
// response, just enough to drive the baseline fallback.
type SubscriptionMeta struct {
	Target    string `json:"target"`
	SubTarget string `json:"subtarget,omitempty"`
	Sequence  int64  `json:"sequence"`
}

// PeerDiff is one diff entry as returned by a publisher's subscription pull.
type PeerDiff struct {
	Sequence  int64           `json:"sequence"`
	Target    string          `json:"target"`
	SubTarget string          `json:"subtarget,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// PeerSync pulls a subscription's outstanding diffs from its publisher and
// replays them through a Processor.
type PeerSync struct {
	client    *http.Client
	processor *Processor
	logger    *zap.Logger
}

// NewPeerSync creates a PeerSync backed by processor.
func NewPeerSync(processor *Processor, logger *zap.Logger) *PeerSync {
	return &PeerSync{client: &http.Client{Timeout: 10 * time.Second}, processor: processor, logger: logger}
}

// Pull fetches and applies subID's outstanding diffs from publisherBaseURI,
// then confirms the high-water mark back to the publisher. When nothing was
// fetched or everything fetched was already applied (the baseline fallback),
// the confirm value is the sequence the publisher reports for the
// subscription, or baselineSequence (the subscription's last known
// sequence) when the publisher reports 0.
func (ps *PeerSync) Pull(ctx context.Context, publisherBaseURI, subscriberID, subID string, baselineSequence int64) error {
	url := fmt.Sprintf("%s/subscriptions/%s/%s", publisherBaseURI, subscriberID, subID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := ps.client.Do(req)
	if err != nil {
		return fmt.Errorf("pull subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull subscription: unexpected status %d", resp.StatusCode)
	}

	var body PeerSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode pull response: %w", err)
	}

	sort.Slice(body.Diffs, func(i, j int) bool { return body.Diffs[i].Sequence < body.Diffs[j].Sequence })

	diffsFetched := len(body.Diffs)
	var diffsProcessed int
	var lastApplied int64
	for _, d := range body.Diffs {
		_, class, err := ps.processor.Process(ctx, subID, d.Sequence, d.Target, d.SubTarget, d.Data)
		if err != nil {
			ps.logger.Warn("peer sync: apply diff failed",
				zap.String("sub_id", subID), zap.Int64("sequence", d.Sequence), zap.Error(err))
			continue
		}
		if class == ClassValid {
			diffsProcessed++
			lastApplied = d.Sequence
		}
	}

	confirmSeq := lastApplied
	if diffsProcessed == 0 {
		// diffs_processed==0 and diffs_fetched>0 (all duplicate), or
		// diffs_fetched==0 entirely: fetch the baseline and apply it as a
		// full replacement, adopting the publisher's recorded sequence
		// rather than confirming 0.
		confirmSeq = body.Subscription.Sequence
		if confirmSeq == 0 {
			confirmSeq = baselineSequence
		}
		if err := ps.pullBaseline(ctx, publisherBaseURI, subID, body.Subscription, confirmSeq); err != nil {
			ps.logger.Warn("peer sync: baseline fetch failed",
				zap.String("sub_id", subID), zap.Bool("any_diffs_fetched", diffsFetched > 0), zap.Error(err))
		}
	}

	return ps.confirm(ctx, publisherBaseURI, subscriberID, subID, confirmSeq)
}

// pullBaseline implements the baseline-fallback GET {publisher}/<target-path>
// and applies the result as a full replacement through the processor.
func (ps *PeerSync) pullBaseline(ctx context.Context, publisherBaseURI, subID string, meta SubscriptionMeta, sequence int64) error {
	if meta.Target == "" {
		return nil
	}
	url := publisherBaseURI + "/" + meta.Target
	if meta.SubTarget != "" {
		url += "/" + meta.SubTarget
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := ps.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch baseline: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch baseline: unexpected status %d", resp.StatusCode)
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read baseline body: %w", err)
	}
	return ps.processor.ApplyBaseline(ctx, subID, meta.Target, meta.SubTarget, blob, sequence)
}

func (ps *PeerSync) confirm(ctx context.Context, publisherBaseURI, subscriberID, subID string, sequence int64) error {
	url := fmt.Sprintf("%s/subscriptions/%s/%s", publisherBaseURI, subscriberID, subID)
	payload, err := json.Marshal(map[string]int64{"sequence": sequence})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ps.client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: unexpected status %d", resp.StatusCode)
	}
	return nil
}
