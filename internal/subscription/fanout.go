// Fan-out manager: parallel bounded delivery, per-peer circuit breaker,
// retry/backoff, 429 backpressure. The circuit breaker is a sharded map
// with a per-entry mutex, paired with a short per-peer pause for 429
// backpressure.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one queued outbound callback delivery.
type Task struct {
	PublisherID  string
	SubscriberID string
	SubID        string
	Sequence     int64
	Target       string
	SubTarget    string
	Data         json.RawMessage
	Type         string // "" | "low" | "resync"
}

// CallbackPayload is the wire body POSTed to a subscriber.
type CallbackPayload struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionid"`
	Sequence       int64           `json:"sequence"`
	Target         string          `json:"target"`
	SubTarget      string          `json:"subtarget,omitempty"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
	Type           string          `json:"type,omitempty"`
}

// breakerState is one of CLOSED/OPEN/HALF_OPEN.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breakerEntry struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	openUntil   time.Time
	pausedUntil time.Time
}

const (
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

// PeerResolver maps a (local actor, peer actor) pair to the peer's base URI,
// used to compose the callback delivery URL. A trust relationship is scoped
// to one actor pair, so the base URI
// on file can differ for the same peerID across different local actors.
// Implemented by internal/trust at the httpapi layer.
type PeerResolver interface {
	BaseURI(ctx context.Context, actorID, peerID string) (string, error)
}

// FanoutManager delivers diffs to subscribers with bounded concurrency, a
// per-peer circuit breaker, and retry/backoff.
type FanoutManager struct {
	client       *http.Client
	peers        PeerResolver
	capabilities *CapabilityCache
	logger       *zap.Logger
	metrics      FanoutMetrics

	sem      chan struct{}
	breakers sync.Map // peerID -> *breakerEntry
}

// FanoutMetrics is the optional hook for recording delivery/circuit-breaker
// outcomes (wired to internal/metrics). A nil-safe no-op default is used
// when not configured.
type FanoutMetrics interface {
	RecordDelivery(success bool)
	RecordCircuitOpen(peerID string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivery(bool)      {}
func (noopMetrics) RecordCircuitOpen(string) {}

// NewFanoutManager creates a FanoutManager with workerPoolSize concurrent
// delivery slots.
func NewFanoutManager(peers PeerResolver, logger *zap.Logger, workerPoolSize int) *FanoutManager {
	if workerPoolSize <= 0 {
		workerPoolSize = 16
	}
	return &FanoutManager{
		client:       &http.Client{Timeout: 10 * time.Second},
		peers:        peers,
		capabilities: NewCapabilityCache(peers, 10*time.Minute),
		logger:       logger,
		metrics:      noopMetrics{},
		sem:          make(chan struct{}, workerPoolSize),
	}
}

// SetMetrics wires a metrics recorder.
func (f *FanoutManager) SetMetrics(m FanoutMetrics) {
	if m != nil {
		f.metrics = m
	}
}

// Enqueue dispatches task for delivery on a pooled goroutine. Diffs already
// committed to storage by the caller; Enqueue never blocks the mutation
// that produced them, and delivery errors never fail it either.
func (f *FanoutManager) Enqueue(task Task) {
	go func() {
		f.sem <- struct{}{}
		defer func() { <-f.sem }()
		f.deliver(context.Background(), task)
	}()
}

func (f *FanoutManager) breaker(peerID string) *breakerEntry {
	v, _ := f.breakers.LoadOrStore(peerID, &breakerEntry{})
	return v.(*breakerEntry)
}

// admits reports whether a delivery attempt to peerID should proceed given
// the circuit breaker and 429-pause state.
func (b *breakerEntry) admits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.Before(b.pausedUntil) {
		return false
	}
	switch b.state {
	case breakerOpen:
		if now.After(b.openUntil) {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breakerEntry) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breakerEntry) recordFailure() (openedNow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openUntil = time.Now().Add(circuitCooldown)
		return true
	}
	b.failures++
	if b.failures >= circuitThreshold {
		b.state = breakerOpen
		b.openUntil = time.Now().Add(circuitCooldown)
		return true
	}
	return false
}

func (b *breakerEntry) pause(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil = time.Now().Add(d)
}

// deliver attempts delivery to task's subscriber with retry/backoff: max 3
// attempts, transient (timeout/5xx) retried with jitter, 4xx except 429
// terminal, 429 pauses the peer.
func (f *FanoutManager) deliver(ctx context.Context, task Task) {
	brk := f.breaker(task.SubscriberID)
	if !brk.admits() {
		return
	}

	baseURI, err := f.peers.BaseURI(ctx, task.PublisherID, task.SubscriberID)
	if err != nil {
		f.logger.Warn("fan-out: resolve peer base uri failed", zap.String("peer_id", task.SubscriberID), zap.Error(err))
		return
	}

	payload := CallbackPayload{
		ID: task.SubID, SubscriptionID: task.SubID, Sequence: task.Sequence,
		Target: task.Target, SubTarget: task.SubTarget, Data: task.Data,
		Timestamp: time.Now().UTC(), Type: task.Type,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("fan-out: marshal callback payload failed", zap.Error(err))
		return
	}

	// BaseURI on a trust record is the peer actor's root URL, so the
	// subscriber segment is already part of it.
	url := fmt.Sprintf("%s/callbacks/subscriptions/%s/%s", baseURI, task.PublisherID, task.SubID)

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			time.Sleep(backoffWithJitter(attempt))
		}

		status, err := f.post(ctx, url, body)
		if err == nil && status >= 200 && status < 300 {
			brk.recordSuccess()
			f.metrics.RecordDelivery(true)
			return
		}
		if status == http.StatusTooManyRequests {
			brk.pause(5 * time.Second)
			f.metrics.RecordDelivery(false)
			return
		}
		if status >= 400 && status < 500 {
			// Terminal 4xx: do not retry.
			if brk.recordFailure() {
				f.metrics.RecordCircuitOpen(task.SubscriberID)
			}
			f.metrics.RecordDelivery(false)
			return
		}

		f.logger.Warn("fan-out: delivery attempt failed",
			zap.String("peer_id", task.SubscriberID), zap.Int("attempt", attempt), zap.Error(err))
	}

	if brk.recordFailure() {
		f.metrics.RecordCircuitOpen(task.SubscriberID)
	}
	f.metrics.RecordDelivery(false)
}

func (f *FanoutManager) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(attempt) * 250 * time.Millisecond
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	return base + jitter
}
