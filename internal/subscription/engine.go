// Package subscription implements the publisher-side subscription engine,
// the receiver-side callback processor state machine, the sender-side
// fan-out manager, and peer pull-sync. Delivery is goroutine-per-subscriber
// with retry/backoff; processing order within one subscription is enforced
// by sequence numbers, never by goroutine scheduling.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/property"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

// var assertion: Engine must satisfy property.DiffNotifier so the property
// store can register diffs without importing this package.
var _ property.DiffNotifier = (*Engine)(nil)

// PermissionChecker evaluates whether a peer may subscribe/receive a given
// resource. Implemented by *trust.Service; declared as an interface here to
// avoid subscription depending on trust's concrete type set growing.
type PermissionChecker interface {
	Evaluate(ctx context.Context, actorID, peerID string, req trust.Request) trust.Decision
}

// EngineMetrics is the optional hook for recording diff-enqueue volume
// (wired to internal/metrics), mirroring FanoutMetrics/ProcessorMetrics.
type EngineMetrics interface {
	RecordDiffEnqueued()
}

type noopEngineMetrics struct{}

func (noopEngineMetrics) RecordDiffEnqueued() {}

// Engine is the publisher-side subscription engine for one application
// instance. It also implements property.DiffNotifier.
type Engine struct {
	backend storage.Backend
	perms   PermissionChecker
	fanout  *FanoutManager
	logger  *zap.Logger
	metrics EngineMetrics

	mu         sync.RWMutex
	suspension map[suspendKey]bool
}

type suspendKey struct {
	target    string
	subtarget string
}

// NewEngine creates a subscription Engine.
func NewEngine(backend storage.Backend, perms PermissionChecker, fanout *FanoutManager, logger *zap.Logger) *Engine {
	return &Engine{
		backend:    backend,
		perms:      perms,
		fanout:     fanout,
		logger:     logger,
		metrics:    noopEngineMetrics{},
		suspension: make(map[suspendKey]bool),
	}
}

// SetMetrics wires a metrics recorder.
func (e *Engine) SetMetrics(m EngineMetrics) {
	if m != nil {
		e.metrics = m
	}
}

// Create records a new subscription. peerID is the subscriber (caller);
// actorID is the publisher being subscribed to.
func (e *Engine) Create(ctx context.Context, actorID, peerID, target, subtarget, resource, granularity string) (*storage.Subscription, error) {
	if granularity == "" {
		granularity = "high"
	}
	sub := &storage.Subscription{
		ActorID:     actorID,
		PeerID:      peerID,
		SubID:       uuid.New().String(),
		Target:      target,
		SubTarget:   subtarget,
		Resource:    resource,
		Granularity: granularity,
		Callback:    false, // inbound: peerID is watching actorID
	}
	if err := e.backend.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns a subscription plus its outstanding diffs.
func (e *Engine) Get(ctx context.Context, actorID, peerID, subID string) (*storage.Subscription, []*storage.Diff, error) {
	sub, err := e.backend.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return nil, nil, err
	}
	diffs, err := e.backend.GetDiffs(ctx, subID, 0)
	if err != nil {
		return nil, nil, err
	}
	return sub, diffs, nil
}

// Confirm prunes diffs at or below sequence, per the PUT {sequence}
// confirmation protocol.
func (e *Engine) Confirm(ctx context.Context, subID string, sequence int64) error {
	return e.backend.PruneDiffs(ctx, subID, sequence)
}

// Delete removes a subscription.
func (e *Engine) Delete(ctx context.Context, actorID, peerID, subID string) error {
	return e.backend.DeleteSubscription(ctx, actorID, peerID, subID)
}

// List returns subscriptions for actorID matching filter.
func (e *Engine) List(ctx context.Context, actorID string, filter storage.SubscriptionFilter) ([]*storage.Subscription, error) {
	return e.backend.ListSubscriptions(ctx, actorID, filter)
}

// Suspend masks diff registration for (target, subtarget) ahead of a bulk
// edit.
func (e *Engine) Suspend(target, subtarget string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspension[suspendKey{target, subtarget}] = true
}

// Resume lifts the mask and, for every affected subscription, emits exactly
// one terminal callback: resync if the subscriber's capability cache
// supports it, else a low-granularity callback. N silent mutations collapse
// into one signal.
func (e *Engine) Resume(ctx context.Context, actorID, target, subtarget string) error {
	e.mu.Lock()
	delete(e.suspension, suspendKey{target, subtarget})
	e.mu.Unlock()

	subs, err := e.backend.ListSubscriptions(ctx, actorID, storage.SubscriptionFilter{Target: target})
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.SubTarget != subtarget || sub.Suspended {
			continue
		}
		seq, err := e.backend.IncreaseSeq(ctx, actorID, sub.PeerID, sub.SubID)
		if err != nil {
			e.logger.Warn("resume: increase_seq failed", zap.String("sub_id", sub.SubID), zap.Error(err))
			continue
		}

		supportsResync := e.fanout.capabilities.Supports(ctx, actorID, sub.PeerID, "resync")
		callbackType := "low"
		blob := json.RawMessage(`{}`)
		if supportsResync {
			callbackType = "resync"
			blob, _ = json.Marshal(map[string]string{"resource": resourceURL(actorID, target, subtarget)})
		}

		diff := &storage.Diff{SubID: sub.SubID, Sequence: seq, Target: target, SubTarget: subtarget, Blob: blob, Timestamp: time.Now().UTC()}
		if err := e.backend.AddDiff(ctx, diff); err != nil {
			e.logger.Warn("resume: add_diff failed", zap.String("sub_id", sub.SubID), zap.Error(err))
			continue
		}
		e.metrics.RecordDiffEnqueued()
		e.fanout.Enqueue(Task{
			PublisherID: actorID, SubscriberID: sub.PeerID, SubID: sub.SubID,
			Sequence: seq, Target: target, SubTarget: subtarget, Data: blob, Type: callbackType,
		})
	}
	return nil
}

func resourceURL(actorID, target, subtarget string) string {
	return fmt.Sprintf("/%s/%s/%s", actorID, target, subtarget)
}

// NotifyPropertyChange implements property.DiffNotifier; the property store
// calls it on every successful mutation.
func (e *Engine) NotifyPropertyChange(ctx context.Context, actorID string, target, subtarget string, blob []byte) {
	e.mu.RLock()
	suspended := e.suspension[suspendKey{target, subtarget}]
	e.mu.RUnlock()
	if suspended {
		return
	}

	subs, err := e.backend.ListSubscriptions(ctx, actorID, storage.SubscriptionFilter{Target: target})
	if err != nil {
		e.logger.Warn("list subscriptions for diff registration failed", zap.String("actor_id", actorID), zap.Error(err))
		return
	}

	for _, sub := range subs {
		if sub.SubTarget != "" && sub.SubTarget != subtarget {
			continue
		}
		if sub.Suspended {
			continue
		}
		decision := e.perms.Evaluate(ctx, actorID, sub.PeerID, trust.Request{
			Category: trust.CategoryProperties, Resource: subtarget, Op: trust.OpSubscribe,
		})
		if decision != trust.Allow {
			continue
		}

		seq, err := e.backend.IncreaseSeq(ctx, actorID, sub.PeerID, sub.SubID)
		if err != nil {
			e.logger.Warn("increase_seq failed", zap.String("sub_id", sub.SubID), zap.Error(err))
			continue
		}
		diff := &storage.Diff{SubID: sub.SubID, Sequence: seq, Target: target, SubTarget: subtarget, Blob: blob, Timestamp: time.Now().UTC()}
		if err := e.backend.AddDiff(ctx, diff); err != nil {
			e.logger.Warn("add_diff failed", zap.String("sub_id", sub.SubID), zap.Error(err))
			continue
		}
		e.metrics.RecordDiffEnqueued()
		e.fanout.Enqueue(Task{
			PublisherID: actorID, SubscriberID: sub.PeerID, SubID: sub.SubID,
			Sequence: seq, Target: target, SubTarget: subtarget, Data: blob,
		})
	}
}
