// Receiver-side callback processor state machine: classifies
// each inbound callback as VALID, DUPLICATE, GAP, RESYNC_TRIGGERED, or
// FULL-RESET and enforces the ordering invariant that a subscription's
// last-applied sequence only advances once the corresponding handler call
// has actually succeeded. Persistence is CAS-protected via
// storage.CompareAndSwapProcessorState, following the same optimistic-retry
// shape used throughout internal/storage for versioned records.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// Classification is the outcome of classifying one inbound callback.
type Classification int

const (
	ClassValid Classification = iota
	ClassDuplicate
	ClassGap
	ClassResyncTriggered
)

const (
	defaultMaxPending = 100
	defaultGapTimeout = 5 * time.Second
)

// CallbackHandler applies one in-order diff to local state. Returning an
// error leaves the processor's sequence bookkeeping untouched, so the
// peer's retry of the same delivery is handled identically.
type CallbackHandler func(ctx context.Context, target, subtarget string, blob []byte) error

// ResyncTrigger is invoked when a gap's deadline expires; the subscriber is
// expected to re-pull the full subscription via PeerSync, falling back to
// a baseline fetch.
type ResyncTrigger func(ctx context.Context, subID string)

// ProcessorMetrics is the optional hook for recording gap/resync outcomes
// (wired to internal/metrics), mirroring FanoutMetrics's nil-safe default.
type ProcessorMetrics interface {
	RecordGapQueued()
	RecordResyncTriggered()
}

type noopProcessorMetrics struct{}

func (noopProcessorMetrics) RecordGapQueued()       {}
func (noopProcessorMetrics) RecordResyncTriggered() {}

// Processor is the receiver-side callback processor for one application
// instance, shared across all of its inbound subscriptions.
type Processor struct {
	backend    storage.Backend
	handler    CallbackHandler
	onResync   ResyncTrigger
	maxPending int
	gapTimeout time.Duration
	logger     *zap.Logger
	metrics    ProcessorMetrics
}

// NewProcessor creates a Processor with the default max_pending (100) and
// gap_timeout (5s).
func NewProcessor(backend storage.Backend, handler CallbackHandler, onResync ResyncTrigger, logger *zap.Logger) *Processor {
	return &Processor{
		backend:    backend,
		handler:    handler,
		onResync:   onResync,
		maxPending: defaultMaxPending,
		gapTimeout: defaultGapTimeout,
		logger:     logger,
		metrics:    noopProcessorMetrics{},
	}
}

// SetMetrics wires a metrics recorder.
func (p *Processor) SetMetrics(m ProcessorMetrics) {
	if m != nil {
		p.metrics = m
	}
}

// WithLimits overrides max_pending/gap_timeout; used by tests and operator
// tuning.
func (p *Processor) WithLimits(maxPending int, gapTimeout time.Duration) *Processor {
	p.maxPending = maxPending
	p.gapTimeout = gapTimeout
	return p
}

// Process classifies and applies one inbound callback, returning the HTTP
// status the httpapi layer should respond with: VALID=204, DUPLICATE=204,
// GAP=204 (or 429 when pending is full), RESYNC_TRIGGERED=200.
func (p *Processor) Process(ctx context.Context, subID string, sequence int64, target, subtarget string, blob []byte) (int, Classification, error) {
	state, err := p.loadOrCreate(ctx, subID)
	if err != nil {
		return 0, 0, err
	}

	if sequence <= state.LastSequenceApplied {
		return 204, ClassDuplicate, nil
	}

	if sequence == state.LastSequenceApplied+1 {
		return p.applyInOrder(ctx, state, sequence, target, subtarget, blob)
	}

	return p.registerGap(ctx, state, sequence, target, subtarget, blob)
}

func (p *Processor) applyInOrder(ctx context.Context, state *storage.ProcessorState, sequence int64, target, subtarget string, blob []byte) (int, Classification, error) {
	// Ordering invariant: only once the handler has actually succeeded does
	// the sequence transition get persisted.
	if err := p.handler(ctx, target, subtarget, blob); err != nil {
		return 0, 0, fmt.Errorf("apply callback: %w", err)
	}

	next := sequence
	remaining := state.Pending
	for {
		idx := indexOfSequence(remaining, next+1)
		if idx < 0 {
			break
		}
		pc := remaining[idx]
		if err := p.handler(ctx, pc.Target, pc.SubTarget, pc.Blob); err != nil {
			p.logger.Warn("replay of queued callback failed; stopping at gap",
				zap.String("sub_id", state.SubID), zap.Int64("sequence", pc.Sequence), zap.Error(err))
			break
		}
		next++
		remaining = removeSequence(remaining, pc.Sequence)
	}

	state.LastSequenceApplied = next
	state.Pending = remaining
	if len(remaining) == 0 {
		state.GapDeadline = time.Time{}
		state.ResyncPending = false
	}
	if err := p.save(ctx, state); err != nil {
		return 0, 0, err
	}
	return 204, ClassValid, nil
}

func (p *Processor) registerGap(ctx context.Context, state *storage.ProcessorState, sequence int64, target, subtarget string, blob []byte) (int, Classification, error) {
	now := time.Now().UTC()
	if state.GapDeadline.IsZero() {
		state.GapDeadline = now.Add(p.gapTimeout)
	}

	if now.After(state.GapDeadline) {
		state.ResyncPending = true
		if err := p.save(ctx, state); err != nil {
			return 0, 0, err
		}
		p.metrics.RecordResyncTriggered()
		if p.onResync != nil {
			go p.onResync(context.Background(), state.SubID)
		}
		return 200, ClassResyncTriggered, nil
	}

	if len(state.Pending) >= p.maxPending {
		return 429, ClassGap, nil
	}

	p.metrics.RecordGapQueued()
	state.Pending = append(state.Pending, storage.PendingCallback{
		Sequence: sequence, Target: target, SubTarget: subtarget, Blob: blob, Timestamp: now,
	})
	if err := p.save(ctx, state); err != nil {
		return 0, 0, err
	}
	return 204, ClassGap, nil
}

// ApplyBaseline applies a baseline fetch as a full replacement and then
// resets the
// processor's bookkeeping to the subscription's last known sequence, since a
// baseline carries no sequence number of its own to adopt.
func (p *Processor) ApplyBaseline(ctx context.Context, subID, target, subtarget string, blob []byte, baselineSequence int64) error {
	if err := p.handler(ctx, target, subtarget, blob); err != nil {
		return fmt.Errorf("apply baseline: %w", err)
	}
	return p.Reset(ctx, subID, baselineSequence)
}

// Reset clears a subscription's processor bookkeeping to baselineSequence,
// the FULL-RESET classification (always 204) applied once a resync
// completes and the subscriber has re-baselined from the publisher.
func (p *Processor) Reset(ctx context.Context, subID string, baselineSequence int64) error {
	state, err := p.loadOrCreate(ctx, subID)
	if err != nil {
		return err
	}
	state.LastSequenceApplied = baselineSequence
	state.Pending = nil
	state.GapDeadline = time.Time{}
	state.ResyncPending = false
	return p.save(ctx, state)
}

func (p *Processor) loadOrCreate(ctx context.Context, subID string) (*storage.ProcessorState, error) {
	state, err := p.backend.GetProcessorState(ctx, subID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := p.backend.CreateProcessorState(ctx, &storage.ProcessorState{SubID: subID}); err != nil {
			return nil, err
		}
		// Re-read so the record carries the version the backend assigned;
		// saving with a guessed version would conflict immediately.
		return p.backend.GetProcessorState(ctx, subID)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (p *Processor) save(ctx context.Context, state *storage.ProcessorState) error {
	return storage.RetryCAS(ctx, func() error {
		return p.backend.CompareAndSwapProcessorState(ctx, state.Version, state)
	})
}

func indexOfSequence(pending []storage.PendingCallback, seq int64) int {
	for i, pc := range pending {
		if pc.Sequence == seq {
			return i
		}
	}
	return -1
}

func removeSequence(pending []storage.PendingCallback, seq int64) []storage.PendingCallback {
	out := make([]storage.PendingCallback, 0, len(pending))
	for _, pc := range pending {
		if pc.Sequence != seq {
			out = append(out, pc)
		}
	}
	return out
}
