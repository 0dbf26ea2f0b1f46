package subscription_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
	"github.com/jmerrifield20/actingweb-core/internal/subscription"
)

func newTestProcessor(t *testing.T, handler subscription.CallbackHandler) *subscription.Processor {
	t.Helper()
	backend := memory.New()
	return subscription.NewProcessor(backend, handler, nil, zap.NewNop())
}

func TestProcess_inOrderSequenceIsValid(t *testing.T) {
	var applied []int64
	p := newTestProcessor(t, func(ctx context.Context, target, subtarget string, blob []byte) error {
		applied = append(applied, 1)
		return nil
	})

	status, class, err := p.Process(context.Background(), "sub1", 1, "properties", "status", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 204 || class != subscription.ClassValid {
		t.Fatalf("expected 204/Valid, got %d/%v", status, class)
	}
	if len(applied) != 1 {
		t.Fatalf("expected handler to be called once, got %d", len(applied))
	}
}

func TestProcess_duplicateSequenceIsIgnored(t *testing.T) {
	calls := 0
	p := newTestProcessor(t, func(ctx context.Context, target, subtarget string, blob []byte) error {
		calls++
		return nil
	})
	ctx := context.Background()

	if _, _, err := p.Process(ctx, "sub1", 1, "properties", "status", nil); err != nil {
		t.Fatal(err)
	}
	status, class, err := p.Process(ctx, "sub1", 1, "properties", "status", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 204 || class != subscription.ClassDuplicate {
		t.Fatalf("expected 204/Duplicate, got %d/%v", status, class)
	}
	if calls != 1 {
		t.Fatalf("handler must not be re-invoked for a duplicate, got %d calls", calls)
	}
}

func TestProcess_gapQueuesThenReplaysOnFill(t *testing.T) {
	var order []string
	p := newTestProcessor(t, func(ctx context.Context, target, subtarget string, blob []byte) error {
		order = append(order, string(blob))
		return nil
	}).WithLimits(10, time.Hour)
	ctx := context.Background()

	status, class, err := p.Process(ctx, "sub1", 3, "properties", "status", []byte("3"))
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 || class != subscription.ClassGap {
		t.Fatalf("expected 204/Gap for out-of-order sequence, got %d/%v", status, class)
	}

	status, class, err = p.Process(ctx, "sub1", 2, "properties", "status", []byte("2"))
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 || class != subscription.ClassGap {
		t.Fatalf("expected 204/Gap for second out-of-order sequence, got %d/%v", status, class)
	}

	status, class, err = p.Process(ctx, "sub1", 1, "properties", "status", []byte("1"))
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 || class != subscription.ClassValid {
		t.Fatalf("expected 204/Valid once the gap is filled, got %d/%v", status, class)
	}
	if len(order) != 3 || order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Fatalf("expected the filled gap to replay 1,2,3 in order, got %v", order)
	}
}

func TestProcess_gapFullReturnsBackpressure(t *testing.T) {
	p := newTestProcessor(t, func(ctx context.Context, target, subtarget string, blob []byte) error {
		return nil
	}).WithLimits(1, time.Hour)
	ctx := context.Background()

	if _, _, err := p.Process(ctx, "sub1", 5, "properties", "status", nil); err != nil {
		t.Fatal(err)
	}
	status, class, err := p.Process(ctx, "sub1", 6, "properties", "status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 429 || class != subscription.ClassGap {
		t.Fatalf("expected 429/Gap once max_pending is exceeded, got %d/%v", status, class)
	}
}

func TestProcess_gapTimeoutTriggersResync(t *testing.T) {
	resyncCh := make(chan string, 1)
	backend := memory.New()
	p := subscription.NewProcessor(backend, func(ctx context.Context, target, subtarget string, blob []byte) error {
		return nil
	}, func(ctx context.Context, subID string) { resyncCh <- subID }, zap.NewNop()).WithLimits(100, time.Millisecond)

	ctx := context.Background()
	if _, _, err := p.Process(ctx, "sub1", 5, "properties", "status", nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	status, class, err := p.Process(ctx, "sub1", 6, "properties", "status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 200 || class != subscription.ClassResyncTriggered {
		t.Fatalf("expected 200/ResyncTriggered once the gap deadline elapses, got %d/%v", status, class)
	}

	select {
	case <-resyncCh:
	case <-time.After(time.Second):
		t.Fatal("expected onResync to be invoked")
	}
}

// casFlaky wraps a backend so its first CompareAndSwapProcessorState call
// fails with ErrConflict, exercising the RetryCAS path.
type casFlaky struct {
	storage.Backend
	failed bool
}

func (c *casFlaky) CompareAndSwapProcessorState(ctx context.Context, version int64, p *storage.ProcessorState) error {
	if !c.failed {
		c.failed = true
		return storage.ErrConflict
	}
	return c.Backend.CompareAndSwapProcessorState(ctx, version, p)
}

// TestProcess_orderingSurvivesCASConflict is the ordering regression guard
// under a forced CAS conflict: the handler must run exactly once and a
// redelivery of the same sequence must still classify as DUPLICATE, never as
// a fresh VALID delivery.
func TestProcess_orderingSurvivesCASConflict(t *testing.T) {
	calls := 0
	backend := &casFlaky{Backend: memory.New()}
	p := subscription.NewProcessor(backend, func(ctx context.Context, target, subtarget string, blob []byte) error {
		calls++
		return nil
	}, nil, zap.NewNop())
	ctx := context.Background()

	status, class, err := p.Process(ctx, "sub1", 1, "properties", "status", nil)
	if err != nil {
		t.Fatalf("expected CAS retry to absorb the conflict, got %v", err)
	}
	if status != 204 || class != subscription.ClassValid {
		t.Fatalf("expected 204/Valid, got %d/%v", status, class)
	}
	if calls != 1 {
		t.Fatalf("handler must run exactly once despite the CAS retry, got %d", calls)
	}

	_, class, err = p.Process(ctx, "sub1", 1, "properties", "status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if class != subscription.ClassDuplicate {
		t.Fatalf("redelivery after the CAS retry must be a duplicate, got %v", class)
	}
	if calls != 1 {
		t.Fatalf("duplicate must not re-invoke the handler, got %d calls", calls)
	}
}

// TestProcess_sequenceOnlyAdvancesAfterHandlerSuccess is the ordering
// regression guard: a handler failure on an in-order delivery must leave
// last_sequence_applied untouched so a peer's retry is processed exactly
// the same way as the original attempt.
func TestProcess_sequenceOnlyAdvancesAfterHandlerSuccess(t *testing.T) {
	attempt := 0
	p := newTestProcessor(t, func(ctx context.Context, target, subtarget string, blob []byte) error {
		attempt++
		if attempt == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	ctx := context.Background()

	if _, _, err := p.Process(ctx, "sub1", 1, "properties", "status", nil); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	status, class, err := p.Process(ctx, "sub1", 1, "properties", "status", nil)
	if err != nil {
		t.Fatalf("retry of the same sequence should succeed: %v", err)
	}
	if status != 204 || class != subscription.ClassValid {
		t.Fatalf("expected retry to be treated as the original in-order delivery, got %d/%v", status, class)
	}
	if attempt != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", attempt)
	}
}
