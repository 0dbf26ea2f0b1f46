package subscription_test

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
	"github.com/jmerrifield20/actingweb-core/internal/subscription"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

// allowAll grants every permission check; denyAll the opposite.
type allowAll struct{}

func (allowAll) Evaluate(context.Context, string, string, trust.Request) trust.Decision {
	return trust.Allow
}

type denyAll struct{}

func (denyAll) Evaluate(context.Context, string, string, trust.Request) trust.Decision {
	return trust.Deny
}

// noPeers fails every base-URI lookup, so fan-out and capability probes stay
// local to the test process.
type noPeers struct{}

func (noPeers) BaseURI(context.Context, string, string) (string, error) {
	return "", context.Canceled
}

func newTestEngine(t *testing.T, perms subscription.PermissionChecker) (*subscription.Engine, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	fanout := subscription.NewFanoutManager(noPeers{}, zap.NewNop(), 2)
	return subscription.NewEngine(backend, perms, fanout, zap.NewNop()), backend
}

func TestNotifyPropertyChange_registersSequencedDiffs(t *testing.T) {
	e, backend := newTestEngine(t, allowAll{})
	ctx := context.Background()

	sub, err := e.Create(ctx, "publisher", "subscriber", "properties", "status", "", "high")
	if err != nil {
		t.Fatal(err)
	}

	e.NotifyPropertyChange(ctx, "publisher", "properties", "status", []byte(`{"status":"online"}`))
	e.NotifyPropertyChange(ctx, "publisher", "properties", "status", []byte(`{"status":"away"}`))

	diffs, err := backend.GetDiffs(ctx, sub.SubID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 2 || diffs[0].Sequence != 1 || diffs[1].Sequence != 2 {
		t.Fatalf("expected diffs with sequences 1,2, got %+v", diffs)
	}
}

func TestNotifyPropertyChange_permissionDenyRegistersNothing(t *testing.T) {
	e, backend := newTestEngine(t, denyAll{})
	ctx := context.Background()

	sub, err := e.Create(ctx, "publisher", "subscriber", "properties", "status", "", "high")
	if err != nil {
		t.Fatal(err)
	}

	e.NotifyPropertyChange(ctx, "publisher", "properties", "status", []byte(`{}`))

	diffs, err := backend.GetDiffs(ctx, sub.SubID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 0 {
		t.Fatalf("expected no diffs for a denied subscriber, got %+v", diffs)
	}
}

// TestSuspendResume_collapsesToOneTerminalDiff covers the bulk-change
// protocol: N writes under a suspension mask must produce exactly one
// terminal diff on resume, not N.
func TestSuspendResume_collapsesToOneTerminalDiff(t *testing.T) {
	e, backend := newTestEngine(t, allowAll{})
	ctx := context.Background()

	sub, err := e.Create(ctx, "publisher", "subscriber", "properties", "status", "", "high")
	if err != nil {
		t.Fatal(err)
	}

	e.Suspend("properties", "status")
	for i := 0; i < 50; i++ {
		e.NotifyPropertyChange(ctx, "publisher", "properties", "status", []byte(`{}`))
	}
	if err := e.Resume(ctx, "publisher", "properties", "status"); err != nil {
		t.Fatal(err)
	}

	diffs, err := backend.GetDiffs(ctx, sub.SubID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected exactly one terminal diff after resume, got %d", len(diffs))
	}
	if diffs[0].Sequence != 1 {
		t.Fatalf("expected the terminal diff to carry sequence 1, got %d", diffs[0].Sequence)
	}

	// Writes after resume register normally again.
	e.NotifyPropertyChange(ctx, "publisher", "properties", "status", []byte(`{}`))
	diffs, err = backend.GetDiffs(ctx, sub.SubID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 2 {
		t.Fatalf("expected diff registration to resume, got %d diffs", len(diffs))
	}
}

func TestConfirm_prunesThroughSequence(t *testing.T) {
	e, backend := newTestEngine(t, allowAll{})
	ctx := context.Background()

	sub, err := e.Create(ctx, "publisher", "subscriber", "properties", "status", "", "high")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		e.NotifyPropertyChange(ctx, "publisher", "properties", "status", []byte(`{}`))
	}

	if err := e.Confirm(ctx, sub.SubID, 2); err != nil {
		t.Fatal(err)
	}
	diffs, err := backend.GetDiffs(ctx, sub.SubID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 || diffs[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3 to survive the confirm, got %+v", diffs)
	}
}

func TestNotifyPropertyChange_subtargetFilter(t *testing.T) {
	e, backend := newTestEngine(t, allowAll{})
	ctx := context.Background()

	sub, err := e.Create(ctx, "publisher", "subscriber", "properties", "status", "", "high")
	if err != nil {
		t.Fatal(err)
	}

	e.NotifyPropertyChange(ctx, "publisher", "properties", "location", []byte(`{}`))

	diffs, err := backend.GetDiffs(ctx, sub.SubID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 0 {
		t.Fatalf("expected no diff for a non-matching subtarget, got %+v", diffs)
	}

	var blob json.RawMessage = []byte(`{"status":"online"}`)
	e.NotifyPropertyChange(ctx, "publisher", "properties", "status", blob)
	diffs, _ = backend.GetDiffs(ctx, sub.SubID, 0)
	if len(diffs) != 1 {
		t.Fatalf("expected one diff for the matching subtarget, got %d", len(diffs))
	}
}
