package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
)

var ctx = context.Background()

func TestCreateActor_duplicateCreator(t *testing.T) {
	b := memory.New()

	a1 := &storage.Actor{ID: "actor1", Creator: "alice@example.com", CreatedAt: time.Now()}
	if err := b.CreateActor(ctx, a1); err != nil {
		t.Fatal(err)
	}

	a2 := &storage.Actor{ID: "actor2", Creator: "alice@example.com", CreatedAt: time.Now()}
	if err := b.CreateActor(ctx, a2); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate creator, got %v", err)
	}
}

func TestDeleteActor_cascadesProperties(t *testing.T) {
	b := memory.New()
	a := &storage.Actor{ID: "actor1", Creator: "bob@example.com", CreatedAt: time.Now()}
	if err := b.CreateActor(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := b.SetProperty(ctx, "actor1", &storage.PropertyValue{Path: []string{"foo"}, Blob: []byte(`"bar"`)}); err != nil {
		t.Fatal(err)
	}

	if err := b.DeleteActor(ctx, "actor1"); err != nil {
		t.Fatal(err)
	}

	if _, err := b.GetProperty(ctx, "actor1", []string{"foo"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected properties to be gone after actor delete, got %v", err)
	}
}

func TestUpdateTrust_versionConflict(t *testing.T) {
	b := memory.New()
	tr := &storage.Trust{ActorID: "a1", PeerID: "p1", Relationship: "friend", CreatedAt: time.Now()}
	if err := b.CreateTrust(ctx, tr); err != nil {
		t.Fatal(err)
	}
	got, err := b.GetTrust(ctx, "a1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	stale := *got
	got.Approved = true
	if err := b.UpdateTrust(ctx, got); err != nil {
		t.Fatal(err)
	}

	stale.Approved = true
	if err := b.UpdateTrust(ctx, &stale); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict on stale version update, got %v", err)
	}
}

func TestIncreaseSeq_monotonic(t *testing.T) {
	b := memory.New()
	sub := &storage.Subscription{ActorID: "a1", PeerID: "p1", SubID: "s1"}
	if err := b.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := b.IncreaseSeq(ctx, "a1", "p1", "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IncreaseSeq() = %d, want %d", got, want)
		}
	}
}

func TestPruneDiffs_onlyRemovesThroughSeq(t *testing.T) {
	b := memory.New()
	for seq := int64(1); seq <= 3; seq++ {
		if err := b.AddDiff(ctx, &storage.Diff{SubID: "s1", Sequence: seq}); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.PruneDiffs(ctx, "s1", 2); err != nil {
		t.Fatal(err)
	}

	remaining, err := b.GetDiffs(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Sequence != 3 {
		t.Errorf("expected only seq 3 to remain, got %+v", remaining)
	}
}

func TestRetryCAS_givesUpAfterThreeAttempts(t *testing.T) {
	attempts := 0
	err := storage.RetryCAS(ctx, func() error {
		attempts++
		return storage.ErrConflict
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict returned after retries exhausted, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestListOps_blobKeyedByItemID(t *testing.T) {
	b := memory.New()
	path := []string{"notes"}

	if err := b.ListAppend(ctx, "a1", path, "id1", []byte(`{"text":"hi"}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.ListAppend(ctx, "a1", path, "id2", []byte(`{"text":"yo"}`)); err != nil {
		t.Fatal(err)
	}

	v, err := b.GetProperty(ctx, "a1", path)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsList || len(v.ItemIDs) != 2 {
		t.Fatalf("expected a list with two item IDs, got %+v", v)
	}
	var items map[string]json.RawMessage
	if err := json.Unmarshal(v.Blob, &items); err != nil {
		t.Fatalf("list blob must be a JSON object keyed by item ID: %v (%s)", err, v.Blob)
	}
	if string(items["id1"]) != `{"text":"hi"}` || string(items["id2"]) != `{"text":"yo"}` {
		t.Fatalf("unexpected items after append: %v", items)
	}

	if err := b.ListUpdate(ctx, "a1", path, "id1", []byte(`{"text":"bye"}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.ListDelete(ctx, "a1", path, "id2"); err != nil {
		t.Fatal(err)
	}

	v, err = b.GetProperty(ctx, "a1", path)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.ItemIDs) != 1 || v.ItemIDs[0] != "id1" {
		t.Fatalf("expected only id1 to remain, got %v", v.ItemIDs)
	}
	items = nil
	if err := json.Unmarshal(v.Blob, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || string(items["id1"]) != `{"text":"bye"}` {
		t.Fatalf("blob out of sync with item IDs after update+delete: %v", items)
	}
}

func TestListUpdate_unknownItemIDNotFound(t *testing.T) {
	b := memory.New()
	if err := b.ListAppend(ctx, "a1", []string{"notes"}, "id1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.ListUpdate(ctx, "a1", []string{"notes"}, "nope", []byte(`{}`)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown item ID, got %v", err)
	}
}

func TestDeleteActor_cascadesSubscriptionState(t *testing.T) {
	b := memory.New()
	if err := b.CreateActor(ctx, &storage.Actor{ID: "a1", Creator: "eve@example.com", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateSubscription(ctx, &storage.Subscription{ActorID: "a1", PeerID: "p1", SubID: "s1", Target: "properties"}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddDiff(ctx, &storage.Diff{SubID: "s1", Sequence: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateProcessorState(ctx, &storage.ProcessorState{SubID: "s1"}); err != nil {
		t.Fatal(err)
	}

	if err := b.DeleteActor(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	diffs, err := b.GetDiffs(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 0 {
		t.Errorf("expected the actor's subscription diffs to cascade, got %+v", diffs)
	}
	if _, err := b.GetProcessorState(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected the actor's processor state to cascade, got %v", err)
	}
}
