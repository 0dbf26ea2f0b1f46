package property_test

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/property"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
)

var ctx = context.Background()

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) NotifyPropertyChange(_ context.Context, actorID, target, subtarget string, _ []byte) {
	r.calls = append(r.calls, actorID+":"+target+":"+subtarget)
}

func TestSetThenGet_roundTrips(t *testing.T) {
	backend := memory.New()
	d := hooks.NewDispatcher()
	notifier := &recordingNotifier{}
	store := property.NewStore(backend, d, notifier, zap.NewNop())

	if err := store.Set(ctx, "actor1", []string{"status"}, json.RawMessage(`"online"`)); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "actor1", []string{"status"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"online"` {
		t.Errorf("got %s, want \"online\"", got)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "actor1:properties:status" {
		t.Errorf("expected one notification, got %v", notifier.calls)
	}
}

func TestGet_hookReturningNoneHides(t *testing.T) {
	backend := memory.New()
	d := hooks.NewDispatcher()
	d.RegisterProperty("secret", func(context.Context, string, []string, hooks.PropertyAction, []byte) ([]byte, bool) {
		return nil, true
	})
	store := property.NewStore(backend, d, nil, zap.NewNop())

	if err := backend.SetProperty(ctx, "actor1", &storage.PropertyValue{Path: []string{"secret"}, Blob: []byte(`"topsecret"`)}); err != nil {
		t.Fatal(err)
	}
	_, err := store.Get(ctx, "actor1", []string{"secret"})
	if err != property.ErrHidden {
		t.Errorf("expected ErrHidden (storage 404 masked by hook), got %v", err)
	}
}

func TestSet_hookReturningNoneRejects(t *testing.T) {
	backend := memory.New()
	d := hooks.NewDispatcher()
	d.RegisterProperty("locked", func(context.Context, string, []string, hooks.PropertyAction, []byte) ([]byte, bool) {
		return nil, true
	})
	store := property.NewStore(backend, d, nil, zap.NewNop())

	err := store.Set(ctx, "actor1", []string{"locked"}, json.RawMessage(`"x"`))
	if err != property.ErrRejected {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestListAppendUpdateDelete(t *testing.T) {
	backend := memory.New()
	d := hooks.NewDispatcher()
	store := property.NewStore(backend, d, nil, zap.NewNop())

	id, err := store.ListAppend(ctx, "actor1", []string{"notes"}, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ListUpdate(ctx, "actor1", []string{"notes"}, id, json.RawMessage(`{"text":"bye"}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.ListDelete(ctx, "actor1", []string{"notes"}, id); err != nil {
		t.Fatal(err)
	}
}
