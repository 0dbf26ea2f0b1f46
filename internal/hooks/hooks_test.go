package hooks_test

import (
	"context"
	"testing"

	"github.com/jmerrifield20/actingweb-core/internal/hooks"
)

var ctx = context.Background()

func TestDispatchProperty_specificBeforeWildcard(t *testing.T) {
	d := hooks.NewDispatcher()
	var order []string

	d.RegisterProperty(hooks.Wildcard, func(context.Context, string, []string, hooks.PropertyAction, []byte) ([]byte, bool) {
		order = append(order, "wildcard")
		return nil, false
	})
	d.RegisterProperty("email", func(context.Context, string, []string, hooks.PropertyAction, []byte) ([]byte, bool) {
		order = append(order, "specific")
		return nil, false
	})

	_, rejected := d.DispatchProperty(ctx, "actor1", []string{"email"}, hooks.ActionGet, []byte(`"a@b.com"`))
	if rejected {
		t.Fatal("expected no rejection")
	}
	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("expected specific before wildcard, got %v", order)
	}
}

func TestDispatchProperty_noneRejects(t *testing.T) {
	d := hooks.NewDispatcher()
	d.RegisterProperty("secret", func(context.Context, string, []string, hooks.PropertyAction, []byte) ([]byte, bool) {
		return nil, true
	})

	result, rejected := d.DispatchProperty(ctx, "actor1", []string{"secret"}, hooks.ActionGet, []byte(`"x"`))
	if !rejected || result != nil {
		t.Errorf("expected rejection with nil result, got result=%v rejected=%v", result, rejected)
	}
}

func TestDispatchMethod_firstParticipantWins(t *testing.T) {
	d := hooks.NewDispatcher()
	d.RegisterMethod("ping", func(context.Context, string, string, []byte) ([]byte, bool) {
		return nil, false
	})
	d.RegisterMethod("ping", func(context.Context, string, string, []byte) ([]byte, bool) {
		return []byte(`"pong"`), true
	})
	d.RegisterMethod("ping", func(context.Context, string, string, []byte) ([]byte, bool) {
		t.Fatal("should not be reached once a prior hook participated")
		return nil, true
	})

	result, handled := d.DispatchMethod(ctx, "actor1", "ping", nil)
	if !handled || string(result) != `"pong"` {
		t.Errorf("got result=%s handled=%v", result, handled)
	}
}

func TestFireLifecycle_invokesAllSubscribers(t *testing.T) {
	d := hooks.NewDispatcher()
	var calls int
	d.RegisterLifecycle(hooks.EventActorCreated, func(context.Context, string, any) { calls++ })
	d.RegisterLifecycle(hooks.EventActorCreated, func(context.Context, string, any) { calls++ })

	d.FireLifecycle(ctx, hooks.EventActorCreated, "actor1", nil)
	if calls != 2 {
		t.Errorf("expected both subscribers invoked, got %d calls", calls)
	}
}
