// Package hooks implements the application-facing hook registration table:
// a typed registration API building a dispatch table consulted at every
// property mutation, method/action call, inbound callback, and lifecycle
// event. Dispatch is a map lookup plus ordered iteration, with named
// registrations running ahead of wildcard ones.
package hooks

import "context"

// PropertyAction identifies which property operation triggered a hook.
type PropertyAction string

const (
	ActionGet    PropertyAction = "get"
	ActionPut    PropertyAction = "put"
	ActionPost   PropertyAction = "post"
	ActionDelete PropertyAction = "delete"
)

// LifecycleEvent names a fan-out-only lifecycle hook point.
type LifecycleEvent string

const (
	EventActorCreated               LifecycleEvent = "actor_created"
	EventActorDeleted               LifecycleEvent = "actor_deleted"
	EventOAuthSuccess               LifecycleEvent = "oauth_success"
	EventTrustApproved              LifecycleEvent = "trust_approved"
	EventTrustDeleted               LifecycleEvent = "trust_deleted"
	EventEmailVerificationRequired  LifecycleEvent = "email_verification_required"
	EventEmailVerified              LifecycleEvent = "email_verified"
	EventCallbackApplied            LifecycleEvent = "callback_applied"
)

// Wildcard is the catch-all registration name, dispatched after every named
// hook for the same point.
const Wildcard = "*"

// PropertyHook evaluates or transforms a property value. Returning (nil,
// true) signals None — reject (403) on put/post/delete, hide (404) on get.
// The ok=false form is used for hooks that don't wish to participate in this
// particular call (chaining continues).
type PropertyHook func(ctx context.Context, actorID string, path []string, action PropertyAction, value []byte) (result []byte, participated bool)

// MethodHook handles a named method/action call. The first registered hook
// returning participated=true wins; its result is the response.
type MethodHook func(ctx context.Context, actorID string, name string, body []byte) (result []byte, participated bool)

// CallbackHook handles a named inbound callback payload.
type CallbackHook func(ctx context.Context, actorID string, name string, body []byte) (result []byte, participated bool)

// LifecycleHook is invoked for every subscriber of a lifecycle event; all
// are invoked, in registration order, regardless of return value.
type LifecycleHook func(ctx context.Context, actorID string, payload any)

type registration[T any] struct {
	name string
	fn   T
}

// Dispatcher is the hook dispatch table for one application instance. It
// has no freeze step: the Register* methods append to it without locking.
type Dispatcher struct {
	properties []registration[PropertyHook]
	methods    []registration[MethodHook]
	actions    []registration[MethodHook]
	callbacks  []registration[CallbackHook]
	lifecycle  map[LifecycleEvent][]LifecycleHook
}

// NewDispatcher returns an empty Dispatcher ready for registration.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{lifecycle: make(map[LifecycleEvent][]LifecycleHook)}
}

// RegisterProperty registers fn for the named property, or for every
// property if name is Wildcard.
func (d *Dispatcher) RegisterProperty(name string, fn PropertyHook) {
	d.properties = append(d.properties, registration[PropertyHook]{name, fn})
}

// RegisterMethod registers fn for the named method call.
func (d *Dispatcher) RegisterMethod(name string, fn MethodHook) {
	d.methods = append(d.methods, registration[MethodHook]{name, fn})
}

// RegisterAction registers fn for the named action call.
func (d *Dispatcher) RegisterAction(name string, fn MethodHook) {
	d.actions = append(d.actions, registration[MethodHook]{name, fn})
}

// RegisterCallback registers fn for the named inbound callback.
func (d *Dispatcher) RegisterCallback(name string, fn CallbackHook) {
	d.callbacks = append(d.callbacks, registration[CallbackHook]{name, fn})
}

// RegisterLifecycle subscribes fn to a lifecycle event. All subscribers are
// invoked; there is no winner.
func (d *Dispatcher) RegisterLifecycle(event LifecycleEvent, fn LifecycleHook) {
	d.lifecycle[event] = append(d.lifecycle[event], fn)
}

// ordered returns registrations for name first (in registration order), then
// wildcard registrations (in registration order) — "specific before
// wildcard" dispatch.
func ordered[T any](regs []registration[T], name string) []T {
	var specific, wild []T
	for _, r := range regs {
		if r.name == name {
			specific = append(specific, r.fn)
		} else if r.name == Wildcard {
			wild = append(wild, r.fn)
		}
	}
	return append(specific, wild...)
}

// DispatchProperty chains every matching property hook. Every hook that
// reports participated=false is skipped; the first that returns a nil
// result with participated=true short-circuits as None (reject/hide). If no
// hook participates, value is returned unchanged.
func (d *Dispatcher) DispatchProperty(ctx context.Context, actorID string, path []string, action PropertyAction, value []byte) (result []byte, rejected bool) {
	current := value
	name := ""
	if len(path) > 0 {
		name = path[0]
	}
	for _, fn := range ordered(d.properties, name) {
		out, participated := fn(ctx, actorID, path, action, current)
		if !participated {
			continue
		}
		if out == nil {
			return nil, true
		}
		current = out
	}
	return current, false
}

// DispatchMethod runs method hooks for name until one participates.
func (d *Dispatcher) DispatchMethod(ctx context.Context, actorID, name string, body []byte) (result []byte, handled bool) {
	for _, fn := range ordered(d.methods, name) {
		if out, ok := fn(ctx, actorID, name, body); ok {
			return out, true
		}
	}
	return nil, false
}

// DispatchAction runs action hooks for name until one participates.
func (d *Dispatcher) DispatchAction(ctx context.Context, actorID, name string, body []byte) (result []byte, handled bool) {
	for _, fn := range ordered(d.actions, name) {
		if out, ok := fn(ctx, actorID, name, body); ok {
			return out, true
		}
	}
	return nil, false
}

// DispatchCallback runs callback hooks for name until one participates.
func (d *Dispatcher) DispatchCallback(ctx context.Context, actorID, name string, body []byte) (result []byte, handled bool) {
	for _, fn := range ordered(d.callbacks, name) {
		if out, ok := fn(ctx, actorID, name, body); ok {
			return out, true
		}
	}
	return nil, false
}

// FireLifecycle invokes every subscriber of event, in registration order.
// Lifecycle hooks have no return value to aggregate — they are fan-out only.
func (d *Dispatcher) FireLifecycle(ctx context.Context, event LifecycleEvent, actorID string, payload any) {
	for _, fn := range d.lifecycle[event] {
		fn(ctx, actorID, payload)
	}
}
