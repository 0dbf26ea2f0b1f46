package trust_test

import (
	"testing"

	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

func TestEvaluate_denyBeatsAllow(t *testing.T) {
	tt := trust.Type{
		Name: "friend",
		Permissions: trust.Permissions{
			trust.CategoryProperties: {
				Allowed: []string{"*"},
				Denied:  []string{"secret/*"},
			},
		},
	}

	got := trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryProperties, Resource: "secret/key", Op: trust.OpRead})
	if got != trust.Deny {
		t.Errorf("expected deny to beat allow, got %v", got)
	}

	got = trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryProperties, Resource: "status", Op: trust.OpRead})
	if got != trust.Allow {
		t.Errorf("expected allow for non-denied resource, got %v", got)
	}
}

func TestEvaluate_defaultDeniesUnmatched(t *testing.T) {
	tt := trust.Type{
		Name: "viewer",
		Permissions: trust.Permissions{
			trust.CategoryProperties: {Allowed: []string{"public/*"}},
		},
	}

	got := trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryProperties, Resource: "private/key", Op: trust.OpRead})
	if got != trust.Deny {
		t.Errorf("expected fail-secure deny for unmatched resource, got %v", got)
	}
}

func TestEvaluate_operationGating(t *testing.T) {
	tt := trust.Type{
		Name: "viewer",
		Permissions: trust.Permissions{
			trust.CategoryProperties: {Allowed: []string{"*"}, Operations: []trust.Operation{trust.OpRead}},
		},
	}

	if got := trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryProperties, Resource: "status", Op: trust.OpRead}); got != trust.Allow {
		t.Errorf("expected read allowed, got %v", got)
	}
	if got := trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryProperties, Resource: "status", Op: trust.OpWrite}); got != trust.Deny {
		t.Errorf("expected write denied (not in operation set), got %v", got)
	}
}

func TestEvaluate_overrideAllowedAddsOnTopOfBase(t *testing.T) {
	tt := trust.Type{
		Name: "associate",
		Permissions: trust.Permissions{
			trust.CategoryProperties: {Allowed: []string{"public/*"}, Operations: []trust.Operation{trust.OpRead}},
		},
	}
	override := trust.Permissions{
		trust.CategoryProperties: {Allowed: []string{"status"}, Operations: []trust.Operation{trust.OpRead, trust.OpWrite}},
	}

	got := trust.Evaluate(tt, override, trust.Request{Category: trust.CategoryProperties, Resource: "status", Op: trust.OpWrite})
	if got != trust.Allow {
		t.Errorf("expected override to add allowed resource, got %v", got)
	}
}

func TestEvaluate_pathGlobMatchesTrailingWildcard(t *testing.T) {
	tt := trust.Type{
		Name: "friend",
		Permissions: trust.Permissions{
			trust.CategoryResources: {Allowed: []string{"notes/*"}, Operations: []trust.Operation{trust.OpRead}},
		},
	}

	got := trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryResources, Resource: "notes/2026/07/today", Op: trust.OpRead})
	if got != trust.Allow {
		t.Errorf("expected path-glob trailing wildcard to match nested path, got %v", got)
	}
}

func TestEvaluate_uriPrefixMatch(t *testing.T) {
	tt := trust.Type{
		Name: "mcp_client",
		Permissions: trust.Permissions{
			trust.CategoryResources: {Allowed: []string{"notes://"}, Operations: []trust.Operation{trust.OpRead}},
		},
	}

	got := trust.Evaluate(tt, nil, trust.Request{Category: trust.CategoryResources, Resource: "notes://inbox/1", Op: trust.OpRead})
	if got != trust.Allow {
		t.Errorf("expected URI-prefix match, got %v", got)
	}
}

func TestEvaluatorCache_returnsSameDecision(t *testing.T) {
	cache := trust.NewEvaluatorCache(8)
	tt := trust.Type{
		Name:    "viewer",
		Version: 1,
		Permissions: trust.Permissions{
			trust.CategoryProperties: {Allowed: []string{"*"}, Operations: []trust.Operation{trust.OpRead}},
		},
	}
	req := trust.Request{Category: trust.CategoryProperties, Resource: "status", Op: trust.OpRead}

	first := cache.Evaluate(tt, nil, 0, req)
	second := cache.Evaluate(tt, nil, 0, req)
	if first != second || first != trust.Allow {
		t.Errorf("expected cached decision to match recomputed one, got %v then %v", first, second)
	}
}
