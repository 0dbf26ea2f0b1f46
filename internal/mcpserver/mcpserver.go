// Package mcpserver exposes an actor's tools, resources, and prompts as an
// HTTP-transported, OAuth2-protected Model Context Protocol (MCP)
// endpoint. Each request carries one JSON-RPC 2.0 envelope in the HTTP
// body; tools/call routes through the same hook dispatcher that serves
// methods and actions.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/authrouter"
	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/trust"
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeForbidden      = -32001
)

// ToolDef describes one MCP tool for tools/list. Permission gating happens
// on tools/call via the trust evaluator against CategoryTools, keyed by
// Name as the resource.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// ResourceDef describes one MCP resource for resources/list, gated against
// CategoryResources by URI.
type ResourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Catalog is the static listing of tools/resources an application registers
// at startup; the actual call is still routed through the hook dispatcher
// so tools/call and actions/methods share one execution path.
type Catalog struct {
	Tools     []ToolDef
	Resources []ResourceDef
}

// Server implements the MCP JSON-RPC endpoint for one application instance.
type Server struct {
	hooks   *hooks.Dispatcher
	trust   *trust.Service
	catalog Catalog
	logger  *zap.Logger
}

// NewServer creates an MCP Server.
func NewServer(dispatcher *hooks.Dispatcher, trustSvc *trust.Service, catalog Catalog, logger *zap.Logger) *Server {
	return &Server{hooks: dispatcher, trust: trustSvc, catalog: catalog, logger: logger}
}

// Handler returns the gin.HandlerFunc for GET/POST /<id>/mcp. It
// expects authrouter.Middleware to have already populated the identity in
// the gin context; an OAuth2 or trust-peer identity is required, matching
// "OAuth2-protected" — the bearer/basic fallback in authrouter still
// applies, since the authorization server issues bearer tokens that
// authrouter already recognizes.
func (s *Server) Handler(actorIDParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := authrouter.IdentityFromContext(c)
		if !ok || (identity.Kind != authrouter.KindOAuth2 && identity.Kind != authrouter.KindTrustPeer) {
			c.Header("WWW-Authenticate", `Bearer realm="mcp"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "oauth2 authentication required"})
			return
		}
		actorID := c.Param(actorIDParam)

		var req rpcRequest
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			c.JSON(http.StatusBadRequest, s.errorResponse(nil, codeParseError, "parse error"))
			return
		}
		resp := s.dispatch(c.Request.Context(), actorID, identity, req)
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) dispatch(ctx context.Context, actorID string, identity authrouter.Identity, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": s.catalog.Tools}}
	case "resources/list":
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"resources": s.catalog.Resources}}
	case "tools/call":
		return s.handleToolsCall(ctx, actorID, identity, req)
	default:
		return s.errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req rpcRequest) rpcResponse {
	return rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
			"serverInfo":      map[string]any{"name": "actingweb", "version": "1.0"},
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, actorID string, identity authrouter.Identity, req rpcRequest) rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "invalid params")
	}

	if identity.PeerID != "" {
		decision := s.trust.Evaluate(ctx, actorID, identity.PeerID, trust.Request{
			Category: trust.CategoryTools,
			Resource: params.Name,
			Op:       trust.OpRead,
		})
		if decision != trust.Allow {
			return s.errorResponse(req.ID, codeForbidden, fmt.Sprintf("tool %q not permitted for this trust relationship", params.Name))
		}
	}

	result, handled := s.hooks.DispatchAction(ctx, actorID, params.Name, params.Arguments)
	if !handled {
		return s.errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown tool: %s", params.Name))
	}

	return rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(result)}},
			"isError": false,
		},
	}
}

func (s *Server) errorResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}
