package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/drawbridge/internal/relay"
)

// HandlerDeps are the collaborators a protocol handler drives. Shared by
// all sessions; the handler itself carries only per-session state.
type HandlerDeps struct {
	Tools    *ToolRegistry
	Catalog  *Catalog
	Bridge   *relay.Bridge
	Registry *relay.Registry
}

// ProtocolHandler multiplexes one session's JSON-RPC exchanges onto the
// relay. Dispatch over method strings is closed: unsupported methods hit
// an explicit method-not-found terminal case.
type ProtocolHandler struct {
	session *Session
	deps    HandlerDeps
}

// NewProtocolHandler creates a handler bound to sess.
func NewProtocolHandler(sess *Session, deps HandlerDeps) *ProtocolHandler {
	return &ProtocolHandler{session: sess, deps: deps}
}

// Handle processes one request and returns its response. Notifications
// (requests without an id) are processed but get no response.
func (h *ProtocolHandler) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	resp := h.dispatch(ctx, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func (h *ProtocolHandler) dispatch(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "ping":
		return newResult(req.ID, map[string]any{})
	case "tools/list":
		return h.handleToolsList(ctx, req)
	case "tools/call":
		return h.handleToolsCall(ctx, req)
	default:
		return newError(req.ID, codeMethodNotFound, "Method not found: %s", req.Method)
	}
}

func (h *ProtocolHandler) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return newResult(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	})
}

func (h *ProtocolHandler) handleToolsList(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	tools := h.deps.Catalog.ListTools(ctx, h.session.ChannelID())
	return newResult(req.ID, map[string]any{"tools": tools})
}

func (h *ProtocolHandler) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, codeInvalidParams, "Invalid params: %v", err)
		}
	}
	if params.Name == "" {
		return newError(req.ID, codeInvalidParams, "tool name is required")
	}

	var result any
	var err error
	if h.deps.Tools.Has(params.Name) {
		result, err = h.deps.Tools.Call(ctx, h.session, params.Name, params.Arguments)
	} else {
		// Not a static tool: treat it as a peer-advertised tool and carry
		// the call opaquely over the bridge.
		result, err = h.callPeerTool(ctx, params.Name, params.Arguments)
	}
	if err != nil {
		// Tool failures are results, not protocol errors.
		return newResult(req.ID, errorResult(err.Error()))
	}

	if ctr, ok := result.(*callToolResult); ok {
		return newResult(req.ID, ctr)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return newResult(req.ID, errorResult(err.Error()))
	}
	return newResult(req.ID, textResult(string(data)))
}

// callPeerTool forwards an unrecognized tool name to the controlled peer as
// a bridge call, payload untouched.
func (h *ProtocolHandler) callPeerTool(ctx context.Context, name string, args map[string]any) (any, error) {
	channelID := h.session.ChannelID()
	if channelID == "" {
		return nil, ErrNotBound
	}
	raw, err := bridgeCall(ctx, h.deps.Bridge, channelID, name, args, 0)
	if err != nil {
		return nil, fmt.Errorf("peer tool %s: %w", name, err)
	}
	return json.RawMessage(raw), nil
}
