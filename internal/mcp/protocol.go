// Package mcp implements the session-routed request/response protocol
// surface on top of the channel relay: token-keyed sessions, a tool
// registry, and the catalog aggregator that merges peer-advertised tools
// with the static set.
package mcp

import (
	"encoding/json"
	"fmt"
)

// protocolVersion is the MCP revision this surface speaks.
const protocolVersion = "2025-06-18"

// serverName and serverVersion identify the implementation in initialize.
const (
	serverName    = "drawbridge"
	serverVersion = "0.1.0"
)

// JSON-RPC 2.0 error codes used by the session surface.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32000
	codeUnknownSession = -32001
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *JSONRPCRequest) IsNotification() bool {
	return r.ID == nil
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func newResult(id, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func newError(id any, code int, format string, v ...any) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: fmt.Sprintf(format, v...)},
	}
}

// textContent is one MCP text content block in a tool result.
type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// callToolResult is the wire shape of a tools/call result.
type callToolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string) *callToolResult {
	return &callToolResult{Content: []textContent{{Type: "text", Text: text}}}
}

func errorResult(text string) *callToolResult {
	return &callToolResult{Content: []textContent{{Type: "text", Text: text}}, IsError: true}
}
