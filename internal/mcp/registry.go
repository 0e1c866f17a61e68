package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/drawbridge/internal/metrics"
)

// ToolDescriptor declares a tool's name, description, and input shape.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolHandler executes one tool call for a session.
type ToolHandler func(ctx context.Context, sess *Session, args map[string]any) (any, error)

// ToolRegistry stores the static tool set and its handlers, preserving
// registration order for listings.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDescriptor
	handlers map[string]ToolHandler
	order    []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]*ToolDescriptor),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool with its handler. A nil schema gets a generated
// empty-object schema.
func (r *ToolRegistry) Register(desc ToolDescriptor, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.InputSchema == nil {
		desc.InputSchema = map[string]any{"type": "object"}
	}
	r.tools[desc.Name] = &desc
	r.handlers[desc.Name] = handler
	r.order = append(r.order, desc.Name)
}

// Descriptors returns all tool descriptors in registration order.
func (r *ToolRegistry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		if t, ok := r.tools[name]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// Has reports whether name is a registered static tool.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Call executes a tool by name for the given session.
func (r *ToolRegistry) Call(ctx context.Context, sess *Session, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		metrics.ToolCalls.WithLabelValues(name, "unknown").Inc()
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	result, err := handler(ctx, sess, args)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	return result, nil
}

// RegisterWithMCPServer registers every tool with an MCP SDK server,
// binding handlers to sess. Used by the stdio serving mode.
func (r *ToolRegistry) RegisterWithMCPServer(server *mcp_sdk.Server, sess *Session) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		desc := r.tools[name]
		handler := r.handlers[name]

		schema, err := toSchema(desc.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}

		h := handler
		server.AddTool(&mcp_sdk.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: schema,
		}, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			var args map[string]any
			if req.Params != nil && len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return sdkErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
				}
			}
			result, err := h(ctx, sess, args)
			if err != nil {
				return sdkErrorResult(err.Error()), nil
			}
			data, err := json.Marshal(result)
			if err != nil {
				return sdkErrorResult(err.Error()), nil
			}
			return sdkTextResult(string(data)), nil
		})
	}
	return nil
}

// toSchema converts a raw map schema into the *jsonschema.Schema the SDK
// serializes.
func toSchema(raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema: %w", err)
	}
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("failed to parse input schema: %w", err)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func sdkTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}},
	}
}

func sdkErrorResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}},
		IsError: true,
	}
}

// SchemaFor creates a JSON Schema from a Go struct type using reflection.
// Field names come from json tags; omitempty fields are optional.
func SchemaFor[P any]() map[string]any {
	var p P
	t := reflect.TypeOf(p)

	if t == nil {
		return map[string]any{"type": "object"}
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return map[string]any{"type": "object"}
	}
	return structSchema(t)
}

func structSchema(t reflect.Type) map[string]any {
	props := make(map[string]any)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}

	var required []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		omitempty := false
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}

		propSchema := typeToSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			propSchema["description"] = desc
		}
		props[name] = propSchema

		if !omitempty {
			required = append(required, name)
		}
	}

	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func typeToSchema(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Ptr {
		return typeToSchema(t.Elem())
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeToSchema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": typeToSchema(t.Elem())}
	case reflect.Struct:
		return structSchema(t)
	case reflect.Interface:
		return map[string]any{}
	default:
		return map[string]any{"type": "string"}
	}
}
