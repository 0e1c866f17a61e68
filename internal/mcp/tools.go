// tools.go declares the static tool set. Every tool that reaches the
// controlled peer is a thin passthrough: arguments travel opaquely as the
// bridge message payload and results come back verbatim.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/drawbridge/internal/relay"
)

// joinChannelArgs is the connect handshake input.
type joinChannelArgs struct {
	Channel string `json:"channel" description:"channel id the controlled peer joined"`
}

// sendCommandArgs is the generic passthrough input.
type sendCommandArgs struct {
	Command   string         `json:"command" description:"message type the peer should execute"`
	Payload   map[string]any `json:"payload,omitempty" description:"opaque payload forwarded to the peer"`
	TimeoutMs int            `json:"timeoutMs,omitempty" description:"per-call deadline override in milliseconds"`
}

// RegisterTools populates reg with the static tool set.
func RegisterTools(reg *ToolRegistry, deps HandlerDeps) {
	reg.Register(ToolDescriptor{
		Name:        "join_channel",
		Description: "Bind this session to a relay channel so subsequent tool calls reach the peer connected there",
		InputSchema: SchemaFor[joinChannelArgs](),
	}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		channel, _ := args["channel"].(string)
		if channel == "" {
			return nil, fmt.Errorf("channel is required")
		}
		sess.Bind(channel)
		return map[string]any{
			"channel":       channel,
			"peerConnected": deps.Registry.PeerConnected(channel),
		}, nil
	})

	reg.Register(ToolDescriptor{
		Name:        "channel_status",
		Description: "Report whether the bound channel currently has a connected peer",
	}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		channel := sess.ChannelID()
		if channel == "" {
			return nil, ErrNotBound
		}
		return map[string]any{
			"channel":       channel,
			"peerConnected": deps.Registry.PeerConnected(channel),
			"callers":       deps.Registry.CallerCount(channel),
		}, nil
	})

	reg.Register(ToolDescriptor{
		Name:        "send_command",
		Description: "Send an arbitrary command to the peer over the bridge and wait for its reply",
		InputSchema: SchemaFor[sendCommandArgs](),
	}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		command, _ := args["command"].(string)
		if command == "" {
			return nil, fmt.Errorf("command is required")
		}
		payload, _ := args["payload"].(map[string]any)
		timeout := timeoutFromArgs(args)

		channel := sess.ChannelID()
		if channel == "" {
			return nil, ErrNotBound
		}
		raw, err := bridgeCall(ctx, deps.Bridge, channel, command, payload, timeout)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	})

	reg.Register(ToolDescriptor{
		Name:        "list_peer_tools",
		Description: "List the tools the connected peer advertises, merged with the static set",
	}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		return map[string]any{
			"tools": deps.Catalog.ListTools(ctx, sess.ChannelID()),
		}, nil
	})

	// Document passthroughs. The peer owns the semantics; these exist so
	// common operations have first-class names and schemas.
	registerPassthrough(reg, deps, "get_document_info",
		"Fetch the peer's current document summary", nil)
	registerPassthrough(reg, deps, "get_selection",
		"Fetch the peer's current selection", nil)
	registerPassthrough(reg, deps, "create_node",
		"Create a node in the peer's document", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"nodeType": map[string]any{"type": "string"},
				"parentId": map[string]any{"type": "string"},
			},
			"required": []string{"nodeType"},
		})
	registerPassthrough(reg, deps, "set_node_properties",
		"Update properties on a node in the peer's document", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"nodeId":     map[string]any{"type": "string"},
				"properties": map[string]any{"type": "object"},
			},
			"required": []string{"nodeId", "properties"},
		})
	registerPassthrough(reg, deps, "delete_node",
		"Delete a node from the peer's document", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"nodeId": map[string]any{"type": "string"},
			},
			"required": []string{"nodeId"},
		})
}

// registerPassthrough wires a tool whose call is forwarded to the peer
// unchanged, with the tool name as the message type.
func registerPassthrough(reg *ToolRegistry, deps HandlerDeps, name, description string, schema map[string]any) {
	reg.Register(ToolDescriptor{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		channel := sess.ChannelID()
		if channel == "" {
			return nil, ErrNotBound
		}
		raw, err := bridgeCall(ctx, deps.Bridge, channel, name, args, timeoutFromArgs(args))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	})
}

// bridgeCall assembles a {type, id, payload} message with a fresh
// correlation id and runs it through the bridge.
func bridgeCall(ctx context.Context, bridge *relay.Bridge, channelID, msgType string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	msg := map[string]any{
		"type": msgType,
		"id":   uuid.NewString(),
	}
	if payload != nil {
		msg["payload"] = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bridge message: %w", err)
	}
	return bridge.Call(ctx, channelID, data, timeout)
}

// timeoutFromArgs extracts a timeoutMs override, zero when absent.
func timeoutFromArgs(args map[string]any) time.Duration {
	if v, ok := args["timeoutMs"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return 0
}
